// Package logsink implements the four external sinks spec §6 names:
// connection log, error log, status log, and jitter log. The connection and
// error logs are plain-text FileSinks and the jitter log is a CSV file;
// status snapshots are broadcast to live websocket viewers only (there is
// no status file sink), grounded on bagechashu-udp-quality-exporter's
// broadcastStats dashboard.
package logsink

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cameronmaxwell/streamtest/internal/mediastream"
)

// Sink receives one formatted line at a time. Implementations must be
// safe for concurrent use: every connection goroutine writes through the
// same sink instances.
type Sink interface {
	LogMessage(text string) error
	Close() error
}

// FileSink appends plain lines to a file, one per LogMessage call.
type FileSink struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileSink opens (creating if needed, appending if present) the file at
// path. An empty path yields a discard sink, since spec §3's LogPaths are
// all optional.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return &FileSink{}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: open %s: %w", path, err)
	}
	return &FileSink{f: f}, nil
}

func (s *FileSink) LogMessage(text string) error {
	if s.f == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintln(s.f, text)
	return err
}

func (s *FileSink) Close() error {
	if s.f == nil {
		return nil
	}
	return s.f.Close()
}

// CSVSink writes one CSV row per record. The jitter sink is always a
// CSVSink: spec §6 fixes its columns to
// seq,sender_qpc,sender_qpf,receiver_qpc,receiver_qpf.
type CSVSink struct {
	mu sync.Mutex
	f  *os.File
	w  *csv.Writer
}

// NewCSVSink opens path and writes header as the first row if the file is
// newly created (empty).
func NewCSVSink(path string, header []string) (*CSVSink, error) {
	if path == "" {
		return &CSVSink{}, nil
	}
	info, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: open %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if statErr != nil || info.Size() == 0 {
		if err := w.Write(header); err != nil {
			f.Close()
			return nil, err
		}
		w.Flush()
	}
	return &CSVSink{f: f, w: w}, nil
}

func (s *CSVSink) WriteRow(fields []string) error {
	if s.f == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Write(fields); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSVSink) Close() error {
	if s.f == nil {
		return nil
	}
	s.w.Flush()
	return s.f.Close()
}

// JitterRecorder adapts a CSVSink to internal/mediastream.JitterSink.
type JitterRecorder struct {
	sink *CSVSink
}

// NewJitterRecorder opens the jitter CSV sink named by spec §3's
// LogPaths.Jitter.
func NewJitterRecorder(path string) (*JitterRecorder, error) {
	sink, err := NewCSVSink(path, []string{"seq", "sender_qpc", "sender_qpf", "receiver_qpc", "receiver_qpf"})
	if err != nil {
		return nil, err
	}
	return &JitterRecorder{sink: sink}, nil
}

// RecordJitter satisfies internal/mediastream.JitterSink.
func (j *JitterRecorder) RecordJitter(rec mediastream.JitterRecord) {
	_ = j.sink.WriteRow([]string{
		fmt.Sprint(rec.Seq),
		fmt.Sprint(rec.SenderQPC),
		fmt.Sprint(rec.SenderQPF),
		fmt.Sprint(rec.ReceiverQPC),
		fmt.Sprint(rec.ReceiverQPF),
	})
}

func (j *JitterRecorder) Close() error { return j.sink.Close() }

// StatusEntry is one broadcastable snapshot of run-wide state, the JSON
// payload the websocket dashboard renders as a table, grounded on
// bagechashu's ClientStats broadcast shape.
type StatusEntry struct {
	Timestamp        time.Time `json:"timestamp"`
	Pending          uint32    `json:"pending"`
	Active           uint32    `json:"active"`
	BytesSent        uint64    `json:"bytes_sent"`
	BytesRecv        uint64    `json:"bytes_recv"`
	FramesCompleted  uint64    `json:"frames_completed"`
	FramesDropped    uint64    `json:"frames_dropped"`
	FramesDuplicated uint64    `json:"frames_duplicated"`
	FramesRetried    uint64    `json:"frames_retried"`
	FramesErrored    uint64    `json:"frames_errored"`
}

// WebSocketSink upgrades and tracks viewer connections and broadcasts a
// StatusEntry to each on every Broadcast call, mirroring
// bagechashu-udp-quality-exporter's udp-tester/server broadcastStats loop.
type WebSocketSink struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// NewWebSocketSink builds a sink with an origin-agnostic upgrader, matching
// the teacher pack's local-network dashboard use case.
func NewWebSocketSink() *WebSocketSink {
	return &WebSocketSink{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[*websocket.Conn]bool),
	}
}

// HandleUpgrade is an http.HandlerFunc that registers a new dashboard
// viewer.
func (s *WebSocketSink) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()
}

// Broadcast sends entry as JSON to every connected viewer, dropping and
// closing any connection that errors on write.
func (s *WebSocketSink) Broadcast(entry StatusEntry) {
	msg, err := json.Marshal(entry)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		conn.Close()
	}
	return nil
}
