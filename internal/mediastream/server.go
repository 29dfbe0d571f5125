package mediastream

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/cameronmaxwell/streamtest/internal/config"
	"github.com/cameronmaxwell/streamtest/internal/pbuf"
	"github.com/cameronmaxwell/streamtest/internal/stats"
)

// qpcNow and qpcFrequency stand in for the source's QueryPerformanceCounter
// pair: a monotonic tick count and its frequency in ticks/sec. time.Since
// a process-start base uses Go's monotonic clock reading, which gives the
// same properties Go needs (monotonic, comparable across a single process
// run); frequency is fixed at nanoseconds-per-second so QPC deltas convert
// to durations directly.
const qpcFrequency = uint64(time.Second)

var qpcBase = time.Now()

func qpcNow() uint64 { return uint64(time.Since(qpcBase)) }

// clientSession tracks one connected media-stream client on the server
// side: its address.
type clientSession struct {
	addr net.Addr
}

// Server is the UDP Media-Stream frame scheduler (spec §4.6): datagrams
// paced by frame rate, drawn from the shared pattern buffer, resent on
// request.
type Server struct {
	cfg     config.MediaStreamConfig
	pattern *pbuf.Pattern
	conn    net.PacketConn
	counters *stats.Counters

	frameSize int // bytes of payload per frame, header excluded

	mu       sync.Mutex
	sessions map[string]*clientSession
}

// NewServer builds a Server that will send
// stream_length_seconds*frames_per_second frames to the first client that
// contacts it, each of frameSize payload bytes computed from
// bits_per_second and frames_per_second per spec §4.6.
func NewServer(cfg config.MediaStreamConfig, pattern *pbuf.Pattern, conn net.PacketConn, counters *stats.Counters) *Server {
	frameSize := int(cfg.BitsPerSecond / (8 * uint64(cfg.FramesPerSecond)))
	if frameSize <= headerLen {
		frameSize = headerLen + 1
	}
	return &Server{
		cfg:       cfg,
		pattern:   pattern,
		conn:      conn,
		counters:  counters,
		frameSize: frameSize - headerLen,
		sessions:  make(map[string]*clientSession),
	}
}

// Run listens for the "start" datagram that identifies a client (spec
// §4.6: "a single 'start' datagram identifies the client"), then streams
// stream_length_seconds*frames_per_second frames to it while servicing
// resend requests, until the stream ends or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	incoming := make(chan struct {
		addr net.Addr
		buf  []byte
	}, 64)

	go func() {
		buf := make([]byte, 65535)
		for {
			n, addr, err := s.conn.ReadFrom(buf)
			if err != nil {
				return
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			select {
			case incoming <- struct {
				addr net.Addr
				buf  []byte
			}{addr, cp}:
			case <-ctx.Done():
				return
			}
		}
	}()

	frameCount := uint64(s.cfg.StreamLengthSeconds * float64(s.cfg.FramesPerSecond))
	ticker := time.NewTicker(time.Second / time.Duration(s.cfg.FramesPerSecond))
	defer ticker.Stop()

	var seq uint64
	var client net.Addr

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-incoming:
			isResend, _, _, low, high, err := DecodeDatagram(msg.buf)
			if err != nil {
				continue
			}
			if client == nil {
				client = msg.addr
				s.mu.Lock()
				s.sessions[msg.addr.String()] = &clientSession{addr: msg.addr}
				s.mu.Unlock()
				continue
			}
			if isResend {
				s.resend(client, low, high)
			}

		case <-ticker.C:
			if client == nil {
				continue
			}
			if seq >= frameCount {
				return nil
			}
			s.sendFrame(client, seq)
			seq++
		}
	}
}

func (s *Server) sendFrame(client net.Addr, seq uint64) {
	payload := s.pattern.SendWindow(int64(seq)*int64(s.frameSize), s.frameSize)
	dgram := EncodeDataDatagram(FrameHeader{
		Sequence:  seq,
		SenderQPC: qpcNow(),
		SenderQPF: qpcFrequency,
	}, payload)

	n, err := s.conn.WriteTo(dgram, client)
	if err == nil {
		s.counters.AddBytesSent(uint64(n))
	}
}

// resend immediately resends every frame in [low, high], once each, per
// spec §4.6.
func (s *Server) resend(client net.Addr, low, high uint64) {
	for seq := low; seq <= high; seq++ {
		s.sendFrame(client, seq)
		s.counters.IncFramesRetried()
	}
}
