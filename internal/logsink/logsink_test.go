package logsink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cameronmaxwell/streamtest/internal/mediastream"
)

func TestFileSinkAppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.log")
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.LogMessage("connection opened"))
	require.NoError(t, sink.LogMessage("connection closed"))

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "connection opened")
	assert.Contains(t, string(contents), "connection closed")
}

func TestFileSinkEmptyPathIsNoOp(t *testing.T) {
	sink, err := NewFileSink("")
	require.NoError(t, err)
	assert.NoError(t, sink.LogMessage("discarded"))
	assert.NoError(t, sink.Close())
}

func TestJitterRecorderWritesHeaderAndRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jitter.csv")
	rec, err := NewJitterRecorder(path)
	require.NoError(t, err)

	rec.RecordJitter(mediastream.JitterRecord{Seq: 1, SenderQPC: 100, SenderQPF: 1000, ReceiverQPC: 110, ReceiverQPF: 1000})
	rec.RecordJitter(mediastream.JitterRecord{Seq: 2, SenderQPC: 200, SenderQPF: 1000, ReceiverQPC: 215, ReceiverQPF: 1000})
	require.NoError(t, rec.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := string(contents)
	assert.Contains(t, lines, "seq,sender_qpc,sender_qpf,receiver_qpc,receiver_qpf")
	assert.Contains(t, lines, "1,100,1000,110,1000")
	assert.Contains(t, lines, "2,200,1000,215,1000")
}

func TestWebSocketSinkBroadcastToNoClientsIsSafe(t *testing.T) {
	sink := NewWebSocketSink()
	assert.NotPanics(t, func() {
		sink.Broadcast(StatusEntry{Pending: 1, Active: 2})
	})
	assert.NoError(t, sink.Close())
}
