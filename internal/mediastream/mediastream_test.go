package mediastream

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cameronmaxwell/streamtest/internal/config"
	"github.com/cameronmaxwell/streamtest/internal/pbuf"
	"github.com/cameronmaxwell/streamtest/internal/stats"
)

func TestEncodeDecodeDataDatagramRoundTrip(t *testing.T) {
	h := FrameHeader{Sequence: 42, SenderQPC: 100, SenderQPF: uint64(time.Second), Flags: 0}
	payload := []byte("hello media frame")

	buf := EncodeDataDatagram(h, payload)
	isResend, gotHeader, gotPayload, _, _, err := DecodeDatagram(buf)

	require.NoError(t, err)
	assert.False(t, isResend)
	assert.Equal(t, h, gotHeader)
	assert.Equal(t, payload, gotPayload)
}

func TestEncodeDecodeResendRequest(t *testing.T) {
	buf := EncodeResendRequest(10, 20)
	isResend, _, _, low, high, err := DecodeDatagram(buf)

	require.NoError(t, err)
	assert.True(t, isResend)
	assert.EqualValues(t, 10, low)
	assert.EqualValues(t, 20, high)
}

func TestDecodeDatagramShortBuffer(t *testing.T) {
	_, _, _, _, _, err := DecodeDatagram([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrShortDatagram)
}

type recordingSink struct {
	mu      sync.Mutex
	records []JitterRecord
}

func (s *recordingSink) RecordJitter(r JitterRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// TestServerClientRoundTrip runs a real Server and Client over loopback UDP
// and asserts that frames are delivered, that none fails verification, and
// that each completed frame produced exactly one jitter record.
func TestServerClientRoundTrip(t *testing.T) {
	msCfg := config.MediaStreamConfig{
		BitsPerSecond:       800000,
		FramesPerSecond:     50,
		BufferDepthSeconds:  0.5,
		StreamLengthSeconds: 0.2,
		Codec:               config.CodecNoResends,
	}

	pattern := pbuf.New(7, 1<<16)

	serverConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer serverConn.Close()

	clientConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientConn.Close()

	serverCounters := &stats.Counters{}
	clientCounters := &stats.Counters{}
	sink := &recordingSink{}

	server := NewServer(msCfg, pattern, serverConn, serverCounters)
	client := NewClient(msCfg, pattern, clientConn, serverConn.LocalAddr(), clientCounters, sink)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		server.Run(ctx)
	}()

	require.NoError(t, client.Start())

	go func() {
		defer wg.Done()
		client.Run(ctx)
	}()

	wg.Wait()

	snap := clientCounters.Snapshot()
	assert.Zero(t, snap.FramesErrored)
	assert.Greater(t, snap.FramesCompleted, uint64(0))
	assert.Equal(t, int(snap.FramesCompleted), sink.count())
}

func TestClientDropsAbsentFrameUnderNoResends(t *testing.T) {
	msCfg := config.MediaStreamConfig{
		BitsPerSecond:       800000,
		FramesPerSecond:     100,
		BufferDepthSeconds:  0.2,
		StreamLengthSeconds: 0.05,
		Codec:               config.CodecNoResends,
	}
	pattern := pbuf.New(9, 1<<12)

	clientConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientConn.Close()

	serverAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:1")
	require.NoError(t, err)

	counters := &stats.Counters{}
	sink := &recordingSink{}
	client := NewClient(msCfg, pattern, clientConn, serverAddr, counters, sink)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	client.Run(ctx)

	snap := counters.Snapshot()
	assert.Zero(t, snap.FramesCompleted)
	assert.Greater(t, snap.FramesDropped, uint64(0))
}

// TestClientLateResendArrivalCountsAsCompleted proves a frame that shows up
// after its window slot was evicted, but that had an outstanding resend
// request, is credited as completed rather than counted as a duplicate.
func TestClientLateResendArrivalCountsAsCompleted(t *testing.T) {
	msCfg := config.MediaStreamConfig{
		BitsPerSecond:       800000,
		FramesPerSecond:     100,
		BufferDepthSeconds:  0.2,
		StreamLengthSeconds: 0.03,
		Codec:               config.CodecResendOnce,
	}
	pattern := pbuf.New(9, 1<<12)

	clientConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientConn.Close()

	serverAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:1")
	require.NoError(t, err)

	counters := &stats.Counters{}
	sink := &recordingSink{}
	client := NewClient(msCfg, pattern, clientConn, serverAddr, counters, sink)

	client.requestResend(0)
	seq := client.windowStart
	client.deliveryPos = seq + 1 // simulate the slot already having been evicted

	header := FrameHeader{Sequence: seq}
	client.onFrame(header, []byte("late"))

	snap := counters.Snapshot()
	assert.EqualValues(t, 1, snap.FramesCompleted)
	assert.Zero(t, snap.FramesDuplicated)
}

// TestClientOrdinaryDuplicateStillCountsAsDuplicate proves a late arrival
// with no outstanding resend request is still an ordinary duplicate.
func TestClientOrdinaryDuplicateStillCountsAsDuplicate(t *testing.T) {
	msCfg := config.MediaStreamConfig{
		BitsPerSecond:       800000,
		FramesPerSecond:     100,
		BufferDepthSeconds:  0.2,
		StreamLengthSeconds: 0.03,
		Codec:               config.CodecNoResends,
	}
	pattern := pbuf.New(9, 1<<12)

	clientConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientConn.Close()

	serverAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:1")
	require.NoError(t, err)

	counters := &stats.Counters{}
	sink := &recordingSink{}
	client := NewClient(msCfg, pattern, clientConn, serverAddr, counters, sink)

	client.deliveryPos = client.windowStart + 1

	header := FrameHeader{Sequence: client.windowStart}
	client.onFrame(header, []byte("late"))

	snap := counters.Snapshot()
	assert.Zero(t, snap.FramesCompleted)
	assert.EqualValues(t, 1, snap.FramesDuplicated)
}

func TestClientResendOnceRequestsBeforeDropping(t *testing.T) {
	msCfg := config.MediaStreamConfig{
		BitsPerSecond:       800000,
		FramesPerSecond:     100,
		BufferDepthSeconds:  0.2,
		StreamLengthSeconds: 0.03,
		Codec:               config.CodecResendOnce,
	}
	pattern := pbuf.New(9, 1<<12)

	clientConn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientConn.Close()

	serverAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:1")
	require.NoError(t, err)

	counters := &stats.Counters{}
	sink := &recordingSink{}
	client := NewClient(msCfg, pattern, clientConn, serverAddr, counters, sink)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	client.Run(ctx)

	snap := counters.Snapshot()
	assert.Greater(t, snap.FramesRetried, uint64(0))
	assert.Greater(t, snap.FramesDropped, uint64(0))
}
