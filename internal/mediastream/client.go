package mediastream

import (
	"context"
	"net"
	"time"

	"github.com/cameronmaxwell/streamtest/internal/config"
	"github.com/cameronmaxwell/streamtest/internal/pbuf"
	"github.com/cameronmaxwell/streamtest/internal/stats"
)

// slot holds one position in the client's sliding delivery window.
type slot struct {
	filled      bool
	header      FrameHeader
	payload     []byte
	receiverQPC uint64
	resent      bool // a resend request has already gone out for this position
}

// JitterRecord is one row of the jitter sink: spec §6 requires exactly
// "seq, sender_qpc, sender_qpf, receiver_qpc, receiver_qpf" per delivered
// frame.
type JitterRecord struct {
	Seq         uint64
	SenderQPC   uint64
	SenderQPF   uint64
	ReceiverQPC uint64
	ReceiverQPF uint64
}

// JitterSink receives one JitterRecord per delivered frame.
type JitterSink interface {
	RecordJitter(JitterRecord)
}

// Client implements the UDP Media-Stream Client Core (spec §4.7): a
// sliding ordered-delivery window, a delivery clock, codec-driven resend
// logic, and jitter capture. It does not literally satisfy
// internal/iopattern.Pattern's single-task-at-a-time contract — the
// media-stream wire is clock-driven with many frames in flight at once —
// but it plays the same role (accept bytes, verify them, classify the
// outcome) that spec §4.3 assigns the TCP pattern variants, per spec
// §2 item 7's "Embeds its own I/O Pattern variant".
type Client struct {
	cfg     config.MediaStreamConfig
	pattern *pbuf.Pattern
	conn    net.PacketConn
	server  net.Addr
	counters *stats.Counters
	sink    JitterSink

	frameSize int

	window      []slot
	windowStart uint64 // sequence number the window's slot 0 currently represents

	deliveryPos uint64 // next sequence number to be delivered

	// resentPending remembers sequences a resend was requested for but that
	// have not yet arrived or been resolved. A frame that shows up here
	// after its window slot was already evicted is the resend paying off
	// late, not an ordinary duplicate (spec §4.7).
	resentPending map[uint64]struct{}
}

// NewClient builds a Client with a window sized
// buffer_depth_seconds*frames_per_second frames, per spec §4.7.
func NewClient(cfg config.MediaStreamConfig, pattern *pbuf.Pattern, conn net.PacketConn, server net.Addr, counters *stats.Counters, sink JitterSink) *Client {
	frameSize := int(cfg.BitsPerSecond / (8 * uint64(cfg.FramesPerSecond)))
	if frameSize <= headerLen {
		frameSize = headerLen + 1
	}
	frameSize -= headerLen

	windowSize := int(cfg.BufferDepthSeconds * float64(cfg.FramesPerSecond))
	if windowSize < 1 {
		windowSize = 1
	}
	return &Client{
		cfg:           cfg,
		pattern:       pattern,
		conn:          conn,
		server:        server,
		counters:      counters,
		sink:          sink,
		frameSize:     frameSize,
		window:        make([]slot, windowSize),
		resentPending: make(map[uint64]struct{}),
	}
}

// Start sends the "start" datagram the server identifies the client by
// (spec §4.6), a single empty(ish) datagram that is not a resend-request.
func (c *Client) Start() error {
	_, err := c.conn.WriteTo(EncodeDataDatagram(FrameHeader{Sequence: 0, Flags: startFlag}, nil), c.server)
	return err
}

const startFlag = 1 << 0

// Run drives frame reception and the delivery clock until ctx is
// cancelled or stream_length_seconds*frames_per_second frames have been
// delivered.
func (c *Client) Run(ctx context.Context) error {
	totalFrames := uint64(c.cfg.StreamLengthSeconds * float64(c.cfg.FramesPerSecond))

	incoming := make(chan FrameHeader, 256)
	incomingPayload := make(chan []byte, 256)

	go c.readLoop(ctx, incoming, incomingPayload)

	deliveryTicker := time.NewTicker(time.Second / time.Duration(c.cfg.FramesPerSecond))
	defer deliveryTicker.Stop()

	for c.deliveryPos < totalFrames {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case h := <-incoming:
			payload := <-incomingPayload
			c.onFrame(h, payload)

		case <-deliveryTicker.C:
			c.tick()
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, headers chan<- FrameHeader, payloads chan<- []byte) {
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return
		}
		n, _, err := c.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		isResend, h, payload, _, _, err := DecodeDatagram(buf[:n])
		if err != nil || isResend {
			continue
		}
		c.counters.AddBytesRecv(uint64(n))
		cp := make([]byte, len(payload))
		copy(cp, payload)
		select {
		case headers <- h:
		case <-ctx.Done():
			return
		}
		select {
		case payloads <- cp:
		case <-ctx.Done():
			return
		}
	}
}

// onFrame inserts an arriving frame into the sliding window by sequence.
// A frame whose delivery tick has already passed is either an ordinary
// duplicate, or the payoff of a resend requested for it before its slot
// was evicted — spec §4.7 counts the latter as a completed frame, not a
// duplicate, since the resend is what recovered it.
func (c *Client) onFrame(h FrameHeader, payload []byte) {
	if h.Sequence < c.deliveryPos {
		if _, wasResent := c.resentPending[h.Sequence]; wasResent {
			delete(c.resentPending, h.Sequence)
			c.counters.IncFramesCompleted()
		} else {
			c.counters.IncFramesDuplicated()
		}
		return
	}
	idx := int(h.Sequence - c.windowStart)
	if idx < 0 || idx >= len(c.window) {
		// Outside the current window: too far ahead to buffer, drop
		// silently rather than corrupt window indexing.
		return
	}
	delete(c.resentPending, h.Sequence)
	c.window[idx] = slot{
		filled:      true,
		header:      h,
		payload:     payload,
		receiverQPC: qpcNow(),
	}
}

// tick delivers the earliest window position and slides the window
// forward by one, per spec §4.7. Under ResendOnce, an absent frame is
// requested well before its own delivery tick — see scanLookahead — so by
// the time it reaches position 0 it has had many ticks to arrive; a
// second miss at delivery time is a drop, not a second resend.
func (c *Client) tick() {
	if c.cfg.Codec == config.CodecResendOnce {
		c.scanLookahead()
	}

	s := c.window[0]

	switch {
	case s.filled:
		ok, _ := c.pattern.Verify(s.payload, int64(s.header.Sequence)*int64(c.frameSize))
		if ok {
			c.counters.IncFramesCompleted()
			c.sink.RecordJitter(JitterRecord{
				Seq:         s.header.Sequence,
				SenderQPC:   s.header.SenderQPC,
				SenderQPF:   s.header.SenderQPF,
				ReceiverQPC: s.receiverQPC,
				ReceiverQPF: qpcFrequency,
			})
		} else {
			c.counters.IncFramesErrored()
		}

	default:
		c.counters.IncFramesDropped()
	}

	copy(c.window, c.window[1:])
	c.window[len(c.window)-1] = slot{}
	c.windowStart++
	c.deliveryPos++

	c.prunePending()
}

// prunePending drops resend bookkeeping for sequences too old to plausibly
// still arrive, so a resend whose frame is lost forever doesn't leak in
// resentPending for the rest of the run.
func (c *Client) prunePending() {
	if c.deliveryPos <= uint64(len(c.window)) {
		return
	}
	cutoff := c.deliveryPos - uint64(len(c.window))
	for seq := range c.resentPending {
		if seq < cutoff {
			delete(c.resentPending, seq)
		}
	}
}

// scanLookahead requests a resend, once each, for every absent frame
// within buffer_depth/2 slots of the delivery pointer — the look-ahead
// spec §4.7 specifies, so a resend has as much of the remaining window as
// possible to arrive before its slot is delivered.
func (c *Client) scanLookahead() {
	limit := len(c.window) / 2
	if limit >= len(c.window) {
		limit = len(c.window) - 1
	}
	for idx := 0; idx <= limit; idx++ {
		if !c.window[idx].filled && !c.window[idx].resent {
			c.requestResend(idx)
		}
	}
}

// requestResend sends a one-frame resend request for the window position
// at idx and marks it so it is not requested twice.
func (c *Client) requestResend(idx int) {
	seq := c.windowStart + uint64(idx)
	req := EncodeResendRequest(seq, seq)
	_, _ = c.conn.WriteTo(req, c.server)
	c.counters.IncFramesRetried()
	c.window[idx].resent = true
	c.resentPending[seq] = struct{}{}
}
