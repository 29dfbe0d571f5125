// Package stats implements the lock-free Statistics Counters (spec §3) and
// exposes them as a Prometheus registry, the same instrumentation style
// bagechashu-udp-quality-exporter and C360Studio-semstreams use for their
// own per-peer gauges.
package stats

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters accumulates one connection's (or one run's aggregate) byte and
// frame accounting. Every field is updated with atomic adds only; no lock
// guards this struct, per spec §5 ("Statistics counters are lock-free").
type Counters struct {
	BytesSent uint64
	BytesRecv uint64

	FramesCompleted uint64
	FramesDropped   uint64
	FramesDuplicated uint64
	FramesRetried   uint64
	FramesErrored   uint64

	startedAt atomic.Int64 // unix nanos, 0 until Start
	endedAt   atomic.Int64 // unix nanos, 0 until End
}

// Start records the run's start timestamp exactly once.
func (c *Counters) Start() {
	c.startedAt.CompareAndSwap(0, time.Now().UnixNano())
}

// End records the run's end timestamp exactly once.
func (c *Counters) End() {
	c.endedAt.CompareAndSwap(0, time.Now().UnixNano())
}

// Elapsed returns the duration between Start and End; if End has not been
// called yet it uses the current time.
func (c *Counters) Elapsed() time.Duration {
	start := c.startedAt.Load()
	if start == 0 {
		return 0
	}
	end := c.endedAt.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	return time.Duration(end - start)
}

func (c *Counters) AddBytesSent(n uint64) { atomic.AddUint64(&c.BytesSent, n) }
func (c *Counters) AddBytesRecv(n uint64) { atomic.AddUint64(&c.BytesRecv, n) }

func (c *Counters) IncFramesCompleted()  { atomic.AddUint64(&c.FramesCompleted, 1) }
func (c *Counters) IncFramesDropped()    { atomic.AddUint64(&c.FramesDropped, 1) }
func (c *Counters) IncFramesDuplicated() { atomic.AddUint64(&c.FramesDuplicated, 1) }
func (c *Counters) IncFramesRetried()    { atomic.AddUint64(&c.FramesRetried, 1) }
func (c *Counters) IncFramesErrored()    { atomic.AddUint64(&c.FramesErrored, 1) }

func (c *Counters) LoadBytesSent() uint64 { return atomic.LoadUint64(&c.BytesSent) }
func (c *Counters) LoadBytesRecv() uint64 { return atomic.LoadUint64(&c.BytesRecv) }

// Snapshot is an immutable point-in-time copy suitable for logging or JSON
// encoding (the websocket status sink broadcasts these).
type Snapshot struct {
	BytesSent        uint64        `json:"bytes_sent"`
	BytesRecv        uint64        `json:"bytes_recv"`
	FramesCompleted  uint64        `json:"frames_completed"`
	FramesDropped    uint64        `json:"frames_dropped"`
	FramesDuplicated uint64        `json:"frames_duplicated"`
	FramesRetried    uint64        `json:"frames_retried"`
	FramesErrored    uint64        `json:"frames_errored"`
	Elapsed          time.Duration `json:"elapsed"`
}

// Snapshot atomically reads every field into a Snapshot.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		BytesSent:        c.LoadBytesSent(),
		BytesRecv:        c.LoadBytesRecv(),
		FramesCompleted:  atomic.LoadUint64(&c.FramesCompleted),
		FramesDropped:    atomic.LoadUint64(&c.FramesDropped),
		FramesDuplicated: atomic.LoadUint64(&c.FramesDuplicated),
		FramesRetried:    atomic.LoadUint64(&c.FramesRetried),
		FramesErrored:    atomic.LoadUint64(&c.FramesErrored),
		Elapsed:          c.Elapsed(),
	}
}

// Registry adapts the run-wide Counters to Prometheus, served by
// cmd/streamtestd on /metrics. Grounded on bagechashu-udp-quality-exporter's
// GaugeVec-per-metric registration pattern.
type Registry struct {
	counters *Counters

	bytesSent        prometheus.CounterFunc
	bytesRecv        prometheus.CounterFunc
	framesCompleted  prometheus.CounterFunc
	framesDropped    prometheus.CounterFunc
	framesDuplicated prometheus.CounterFunc
	framesRetried    prometheus.CounterFunc
	framesErrored    prometheus.CounterFunc
}

// NewRegistry builds Prometheus collectors backed directly by counters, so
// scraping never takes a lock on the hot path.
func NewRegistry(counters *Counters) *Registry {
	r := &Registry{counters: counters}

	r.bytesSent = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "streamtest_bytes_sent_total",
		Help: "Total bytes sent across all connections in this run.",
	}, func() float64 { return float64(counters.LoadBytesSent()) })

	r.bytesRecv = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "streamtest_bytes_recv_total",
		Help: "Total bytes received across all connections in this run.",
	}, func() float64 { return float64(counters.LoadBytesRecv()) })

	r.framesCompleted = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "streamtest_frames_completed_total",
		Help: "Total media-stream frames successfully delivered.",
	}, func() float64 { return float64(atomic.LoadUint64(&counters.FramesCompleted)) })

	r.framesDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "streamtest_frames_dropped_total",
		Help: "Total media-stream frames dropped.",
	}, func() float64 { return float64(atomic.LoadUint64(&counters.FramesDropped)) })

	r.framesDuplicated = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "streamtest_frames_duplicated_total",
		Help: "Total media-stream frames received after their delivery tick.",
	}, func() float64 { return float64(atomic.LoadUint64(&counters.FramesDuplicated)) })

	r.framesRetried = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "streamtest_frames_retried_total",
		Help: "Total media-stream resend requests issued.",
	}, func() float64 { return float64(atomic.LoadUint64(&counters.FramesRetried)) })

	r.framesErrored = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "streamtest_frames_errored_total",
		Help: "Total media-stream frames that failed pattern verification.",
	}, func() float64 { return float64(atomic.LoadUint64(&counters.FramesErrored)) })

	return r
}

// MustRegister registers every collector with reg.
func (r *Registry) MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		r.bytesSent, r.bytesRecv,
		r.framesCompleted, r.framesDropped, r.framesDuplicated,
		r.framesRetried, r.framesErrored,
	)
}
