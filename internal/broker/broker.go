// Package broker implements the process-wide connection concurrency
// controller (spec §4.5): it maintains pending/active counts, throttles
// new attempts, tears down on completion or cancellation, and reports an
// overall Result.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cameronmaxwell/streamtest/internal/config"
	"github.com/cameronmaxwell/streamtest/internal/conn"
)

// Result is the broker's overall exit classification (spec §4.5's Wait
// semantics).
type Result uint8

const (
	Done Result = iota
	Cancelled
	TimedOut
	Failed
)

func (r Result) String() string {
	switch r {
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	case TimedOut:
		return "timeout"
	default:
		return "failed"
	}
}

// ExitCode maps a Result plus the aggregate connection-failure flag onto
// the process exit codes spec §6 defines.
func (r Result) ExitCode(anyConnectionFailed bool) int {
	if r == Failed || anyConnectionFailed {
		return 1
	}
	return 0
}

// ConnectionFactory builds and runs one Connection to completion. Client
// and server brokers supply different factories (dial vs. accept), which
// keeps Broker itself transport-direction-agnostic.
type ConnectionFactory func(ctx context.Context, id uuid.UUID, notify conn.Notifier) conn.Result

// Broker is the process-wide controller. Every field below "counters" is
// set once at construction; pending/active/totalRemaining mutate only
// under mu, per spec §5 ("Broker lock (short critical section) guards
// pending, active, total_remaining, and the pool vector").
type Broker struct {
	cfg *config.Configuration

	newConnection ConnectionFactory

	mu             sync.Mutex
	pending        uint32
	active         uint32
	totalRemaining uint64
	unbounded      bool // Iterations == MAX (or, for a server, ServerAcceptExitLimit == MAX)
	pendingLimit   uint32
	activeLimit    uint32
	throttleLimit  uint32
	isServer       bool

	results   []conn.Result
	resultsMu sync.Mutex

	doneCh   chan struct{}
	doneOnce sync.Once
}

// New builds a Broker for cfg, already fully parsed and validated per
// spec §9's fixed ordering ("parse all configuration first, then
// instantiate the broker"). isServer selects the unbounded-active-limit
// server accounting vs. the throttled client accounting of spec §4.5.
func New(cfg *config.Configuration, isServer bool, newConnection ConnectionFactory) *Broker {
	b := &Broker{
		cfg:           cfg,
		newConnection: newConnection,
		isServer:      isServer,
		activeLimit:   cfg.ConnectionLimit,
		throttleLimit: cfg.ThrottleLimit,
		doneCh:        make(chan struct{}),
	}

	if isServer {
		if cfg.ServerAcceptExitLimit == MaxIterations {
			b.unbounded = true
		} else {
			b.totalRemaining = cfg.ServerAcceptExitLimit
		}
	} else {
		if cfg.Iterations == MaxIterations {
			b.unbounded = true
		} else {
			b.totalRemaining = cfg.Iterations * uint64(cfg.ConnectionLimit)
		}
	}

	pendingLimit := uint64(cfg.ConnectionLimit)
	if !b.unbounded && b.totalRemaining < pendingLimit {
		pendingLimit = b.totalRemaining
	}
	b.pendingLimit = uint32(pendingLimit)

	return b
}

// MaxIterations is the sentinel spec §4.5 calls "iterations = MAX",
// meaning the run continues until externally cancelled rather than after
// a fixed connection count.
const MaxIterations = ^uint64(0)

// InitiatingIO implements conn.Notifier: pending--, active++.
func (b *Broker) InitiatingIO(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending < 1 {
		panic(fmt.Sprintf("broker: fatal invariant violation: initiating_io on connection %s with pending=0", id))
	}
	b.pending--
	b.active++
}

// Closing implements conn.Notifier: if wasActive, active--, else
// pending--.
func (b *Broker) Closing(id uuid.UUID, wasActive bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if wasActive {
		if b.active < 1 {
			panic(fmt.Sprintf("broker: fatal invariant violation: closing(active) on connection %s with active=0", id))
		}
		b.active--
	} else {
		if b.pending < 1 {
			panic(fmt.Sprintf("broker: fatal invariant violation: closing(pending) on connection %s with pending=0", id))
		}
		b.pending--
	}
}

func (b *Broker) recordResult(r conn.Result) {
	b.resultsMu.Lock()
	b.results = append(b.results, r)
	b.resultsMu.Unlock()
}

// AnyFailed reports whether any recorded connection result carries a
// network or protocol error, aggregated with logical OR per spec §6.
func (b *Broker) AnyFailed() bool {
	b.resultsMu.Lock()
	defer b.resultsMu.Unlock()
	for _, r := range b.results {
		if r.Failed() {
			return true
		}
	}
	return false
}

// Results returns a copy of every recorded connection result.
func (b *Broker) Results() []conn.Result {
	b.resultsMu.Lock()
	defer b.resultsMu.Unlock()
	out := make([]conn.Result, len(b.results))
	copy(out, b.results)
	return out
}

// Run performs the initial burst, then supervises the periodic
// scavenge+refill pass until total_remaining drains and every connection
// reaches Closed, or ctx is cancelled. It returns the terminal Result.
func (b *Broker) Run(ctx context.Context) Result {
	group, gctx := errgroup.WithContext(ctx)

	b.initialBurst(gctx, group)

	ticker := time.NewTicker(time.Duration(b.cfg.ScavengeInterval) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.signalDone()
			_ = group.Wait()
			return classifyCancellation(ctx)

		case <-b.doneCh:
			_ = group.Wait()
			return Done

		case <-ticker.C:
			if b.scavengeAndRefill(gctx, group) {
				b.signalDone()
			}
		}
	}
}

func classifyCancellation(ctx context.Context) Result {
	if ctx.Err() == context.DeadlineExceeded {
		return TimedOut
	}
	return Cancelled
}

// initialBurst creates connections up to pending_limit (and, for clients,
// throttle_limit) before the first scavenge tick, per spec §4.5.
func (b *Broker) initialBurst(ctx context.Context, group *errgroup.Group) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.hasRemainingLocked() && b.pending < b.pendingLimit {
		if !b.isServer && b.pending >= b.throttleLimit {
			break
		}
		b.spawnLocked(ctx, group)
	}
}

// hasRemainingLocked reports whether the broker may still create another
// connection. Callers must hold mu.
func (b *Broker) hasRemainingLocked() bool {
	return b.unbounded || b.totalRemaining > 0
}

// scavengeAndRefill implements the periodic wake-up of spec §4.5. It
// returns true when the run is complete (total_remaining drained and no
// connections outstanding). An unbounded run never completes this way —
// only cancellation ends it.
func (b *Broker) scavengeAndRefill(ctx context.Context, group *errgroup.Group) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.unbounded && b.totalRemaining == 0 && b.pending == 0 && b.active == 0 {
		return true
	}

	// Cancellation is checked before each refill pass, per spec §5: a
	// cancelled run stops creating new connections and only drains.
	if ctx.Err() != nil {
		return false
	}

	for b.pending < b.pendingLimit && b.hasRemainingLocked() {
		if !b.isServer {
			if b.pending+b.active >= b.activeLimit {
				break
			}
			if b.pending >= b.throttleLimit {
				break
			}
		}
		b.spawnLocked(ctx, group)
	}

	return false
}

// spawnLocked must be called with mu held: it decrements total_remaining,
// increments pending, and starts the connection's driver goroutine.
func (b *Broker) spawnLocked(ctx context.Context, group *errgroup.Group) {
	b.pending++
	if !b.unbounded {
		b.totalRemaining--
	}

	id := uuid.New()
	group.Go(func() error {
		result := b.newConnection(ctx, id, b)
		b.recordResult(result)
		return nil
	})
}

func (b *Broker) signalDone() {
	b.doneOnce.Do(func() { close(b.doneCh) })
}

// Snapshot exposes the current pending/active/totalRemaining counts,
// mainly for tests and the status sink.
type Snapshot struct {
	Pending        uint32
	Active         uint32
	TotalRemaining uint64
}

func (b *Broker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{Pending: b.pending, Active: b.active, TotalRemaining: b.totalRemaining}
}
