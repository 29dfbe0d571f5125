package broker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cameronmaxwell/streamtest/internal/config"
	"github.com/cameronmaxwell/streamtest/internal/conn"
)

// instantSuccess is a ConnectionFactory stub that reports initiating_io
// then closing(true) immediately, simulating a connection that succeeds
// with no I/O, so tests can exercise the broker's counters without a real
// socket.
func instantSuccess(count *int64) ConnectionFactory {
	return func(ctx context.Context, id uuid.UUID, notify conn.Notifier) conn.Result {
		atomic.AddInt64(count, 1)
		notify.InitiatingIO(id)
		notify.Closing(id, true)
		return conn.Result{ID: id}
	}
}

func TestRoundTripCreatesExactlyIterationsTimesConnectionLimit(t *testing.T) {
	cfg := config.Default()
	cfg.Iterations = 3
	cfg.ConnectionLimit = 4
	cfg.ThrottleLimit = 1000
	cfg.ScavengeInterval = 20

	var created int64
	b := New(cfg, false, instantSuccess(&created))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result := b.Run(ctx)
	require.Equal(t, Done, result)
	assert.EqualValues(t, 12, atomic.LoadInt64(&created))

	snap := b.Snapshot()
	assert.Zero(t, snap.Pending)
	assert.Zero(t, snap.Active)
	assert.Zero(t, snap.TotalRemaining)
}

func TestClosingWithoutInitiatingIOIsFatal(t *testing.T) {
	cfg := config.Default()
	cfg.Iterations = 1
	cfg.ConnectionLimit = 1

	b := New(cfg, false, func(ctx context.Context, id uuid.UUID, notify conn.Notifier) conn.Result {
		return conn.Result{}
	})

	assert.Panics(t, func() {
		b.Closing(uuid.New(), true)
	})
}

func TestDoubleClosingUnderflowIsFatal(t *testing.T) {
	cfg := config.Default()
	cfg.Iterations = 1
	cfg.ConnectionLimit = 1

	b := New(cfg, false, func(ctx context.Context, id uuid.UUID, notify conn.Notifier) conn.Result {
		return conn.Result{}
	})

	id := uuid.New()
	b.pending = 1 // as if spawnLocked had started this connection
	b.InitiatingIO(id)
	b.Closing(id, true)
	assert.Panics(t, func() {
		b.Closing(id, true)
	})
}

func TestCancellationStopsRefillAndDrains(t *testing.T) {
	cfg := config.Default()
	cfg.Iterations = broker_maxIterations(t)
	cfg.ConnectionLimit = 2
	cfg.ScavengeInterval = 20

	var created int64
	b := New(cfg, false, instantSuccess(&created))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result := b.Run(ctx)
	assert.Equal(t, Cancelled, result)

	snap := b.Snapshot()
	assert.Zero(t, snap.Pending)
	assert.Zero(t, snap.Active)
}

func broker_maxIterations(t *testing.T) uint64 {
	t.Helper()
	return MaxIterations
}

func TestAnyFailedAggregatesResults(t *testing.T) {
	cfg := config.Default()
	cfg.Iterations = 1
	cfg.ConnectionLimit = 1

	b := New(cfg, false, func(ctx context.Context, id uuid.UUID, notify conn.Notifier) conn.Result {
		notify.InitiatingIO(id)
		notify.Closing(id, true)
		return conn.Result{NetErr: assertError{}}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Run(ctx)

	assert.True(t, b.AnyFailed())
}

type assertError struct{}

func (assertError) Error() string { return "synthetic failure" }
