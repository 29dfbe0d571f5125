// Package ratelimit implements the per-connection send-rate budget (spec
// §4.2) on top of golang.org/x/time/rate rather than a hand-rolled token
// bucket, in keeping with the corpus's habit of reaching for an ecosystem
// primitive instead of re-deriving one.
package ratelimit

import (
	"math/rand"
	"time"

	"golang.org/x/time/rate"
)

// Limiter paces sends to at most Budget bytes per Period. A Budget of 0
// makes Reserve a no-op, per spec §4.2 ("If B = 0 the limiter is a
// no-op").
type Limiter struct {
	budget uint64
	period time.Duration
	inner  *rate.Limiter
}

// New builds a Limiter for budget bytes per period. period must be > 0
// when budget > 0.
func New(budget uint64, period time.Duration) *Limiter {
	if budget == 0 {
		return &Limiter{}
	}
	bytesPerSec := float64(budget) / period.Seconds()
	return &Limiter{
		budget: budget,
		period: period,
		inner:  rate.NewLimiter(rate.Limit(bytesPerSec), int(budget)),
	}
}

// Pick draws a uniform-random rate limit in [low, high] bytes/sec and
// returns a Limiter whose per-period budget is that rate times period,
// implementing the fix from spec §9's "RateLimit range parser" open
// question: low always maps to the low bound, high to the high bound.
func Pick(low, high uint64, period time.Duration) *Limiter {
	bytesPerSec := low
	if high > low {
		bytesPerSec = low + uint64(rand.Int63n(int64(high-low+1)))
	}
	budget := uint64(float64(bytesPerSec) * period.Seconds())
	if budget == 0 && bytesPerSec > 0 {
		budget = 1
	}
	return New(budget, period)
}

// Reserve returns the delay the caller must wait before sending n bytes.
// A zero duration means "send now". The caller (internal/conn) turns a
// nonzero delay into a rescheduled timer task, never a blocking sleep, per
// spec §5.
func (l *Limiter) Reserve(n int) time.Duration {
	if l.inner == nil {
		return 0
	}
	reservation := l.inner.ReserveN(time.Now(), n)
	if !reservation.OK() {
		// n exceeds the limiter's burst; cap the wait rather than block
		// forever waiting for a reservation that can never be satisfied.
		return l.period
	}
	return reservation.Delay()
}

// NoOp reports whether this Limiter imposes no pacing (Budget == 0).
func (l *Limiter) NoOp() bool { return l.inner == nil }
