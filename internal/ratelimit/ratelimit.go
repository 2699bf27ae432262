// Package ratelimit guards admission of new work onto a connection using a
// token-bucket limiter. tuicserver uses it for new TCP relay streams, so a
// single misbehaving peer can't exhaust dial slots (spec.md §5,
// backpressure); UDP associations are not rate-limited.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Guard rate-limits discrete events rather than bytes. A zero-value Guard
// (from New with a non-positive rate) always allows.
type Guard struct {
	limiter *rate.Limiter
}

// New creates a Guard allowing up to eventsPerSecond sustained events with
// bursts up to burst. eventsPerSecond <= 0 disables limiting entirely.
func New(eventsPerSecond float64, burst int) *Guard {
	if eventsPerSecond <= 0 {
		return &Guard{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Guard{limiter: rate.NewLimiter(rate.Limit(eventsPerSecond), burst)}
}

// Allow reports whether one event may proceed right now, without blocking.
func (g *Guard) Allow() bool {
	if g.limiter == nil {
		return true
	}
	return g.limiter.Allow()
}

// Wait blocks until one event may proceed or ctx is cancelled.
func (g *Guard) Wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}
