// Package ratelimit provides the shared per-source gate that spaces out
// outbound calls to each platform.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter enforces a minimum interval between calls to the same source,
// across every worker that shares it. Callers contending for one source are
// admitted in the order they called Acquire.
type Limiter struct {
	interval time.Duration

	mu      sync.Mutex
	sources map[string]*rate.Limiter
}

// New creates a Limiter with the given minimum inter-call interval. A
// non-positive interval disables spacing.
func New(interval time.Duration) *Limiter {
	return &Limiter{
		interval: interval,
		sources:  make(map[string]*rate.Limiter),
	}
}

// Interval returns the configured minimum spacing.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

func (l *Limiter) forSource(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.sources[source]
	if !ok {
		limit := rate.Inf
		if l.interval > 0 {
			limit = rate.Every(l.interval)
		}
		lim = rate.NewLimiter(limit, 1)
		l.sources[source] = lim
	}
	return lim
}

// Acquire blocks until source may be called again and returns how long the
// caller waited. The slot is reserved before waiting, so concurrent callers
// are spaced by the interval in arrival order. If ctx ends first the slot is
// released and ctx's error is returned.
func (l *Limiter) Acquire(ctx context.Context, source string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r := l.forSource(source).Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return 0, nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return delay, nil
	case <-ctx.Done():
		r.Cancel()
		return 0, ctx.Err()
	}
}
