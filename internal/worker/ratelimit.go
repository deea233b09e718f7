package worker

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a simple token bucket shared per process, used to bound
// write operations against the external tracker to 1/s (§4.6, §9).
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	max        float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewRateLimiter builds a bucket that refills at rate tokens per interval,
// capped at max==rate (no burst beyond one interval's worth).
func NewRateLimiter(rate int, interval time.Duration) *RateLimiter {
	perSecond := float64(rate) / interval.Seconds()
	return &RateLimiter{
		tokens:     float64(rate),
		max:        float64(rate),
		refillRate: perSecond,
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is canceled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if r.tryTake() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (r *RateLimiter) tryTake() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.tokens += elapsed * r.refillRate
	if r.tokens > r.max {
		r.tokens = r.max
	}
	r.lastRefill = now

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}
