package adapter

import (
	"context"
	"sync"
	"time"
)

const pollInterval = 100 * time.Millisecond

// RateLimiter is a token bucket with continuous fractional refill. Capacity
// equals the configured requests-per-minute; tokens accrue based on elapsed
// wall-clock time, not discrete ticks. Safe for concurrent callers; waiters
// poll and no fairness among them is guaranteed.
type RateLimiter struct {
	mu        sync.Mutex
	rate      float64 // tokens per minute
	tokens    float64
	updatedAt time.Time
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &RateLimiter{
		rate:      float64(requestsPerMinute),
		tokens:    float64(requestsPerMinute),
		updatedAt: time.Now(),
	}
}

// Acquire blocks until a token is available. It only ever fails with the
// context's error; an abandoned call leaves no stuck token deficit.
func (r *RateLimiter) Acquire(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()
		if r.tokens >= 1 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.updatedAt).Seconds()
	r.tokens = min(r.rate, r.tokens+elapsed*(r.rate/60.0))
	r.updatedAt = now
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
