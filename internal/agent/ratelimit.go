package agent

import (
	"context"
	"sync"
	"time"
)

const defaultGenerationBurst = 3

// RateLimiter is a token bucket that paces generation requests to the
// backend. A nil *RateLimiter never waits.
type RateLimiter struct {
	mu     sync.Mutex
	tokens float64
	max    float64
	rate   float64 // tokens per second
	last   time.Time
	now    func() time.Time
}

// NewRateLimiter allows burst requests at once and refills at perMinute.
// It returns nil when perMinute is not positive, which disables limiting.
func NewRateLimiter(burst int, perMinute float64) *RateLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = defaultGenerationBurst
	}
	rl := &RateLimiter{
		tokens: float64(burst),
		max:    float64(burst),
		rate:   perMinute / 60,
		now:    time.Now,
	}
	rl.last = rl.now()
	return rl
}

// Wait blocks until a request may start or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	for {
		delay := rl.reserve()
		if delay == 0 {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve takes a token and returns 0, or returns how long until one is due.
func (rl *RateLimiter) reserve() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.tokens = min(rl.max, rl.tokens+now.Sub(rl.last).Seconds()*rl.rate)
	rl.last = now

	if rl.tokens >= 1 {
		rl.tokens--
		return 0
	}
	return time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
}
