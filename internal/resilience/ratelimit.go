package resilience

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket shared by every caller of one API.
type RateLimiter struct {
	rate  float64 // tokens per second
	burst int
	now   func() time.Time

	mu         sync.Mutex
	tokens     float64
	lastUpdate time.Time
}

// NewRateLimiter allows rate requests per second with bursts of up to burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	r := &RateLimiter{rate: rate, burst: burst, now: time.Now}
	r.tokens = float64(burst)
	r.lastUpdate = r.now()
	return r
}

// reserve takes a token if one is available, otherwise it reports how long
// until the next one is.
func (r *RateLimiter) reserve() (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.tokens += now.Sub(r.lastUpdate).Seconds() * r.rate
	r.lastUpdate = now
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}

	if r.tokens >= 1 {
		r.tokens--
		return true, 0
	}
	if r.rate <= 0 {
		return false, time.Second
	}
	return false, time.Duration((1 - r.tokens) / r.rate * float64(time.Second))
}

// Allow takes a token without waiting.
func (r *RateLimiter) Allow() bool {
	ok, _ := r.reserve()
	return ok
}

// Wait blocks until a token is available or ctx ends.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		ok, wait := r.reserve()
		if ok {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
