// Package server implements a token bucket rate limiter for per-connection
// throttling of inbound socket messages.
package server

import (
	"sync"
	"time"
)

// rateLimiter refills capacity tokens every interval, continuously. A nil
// *rateLimiter allows everything.
type rateLimiter struct {
	mu        sync.Mutex
	tokens    float64
	capacity  float64
	perSecond float64
	last      time.Time
	now       func() time.Time
}

// newRateLimiter returns nil when cfg.Burst is not positive.
func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	capacity := cfg.Burst
	if capacity <= 0 {
		return nil
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}

	rl := &rateLimiter{
		tokens:    float64(capacity),
		capacity:  float64(capacity),
		perSecond: float64(capacity) / interval.Seconds(),
		now:       time.Now,
	}
	rl.last = rl.now()
	return rl
}

func (rl *rateLimiter) allow() bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if elapsed := now.Sub(rl.last).Seconds(); elapsed > 0 {
		rl.tokens = min(rl.capacity, rl.tokens+elapsed*rl.perSecond)
	}
	rl.last = now

	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
