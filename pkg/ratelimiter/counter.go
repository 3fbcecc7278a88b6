package ratelimiter

import (
	"sync"
	"time"
)

// FixedWindowCounter admits at most limit requests per fixed window. The
// counter resets when a new window begins; bursts at a window boundary can
// briefly exceed the nominal rate.
type FixedWindowCounter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// NewFixedWindowCounter creates a fixed window limiter.
func NewFixedWindowCounter(limit int, window time.Duration) *FixedWindowCounter {
	return &FixedWindowCounter{
		limit:   limit,
		window:  window,
		resetAt: time.Now().Add(window),
	}
}

// Allow counts the request against the current window, starting a new
// window first if the old one has expired.
func (c *FixedWindowCounter) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if now := time.Now(); now.After(c.resetAt) {
		c.count = 0
		c.resetAt = now.Add(c.window)
	}
	if c.count >= c.limit {
		return false
	}
	c.count++
	return true
}
