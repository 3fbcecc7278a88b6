package ratelimiter

import (
	"sync"
	"time"
)

// SlidingWindowLog keeps the timestamp of every admitted request and
// enforces the limit exactly over the trailing window. Memory grows with
// the limit, so it suits low-volume precise limiting.
type SlidingWindowLog struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	stamps []time.Time // admitted requests, oldest first
}

// NewSlidingWindowLog creates a sliding window log limiter.
func NewSlidingWindowLog(limit int, window time.Duration) *SlidingWindowLog {
	return &SlidingWindowLog{limit: limit, window: window}
}

// Allow evicts timestamps older than the window, then admits the request
// if the remaining count is under the limit.
func (l *SlidingWindowLog) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	boundary := time.Now().Add(-l.window)
	keep := 0
	for keep < len(l.stamps) && l.stamps[keep].Before(boundary) {
		keep++
	}
	if keep > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[keep:]...)
	}

	if len(l.stamps) >= l.limit {
		return false
	}
	l.stamps = append(l.stamps, time.Now())
	return true
}
