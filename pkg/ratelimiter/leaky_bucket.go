package ratelimiter

import (
	"sync"
	"time"
)

// LeakyBucket drains at a constant rate, smoothing bursts into a steady
// outflow. A request is admitted while the bucket has room for one more
// unit.
type LeakyBucket struct {
	rate     float64 // units drained per second
	capacity float64

	mu       sync.Mutex
	level    float64
	lastDrip time.Time
}

// NewLeakyBucket creates a leaky bucket limiter.
// rate: requests drained per second. capacity: maximum queued burst.
func NewLeakyBucket(rate float64, capacity int) *LeakyBucket {
	return &LeakyBucket{
		rate:     rate,
		capacity: float64(capacity),
		lastDrip: time.Now(),
	}
}

// Allow drains the bucket for the elapsed time, then tries to add one unit.
func (lb *LeakyBucket) Allow() bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	now := time.Now()
	lb.level -= now.Sub(lb.lastDrip).Seconds() * lb.rate
	if lb.level < 0 {
		lb.level = 0
	}
	lb.lastDrip = now

	if lb.level+1 > lb.capacity {
		return false
	}
	lb.level++
	return true
}
