package ratelimiter

import (
	"sync"
	"time"
)

// SlidingWindowCounter approximates a sliding window by splitting it into
// equal buckets. It is cheaper than keeping a full log and much less bursty
// at window boundaries than a fixed counter.
type SlidingWindowCounter struct {
	limit      int
	window     time.Duration
	bucketSpan time.Duration

	mu      sync.Mutex
	buckets []int
	head    int       // index of the bucket receiving new requests
	headAt  time.Time // time the head bucket was last advanced
}

// NewSlidingWindowCounter creates a sliding window counter limiter.
// numBuckets controls the approximation granularity; values below 1 fall
// back to 10.
func NewSlidingWindowCounter(limit int, window time.Duration, numBuckets int) *SlidingWindowCounter {
	if numBuckets <= 0 {
		numBuckets = 10
	}
	return &SlidingWindowCounter{
		limit:      limit,
		window:     window,
		bucketSpan: window / time.Duration(numBuckets),
		buckets:    make([]int, numBuckets),
		headAt:     time.Now(),
	}
}

// advance rotates the head forward, zeroing buckets that have aged out of
// the window. Caller holds the lock.
func (c *SlidingWindowCounter) advance() {
	steps := int(time.Since(c.headAt) / c.bucketSpan)
	if steps <= 0 {
		return
	}
	if steps >= len(c.buckets) {
		for i := range c.buckets {
			c.buckets[i] = 0
		}
	} else {
		for i := 1; i <= steps; i++ {
			c.buckets[(c.head+i)%len(c.buckets)] = 0
		}
	}
	c.head = (c.head + steps) % len(c.buckets)
	c.headAt = time.Now()
}

// Allow sums the live buckets and admits the request while the total stays
// under the limit.
func (c *SlidingWindowCounter) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.advance()

	total := 0
	for _, n := range c.buckets {
		total += n
	}
	if total >= c.limit {
		return false
	}
	c.buckets[c.head]++
	return true
}
