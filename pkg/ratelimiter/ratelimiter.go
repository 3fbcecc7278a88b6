package ratelimiter

// RateLimiter is the common contract of all limiting algorithms: Allow
// reports whether the current request may proceed.
type RateLimiter interface {
	Allow() bool
}
