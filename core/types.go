package core

import "time"

// Clock returns the current time. Components take a Clock so tests can
// drive windows, decay and expiry deterministically.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time { return time.Now() }

// Config defines the rate limiting policy
type Config struct {
	Capacity     float64 // Maximum tokens (burst size)
	RefillPerSec float64 // Tokens added per second
}

// BucketState represents the current state of a token bucket
type BucketState struct {
	Tokens       float64   // Current tokens available
	LastRefillAt time.Time // Last time tokens were refilled
}

// CheckResult contains the result of a rate limit check
type CheckResult struct {
	Allowed      bool    // Whether the request is allowed
	Remaining    float64 // Tokens remaining after this request
	RetryAfterMs int64   // Milliseconds until retry (if blocked)
	Limit        float64 // Total capacity
}

// RetryAfter returns RetryAfterMs as a duration.
func (r CheckResult) RetryAfter() time.Duration {
	return time.Duration(r.RetryAfterMs) * time.Millisecond
}
