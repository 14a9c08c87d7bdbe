package core

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// TokenBucket implements the token bucket rate limiting algorithm
type TokenBucket struct {
	config Config
}

// NewTokenBucket creates a new token bucket with the given configuration
func NewTokenBucket(config Config) *TokenBucket {
	return &TokenBucket{config: config}
}

// Config returns the bucket policy.
func (tb *TokenBucket) Config() Config {
	return tb.config
}

// Check determines if a request costing cost tokens should be allowed
// based on the current bucket state. It returns the updated state and
// check result. A nil state is a fresh, full bucket.
func (tb *TokenBucket) Check(state *BucketState, now time.Time, cost float64) (*BucketState, CheckResult) {
	newState := tb.refill(state, now)

	if newState.Tokens >= cost {
		newState.Tokens -= cost
		return newState, CheckResult{
			Allowed:      true,
			Remaining:    newState.Tokens,
			RetryAfterMs: 0,
			Limit:        tb.config.Capacity,
		}
	}

	return newState, tb.blocked(newState, cost)
}

// Peek reports what Check would decide without consuming tokens.
func (tb *TokenBucket) Peek(state *BucketState, now time.Time, cost float64) CheckResult {
	refilled := tb.refill(state, now)
	if refilled.Tokens >= cost {
		return CheckResult{
			Allowed:   true,
			Remaining: refilled.Tokens - cost,
			Limit:     tb.config.Capacity,
		}
	}
	return tb.blocked(refilled, cost)
}

func (tb *TokenBucket) refill(state *BucketState, now time.Time) *BucketState {
	if state == nil {
		return &BucketState{
			Tokens:       tb.config.Capacity,
			LastRefillAt: now,
		}
	}

	// Clock going backwards must not mint tokens.
	elapsed := now.Sub(state.LastRefillAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
		now = state.LastRefillAt
	}

	tokens := math.Min(state.Tokens+elapsed*tb.config.RefillPerSec, tb.config.Capacity)
	if tokens < 0 {
		slog.Warn("bucket_tokens_clamped", "component", "core", "tokens", tokens)
		tokens = 0
	}

	return &BucketState{
		Tokens:       tokens,
		LastRefillAt: now,
	}
}

func (tb *TokenBucket) blocked(state *BucketState, cost float64) CheckResult {
	tokensNeeded := cost - state.Tokens
	retryAfterSec := tokensNeeded / tb.config.RefillPerSec
	retryAfterMs := int64(math.Ceil(retryAfterSec * 1000))

	return CheckResult{
		Allowed:      false,
		Remaining:    state.Tokens,
		RetryAfterMs: retryAfterMs,
		Limit:        tb.config.Capacity,
	}
}

// KeyedBuckets holds one bucket state per key under a single leaf lock.
type KeyedBuckets struct {
	mu     sync.Mutex
	bucket *TokenBucket
	states map[string]*BucketState
}

// NewKeyedBuckets creates a keyed bucket table sharing one policy.
func NewKeyedBuckets(config Config) *KeyedBuckets {
	return &KeyedBuckets{
		bucket: NewTokenBucket(config),
		states: make(map[string]*BucketState),
	}
}

// AllowAt consumes cost tokens from key's bucket at now if available.
func (kb *KeyedBuckets) AllowAt(key string, cost float64, now time.Time) CheckResult {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	state, result := kb.bucket.Check(kb.states[key], now, cost)
	kb.states[key] = state
	return result
}

// PeekAt reports whether AllowAt would succeed, leaving the bucket
// untouched.
func (kb *KeyedBuckets) PeekAt(key string, cost float64, now time.Time) CheckResult {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	return kb.bucket.Peek(kb.states[key], now, cost)
}

// Reconfigure swaps the bucket policy. Existing token counts are capped
// at the new capacity.
func (kb *KeyedBuckets) Reconfigure(config Config) {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	kb.bucket = NewTokenBucket(config)
	for _, state := range kb.states {
		if state.Tokens > config.Capacity {
			state.Tokens = config.Capacity
		}
	}
}

// Cleanup removes buckets last refilled before the cutoff.
// Returns the number of buckets removed.
func (kb *KeyedBuckets) Cleanup(before time.Time) int {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	removed := 0
	for key, state := range kb.states {
		if state.LastRefillAt.Before(before) {
			delete(kb.states, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (kb *KeyedBuckets) Len() int {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	return len(kb.states)
}
