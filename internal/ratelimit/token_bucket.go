package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket holds up to capacity tokens and refills at refillRate tokens
// per second. Safe for concurrent use.
type TokenBucket struct {
	capacity   float64
	refillRate float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
	mu         sync.Mutex
}

// NewTokenBucket returns a full bucket; capacity=20, refillRate=2 allows a
// burst of 20 chats and then two per second.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return newTokenBucketAt(capacity, refillRate, time.Now)
}

func newTokenBucketAt(capacity, refillRate float64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: now(),
		now:        now,
	}
}

func (tb *TokenBucket) Allow() (bool, float64) {
	return tb.AllowN(1)
}

// AllowN consumes n tokens if available and reports the tokens left.
func (tb *TokenBucket) AllowN(n float64) (bool, float64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	if tb.tokens >= n {
		tb.tokens -= n
		return true, tb.tokens
	}
	return false, tb.tokens
}

func (tb *TokenBucket) Remaining() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return tb.tokens
}

func (tb *TokenBucket) Reset() {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.tokens = tb.capacity
	tb.lastRefill = tb.now()
}

// refill must be called with mu held.
func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	}
	tb.lastRefill = now
}

// WaitTime is how long until one token is available.
func (tb *TokenBucket) WaitTime() time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return waitFor(tb.tokens, tb.refillRate)
}

func waitFor(tokens, refillRate float64) time.Duration {
	if tokens >= 1 || refillRate <= 0 {
		return 0
	}
	return time.Duration((1 - tokens) / refillRate * float64(time.Second))
}
