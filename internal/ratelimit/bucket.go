package ratelimit

import (
	"math"
	"sync"
	"time"
)

// TokenBucket is a lazily refilled token bucket. Every method takes the
// current time so refill-then-check runs under one lock acquisition.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a full bucket
func NewTokenBucket(maxTokens, refillRate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: now,
	}
}

// refill must be called with mu held
func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.maxTokens, b.tokens+elapsed*b.refillRate)
	}
	// a clock that steps backwards never drains tokens
	if now.After(b.lastRefill) {
		b.lastRefill = now
	}
}

// Available reports whether one token can be taken right now
func (b *TokenBucket) Available(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	return b.tokens >= 1
}

// TryConsume takes exactly one token if at least one is available
func (b *TokenBucket) TryConsume(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// WaitTime returns 0 when a token is available, otherwise the time to accrue
// one whole token from empty, ceil(1000/refillRate) ms. Callers re-check after waiting.
func (b *TokenBucket) WaitTime(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if b.tokens >= 1 {
		return 0
	}
	return oneTokenInterval(b.refillRate)
}

// Resize applies a new configuration in place, clamping tokens to the new ceiling
func (b *TokenBucket) Resize(maxTokens, refillRate float64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	b.maxTokens = maxTokens
	b.refillRate = refillRate
	if b.tokens > maxTokens {
		b.tokens = maxTokens
	}
}

// Tokens returns the refilled token count
func (b *TokenBucket) Tokens(now time.Time) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	return b.tokens
}

// setTokens is a test hook for starting from a drained bucket
func (b *TokenBucket) setTokens(tokens float64) {
	b.mu.Lock()
	b.tokens = tokens
	b.mu.Unlock()
}

// BucketStatus is a read-only view of one bucket
type BucketStatus struct {
	Operation      string  `json:"operation"`
	Marketplace    string  `json:"marketplace"`
	Tokens         float64 `json:"tokens"`
	MaxTokens      float64 `json:"maxTokens"`
	RefillRate     float64 `json:"refillRate"`
	CanMakeRequest bool    `json:"canMakeRequest"`
	WaitTimeMs     int64   `json:"waitTimeMs"`
}

func (b *TokenBucket) snapshot(now time.Time) (tokens, maxTokens, refillRate float64, wait time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	tokens, maxTokens, refillRate = b.tokens, b.maxTokens, b.refillRate
	if tokens < 1 {
		wait = oneTokenInterval(refillRate)
	}
	return
}

func oneTokenInterval(refillRate float64) time.Duration {
	if refillRate <= 0 {
		return MaxBackoff
	}
	return time.Duration(math.Ceil(1000/refillRate)) * time.Millisecond
}
