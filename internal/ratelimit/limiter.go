package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/asin-matcher/internal/errors"
	"github.com/asin-matcher/internal/logging"
)

// Backoff parameters for WaitForToken
const (
	MaxWaitAttempts   = 10
	BackoffMultiplier = 1.5
	MaxBackoff        = 30 * time.Second

	// consumeRounds bounds how often ExecuteWithRateLimit goes back to waiting
	// after another goroutine took the token it waited for
	consumeRounds = 3
)

// Response headers the remote service uses to advertise live quota
const (
	HeaderRateLimit          = "x-amzn-RateLimit-Limit"
	HeaderRateLimitRemaining = "x-amzn-RateLimit-Remaining"
)

var (
	// ErrRateLimitExhausted is returned when no token became available within MaxWaitAttempts
	ErrRateLimitExhausted = errors.New("rate limit exceeded, max retries reached")
	// ErrTokenConsumeFailed is returned when the awaited token was taken by a concurrent caller
	ErrTokenConsumeFailed = errors.New("failed to consume token")
)

// ThrottleRecorder receives an event each time a caller has to wait for quota
type ThrottleRecorder interface {
	RecordThrottle(ctx context.Context, operation string, wait time.Duration)
}

// RateLimiter multiplexes token buckets by operation and marketplace.
// Buckets are created lazily, full, on first use.
type RateLimiter struct {
	registry *OperationRegistry
	clock    Clock
	recorder ThrottleRecorder
	logger   *logging.Logger

	mu      sync.RWMutex
	buckets map[string]*bucketEntry

	throttles atomic.Int64
}

type bucketEntry struct {
	operation   string
	marketplace string
	bucket      *TokenBucket
}

// RateLimiterConfig holds the limiter's collaborators
type RateLimiterConfig struct {
	// Registry supplies per-operation limits. Defaults to NewOperationRegistry(nil).
	Registry *OperationRegistry
	// Clock defaults to RealClock.
	Clock Clock
	// Recorder is optional.
	Recorder ThrottleRecorder
	Logger   *logging.Logger
}

// NewRateLimiter creates a limiter. A nil config uses defaults throughout.
func NewRateLimiter(cfg *RateLimiterConfig) *RateLimiter {
	if cfg == nil {
		cfg = &RateLimiterConfig{}
	}

	l := &RateLimiter{
		registry: cfg.Registry,
		clock:    cfg.Clock,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
		buckets:  make(map[string]*bucketEntry),
	}
	if l.registry == nil {
		l.registry = NewOperationRegistry(nil)
	}
	if l.clock == nil {
		l.clock = RealClock{}
	}
	if l.logger == nil {
		l.logger = logging.GetGlobalLogger()
	}
	l.logger = l.logger.Component("ratelimit")

	return l
}

func bucketKey(operation, marketplace string) string {
	return operation + ":" + marketplace
}

func (l *RateLimiter) bucket(operation, marketplace string) *TokenBucket {
	key := bucketKey(operation, marketplace)

	l.mu.RLock()
	entry, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return entry.bucket
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check in case another goroutine created it
	if entry, ok := l.buckets[key]; ok {
		return entry.bucket
	}

	limit := l.registry.Get(operation)
	entry = &bucketEntry{
		operation:   operation,
		marketplace: marketplace,
		bucket:      NewTokenBucket(limit.Burst, limit.RequestsPerSecond, l.clock.Now()),
	}
	l.buckets[key] = entry
	return entry.bucket
}

// CanMakeRequest reports whether a token is available without taking it
func (l *RateLimiter) CanMakeRequest(operation, marketplace string) bool {
	return l.bucket(operation, marketplace).Available(l.clock.Now())
}

// ConsumeToken takes one token; it never drives the bucket negative
func (l *RateLimiter) ConsumeToken(operation, marketplace string) bool {
	return l.bucket(operation, marketplace).TryConsume(l.clock.Now())
}

// GetWaitTime returns how long until a token should be available
func (l *RateLimiter) GetWaitTime(operation, marketplace string) time.Duration {
	return l.bucket(operation, marketplace).WaitTime(l.clock.Now())
}

// UpdateRateLimits adopts the quota advertised in response headers. Both the
// limit and remaining headers must parse as numbers; the burst becomes
// max(10, ceil(rate*2)). Existing buckets for the operation are resized in place.
// Returns true when the configuration changed.
func (l *RateLimiter) UpdateRateLimits(operation string, headers http.Header) bool {
	rate, ok := parseHeaderFloat(headers, HeaderRateLimit)
	if !ok || rate <= 0 {
		return false
	}
	if _, ok := parseHeaderFloat(headers, HeaderRateLimitRemaining); !ok {
		return false
	}

	limit := OperationLimit{
		RequestsPerSecond: rate,
		Burst:             math.Max(10, math.Ceil(rate*2)),
	}
	if current := l.registry.Get(operation); current == limit {
		return false
	}
	if !l.registry.Set(operation, limit) {
		return false
	}

	now := l.clock.Now()
	l.mu.RLock()
	for _, entry := range l.buckets {
		if entry.operation == operation {
			entry.bucket.Resize(limit.Burst, limit.RequestsPerSecond, now)
		}
	}
	l.mu.RUnlock()

	l.logger.WithFields(map[string]interface{}{
		"operation": operation,
		"rate":      limit.RequestsPerSecond,
		"burst":     limit.Burst,
	}).Info("Rate limit updated from response headers")

	return true
}

func parseHeaderFloat(headers http.Header, name string) (float64, bool) {
	if headers == nil {
		return 0, false
	}
	raw := strings.TrimSpace(headers.Get(name))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// WaitForToken blocks until a token should be available. It makes at most
// MaxWaitAttempts sleeps of min(wait*1.5^attempt, MaxBackoff) and returns
// ErrRateLimitExhausted if the bucket is still empty afterwards. It does not consume.
func (l *RateLimiter) WaitForToken(ctx context.Context, operation, marketplace string) error {
	wait := l.GetWaitTime(operation, marketplace)
	if wait > 0 {
		l.recordThrottle(ctx, operation, wait)
	}

	for attempt := 0; wait > 0 && attempt < MaxWaitAttempts; attempt++ {
		backoff := backoffFor(wait, attempt)

		l.logger.WithFields(map[string]interface{}{
			"operation":   operation,
			"marketplace": marketplace,
			"attempt":     attempt + 1,
			"backoff_ms":  backoff.Milliseconds(),
		}).Debug("Waiting for rate limit token")

		if err := l.clock.Sleep(ctx, backoff); err != nil {
			return fmt.Errorf("waiting for %s token: %w", operation, err)
		}
		wait = l.GetWaitTime(operation, marketplace)
	}

	if wait > 0 {
		return fmt.Errorf("%s: %w", operation, ErrRateLimitExhausted)
	}
	return nil
}

func backoffFor(wait time.Duration, attempt int) time.Duration {
	d := float64(wait) * math.Pow(BackoffMultiplier, float64(attempt))
	if d > float64(MaxBackoff) {
		return MaxBackoff
	}
	return time.Duration(d)
}

// ExecuteWithRateLimit waits for and consumes a token, then calls fn.
// A 429 RemoteCallError carrying Retry-After makes it pause that long before
// returning the error; it never retries fn itself.
func (l *RateLimiter) ExecuteWithRateLimit(ctx context.Context, operation, marketplace string, fn func(ctx context.Context) error) error {
	if err := l.acquire(ctx, operation, marketplace); err != nil {
		return err
	}

	err := fn(ctx)
	if err == nil {
		return nil
	}

	if rce, ok := apperrors.AsRemoteCallError(err); ok && rce.IsRateLimited() {
		if secs, ok := rce.RetryAfter(); ok {
			pause := time.Duration(secs) * time.Second
			l.recordThrottle(ctx, operation, pause)
			l.logger.WithFields(map[string]interface{}{
				"operation":   operation,
				"retry_after": secs,
			}).Warn("Remote service returned 429, honouring Retry-After")
			if sleepErr := l.clock.Sleep(ctx, pause); sleepErr != nil {
				l.logger.WithError(sleepErr).Debug("Retry-After pause interrupted")
			}
		}
	}

	return err
}

func (l *RateLimiter) acquire(ctx context.Context, operation, marketplace string) error {
	for round := 1; ; round++ {
		if err := l.WaitForToken(ctx, operation, marketplace); err != nil {
			return err
		}
		if l.ConsumeToken(operation, marketplace) {
			return nil
		}
		if round >= consumeRounds {
			return fmt.Errorf("%s: %w", operation, ErrTokenConsumeFailed)
		}
	}
}

func (l *RateLimiter) recordThrottle(ctx context.Context, operation string, wait time.Duration) {
	l.throttles.Add(1)
	if l.recorder != nil {
		l.recorder.RecordThrottle(ctx, operation, wait)
	}
}

// ThrottleCount is the number of times a caller had to wait for quota since startup
func (l *RateLimiter) ThrottleCount() int64 {
	return l.throttles.Load()
}

// GetBucketStatus returns a snapshot of the bucket for operation and marketplace,
// creating it if needed
func (l *RateLimiter) GetBucketStatus(operation, marketplace string) BucketStatus {
	tokens, maxTokens, refillRate, wait := l.bucket(operation, marketplace).snapshot(l.clock.Now())
	return BucketStatus{
		Operation:      operation,
		Marketplace:    marketplace,
		Tokens:         tokens,
		MaxTokens:      maxTokens,
		RefillRate:     refillRate,
		CanMakeRequest: tokens >= 1,
		WaitTimeMs:     wait.Milliseconds(),
	}
}

// Limit returns the configured limit for operation
func (l *RateLimiter) Limit(operation string) OperationLimit {
	return l.registry.Get(operation)
}

// ResetBuckets drops every bucket; the next call recreates them full
func (l *RateLimiter) ResetBuckets() {
	l.mu.Lock()
	l.buckets = make(map[string]*bucketEntry)
	l.mu.Unlock()
}
