package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/asin-matcher/internal/logging"
)

// Redis keys for throttle tracking. Counters are bucketed per minute so
// several processes sharing one Redis aggregate naturally.
const (
	KeyPrefixThrottle = "asin:throttle:count:"
	KeyPrefixWaitTime = "asin:throttle:waitms:"

	metricsKeyTTL = 5 * time.Minute
)

// ThrottleMetrics is a snapshot of throttling for the current minute
type ThrottleMetrics struct {
	ThrottleCount      int64            `json:"throttleCount"`
	WaitTimeTotalMs    int64            `json:"waitTimeTotalMs"`
	OperationThrottles map[string]int64 `json:"operationThrottles"`
	LocalThrottleCount int64            `json:"localThrottleCount"`
	CollectedAt        time.Time        `json:"collectedAt"`
	WindowStart        time.Time        `json:"windowStart"`
}

// MetricsCollector records throttle events in Redis. It implements ThrottleRecorder.
type MetricsCollector struct {
	redis    redis.Cmdable
	registry *OperationRegistry
	clock    Clock
	logger   *logging.Logger

	localThrottleCount int64
	localWaitTimeMs    int64
}

// MetricsCollectorConfig holds configuration for the metrics collector
type MetricsCollectorConfig struct {
	// Redis is required.
	Redis redis.Cmdable
	// Registry lists the operations reported per minute. Required.
	Registry *OperationRegistry
	Clock    Clock
	Logger   *logging.Logger
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(cfg *MetricsCollectorConfig) (*MetricsCollector, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("operation registry is required")
	}

	m := &MetricsCollector{
		redis:    cfg.Redis,
		registry: cfg.Registry,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if m.clock == nil {
		m.clock = RealClock{}
	}
	if m.logger == nil {
		m.logger = logging.GetGlobalLogger()
	}
	return m, nil
}

func (m *MetricsCollector) window() int64 {
	return m.clock.Now().Truncate(time.Minute).Unix()
}

func throttleKey(window int64) string {
	return fmt.Sprintf("%s%d", KeyPrefixThrottle, window)
}

func operationThrottleKey(operation string, window int64) string {
	return fmt.Sprintf("%s%s:%d", KeyPrefixThrottle, operation, window)
}

func waitTimeKey(window int64) string {
	return fmt.Sprintf("%s%d", KeyPrefixWaitTime, window)
}

// RecordThrottle records one throttle event. Redis failures are logged and otherwise ignored.
func (m *MetricsCollector) RecordThrottle(ctx context.Context, operation string, wait time.Duration) {
	atomic.AddInt64(&m.localThrottleCount, 1)
	atomic.AddInt64(&m.localWaitTimeMs, wait.Milliseconds())

	window := m.window()
	total, perOp, waitKey := throttleKey(window), operationThrottleKey(operation, window), waitTimeKey(window)

	pipe := m.redis.Pipeline()
	pipe.Incr(ctx, total)
	pipe.Expire(ctx, total, metricsKeyTTL)
	pipe.Incr(ctx, perOp)
	pipe.Expire(ctx, perOp, metricsKeyTTL)
	pipe.IncrBy(ctx, waitKey, wait.Milliseconds())
	pipe.Expire(ctx, waitKey, metricsKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.WithError(err).Debug("Failed to record throttle metrics")
	}
}

// GetMetrics returns throttle metrics for the current minute
func (m *MetricsCollector) GetMetrics(ctx context.Context) (*ThrottleMetrics, error) {
	window := m.window()
	ops := m.registry.KnownOperations()

	keys := make([]string, 0, len(ops)+2)
	keys = append(keys, throttleKey(window), waitTimeKey(window))
	for _, op := range ops {
		keys = append(keys, operationThrottleKey(op, window))
	}

	values, err := m.redis.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get throttle metrics: %w", err)
	}

	metrics := &ThrottleMetrics{
		ThrottleCount:      parseCounter(values[0]),
		WaitTimeTotalMs:    parseCounter(values[1]),
		OperationThrottles: make(map[string]int64),
		LocalThrottleCount: atomic.LoadInt64(&m.localThrottleCount),
		CollectedAt:        m.clock.Now(),
		WindowStart:        time.Unix(window, 0).UTC(),
	}
	for i, op := range ops {
		if n := parseCounter(values[i+2]); n > 0 {
			metrics.OperationThrottles[op] = n
		}
	}

	return metrics, nil
}

func parseCounter(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// GetLocalThrottleCount returns the throttle count for this process
func (m *MetricsCollector) GetLocalThrottleCount() int64 {
	return atomic.LoadInt64(&m.localThrottleCount)
}

// GetLocalWaitTime returns the total wait recorded by this process
func (m *MetricsCollector) GetLocalWaitTime() time.Duration {
	return time.Duration(atomic.LoadInt64(&m.localWaitTimeMs)) * time.Millisecond
}

// ResetLocalCounters zeroes the in-process counters
func (m *MetricsCollector) ResetLocalCounters() {
	atomic.StoreInt64(&m.localThrottleCount, 0)
	atomic.StoreInt64(&m.localWaitTimeMs, 0)
}

// DefaultMetricsLogInterval is the default interval for logging metrics
const DefaultMetricsLogInterval = 30 * time.Second

// MetricsLogger periodically logs a throttle summary
type MetricsLogger struct {
	collector *MetricsCollector
	interval  time.Duration
	logger    *logging.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMetricsLogger creates a metrics logger. A zero interval uses DefaultMetricsLogInterval.
func NewMetricsLogger(collector *MetricsCollector, interval time.Duration, logger *logging.Logger) (*MetricsLogger, error) {
	if collector == nil {
		return nil, fmt.Errorf("metrics collector is required")
	}
	if interval <= 0 {
		interval = DefaultMetricsLogInterval
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &MetricsLogger{
		collector: collector,
		interval:  interval,
		logger:    logger.Component("ratelimit-metrics"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start logs in the background until Stop is called or ctx is done
func (l *MetricsLogger) Start(ctx context.Context) {
	go l.run(ctx)
}

// Stop stops the logger and waits for the loop to exit
func (l *MetricsLogger) Stop() {
	close(l.stopCh)
	<-l.doneCh
}

func (l *MetricsLogger) run(ctx context.Context) {
	defer close(l.doneCh)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.LogNow(ctx)
		}
	}
}

// LogNow logs the current metrics immediately
func (l *MetricsLogger) LogNow(ctx context.Context) {
	metrics, err := l.collector.GetMetrics(ctx)
	if err != nil {
		l.logger.WithError(err).Warn("Failed to collect throttle metrics")
		return
	}
	if metrics.ThrottleCount == 0 {
		return
	}

	fields := logging.Fields{
		"throttle_count": metrics.ThrottleCount,
		"wait_time_ms":   metrics.WaitTimeTotalMs,
	}
	for op, n := range metrics.OperationThrottles {
		fields["throttles_"+op] = n
	}
	l.logger.WithFields(fields).Info("Throttle summary")
}
