package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asin-matcher/internal/logging"
)

func newTestCollector(t *testing.T, clock Clock) (*MetricsCollector, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	collector, err := NewMetricsCollector(&MetricsCollectorConfig{
		Redis:    client,
		Registry: NewOperationRegistry(nil),
		Clock:    clock,
		Logger:   logging.NewNopLogger(),
	})
	require.NoError(t, err)
	return collector, mr
}

func TestNewMetricsCollector_Validation(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	tests := []struct {
		name   string
		cfg    *MetricsCollectorConfig
		errMsg string
	}{
		{name: "nil config", cfg: nil, errMsg: "configuration is required"},
		{name: "nil redis", cfg: &MetricsCollectorConfig{Registry: NewOperationRegistry(nil)}, errMsg: "redis client is required"},
		{name: "nil registry", cfg: &MetricsCollectorConfig{Redis: client}, errMsg: "operation registry is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMetricsCollector(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestMetricsCollector_RecordAndGet(t *testing.T) {
	clock := NewManualClock(epoch.Add(90 * time.Second))
	collector, _ := newTestCollector(t, clock)
	ctx := context.Background()

	collector.RecordThrottle(ctx, OperationSearchCatalogItems, 500*time.Millisecond)
	collector.RecordThrottle(ctx, OperationSearchCatalogItems, 250*time.Millisecond)
	collector.RecordThrottle(ctx, OperationGetListingsRestrictions, time.Second)

	metrics, err := collector.GetMetrics(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(3), metrics.ThrottleCount)
	assert.Equal(t, int64(1750), metrics.WaitTimeTotalMs)
	assert.Equal(t, int64(3), metrics.LocalThrottleCount)
	assert.Equal(t, map[string]int64{
		OperationSearchCatalogItems:      2,
		OperationGetListingsRestrictions: 1,
	}, metrics.OperationThrottles)
	assert.True(t, epoch.Add(time.Minute).Equal(metrics.WindowStart))

	assert.Equal(t, 1750*time.Millisecond, collector.GetLocalWaitTime())
	collector.ResetLocalCounters()
	assert.Equal(t, int64(0), collector.GetLocalThrottleCount())
}

func TestMetricsCollector_KeysExpire(t *testing.T) {
	clock := NewManualClock(epoch)
	collector, mr := newTestCollector(t, clock)

	collector.RecordThrottle(context.Background(), OperationSearchCatalogItems, time.Second)

	key := throttleKey(epoch.Unix())
	require.True(t, mr.Exists(key))
	assert.Equal(t, metricsKeyTTL, mr.TTL(key))

	mr.FastForward(metricsKeyTTL + time.Second)
	assert.False(t, mr.Exists(key))
}

func TestMetricsCollector_WindowRollsOver(t *testing.T) {
	clock := NewManualClock(epoch)
	collector, _ := newTestCollector(t, clock)
	ctx := context.Background()

	collector.RecordThrottle(ctx, OperationSearchCatalogItems, time.Second)
	clock.Advance(time.Minute)

	metrics, err := collector.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), metrics.ThrottleCount)
	assert.Empty(t, metrics.OperationThrottles)
	assert.Equal(t, int64(1), metrics.LocalThrottleCount)
}

func TestMetricsCollector_RedisDownIsBestEffort(t *testing.T) {
	collector, mr := newTestCollector(t, NewManualClock(epoch))
	mr.Close()

	collector.RecordThrottle(context.Background(), OperationSearchCatalogItems, time.Second)
	assert.Equal(t, int64(1), collector.GetLocalThrottleCount())

	_, err := collector.GetMetrics(context.Background())
	assert.Error(t, err)
}

func TestRateLimiter_RecordsThrottlesInRedis(t *testing.T) {
	clock := NewManualClock(epoch)
	collector, _ := newTestCollector(t, clock)
	l := NewRateLimiter(&RateLimiterConfig{
		Clock:    clock,
		Recorder: collector,
		Logger:   logging.NewNopLogger(),
	})

	l.ConsumeToken(OperationSearchCatalogItems, testMarketplace)
	l.ConsumeToken(OperationSearchCatalogItems, testMarketplace)
	require.NoError(t, l.WaitForToken(context.Background(), OperationSearchCatalogItems, testMarketplace))

	// the sleep may cross into the next minute window; local counters are window-free
	assert.Equal(t, int64(1), collector.GetLocalThrottleCount())
	assert.Equal(t, int64(1), l.ThrottleCount())
}

func TestMetricsLogger_LogNow(t *testing.T) {
	collector, _ := newTestCollector(t, NewManualClock(epoch))
	collector.RecordThrottle(context.Background(), OperationSearchCatalogItems, time.Second)

	ml, err := NewMetricsLogger(collector, 0, logging.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, DefaultMetricsLogInterval, ml.interval)

	ml.LogNow(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	ml.Start(ctx)
	ml.Stop()
	cancel()

	_, err = NewMetricsLogger(nil, time.Second, nil)
	assert.Error(t, err)
}
