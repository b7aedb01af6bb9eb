package adapter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/asin-matcher/internal/ratelimit"
	"github.com/asin-matcher/internal/types"
)

const (
	defaultMaxSamples    = 1000
	defaultSlowThreshold = 2 * time.Second
)

// CallMonitor keeps latency samples for remote catalog calls per operation
type CallMonitor struct {
	mu            sync.RWMutex
	ops           map[string]*opSamples
	maxSamples    int
	slowThreshold time.Duration
}

type opSamples struct {
	durations []time.Duration
	total     int64
	errors    int64
	slow      int64
}

// CallStats summarises one operation's recent calls
type CallStats struct {
	TotalCalls int64   `json:"totalCalls"`
	Errors     int64   `json:"errors"`
	SlowCalls  int64   `json:"slowCalls"`
	AvgMs      float64 `json:"avgMs"`
	P95Ms      float64 `json:"p95Ms"`
	P99Ms      float64 `json:"p99Ms"`
}

// NewCallMonitor creates a monitor. A non-positive slowThreshold uses 2s.
func NewCallMonitor(slowThreshold time.Duration) *CallMonitor {
	if slowThreshold <= 0 {
		slowThreshold = defaultSlowThreshold
	}
	return &CallMonitor{
		ops:           make(map[string]*opSamples),
		maxSamples:    defaultMaxSamples,
		slowThreshold: slowThreshold,
	}
}

// Record adds one call outcome
func (m *CallMonitor) Record(operation string, d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.ops[operation]
	if !ok {
		s = &opSamples{durations: make([]time.Duration, 0, 64)}
		m.ops[operation] = s
	}

	s.total++
	if err != nil {
		s.errors++
	}
	if d > m.slowThreshold {
		s.slow++
	}

	s.durations = append(s.durations, d)
	// Keep only last maxSamples
	if len(s.durations) > m.maxSamples {
		s.durations = s.durations[len(s.durations)-m.maxSamples:]
	}
}

// Stats returns per-operation statistics over the retained samples
func (m *CallMonitor) Stats() map[string]CallStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]CallStats, len(m.ops))
	for op, s := range m.ops {
		stats := CallStats{TotalCalls: s.total, Errors: s.errors, SlowCalls: s.slow}

		if len(s.durations) > 0 {
			sorted := make([]time.Duration, len(s.durations))
			copy(sorted, s.durations)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

			var total time.Duration
			for _, d := range sorted {
				total += d
			}
			stats.AvgMs = float64(total.Milliseconds()) / float64(len(sorted))
			stats.P95Ms = float64(sorted[percentileIndex(len(sorted), 0.95)].Milliseconds())
			stats.P99Ms = float64(sorted[percentileIndex(len(sorted), 0.99)].Milliseconds())
		}
		out[op] = stats
	}
	return out
}

func percentileIndex(n int, p float64) int {
	i := int(float64(n) * p)
	if i >= n {
		i = n - 1
	}
	return i
}

// Reset drops all samples and counters
func (m *CallMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = make(map[string]*opSamples)
}

// MonitoredCatalogClient times every call made through next
type MonitoredCatalogClient struct {
	next    CatalogClient
	monitor *CallMonitor
	now     func() time.Time
}

// NewMonitoredCatalogClient wraps next so each call is recorded on monitor
func NewMonitoredCatalogClient(next CatalogClient, monitor *CallMonitor) *MonitoredCatalogClient {
	return &MonitoredCatalogClient{next: next, monitor: monitor, now: time.Now}
}

func (c *MonitoredCatalogClient) SearchByCode(ctx context.Context, code string, kind types.CodeKind) ([]CatalogItem, error) {
	start := c.now()
	items, err := c.next.SearchByCode(ctx, code, kind)
	c.monitor.Record(ratelimit.OperationSearchCatalogItems, c.now().Sub(start), err)
	return items, err
}

func (c *MonitoredCatalogClient) GetRestrictions(ctx context.Context, asin string) (*RestrictionResult, error) {
	start := c.now()
	result, err := c.next.GetRestrictions(ctx, asin)
	c.monitor.Record(ratelimit.OperationGetListingsRestrictions, c.now().Sub(start), err)
	return result, err
}
