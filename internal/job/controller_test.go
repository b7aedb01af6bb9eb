package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asin-matcher/internal/adapter"
	"github.com/asin-matcher/internal/circuitbreaker"
	apperrors "github.com/asin-matcher/internal/errors"
	"github.com/asin-matcher/internal/logging"
	"github.com/asin-matcher/internal/models"
	"github.com/asin-matcher/internal/ratelimit"
	"github.com/asin-matcher/internal/types"
)

type stubMetrics struct {
	metrics *ratelimit.ThrottleMetrics
	err     error
}

func (s stubMetrics) GetMetrics(context.Context) (*ratelimit.ThrottleMetrics, error) {
	return s.metrics, s.err
}

func newTestController(t *testing.T, store *memStore, catalog *fakeCatalog, metrics MetricsSource) *JobController {
	t.Helper()
	limiter := newTestLimiter()
	processor, err := NewBatchProcessor(BatchProcessorConfig{
		Store:         store,
		Catalog:       catalog,
		Limiter:       limiter,
		MarketplaceID: testMarketplace,
		Logger:        logging.NewNopLogger(),
	})
	require.NoError(t, err)

	c, err := NewJobController(context.Background(), JobControllerConfig{
		Processor:     processor,
		Store:         store,
		Limiter:       limiter,
		Metrics:       metrics,
		MarketplaceID: testMarketplace,
		Logger:        logging.NewNopLogger(),
	})
	require.NoError(t, err)
	return c
}

func waitIdle(t *testing.T, c *JobController) {
	t.Helper()
	require.Eventually(t, func() bool { return !c.Status(context.Background()).IsRunning }, 5*time.Second, 5*time.Millisecond)
}

func TestStartOptions_Resolve(t *testing.T) {
	size, skip := 10, false
	resolved := StartOptions{BatchSize: &size, SkipRecentlyProcessed: &skip}.Resolve(DefaultBatchOptions())
	assert.Equal(t, BatchOptions{
		BatchSize:             10,
		MaxConcurrency:        DefaultMaxConcurrency,
		SkipRecentlyProcessed: false,
		OnlyWithUPCOrMPN:      true,
	}, resolved)

	assert.Equal(t, DefaultBatchOptions(), StartOptions{}.Resolve(DefaultBatchOptions()))
}

func TestController_StartRunsInBackground(t *testing.T) {
	products := upcProducts(5)
	store := newMemStore(products...)
	catalog := newFakeCatalog()
	catalog.onSearch(types.CodeKindUPC, *products[0].UPC, "B001")

	c := newTestController(t, store, catalog, nil)
	opts, err := c.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchOptions(), opts)

	waitIdle(t, c)
	status := c.Status(context.Background())
	assert.Equal(t, 5, status.Stats.ProcessedProducts)
	assert.Equal(t, 1, status.Stats.TotalASINsFound)
	assert.Equal(t, 100.0, status.ProgressPercent)
	assert.NotEmpty(t, status.BatchID)
	assert.Nil(t, status.RateLimiterMetrics)
	require.Contains(t, status.RateLimiterStatus, ratelimit.OperationSearchCatalogItems)
	require.Contains(t, status.RateLimiterStatus, ratelimit.OperationGetListingsRestrictions)
	assert.Equal(t, testMarketplace, status.RateLimiterStatus[ratelimit.OperationSearchCatalogItems].Marketplace)

	history, err := c.History(context.Background(), status.BatchID)
	require.NoError(t, err)
	assert.Len(t, history, 2, "one ASIN row plus the batch summary")
}

func TestController_StartConflict(t *testing.T) {
	store := newMemStore(upcProducts(3)...)
	catalog := newFakeCatalog()
	catalog.gate = make(chan struct{})

	c := newTestController(t, store, catalog, nil)
	_, err := c.Start(context.Background(), StartOptions{})
	require.NoError(t, err)

	_, err = c.Start(context.Background(), StartOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyRunning)
	assert.Equal(t, 409, apperrors.GetHTTPStatusCode(err))

	close(catalog.gate)
	waitIdle(t, c)

	_, err = c.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	waitIdle(t, c)
}

func TestController_StartInvalidOptions(t *testing.T) {
	c := newTestController(t, newMemStore(), newFakeCatalog(), nil)
	zero := 0
	_, err := c.Start(context.Background(), StartOptions{MaxConcurrency: &zero})
	require.Error(t, err)
	assert.Equal(t, 400, apperrors.GetHTTPStatusCode(err))
	assert.False(t, c.Status(context.Background()).IsRunning)
}

func TestController_StopAndShutdown(t *testing.T) {
	store := newMemStore(upcProducts(6)...)
	catalog := newFakeCatalog()
	catalog.gate = make(chan struct{})

	c := newTestController(t, store, catalog, nil)
	assert.False(t, c.Stop())

	_, err := c.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return catalog.searchCalls.Load() > 0 }, time.Second, time.Millisecond)

	assert.True(t, c.Stop())
	close(catalog.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
	assert.False(t, c.Status(context.Background()).IsRunning)
	assert.Less(t, c.Status(context.Background()).Stats.ProcessedProducts, 6)
}

func TestController_StatusIncludesMetrics(t *testing.T) {
	metrics := &ratelimit.ThrottleMetrics{ThrottleCount: 4}
	c := newTestController(t, newMemStore(), newFakeCatalog(), stubMetrics{metrics: metrics})
	assert.Equal(t, metrics, c.Status(context.Background()).RateLimiterMetrics)

	c = newTestController(t, newMemStore(), newFakeCatalog(), stubMetrics{err: errors.New("redis down")})
	status := c.Status(context.Background())
	assert.Nil(t, status.RateLimiterMetrics)
	assert.False(t, status.IsRunning)
}

func TestController_StatusIncludesCatalogCalls(t *testing.T) {
	product := &models.Product{ID: "p1", UPC: strPtr("111")}
	store := newMemStore(product)
	monitor := adapter.NewCallMonitor(0)
	catalog := adapter.NewMonitoredCatalogClient(newFakeCatalog(), monitor)

	limiter := newTestLimiter()
	processor, err := NewBatchProcessor(BatchProcessorConfig{
		Store: store, Catalog: catalog, Limiter: limiter, MarketplaceID: testMarketplace, Logger: logging.NewNopLogger(),
	})
	require.NoError(t, err)
	c, err := NewJobController(context.Background(), JobControllerConfig{
		Processor: processor, Store: store, Limiter: limiter, CallStats: monitor, MarketplaceID: testMarketplace,
	})
	require.NoError(t, err)

	_, err = c.ProcessSingle(context.Background(), "p1")
	require.NoError(t, err)

	calls := c.Status(context.Background()).CatalogCalls
	require.Contains(t, calls, ratelimit.OperationSearchCatalogItems)
	assert.Equal(t, int64(1), calls[ratelimit.OperationSearchCatalogItems].TotalCalls)
}

func TestController_StatusIncludesCircuitBreakers(t *testing.T) {
	breakers := circuitbreaker.NewManager(*circuitbreaker.DefaultConfig(""))
	breakers.Get(ratelimit.OperationSearchCatalogItems)

	store := newMemStore()
	limiter := newTestLimiter()
	processor, err := NewBatchProcessor(BatchProcessorConfig{
		Store: store, Catalog: newFakeCatalog(), Limiter: limiter, MarketplaceID: testMarketplace, Logger: logging.NewNopLogger(),
	})
	require.NoError(t, err)
	c, err := NewJobController(context.Background(), JobControllerConfig{
		Processor: processor, Store: store, Limiter: limiter, Breakers: breakers, MarketplaceID: testMarketplace,
	})
	require.NoError(t, err)

	status := c.Status(context.Background())
	require.Len(t, status.CircuitBreakers, 1)
	assert.Equal(t, ratelimit.OperationSearchCatalogItems, status.CircuitBreakers[0].Name)
	assert.Equal(t, circuitbreaker.StateClosed, status.CircuitBreakers[0].State)

	assert.Nil(t, newTestController(t, store, newFakeCatalog(), nil).Status(context.Background()).CircuitBreakers)
}

func TestController_ProcessSingle(t *testing.T) {
	product := &models.Product{ID: "p1", SKU: "SKU-1", UPC: strPtr("111")}
	noCodes := &models.Product{ID: "p2", SKU: "SKU-2"}
	store := newMemStore(product, noCodes)
	catalog := newFakeCatalog()
	catalog.onSearch(types.CodeKindUPC, "111", "B001", "B002")

	c := newTestController(t, store, catalog, nil)

	result, err := c.ProcessSingle(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", result.ProductID)
	assert.Equal(t, 2, result.ASINsFound)
	assert.Len(t, result.Mappings, 2)
	assert.NotEqual(t, c.Status(context.Background()).BatchID, result.BatchID)

	history, err := c.History(context.Background(), result.BatchID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = c.ProcessSingle(context.Background(), "p2")
	assert.ErrorIs(t, err, apperrors.ErrMissingIdentifiers)
	assert.Equal(t, 400, apperrors.GetHTTPStatusCode(err))
	assert.Equal(t, int64(1), catalog.searchCalls.Load())

	_, err = c.ProcessSingle(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrProductNotFound)
	assert.Equal(t, 404, apperrors.GetHTTPStatusCode(err))
}

func TestController_ProcessSingleFailureRecordsErrorStatus(t *testing.T) {
	product := &models.Product{ID: "p1", UPC: strPtr("111")}
	store := newMemStore(product)
	store.saveErr["p1"] = errors.New("deadlock detected")
	catalog := newFakeCatalog()
	catalog.onSearch(types.CodeKindUPC, "111", "B001")

	c := newTestController(t, store, catalog, nil)
	_, err := c.ProcessSingle(context.Background(), "p1")
	require.Error(t, err)

	st := store.status("p1")
	require.NotNil(t, st)
	assert.Equal(t, types.LookupStatusError, st.Status)
	assert.Contains(t, st.Message, "deadlock detected")
}

func TestController_Mappings(t *testing.T) {
	product := &models.Product{ID: "p1", UPC: strPtr("111")}
	store := newMemStore(product, &models.Product{ID: "p2", UPC: strPtr("222")})
	catalog := newFakeCatalog()
	catalog.onSearch(types.CodeKindUPC, "111", "B001")

	c := newTestController(t, store, catalog, nil)
	_, err := c.ProcessSingle(context.Background(), "p1")
	require.NoError(t, err)

	got, err := c.Mappings(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, product, got.Product)
	require.Len(t, got.Mappings, 1)
	require.NotNil(t, got.LookupStatus)
	assert.Equal(t, types.LookupStatusFound, got.LookupStatus.Status)

	got, err = c.Mappings(context.Background(), "p2")
	require.NoError(t, err)
	assert.NotNil(t, got.Mappings)
	assert.Empty(t, got.Mappings)
	assert.Nil(t, got.LookupStatus)

	_, err = c.Mappings(context.Background(), "nope")
	assert.ErrorIs(t, err, apperrors.ErrProductNotFound)
}

func TestController_History(t *testing.T) {
	c := newTestController(t, newMemStore(), newFakeCatalog(), nil)

	logs, err := c.History(context.Background(), "unknown-batch")
	require.NoError(t, err)
	assert.NotNil(t, logs)
	assert.Empty(t, logs)

	_, err = c.History(context.Background(), "")
	assert.Equal(t, 400, apperrors.GetHTTPStatusCode(err))
}
