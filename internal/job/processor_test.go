package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asin-matcher/internal/adapter"
	apperrors "github.com/asin-matcher/internal/errors"
	"github.com/asin-matcher/internal/models"
	"github.com/asin-matcher/internal/types"
)

func TestNewBatchProcessor_Validation(t *testing.T) {
	store, catalog, limiter := newMemStore(), newFakeCatalog(), newTestLimiter()

	_, err := NewBatchProcessor(BatchProcessorConfig{Catalog: catalog, Limiter: limiter, MarketplaceID: testMarketplace})
	assert.Error(t, err)
	_, err = NewBatchProcessor(BatchProcessorConfig{Store: store, Limiter: limiter, MarketplaceID: testMarketplace})
	assert.Error(t, err)
	_, err = NewBatchProcessor(BatchProcessorConfig{Store: store, Catalog: catalog, MarketplaceID: testMarketplace})
	assert.Error(t, err)
	_, err = NewBatchProcessor(BatchProcessorConfig{Store: store, Catalog: catalog, Limiter: limiter})
	assert.Error(t, err)

	p, err := NewBatchProcessor(BatchProcessorConfig{Store: store, Catalog: catalog, Limiter: limiter, MarketplaceID: testMarketplace})
	require.NoError(t, err)
	assert.NotEmpty(t, p.BatchID())
	assert.False(t, p.IsRunning())
}

func TestProcessProduct_HappyPath(t *testing.T) {
	product := &models.Product{ID: "p1", SKU: "SKU-1", UPC: strPtr("012345678905")}
	store := newMemStore(product)
	catalog := newFakeCatalog()
	catalog.onSearch(types.CodeKindUPC, "012345678905", "B000000001")

	p := newTestProcessor(t, store, catalog)
	runID, found, err := p.ProcessProduct(context.Background(), product)
	require.NoError(t, err)
	assert.Equal(t, 1, found)
	assert.NotEmpty(t, runID)

	mappings, _ := store.ListMappings(context.Background(), "p1")
	require.Len(t, mappings, 1)
	m := mappings[0]
	assert.Equal(t, "B000000001", m.ASIN)
	assert.Equal(t, runID, m.BatchID)
	assert.Equal(t, "012345678905", m.IdentifyingCode)
	assert.Equal(t, types.SearchMethodUPC, m.SearchMethod)
	assert.Equal(t, testMarketplace, m.MarketplaceID)
	require.NotNil(t, m.CanList)
	assert.True(t, *m.CanList)
	require.NotNil(t, m.HasListingRestrictions)
	assert.False(t, *m.HasListingRestrictions)

	st := store.status("p1")
	require.NotNil(t, st)
	assert.Equal(t, types.LookupStatusFound, st.Status)
	assert.Equal(t, "Found 1 ASINs", st.Message)
	assert.Equal(t, 1, st.ASINsFound)
	assert.Equal(t, []types.LookupStatus{types.LookupStatusPending, types.LookupStatusFound}, store.trail("p1"))

	logs, _ := store.ListSyncLogs(context.Background(), runID)
	require.Len(t, logs, 1)
	assert.Equal(t, types.SyncResultSuccess, logs[0].Status)
	assert.Equal(t, "B000000001", *logs[0].ASIN)
}

func TestProcessProduct_SameASINFromBothCodesKeptOnce(t *testing.T) {
	product := &models.Product{ID: "p1", UPC: strPtr("111"), ManufacturerPartNumber: strPtr("MPN-1")}
	store := newMemStore(product)
	catalog := newFakeCatalog()
	catalog.onSearch(types.CodeKindUPC, "111", "B001")
	catalog.onSearch(types.CodeKindMPN, "MPN-1", "B001", "B002")

	p := newTestProcessor(t, store, catalog)
	_, found, err := p.ProcessProduct(context.Background(), product)
	require.NoError(t, err)
	assert.Equal(t, 2, found)

	mappings, _ := store.ListMappings(context.Background(), "p1")
	require.Len(t, mappings, 2)
	byASIN := map[string]*models.ASINMapping{}
	for _, m := range mappings {
		byASIN[m.ASIN] = m
	}
	assert.Equal(t, types.SearchMethodUPC, byASIN["B001"].SearchMethod)
	assert.Equal(t, "111", byASIN["B001"].IdentifyingCode)
	assert.Equal(t, types.SearchMethodManufacturerPartNumber, byASIN["B002"].SearchMethod)
	assert.Equal(t, "MPN-1", byASIN["B002"].IdentifyingCode)
	assert.Equal(t, int64(2), catalog.restrictionCalls.Load())
}

func TestProcessProduct_RestrictionFailureKeepsOtherResults(t *testing.T) {
	product := &models.Product{ID: "p1", UPC: strPtr("111")}
	store := newMemStore(product)
	catalog := newFakeCatalog()
	catalog.onSearch(types.CodeKindUPC, "111", "B001", "B002", "B003")
	catalog.restrictionErrs["B002"] = errors.New("restriction service unavailable")
	catalog.restrictions["B003"] = &adapter.RestrictionResult{Restrictions: []adapter.Restriction{
		{ReasonCode: "APPROVAL_REQUIRED", Message: "You need approval"},
	}}

	p := newTestProcessor(t, store, catalog)
	_, found, err := p.ProcessProduct(context.Background(), product)
	require.NoError(t, err)
	assert.Equal(t, 3, found)

	mappings, _ := store.ListMappings(context.Background(), "p1")
	require.Len(t, mappings, 3)
	byASIN := map[string]*models.ASINMapping{}
	for _, m := range mappings {
		byASIN[m.ASIN] = m
	}

	require.NotNil(t, byASIN["B001"].CanList)
	assert.True(t, *byASIN["B001"].CanList)

	assert.Nil(t, byASIN["B002"].CanList)
	assert.Nil(t, byASIN["B002"].HasListingRestrictions)

	require.NotNil(t, byASIN["B003"].CanList)
	assert.False(t, *byASIN["B003"].CanList)
	assert.True(t, *byASIN["B003"].HasListingRestrictions)
	assert.Equal(t, []string{"APPROVAL_REQUIRED"}, byASIN["B003"].RestrictionReasonCodes)
	assert.Equal(t, []string{"You need approval"}, byASIN["B003"].RestrictionMessages)

	assert.Equal(t, types.LookupStatusFound, store.status("p1").Status)
}

func TestProcessProduct_SearchFailuresYieldNotFound(t *testing.T) {
	product := &models.Product{ID: "p1", UPC: strPtr("111"), ManufacturerPartNumber: strPtr("MPN-1")}
	store := newMemStore(product)
	catalog := newFakeCatalog()
	catalog.searchErrs[searchKey(types.CodeKindUPC, "111")] = errors.New("boom")

	p := newTestProcessor(t, store, catalog)
	_, found, err := p.ProcessProduct(context.Background(), product)
	require.NoError(t, err)
	assert.Equal(t, 0, found)
	assert.Equal(t, int64(2), catalog.searchCalls.Load())

	st := store.status("p1")
	assert.Equal(t, types.LookupStatusNotFound, st.Status)
	assert.Equal(t, "No ASINs found for UPC/MPN", st.Message)
	assert.Equal(t, 0, st.ASINsFound)
}

func TestProcessProduct_MissingIdentifiersMakesNoCalls(t *testing.T) {
	product := &models.Product{ID: "p1", UPC: strPtr("")}
	store := newMemStore(product)
	catalog := newFakeCatalog()

	p := newTestProcessor(t, store, catalog)
	_, _, err := p.ProcessProduct(context.Background(), product)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrMissingIdentifiers)
	assert.Zero(t, catalog.searchCalls.Load())
	assert.Nil(t, store.status("p1"))
}

func TestProcessProduct_DuringRunKeepsOwnHistory(t *testing.T) {
	product := &models.Product{ID: "p1", UPC: strPtr("111")}
	store := newMemStore(product)
	catalog := newFakeCatalog()
	catalog.onSearch(types.CodeKindUPC, "111", "B001", "B002")

	p := newTestProcessor(t, store, catalog)
	require.True(t, p.tryAcquire())
	defer p.release()
	activeBatch := p.BatchID()

	runID, found, err := p.ProcessProduct(context.Background(), product)
	require.NoError(t, err)
	assert.Equal(t, 2, found)
	assert.NotEqual(t, activeBatch, runID)

	batchLogs, _ := store.ListSyncLogs(context.Background(), activeBatch)
	assert.Empty(t, batchLogs)
	runLogs, _ := store.ListSyncLogs(context.Background(), runID)
	assert.Len(t, runLogs, 2)
	assert.Zero(t, p.Stats().ProcessedProducts)
}

func TestProcessProduct_RepeatedDiscoveryIsIdempotent(t *testing.T) {
	product := &models.Product{ID: "p1", UPC: strPtr("111")}
	store := newMemStore(product)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	catalog := newFakeCatalog()
	catalog.onSearch(types.CodeKindUPC, "111", "B001")

	p := newTestProcessor(t, store, catalog)
	_, _, err := p.ProcessProduct(context.Background(), product)
	require.NoError(t, err)

	clock = clock.Add(time.Hour)
	_, _, err = p.ProcessProduct(context.Background(), product)
	require.NoError(t, err)

	mappings, _ := store.ListMappings(context.Background(), "p1")
	require.Len(t, mappings, 1)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), mappings[0].DiscoveredAt)
	assert.Equal(t, time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC), mappings[0].LastVerifiedAt)
}

func TestStartBatchProcessing_ProcessesAllCandidates(t *testing.T) {
	products := upcProducts(7)
	products = append(products, &models.Product{ID: "no-codes", SKU: "SKU-X"})
	store := newMemStore(products...)
	catalog := newFakeCatalog()
	for i := 0; i < 7; i++ {
		if i%2 == 0 {
			catalog.onSearch(types.CodeKindUPC, *products[i].UPC, fmt.Sprintf("B%09d", i))
		}
	}

	p := newTestProcessor(t, store, catalog)
	stats, err := p.StartBatchProcessing(context.Background(), BatchOptions{
		BatchSize: 3, MaxConcurrency: 2, SkipRecentlyProcessed: true, OnlyWithUPCOrMPN: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 7, stats.TotalProducts)
	assert.Equal(t, 7, stats.ProcessedProducts)
	assert.Equal(t, 7, stats.SuccessfulProducts)
	assert.Equal(t, 0, stats.FailedProducts)
	assert.Equal(t, 4, stats.TotalASINsFound)
	assert.InDelta(t, 4.0/7.0, stats.AverageASINsPerProduct, 1e-9)
	assert.Empty(t, stats.Errors)
	assert.False(t, p.IsRunning())

	assert.Equal(t, models.CandidateFilter{
		OnlyWithUPCOrMPN: true, SkipRecentlyProcessed: true, RecentWindow: RecentLookupWindow, Limit: MaxCandidates,
	}, store.lastQuery)
	assert.Nil(t, store.status("no-codes"))

	rows := store.summaryRows()
	require.Len(t, rows, 1)
	assert.Equal(t, p.BatchID(), rows[0].BatchID)
	assert.Equal(t, types.SyncResultSuccess, rows[0].Status)
	assert.Nil(t, rows[0].ErrorDetails)
	require.NotNil(t, rows[0].CompletedAt)
	assert.Equal(t, float64(7), rows[0].Metadata["stats"].(map[string]interface{})["totalProducts"])
	assert.Equal(t, []interface{}{}, rows[0].Metadata["stats"].(map[string]interface{})["errors"])

	raw, err := json.Marshal(p.Stats())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"errors":[]`)
}

func TestStartBatchProcessing_SkipsRecentlyFound(t *testing.T) {
	products := upcProducts(3)
	store := newMemStore(products...)
	catalog := newFakeCatalog()
	catalog.onSearch(types.CodeKindUPC, *products[0].UPC, "B001")

	p := newTestProcessor(t, store, catalog)
	opts := DefaultBatchOptions()
	_, err := p.StartBatchProcessing(context.Background(), opts)
	require.NoError(t, err)
	firstBatch := p.BatchID()

	stats, err := p.StartBatchProcessing(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalProducts, "found product is skipped, not_found ones are retried")
	assert.NotEqual(t, firstBatch, p.BatchID())

	opts.SkipRecentlyProcessed = false
	stats, err = p.StartBatchProcessing(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalProducts)
}

func TestStartBatchProcessing_ProductFailureIsIsolated(t *testing.T) {
	products := upcProducts(4)
	store := newMemStore(products...)
	store.saveErr[products[1].ID] = errors.New("disk full")
	catalog := newFakeCatalog()
	for _, prod := range products {
		catalog.onSearch(types.CodeKindUPC, *prod.UPC, "A"+prod.ID)
	}

	p := newTestProcessor(t, store, catalog)
	stats, err := p.StartBatchProcessing(context.Background(), DefaultBatchOptions())
	require.NoError(t, err)

	assert.Equal(t, 4, stats.ProcessedProducts)
	assert.Equal(t, 3, stats.SuccessfulProducts)
	assert.Equal(t, 1, stats.FailedProducts)
	assert.Equal(t, 3, stats.TotalASINsFound)
	require.Len(t, stats.Errors, 1)
	assert.Contains(t, stats.Errors[0], products[1].ID)
	assert.Contains(t, stats.Errors[0], "disk full")

	st := store.status(products[1].ID)
	assert.Equal(t, types.LookupStatusError, st.Status)
	assert.Contains(t, st.Message, "disk full")
	mappings, _ := store.ListMappings(context.Background(), products[1].ID)
	assert.Empty(t, mappings)

	rows := store.summaryRows()
	require.Len(t, rows, 1)
	assert.Equal(t, types.SyncResultPartialSuccess, rows[0].Status)
	assert.Equal(t, 1, rows[0].ErrorDetails["totalErrors"])
}

func TestStartBatchProcessing_ErrorListIsBounded(t *testing.T) {
	products := upcProducts(models.MaxRecordedErrors + 20)
	store := newMemStore(products...)
	catalog := newFakeCatalog()
	for _, prod := range products {
		store.saveErr[prod.ID] = errors.New("write failed")
		catalog.onSearch(types.CodeKindUPC, *prod.UPC, "A"+prod.ID)
	}

	p := newTestProcessor(t, store, catalog)
	stats, err := p.StartBatchProcessing(context.Background(), BatchOptions{BatchSize: 50, MaxConcurrency: 5})
	require.NoError(t, err)

	assert.Equal(t, len(products), stats.FailedProducts)
	assert.Len(t, stats.Errors, models.MaxRecordedErrors)
	assert.Equal(t, len(products), stats.ErrorCount)

	rows := store.summaryRows()
	require.Len(t, rows, 1)
	assert.Len(t, rows[0].ErrorDetails["errors"], summaryErrorLimit)
	assert.Equal(t, len(products), rows[0].ErrorDetails["totalErrors"])
}

func TestStartBatchProcessing_SelectionFailureIsFatal(t *testing.T) {
	store := newMemStore()
	store.selectErr = errors.New("connection refused")

	p := newTestProcessor(t, store, newFakeCatalog())
	stats, err := p.StartBatchProcessing(context.Background(), DefaultBatchOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.False(t, p.IsRunning())
	require.Len(t, stats.Errors, 1)

	rows := store.summaryRows()
	require.Len(t, rows, 1)
	assert.Equal(t, types.SyncResultPartialSuccess, rows[0].Status)
}

func TestStartBatchProcessing_InvalidOptions(t *testing.T) {
	p := newTestProcessor(t, newMemStore(), newFakeCatalog())
	_, err := p.StartBatchProcessing(context.Background(), BatchOptions{BatchSize: 0, MaxConcurrency: 1})
	assert.Error(t, err)
	assert.False(t, p.IsRunning())
}

func TestStartBatchProcessing_RejectsSecondRun(t *testing.T) {
	products := upcProducts(4)
	store := newMemStore(products...)
	catalog := newFakeCatalog()
	catalog.gate = make(chan struct{})

	p := newTestProcessor(t, store, catalog)
	done := make(chan models.BatchProcessingStats, 1)
	go func() {
		stats, _ := p.StartBatchProcessing(context.Background(), BatchOptions{BatchSize: 10, MaxConcurrency: 1})
		done <- stats
	}()

	require.Eventually(t, func() bool { return catalog.searchCalls.Load() == 1 }, time.Second, time.Millisecond)
	before := p.Stats()
	batchID := p.BatchID()

	_, err := p.StartBatchProcessing(context.Background(), DefaultBatchOptions())
	assert.ErrorIs(t, err, apperrors.ErrAlreadyRunning)
	assert.Equal(t, before, p.Stats())
	assert.Equal(t, batchID, p.BatchID())

	close(catalog.gate)
	stats := <-done
	assert.Equal(t, 4, stats.ProcessedProducts)
}

func TestStop_HaltsAtGroupBoundary(t *testing.T) {
	products := upcProducts(10)
	store := newMemStore(products...)
	catalog := newFakeCatalog()
	catalog.gate = make(chan struct{})

	p := newTestProcessor(t, store, catalog)
	assert.False(t, p.Stop(), "nothing running")

	done := make(chan models.BatchProcessingStats, 1)
	go func() {
		stats, _ := p.StartBatchProcessing(context.Background(), BatchOptions{BatchSize: 10, MaxConcurrency: 2})
		done <- stats
	}()

	require.Eventually(t, func() bool { return catalog.searchCalls.Load() == 2 }, time.Second, time.Millisecond)
	assert.True(t, p.Stop())
	assert.True(t, p.IsRunning(), "in-flight group still running")
	close(catalog.gate)

	stats := <-done
	assert.Equal(t, 2, stats.ProcessedProducts)
	assert.Equal(t, 10, stats.TotalProducts)
	assert.False(t, p.IsRunning())

	rows := store.summaryRows()
	require.Len(t, rows, 1)
	assert.Equal(t, true, rows[0].Metadata["stopped"])
}

func TestStartBatchProcessing_ContextCancelHaltsRun(t *testing.T) {
	products := upcProducts(6)
	store := newMemStore(products...)
	catalog := newFakeCatalog()
	catalog.gate = make(chan struct{})

	p := newTestProcessor(t, store, catalog)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan models.BatchProcessingStats, 1)
	go func() {
		stats, _ := p.StartBatchProcessing(ctx, BatchOptions{BatchSize: 6, MaxConcurrency: 3})
		done <- stats
	}()

	require.Eventually(t, func() bool { return catalog.searchCalls.Load() == 3 }, time.Second, time.Millisecond)
	cancel()
	close(catalog.gate)

	stats := <-done
	assert.Equal(t, 3, stats.ProcessedProducts)
	assert.Equal(t, 3, stats.SuccessfulProducts, "dispatched products finish after cancel")
	assert.Len(t, store.summaryRows(), 1)
}

func TestStartBatchProcessing_ConcurrencyNeverExceedsLimit(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	properties.Property("in-flight searches stay within maxConcurrency", prop.ForAll(
		func(count, batchSize, maxConcurrency int) bool {
			store := newMemStore(upcProducts(count)...)
			catalog := newFakeCatalog()
			catalog.delay = time.Millisecond

			p := newTestProcessor(t, store, catalog)
			stats, err := p.StartBatchProcessing(context.Background(), BatchOptions{
				BatchSize: batchSize, MaxConcurrency: maxConcurrency,
			})
			if err != nil {
				return false
			}
			return stats.ProcessedProducts == count &&
				catalog.maxInFlight.Load() <= int64(maxConcurrency)
		},
		gen.IntRange(1, 25),
		gen.IntRange(1, 10),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}

func TestStatsAccumulator_Finish(t *testing.T) {
	acc := newStatsAccumulator()
	acc.setTotal(3)
	acc.recordSuccess(4)
	acc.recordSuccess(2)
	acc.recordFailure("bad")

	stats := acc.finish(1500, 7)
	assert.Equal(t, 3, stats.ProcessedProducts)
	assert.Equal(t, 6, stats.TotalASINsFound)
	assert.Equal(t, 3.0, stats.AverageASINsPerProduct)
	assert.Equal(t, int64(1500), stats.ProcessingTimeMs)
	assert.Equal(t, int64(7), stats.RateLimitHits)
	assert.Equal(t, 1, stats.ErrorCount)

	empty := newStatsAccumulator().finish(0, 0)
	assert.Equal(t, 0.0, empty.AverageASINsPerProduct)
	assert.NotNil(t, empty.Errors)
}
