package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/asin-matcher/internal/adapter"
	apperrors "github.com/asin-matcher/internal/errors"
	"github.com/asin-matcher/internal/logging"
	"github.com/asin-matcher/internal/models"
	"github.com/asin-matcher/internal/ratelimit"
	"github.com/asin-matcher/internal/types"
)

// summaryErrorLimit is how many error messages the batch summary row carries
const summaryErrorLimit = 10

// BatchProcessorConfig wires a BatchProcessor
type BatchProcessorConfig struct {
	Store         Store
	Catalog       adapter.CatalogClient
	Limiter       Limiter
	MarketplaceID string
	Logger        *logging.Logger
	// Now defaults to time.Now
	Now func() time.Time
}

// BatchProcessor discovers ASINs for products, one batch run at a time
type BatchProcessor struct {
	store         Store
	catalog       adapter.CatalogClient
	limiter       Limiter
	marketplaceID string
	logger        *logging.Logger
	now           func() time.Time

	running       atomic.Bool
	stopRequested atomic.Bool

	mu      sync.RWMutex
	batchID string

	stats *statsAccumulator
}

// NewBatchProcessor creates a processor with a fresh batch id
func NewBatchProcessor(cfg BatchProcessorConfig) (*BatchProcessor, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("catalog client is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.MarketplaceID == "" {
		return nil, fmt.Errorf("marketplace id is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &BatchProcessor{
		store:         cfg.Store,
		catalog:       cfg.Catalog,
		limiter:       cfg.Limiter,
		marketplaceID: cfg.MarketplaceID,
		logger:        logger.Component("batch_processor"),
		now:           now,
		batchID:       newBatchID(),
		stats:         newStatsAccumulator(),
	}, nil
}

func newBatchID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// BatchID returns the id of the current or most recent run
func (p *BatchProcessor) BatchID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.batchID
}

// IsRunning reports whether a batch run is in progress
func (p *BatchProcessor) IsRunning() bool {
	return p.running.Load()
}

// Stats returns a snapshot of the current or most recent run
func (p *BatchProcessor) Stats() models.BatchProcessingStats {
	return p.stats.snapshot()
}

// Stop asks the current run to halt at the next group boundary. Calls already
// dispatched finish. Returns false when nothing is running.
func (p *BatchProcessor) Stop() bool {
	if !p.running.Load() {
		return false
	}
	p.stopRequested.Store(true)
	p.logger.Info("Stop requested for batch processing")
	return true
}

// tryAcquire reserves the single run slot
func (p *BatchProcessor) tryAcquire() bool {
	if !p.running.CompareAndSwap(false, true) {
		return false
	}
	p.stopRequested.Store(false)
	return true
}

func (p *BatchProcessor) release() {
	p.running.Store(false)
}

// StartBatchProcessing runs one batch to completion. It returns
// errors.ErrAlreadyRunning without touching the active run's stats when a run
// is in progress.
func (p *BatchProcessor) StartBatchProcessing(ctx context.Context, opts BatchOptions) (models.BatchProcessingStats, error) {
	if err := opts.Validate(); err != nil {
		return models.BatchProcessingStats{}, apperrors.NewInvalidParameterError("options", err.Error())
	}
	if !p.tryAcquire() {
		return p.Stats(), apperrors.ErrAlreadyRunning
	}
	return p.run(ctx, opts)
}

// run executes a batch; the caller must hold the run slot
func (p *BatchProcessor) run(ctx context.Context, opts BatchOptions) (stats models.BatchProcessingStats, err error) {
	defer p.release()

	batchID := newBatchID()
	p.mu.Lock()
	p.batchID = batchID
	p.mu.Unlock()

	p.stats.reset()
	startedAt := p.now()
	hitsBefore := p.limiter.ThrottleCount()
	logger := p.logger.WithFields(map[string]interface{}{
		"batch_id":        batchID,
		"batch_size":      opts.BatchSize,
		"max_concurrency": opts.MaxConcurrency,
	})
	logger.Info("Starting batch ASIN discovery")

	stopped := false
	defer func() {
		completedAt := p.now()
		stats = p.stats.finish(completedAt.Sub(startedAt).Milliseconds(), p.limiter.ThrottleCount()-hitsBefore)
		p.writeSummary(context.WithoutCancel(ctx), batchID, opts, stats, startedAt, completedAt, stopped)

		logger.WithFields(map[string]interface{}{
			"total":        stats.TotalProducts,
			"processed":    stats.ProcessedProducts,
			"successful":   stats.SuccessfulProducts,
			"failed":       stats.FailedProducts,
			"asins_found":  stats.TotalASINsFound,
			"rate_limited": stats.RateLimitHits,
			"duration_ms":  stats.ProcessingTimeMs,
			"stopped":      stopped,
		}).Info("Batch ASIN discovery finished")
	}()

	candidates, err := p.store.SelectCandidates(ctx, models.CandidateFilter{
		OnlyWithUPCOrMPN:      opts.OnlyWithUPCOrMPN,
		SkipRecentlyProcessed: opts.SkipRecentlyProcessed,
		RecentWindow:          RecentLookupWindow,
		Limit:                 MaxCandidates,
	})
	if err != nil {
		err = fmt.Errorf("failed to select candidate products: %w", err)
		p.stats.addError(err.Error())
		logger.WithError(err).Error("Batch ASIN discovery failed")
		return stats, err
	}
	p.stats.setTotal(len(candidates))
	logger.Infof("Selected %d candidate products", len(candidates))

	chunks := (len(candidates) + opts.BatchSize - 1) / opts.BatchSize
	for i := 0; i < chunks; i++ {
		start := i * opts.BatchSize
		end := start + opts.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}

		if p.processChunk(ctx, batchID, candidates[start:end], opts.MaxConcurrency) {
			stopped = true
			logger.Warn("Batch ASIN discovery halted before completion")
			break
		}

		progress := p.stats.snapshot()
		logger.Infof("Processed chunk %d/%d: %d/%d products (%.1f%%)",
			i+1, chunks, progress.ProcessedProducts, progress.TotalProducts, progress.ProgressPercent())
	}

	return stats, nil
}

// processChunk runs a chunk in groups of maxConcurrency. It reports true when
// the run was stopped or its context ended before all groups ran.
func (p *BatchProcessor) processChunk(ctx context.Context, batchID string, chunk []*models.Product, maxConcurrency int) bool {
	// dispatched products finish even when ctx ends
	productCtx := context.WithoutCancel(ctx)

	for start := 0; start < len(chunk); start += maxConcurrency {
		if p.stopRequested.Load() || ctx.Err() != nil {
			return true
		}

		end := start + maxConcurrency
		if end > len(chunk) {
			end = len(chunk)
		}

		var g errgroup.Group
		g.SetLimit(maxConcurrency)
		for _, product := range chunk[start:end] {
			g.Go(func() error {
				p.processAndRecord(productCtx, batchID, product)
				return nil
			})
		}
		_ = g.Wait()
	}
	return false
}

// processAndRecord folds one product's outcome into the run stats
func (p *BatchProcessor) processAndRecord(ctx context.Context, batchID string, product *models.Product) {
	found, err := p.processProduct(ctx, batchID, product)
	if err == nil {
		p.stats.recordSuccess(found)
		return
	}

	p.stats.recordFailure(fmt.Sprintf("product %s (%s): %v", product.ID, product.SKU, err))
	p.logger.WithFields(map[string]interface{}{
		"product_id": product.ID,
		"sku":        product.SKU,
	}).WithError(err).Error("ASIN discovery failed for product")

	if statusErr := p.upsertStatus(ctx, product.ID, types.LookupStatusError, err.Error(), 0); statusErr != nil {
		p.logger.WithError(statusErr).Warnf("Failed to record error status for product %s", product.ID)
	}
}

// ProcessProduct discovers ASINs for a single product outside of a batch run.
// Its audit rows go under a fresh id, returned with the number of ASINs found,
// so they never mix into a running batch's history.
func (p *BatchProcessor) ProcessProduct(ctx context.Context, product *models.Product) (string, int, error) {
	if !product.HasIdentifyingCode() {
		return "", 0, apperrors.NewMissingIdentifiersError(product.ID)
	}
	runID := newBatchID()
	found, err := p.processProduct(ctx, runID, product)
	return runID, found, err
}

func (p *BatchProcessor) processProduct(ctx context.Context, batchID string, product *models.Product) (int, error) {
	logger := p.logger.WithFields(map[string]interface{}{
		"batch_id":   batchID,
		"product_id": product.ID,
		"sku":        product.SKU,
	})

	if err := p.upsertStatus(ctx, product.ID, types.LookupStatusPending, "Starting ASIN discovery", 0); err != nil {
		return 0, err
	}

	var results []*models.DiscoveryResult
	seen := make(map[string]struct{})
	collect := func(items []adapter.CatalogItem, code string, method types.SearchMethod) {
		for _, item := range items {
			if _, dup := seen[item.ASIN]; dup {
				continue
			}
			seen[item.ASIN] = struct{}{}
			results = append(results, &models.DiscoveryResult{
				ASIN:            item.ASIN,
				Title:           item.Title,
				Brand:           item.Brand,
				IdentifyingCode: code,
				SearchMethod:    method,
			})
		}
	}

	if product.HasUPC() {
		items, err := p.search(ctx, *product.UPC, types.CodeKindUPC)
		if err != nil {
			logger.WithError(err).Warn("UPC catalog search failed")
		} else {
			collect(items, *product.UPC, types.SearchMethodUPC)
		}
	}
	if product.HasMPN() {
		items, err := p.search(ctx, *product.ManufacturerPartNumber, types.CodeKindMPN)
		if err != nil {
			logger.WithError(err).Warn("MPN catalog search failed")
		} else {
			collect(items, *product.ManufacturerPartNumber, types.SearchMethodManufacturerPartNumber)
		}
	}

	for _, result := range results {
		restrictions, err := p.restrictions(ctx, result.ASIN)
		if err != nil {
			logger.WithField("asin", result.ASIN).WithError(err).Warn("Listing restriction lookup failed")
			continue
		}
		canList := restrictions.CanList()
		restricted := !canList
		result.CanList = &canList
		result.HasListingRestrictions = &restricted
		result.RestrictionReasonCodes = restrictions.ReasonCodes()
		result.RestrictionMessages = restrictions.Messages()
	}

	if len(results) == 0 {
		if err := p.upsertStatus(ctx, product.ID, types.LookupStatusNotFound, "No ASINs found for UPC/MPN", 0); err != nil {
			return 0, err
		}
		logger.Debug("No ASINs found")
		return 0, nil
	}

	if err := p.store.SaveDiscoveryResults(ctx, batchID, product, p.marketplaceID, results); err != nil {
		return 0, fmt.Errorf("failed to save discovery results: %w", err)
	}
	if err := p.upsertStatus(ctx, product.ID, types.LookupStatusFound, fmt.Sprintf("Found %d ASINs", len(results)), len(results)); err != nil {
		return 0, err
	}

	logger.WithField("asins_found", len(results)).Info("ASIN discovery completed for product")
	return len(results), nil
}

func (p *BatchProcessor) search(ctx context.Context, code string, kind types.CodeKind) ([]adapter.CatalogItem, error) {
	var items []adapter.CatalogItem
	err := p.limiter.ExecuteWithRateLimit(ctx, ratelimit.OperationSearchCatalogItems, p.marketplaceID, func(ctx context.Context) error {
		var err error
		items, err = p.catalog.SearchByCode(ctx, code, kind)
		return err
	})
	return items, err
}

func (p *BatchProcessor) restrictions(ctx context.Context, asin string) (*adapter.RestrictionResult, error) {
	var result *adapter.RestrictionResult
	err := p.limiter.ExecuteWithRateLimit(ctx, ratelimit.OperationGetListingsRestrictions, p.marketplaceID, func(ctx context.Context) error {
		var err error
		result, err = p.catalog.GetRestrictions(ctx, asin)
		return err
	})
	return result, err
}

func (p *BatchProcessor) upsertStatus(ctx context.Context, productID string, status types.LookupStatus, message string, found int) error {
	err := p.store.UpsertLookupStatus(ctx, &models.ProductLookupStatus{
		ProductID:    productID,
		Status:       status,
		Message:      message,
		LastLookupAt: p.now(),
		ASINsFound:   found,
	})
	if err != nil {
		return fmt.Errorf("failed to update lookup status to %s: %w", status, err)
	}
	return nil
}

// writeSummary appends the batch-level audit row
func (p *BatchProcessor) writeSummary(ctx context.Context, batchID string, opts BatchOptions, stats models.BatchProcessingStats, startedAt, completedAt time.Time, stopped bool) {
	status := types.SyncResultSuccess
	if stats.ErrorCount > 0 {
		status = types.SyncResultPartialSuccess
	}

	entry := &models.SyncLogEntry{
		BatchID:     batchID,
		Status:      status,
		StartedAt:   startedAt,
		CompletedAt: &completedAt,
		Metadata: map[string]interface{}{
			"stats":         statsMetadata(stats),
			"options":       opts,
			"marketplaceId": p.marketplaceID,
			"stopped":       stopped,
		},
	}
	if stats.ErrorCount > 0 {
		head := stats.Errors
		if len(head) > summaryErrorLimit {
			head = head[:summaryErrorLimit]
		}
		entry.ErrorDetails = map[string]interface{}{
			"errors":      head,
			"totalErrors": stats.ErrorCount,
		}
	}

	if err := p.store.InsertSyncLog(ctx, entry); err != nil {
		p.logger.WithField("batch_id", batchID).WithError(err).Error("Failed to write batch summary")
	}
}

// statsMetadata flattens stats into the JSON object stored on the summary row
func statsMetadata(stats models.BatchProcessingStats) map[string]interface{} {
	raw, err := json.Marshal(stats)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
