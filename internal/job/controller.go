package job

import (
	"context"
	"fmt"
	"sync"

	"github.com/asin-matcher/internal/adapter"
	"github.com/asin-matcher/internal/circuitbreaker"
	apperrors "github.com/asin-matcher/internal/errors"
	"github.com/asin-matcher/internal/logging"
	"github.com/asin-matcher/internal/models"
	"github.com/asin-matcher/internal/ratelimit"
	"github.com/asin-matcher/internal/types"
)

// Controller is the control surface the HTTP API and CLI drive
type Controller interface {
	// Start launches a batch run in the background and returns the resolved options
	Start(ctx context.Context, opts StartOptions) (BatchOptions, error)
	Status(ctx context.Context) *StatusResponse
	// Stop reports whether a run was active
	Stop() bool
	ProcessSingle(ctx context.Context, productID string) (*ProcessProductResult, error)
	Mappings(ctx context.Context, productID string) (*ProductMappings, error)
	History(ctx context.Context, batchID string) ([]*models.SyncLogEntry, error)
}

// MetricsSource reports aggregated throttle metrics. *ratelimit.MetricsCollector implements it.
type MetricsSource interface {
	GetMetrics(ctx context.Context) (*ratelimit.ThrottleMetrics, error)
}

// CallStatsSource reports remote call latency. *adapter.CallMonitor implements it.
type CallStatsSource interface {
	Stats() map[string]adapter.CallStats
}

// BreakerStatsSource reports circuit breaker state. *circuitbreaker.Manager implements it.
type BreakerStatsSource interface {
	AllStats() []*circuitbreaker.Stats
}

// StatusResponse describes the current or most recent batch run
type StatusResponse struct {
	IsRunning          bool                              `json:"isRunning"`
	BatchID            string                            `json:"batchId"`
	Stats              models.BatchProcessingStats       `json:"stats"`
	ProgressPercent    float64                           `json:"progressPercent"`
	RateLimiterStatus  map[string]ratelimit.BucketStatus `json:"rateLimiterStatus"`
	RateLimiterMetrics *ratelimit.ThrottleMetrics        `json:"rateLimiterMetrics,omitempty"`
	CatalogCalls       map[string]adapter.CallStats      `json:"catalogCalls,omitempty"`
	CircuitBreakers    []*circuitbreaker.Stats           `json:"circuitBreakers,omitempty"`
}

// ProcessProductResult is the outcome of a single-product lookup. BatchID
// keys the audit rows it wrote.
type ProcessProductResult struct {
	ProductID  string                `json:"productId"`
	BatchID    string                `json:"batchId"`
	ASINsFound int                   `json:"asinsFound"`
	Mappings   []*models.ASINMapping `json:"mappings"`
}

// ProductMappings is a product with its stored mappings and lookup status
type ProductMappings struct {
	Product      *models.Product             `json:"product"`
	Mappings     []*models.ASINMapping       `json:"mappings"`
	LookupStatus *models.ProductLookupStatus `json:"lookupStatus,omitempty"`
}

// JobControllerConfig wires a JobController
type JobControllerConfig struct {
	Processor *BatchProcessor
	Store     Store
	Limiter   Limiter
	// Metrics is optional; status omits throttle metrics without it
	Metrics MetricsSource
	// CallStats and Breakers are optional
	CallStats     CallStatsSource
	Breakers      BreakerStatsSource
	MarketplaceID string
	Defaults      BatchOptions
	Logger        *logging.Logger
}

// JobController owns the processor and runs batches in the background
type JobController struct {
	processor     *BatchProcessor
	store         Store
	limiter       Limiter
	metrics       MetricsSource
	callStats     CallStatsSource
	breakers      BreakerStatsSource
	marketplaceID string
	defaults      BatchOptions
	logger        *logging.Logger

	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewJobController creates a controller. Background runs use ctx, so
// cancelling it halts runs at the next group boundary.
func NewJobController(ctx context.Context, cfg JobControllerConfig) (*JobController, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("batch processor is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}

	defaults := cfg.Defaults
	if defaults == (BatchOptions{}) {
		defaults = DefaultBatchOptions()
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default batch options: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &JobController{
		processor:     cfg.Processor,
		store:         cfg.Store,
		limiter:       cfg.Limiter,
		metrics:       cfg.Metrics,
		callStats:     cfg.CallStats,
		breakers:      cfg.Breakers,
		marketplaceID: cfg.MarketplaceID,
		defaults:      defaults,
		logger:        logger.Component("job_controller"),
		baseCtx:       ctx,
	}, nil
}

// Start reserves the run slot synchronously so concurrent starts see the conflict
func (c *JobController) Start(_ context.Context, opts StartOptions) (BatchOptions, error) {
	resolved := opts.Resolve(c.defaults)
	if err := resolved.Validate(); err != nil {
		return resolved, apperrors.NewInvalidParameterError("options", err.Error())
	}
	if !c.processor.tryAcquire() {
		return resolved, apperrors.NewBatchConflictError()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.processor.run(c.baseCtx, resolved); err != nil {
			c.logger.WithError(err).Error("Background batch processing failed")
		}
	}()

	c.logger.WithFields(map[string]interface{}{
		"batch_size":      resolved.BatchSize,
		"max_concurrency": resolved.MaxConcurrency,
	}).Info("Batch processing started")
	return resolved, nil
}

// Status never fails; missing metrics are logged and omitted
func (c *JobController) Status(ctx context.Context) *StatusResponse {
	stats := c.processor.Stats()
	resp := &StatusResponse{
		IsRunning:       c.processor.IsRunning(),
		BatchID:         c.processor.BatchID(),
		Stats:           stats,
		ProgressPercent: stats.ProgressPercent(),
		RateLimiterStatus: map[string]ratelimit.BucketStatus{
			ratelimit.OperationSearchCatalogItems:      c.limiter.GetBucketStatus(ratelimit.OperationSearchCatalogItems, c.marketplaceID),
			ratelimit.OperationGetListingsRestrictions: c.limiter.GetBucketStatus(ratelimit.OperationGetListingsRestrictions, c.marketplaceID),
		},
	}

	if c.callStats != nil {
		resp.CatalogCalls = c.callStats.Stats()
	}
	if c.breakers != nil {
		resp.CircuitBreakers = c.breakers.AllStats()
	}
	if c.metrics != nil {
		metrics, err := c.metrics.GetMetrics(ctx)
		if err != nil {
			c.logger.WithError(err).Warn("Failed to read throttle metrics")
		} else {
			resp.RateLimiterMetrics = metrics
		}
	}
	return resp
}

func (c *JobController) Stop() bool {
	return c.processor.Stop()
}

// ProcessSingle looks up one product outside of a batch run
func (c *JobController) ProcessSingle(ctx context.Context, productID string) (*ProcessProductResult, error) {
	product, err := c.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if !product.HasIdentifyingCode() {
		return nil, apperrors.NewMissingIdentifiersError(productID)
	}

	runID, found, err := c.processor.ProcessProduct(ctx, product)
	if err != nil {
		if statusErr := c.processor.upsertStatus(ctx, productID, types.LookupStatusError, err.Error(), 0); statusErr != nil {
			c.logger.WithError(statusErr).Warnf("Failed to record error status for product %s", productID)
		}
		return nil, err
	}

	mappings, err := c.store.ListMappings(ctx, productID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list mappings", err)
	}
	return &ProcessProductResult{
		ProductID:  productID,
		BatchID:    runID,
		ASINsFound: found,
		Mappings:   mappings,
	}, nil
}

func (c *JobController) Mappings(ctx context.Context, productID string) (*ProductMappings, error) {
	product, err := c.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	mappings, err := c.store.ListMappings(ctx, productID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list mappings", err)
	}
	status, err := c.store.GetLookupStatus(ctx, productID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("get lookup status", err)
	}
	if mappings == nil {
		mappings = []*models.ASINMapping{}
	}
	return &ProductMappings{Product: product, Mappings: mappings, LookupStatus: status}, nil
}

// History returns the audit rows written under a batch id
func (c *JobController) History(ctx context.Context, batchID string) ([]*models.SyncLogEntry, error) {
	if batchID == "" {
		return nil, apperrors.NewInvalidParameterError("batchId", "must not be empty")
	}
	logs, err := c.store.ListSyncLogs(ctx, batchID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list sync logs", err)
	}
	if logs == nil {
		logs = []*models.SyncLogEntry{}
	}
	return logs, nil
}

// Shutdown requests a stop and waits for the background run to finish
func (c *JobController) Shutdown(ctx context.Context) error {
	c.processor.Stop()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
