// Package app wires the discovery pipeline from configuration. The server
// and the one-shot batch command share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/asin-matcher/internal/adapter"
	"github.com/asin-matcher/internal/circuitbreaker"
	"github.com/asin-matcher/internal/config"
	"github.com/asin-matcher/internal/job"
	"github.com/asin-matcher/internal/logging"
	"github.com/asin-matcher/internal/ratelimit"
	"github.com/asin-matcher/internal/retry"
	"github.com/asin-matcher/internal/storage"
)

// App holds the wired components and the connections they own
type App struct {
	Postgres      *storage.PostgresDB
	Redis         *storage.RedisCache
	Limiter       *ratelimit.RateLimiter
	Breakers      *circuitbreaker.Manager
	CallMonitor   *adapter.CallMonitor
	Processor     *job.BatchProcessor
	Controller    *job.JobController
	MetricsLogger *ratelimit.MetricsLogger

	logger *logging.Logger
}

// New connects to the stores, runs migrations and builds the pipeline.
// ctx bounds start-up and is the parent of background batch runs.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*App, error) {
	a := &App{logger: logger}

	logger.Info("Connecting to Postgres...")
	connect := retry.WithExponentialBackoff(ctx, retry.DefaultRetryConfig(), func(ctx context.Context, _ int) error {
		db, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		if err != nil {
			return err
		}
		a.Postgres = db
		return nil
	})
	if err := connect.Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}

	if err := storage.RunMigrations(cfg.Database.Postgres.URL(), cfg.Database.Postgres.MigrationsPath); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if cfg.Database.Redis.Enabled {
		rdb, err := storage.NewRedisCache(ctx, &cfg.Database.Redis)
		if err != nil {
			// metrics and the search cache are optional
			logger.WithError(err).Warn("Redis unavailable, continuing without metrics and search cache")
		} else {
			a.Redis = rdb
		}
	}

	registry := ratelimit.NewOperationRegistry(ratelimit.LoadOperationOverridesFromEnv())

	var metrics *ratelimit.MetricsCollector
	if a.Redis != nil {
		collector, err := ratelimit.NewMetricsCollector(&ratelimit.MetricsCollectorConfig{
			Redis:    a.Redis.Client(),
			Registry: registry,
			Logger:   logger,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		metrics = collector

		metricsLogger, err := ratelimit.NewMetricsLogger(collector, ratelimit.DefaultMetricsLogInterval, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create metrics logger: %w", err)
		}
		a.MetricsLogger = metricsLogger
		metricsLogger.Start(ctx)
	}

	limiterCfg := &ratelimit.RateLimiterConfig{Registry: registry, Logger: logger}
	if metrics != nil {
		limiterCfg.Recorder = metrics
	}
	a.Limiter = ratelimit.NewRateLimiter(limiterCfg)

	a.Breakers = circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures:      cfg.Catalog.BreakerMaxFailures,
		FailureThreshold: cfg.Catalog.BreakerFailureRatio,
		Timeout:          cfg.Catalog.BreakerTimeout,
		HalfOpenMaxCalls: cfg.Catalog.BreakerHalfOpenMaxCall,
		IsFailure:        adapter.IsBreakerFailure,
	})

	httpClient, err := adapter.NewHTTPCatalogClient(adapter.HTTPCatalogClientConfig{
		BaseURL:        cfg.Catalog.BaseURL,
		AccessToken:    cfg.Catalog.AccessToken,
		SellerID:       cfg.Catalog.SellerID,
		MarketplaceID:  cfg.Catalog.MarketplaceID,
		RequestTimeout: cfg.Catalog.RequestTimeout,
		Breakers:       a.Breakers,
		Observer:       a.Limiter,
		Logger:         logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create catalog client: %w", err)
	}

	a.CallMonitor = adapter.NewCallMonitor(0)
	var catalog adapter.CatalogClient = adapter.NewMonitoredCatalogClient(httpClient, a.CallMonitor)
	if a.Redis != nil && cfg.Catalog.SearchCacheTTL > 0 {
		catalog = adapter.NewCachedCatalogClient(catalog, a.Redis.Client(), cfg.Catalog.SearchCacheTTL, logger)
		logger.WithField("ttl", cfg.Catalog.SearchCacheTTL.String()).Info("Catalog search cache enabled")
	}

	store := storage.NewDiscoveryStore(a.Postgres)

	a.Processor, err = job.NewBatchProcessor(job.BatchProcessorConfig{
		Store:         store,
		Catalog:       catalog,
		Limiter:       a.Limiter,
		MarketplaceID: cfg.Catalog.MarketplaceID,
		Logger:        logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create batch processor: %w", err)
	}

	controllerCfg := job.JobControllerConfig{
		Processor:     a.Processor,
		Store:         store,
		Limiter:       a.Limiter,
		CallStats:     a.CallMonitor,
		Breakers:      a.Breakers,
		MarketplaceID: cfg.Catalog.MarketplaceID,
		Defaults:      DefaultBatchOptions(cfg),
		Logger:        logger,
	}
	if metrics != nil {
		controllerCfg.Metrics = metrics
	}
	a.Controller, err = job.NewJobController(ctx, controllerCfg)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create job controller: %w", err)
	}

	return a, nil
}

// DefaultBatchOptions maps the batch config section onto run options
func DefaultBatchOptions(cfg *config.Config) job.BatchOptions {
	return job.BatchOptions{
		BatchSize:             cfg.Batch.BatchSize,
		MaxConcurrency:        cfg.Batch.MaxConcurrency,
		SkipRecentlyProcessed: cfg.Batch.SkipRecentlyProcessed,
		OnlyWithUPCOrMPN:      cfg.Batch.OnlyWithUPCOrMPN,
	}
}

// Shutdown stops background work, waiting up to timeout for a running batch
func (a *App) Shutdown(timeout time.Duration) {
	if a.MetricsLogger != nil {
		a.MetricsLogger.Stop()
	}
	if a.Controller != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := a.Controller.Shutdown(ctx); err != nil {
			a.logger.WithError(err).Warn("Batch run did not stop before shutdown timeout")
		}
	}
	a.Close()
}

// Close releases connections
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.WithError(err).Warn("Failed to close Redis")
		}
	}
	if a.Postgres != nil {
		a.Postgres.Close()
	}
}
