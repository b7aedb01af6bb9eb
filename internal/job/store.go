// Package job runs ASIN discovery over the product catalog and exposes
// start, status and stop control over the batch run.
package job

import (
	"context"

	"github.com/asin-matcher/internal/models"
	"github.com/asin-matcher/internal/ratelimit"
)

// Store is the persistence the discovery pipeline needs
type Store interface {
	SelectCandidates(ctx context.Context, filter models.CandidateFilter) ([]*models.Product, error)
	// GetProduct returns an error wrapping errors.ErrProductNotFound for unknown ids.
	GetProduct(ctx context.Context, productID string) (*models.Product, error)

	UpsertLookupStatus(ctx context.Context, status *models.ProductLookupStatus) error
	// GetLookupStatus returns nil, nil when the product was never looked up.
	GetLookupStatus(ctx context.Context, productID string) (*models.ProductLookupStatus, error)

	// SaveDiscoveryResults persists all mappings and per-ASIN sync logs for a
	// product atomically.
	SaveDiscoveryResults(ctx context.Context, batchID string, product *models.Product, marketplaceID string, results []*models.DiscoveryResult) error
	ListMappings(ctx context.Context, productID string) ([]*models.ASINMapping, error)

	InsertSyncLog(ctx context.Context, entry *models.SyncLogEntry) error
	ListSyncLogs(ctx context.Context, batchID string) ([]*models.SyncLogEntry, error)
}

// Limiter gates remote catalog calls. *ratelimit.RateLimiter implements it.
type Limiter interface {
	ExecuteWithRateLimit(ctx context.Context, operation, marketplace string, fn func(ctx context.Context) error) error
	ThrottleCount() int64
	GetBucketStatus(operation, marketplace string) ratelimit.BucketStatus
}
