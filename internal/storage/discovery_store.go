package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/asin-matcher/internal/models"
)

// DiscoveryStore is the Postgres persistence used by the batch processor
type DiscoveryStore struct {
	db       *PostgresDB
	products *ProductRepository
	mappings *MappingRepository
	statuses *LookupStatusRepository
	logs     *SyncLogRepository
	now      func() time.Time
}

// NewDiscoveryStore wires the repositories over one pool
func NewDiscoveryStore(db *PostgresDB) *DiscoveryStore {
	return &DiscoveryStore{
		db:       db,
		products: NewProductRepository(db),
		mappings: NewMappingRepository(db),
		statuses: NewLookupStatusRepository(db),
		logs:     NewSyncLogRepository(db),
		now:      time.Now,
	}
}

// SelectCandidates returns products eligible for a batch run
func (s *DiscoveryStore) SelectCandidates(ctx context.Context, filter models.CandidateFilter) ([]*models.Product, error) {
	return s.products.SelectCandidates(ctx, filter)
}

// GetProduct returns one product
func (s *DiscoveryStore) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	return s.products.GetByID(ctx, productID)
}

// UpsertLookupStatus overwrites a product's status row
func (s *DiscoveryStore) UpsertLookupStatus(ctx context.Context, status *models.ProductLookupStatus) error {
	return s.statuses.Upsert(ctx, status)
}

// GetLookupStatus returns a product's status row or nil
func (s *DiscoveryStore) GetLookupStatus(ctx context.Context, productID string) (*models.ProductLookupStatus, error) {
	return s.statuses.Get(ctx, productID)
}

// SaveDiscoveryResults upserts every mapping and appends one sync log row per
// ASIN in a single transaction. Nothing is written if any statement fails.
func (s *DiscoveryStore) SaveDiscoveryResults(ctx context.Context, batchID string, product *models.Product, marketplaceID string, results []*models.DiscoveryResult) error {
	if len(results) == 0 {
		return nil
	}

	now := s.now()
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, result := range results {
			if err := s.mappings.upsert(ctx, tx, result.Mapping(batchID, product, marketplaceID), now); err != nil {
				return err
			}
			if err := s.logs.insert(ctx, tx, result.SyncLog(batchID, product, marketplaceID, now)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save discovery results for product %s: %w", product.ID, err)
	}
	return nil
}

// ListMappings returns a product's mappings in display order
func (s *DiscoveryStore) ListMappings(ctx context.Context, productID string) ([]*models.ASINMapping, error) {
	return s.mappings.ListByProduct(ctx, productID)
}

// InsertSyncLog appends one audit row
func (s *DiscoveryStore) InsertSyncLog(ctx context.Context, entry *models.SyncLogEntry) error {
	return s.logs.Insert(ctx, entry)
}

// ListSyncLogs returns a batch's audit rows
func (s *DiscoveryStore) ListSyncLogs(ctx context.Context, batchID string) ([]*models.SyncLogEntry, error) {
	return s.logs.ListByBatch(ctx, batchID)
}
