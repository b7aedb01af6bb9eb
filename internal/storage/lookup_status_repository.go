package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/asin-matcher/internal/models"
)

// LookupStatusRepository keeps one discovery status row per product
type LookupStatusRepository struct {
	db *PostgresDB
}

// NewLookupStatusRepository creates a new lookup status repository
func NewLookupStatusRepository(db *PostgresDB) *LookupStatusRepository {
	return &LookupStatusRepository{db: db}
}

// Upsert overwrites the product's status row
func (r *LookupStatusRepository) Upsert(ctx context.Context, status *models.ProductLookupStatus) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO product_lookup_status (product_id, status, message, last_lookup_at, asins_found)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id) DO UPDATE SET
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			last_lookup_at = EXCLUDED.last_lookup_at,
			asins_found = EXCLUDED.asins_found
	`, status.ProductID, status.Status, status.Message, status.LastLookupAt, status.ASINsFound)
	if err != nil {
		return fmt.Errorf("failed to upsert lookup status: %w", err)
	}
	return nil
}

// Get returns the status row for a product, or nil if it was never looked up
func (r *LookupStatusRepository) Get(ctx context.Context, productID string) (*models.ProductLookupStatus, error) {
	var s models.ProductLookupStatus
	err := r.db.Pool().QueryRow(ctx, `
		SELECT product_id, status, message, last_lookup_at, asins_found
		FROM product_lookup_status
		WHERE product_id = $1
	`, productID).Scan(&s.ProductID, &s.Status, &s.Message, &s.LastLookupAt, &s.ASINsFound)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lookup status: %w", err)
	}
	return &s, nil
}
