package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/asin-matcher/internal/models"
)

// MappingRepository persists code to ASIN mappings
type MappingRepository struct {
	db *PostgresDB
}

// NewMappingRepository creates a new mapping repository
func NewMappingRepository(db *PostgresDB) *MappingRepository {
	return &MappingRepository{db: db}
}

// upsertMappingSQL refreshes restriction data and last_verified_at on conflict.
// discovered_at and the owning product are left as first recorded.
const upsertMappingSQL = `
	INSERT INTO asin_mappings (
		product_id, identifying_code, manufacturer_part_number, asin, marketplace_id,
		title, brand, can_list, has_listing_restrictions,
		restriction_reason_codes, restriction_messages,
		search_method, batch_id, discovered_at, last_verified_at
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	ON CONFLICT (identifying_code, asin, marketplace_id) DO UPDATE SET
		manufacturer_part_number = EXCLUDED.manufacturer_part_number,
		title = COALESCE(EXCLUDED.title, asin_mappings.title),
		brand = COALESCE(EXCLUDED.brand, asin_mappings.brand),
		can_list = EXCLUDED.can_list,
		has_listing_restrictions = EXCLUDED.has_listing_restrictions,
		restriction_reason_codes = EXCLUDED.restriction_reason_codes,
		restriction_messages = EXCLUDED.restriction_messages,
		search_method = EXCLUDED.search_method,
		batch_id = EXCLUDED.batch_id,
		last_verified_at = EXCLUDED.last_verified_at
`

// upsert writes one mapping through q, which may be a transaction
func (r *MappingRepository) upsert(ctx context.Context, q querier, m *models.ASINMapping, now time.Time) error {
	reasonCodes := m.RestrictionReasonCodes
	if reasonCodes == nil {
		reasonCodes = []string{}
	}
	messages := m.RestrictionMessages
	if messages == nil {
		messages = []string{}
	}

	_, err := q.Exec(ctx, upsertMappingSQL,
		m.ProductID,
		m.IdentifyingCode,
		m.ManufacturerPartNumber,
		m.ASIN,
		m.MarketplaceID,
		m.Title,
		m.Brand,
		m.CanList,
		m.HasListingRestrictions,
		reasonCodes,
		messages,
		m.SearchMethod,
		m.BatchID,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert mapping %s/%s: %w", m.IdentifyingCode, m.ASIN, err)
	}
	return nil
}

// ListByProduct returns a product's mappings, listable and most recently verified first
func (r *MappingRepository) ListByProduct(ctx context.Context, productID string) ([]*models.ASINMapping, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, product_id, identifying_code, manufacturer_part_number, asin, marketplace_id,
		       title, brand, can_list, has_listing_restrictions,
		       restriction_reason_codes, restriction_messages,
		       search_method, batch_id, discovered_at, last_verified_at
		FROM asin_mappings
		WHERE product_id = $1
		ORDER BY can_list DESC NULLS LAST, last_verified_at DESC, discovered_at DESC
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	defer rows.Close()

	mappings := []*models.ASINMapping{}
	for rows.Next() {
		var m models.ASINMapping
		if err := rows.Scan(
			&m.ID,
			&m.ProductID,
			&m.IdentifyingCode,
			&m.ManufacturerPartNumber,
			&m.ASIN,
			&m.MarketplaceID,
			&m.Title,
			&m.Brand,
			&m.CanList,
			&m.HasListingRestrictions,
			&m.RestrictionReasonCodes,
			&m.RestrictionMessages,
			&m.SearchMethod,
			&m.BatchID,
			&m.DiscoveredAt,
			&m.LastVerifiedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mappings: %w", err)
	}

	return mappings, nil
}
