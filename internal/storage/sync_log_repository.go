package storage

import (
	"context"
	"fmt"

	"github.com/asin-matcher/internal/models"
)

// SyncLogRepository appends and reads audit rows. Rows are never updated.
type SyncLogRepository struct {
	db *PostgresDB
}

// NewSyncLogRepository creates a new sync log repository
func NewSyncLogRepository(db *PostgresDB) *SyncLogRepository {
	return &SyncLogRepository{db: db}
}

const insertSyncLogSQL = `
	INSERT INTO sync_logs (
		batch_id, product_id, identifying_code, asin, status,
		started_at, completed_at, error_details, metadata
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	RETURNING id
`

func (r *SyncLogRepository) insert(ctx context.Context, q querier, entry *models.SyncLogEntry) error {
	err := q.QueryRow(ctx, insertSyncLogSQL,
		entry.BatchID,
		entry.ProductID,
		entry.IdentifyingCode,
		entry.ASIN,
		entry.Status,
		entry.StartedAt,
		entry.CompletedAt,
		jsonOrNil(entry.ErrorDetails),
		jsonOrNil(entry.Metadata),
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert sync log: %w", err)
	}
	return nil
}

// Insert appends one entry outside any transaction
func (r *SyncLogRepository) Insert(ctx context.Context, entry *models.SyncLogEntry) error {
	return r.insert(ctx, r.db.Pool(), entry)
}

// ListByBatch returns a batch's rows in insertion order
func (r *SyncLogRepository) ListByBatch(ctx context.Context, batchID string) ([]*models.SyncLogEntry, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, batch_id, product_id, identifying_code, asin, status,
		       started_at, completed_at, error_details, metadata
		FROM sync_logs
		WHERE batch_id = $1
		ORDER BY id ASC
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	entries := []*models.SyncLogEntry{}
	for rows.Next() {
		var e models.SyncLogEntry
		if err := rows.Scan(
			&e.ID,
			&e.BatchID,
			&e.ProductID,
			&e.IdentifyingCode,
			&e.ASIN,
			&e.Status,
			&e.StartedAt,
			&e.CompletedAt,
			&e.ErrorDetails,
			&e.Metadata,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync logs: %w", err)
	}

	return entries, nil
}

// jsonOrNil keeps empty payloads as SQL NULL rather than '{}'
func jsonOrNil(m map[string]interface{}) any {
	if len(m) == 0 {
		return nil
	}
	return m
}
