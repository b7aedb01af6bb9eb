package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/asin-matcher/internal/errors"
	"github.com/asin-matcher/internal/models"
)

// ProductRepository reads catalog products
type ProductRepository struct {
	db *PostgresDB
}

// NewProductRepository creates a new product repository
func NewProductRepository(db *PostgresDB) *ProductRepository {
	return &ProductRepository{db: db}
}

const productColumns = `p.id, p.sku, p.name, p.upc, p.manufacturer_part_number, p.status`

func scanProduct(row pgx.Row) (*models.Product, error) {
	var p models.Product
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.UPC, &p.ManufacturerPartNumber, &p.Status); err != nil {
		return nil, err
	}
	return &p, nil
}

// buildCandidateQuery renders the candidate selection statement for filter
func buildCandidateQuery(filter models.CandidateFilter, now time.Time) (string, []any) {
	var (
		where = []string{"p.status = 'active'"}
		args  []any
	)

	if filter.OnlyWithUPCOrMPN {
		where = append(where, "(NULLIF(p.upc, '') IS NOT NULL OR NULLIF(p.manufacturer_part_number, '') IS NOT NULL)")
	}

	if filter.SkipRecentlyProcessed {
		args = append(args, now.Add(-filter.RecentWindow))
		where = append(where, fmt.Sprintf(`NOT EXISTS (
			SELECT 1 FROM product_lookup_status ls
			WHERE ls.product_id = p.id
			  AND ls.status = 'found'
			  AND ls.last_lookup_at > $%d
		)`, len(args)))
	}

	args = append(args, filter.Limit)
	query := fmt.Sprintf(`
		SELECT %s
		FROM products p
		WHERE %s
		ORDER BY p.id ASC
		LIMIT $%d
	`, productColumns, strings.Join(where, " AND "), len(args))

	return query, args
}

// SelectCandidates returns the products eligible for a batch run, ordered by id
func (r *ProductRepository) SelectCandidates(ctx context.Context, filter models.CandidateFilter) ([]*models.Product, error) {
	query, args := buildCandidateQuery(filter, time.Now())

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select candidate products: %w", err)
	}
	defer rows.Close()

	var products []*models.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate products: %w", err)
	}

	return products, nil
}

// GetByID returns a product, or an error wrapping ErrProductNotFound
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*models.Product, error) {
	query := fmt.Sprintf(`SELECT %s FROM products p WHERE p.id = $1`, productColumns)

	p, err := scanProduct(r.db.Pool().QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("product %s: %w", id, apperrors.ErrProductNotFound)
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// Create inserts a product. Used by seeding tools and tests.
func (r *ProductRepository) Create(ctx context.Context, p *models.Product) error {
	status := p.Status
	if status == "" {
		status = "active"
	}

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO products (id, sku, name, upc, manufacturer_part_number, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.SKU, p.Name, p.UPC, p.ManufacturerPartNumber, status)
	if err != nil {
		return fmt.Errorf("failed to create product: %w", err)
	}
	return nil
}
