package models

import (
	"time"

	"github.com/asin-matcher/internal/types"
)

// DiscoveryResult is one ASIN located for a product during a lookup.
// Restriction fields stay nil when the restriction lookup for the ASIN failed.
type DiscoveryResult struct {
	ASIN                   string             `json:"asin"`
	Title                  *string            `json:"title,omitempty"`
	Brand                  *string            `json:"brand,omitempty"`
	IdentifyingCode        string             `json:"identifyingCode"`
	SearchMethod           types.SearchMethod `json:"searchMethod"`
	CanList                *bool              `json:"canList,omitempty"`
	HasListingRestrictions *bool              `json:"hasListingRestrictions,omitempty"`
	RestrictionReasonCodes []string           `json:"restrictionReasonCodes,omitempty"`
	RestrictionMessages    []string           `json:"restrictionMessages,omitempty"`
}

// ASINMapping is the durable code to ASIN mapping.
// Natural key: (IdentifyingCode, ASIN, MarketplaceID).
type ASINMapping struct {
	ID                     int64              `json:"id" db:"id"`
	ProductID              string             `json:"productId" db:"product_id"`
	IdentifyingCode        string             `json:"identifyingCode" db:"identifying_code"`
	ManufacturerPartNumber *string            `json:"manufacturerPartNumber,omitempty" db:"manufacturer_part_number"`
	ASIN                   string             `json:"asin" db:"asin"`
	MarketplaceID          string             `json:"marketplaceId" db:"marketplace_id"`
	Title                  *string            `json:"title,omitempty" db:"title"`
	Brand                  *string            `json:"brand,omitempty" db:"brand"`
	CanList                *bool              `json:"canList,omitempty" db:"can_list"`
	HasListingRestrictions *bool              `json:"hasListingRestrictions,omitempty" db:"has_listing_restrictions"`
	RestrictionReasonCodes []string           `json:"restrictionReasonCodes" db:"restriction_reason_codes"`
	RestrictionMessages    []string           `json:"restrictionMessages" db:"restriction_messages"`
	SearchMethod           types.SearchMethod `json:"searchMethod" db:"search_method"`
	BatchID                string             `json:"batchId" db:"batch_id"`
	DiscoveredAt           time.Time          `json:"discoveredAt" db:"discovered_at"`
	LastVerifiedAt         time.Time          `json:"lastVerifiedAt" db:"last_verified_at"`
}

// ProductLookupStatus is the single status row kept per product
type ProductLookupStatus struct {
	ProductID    string             `json:"productId" db:"product_id"`
	Status       types.LookupStatus `json:"status" db:"status"`
	Message      string             `json:"message" db:"message"`
	LastLookupAt time.Time          `json:"lastLookupAt" db:"last_lookup_at"`
	ASINsFound   int                `json:"asinsFound" db:"asins_found"`
}

// SyncLogEntry is an append-only audit row. ProductID, IdentifyingCode and ASIN
// are nil on batch-level summary rows.
type SyncLogEntry struct {
	ID              int64                  `json:"id" db:"id"`
	BatchID         string                 `json:"batchId" db:"batch_id"`
	ProductID       *string                `json:"productId,omitempty" db:"product_id"`
	IdentifyingCode *string                `json:"identifyingCode,omitempty" db:"identifying_code"`
	ASIN            *string                `json:"asin,omitempty" db:"asin"`
	Status          types.SyncResult       `json:"status" db:"status"`
	StartedAt       time.Time              `json:"startedAt" db:"started_at"`
	CompletedAt     *time.Time             `json:"completedAt,omitempty" db:"completed_at"`
	ErrorDetails    map[string]interface{} `json:"errorDetails,omitempty" db:"error_details"`
	Metadata        map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
}

// Mapping builds the mapping row for a result found for product
func (r *DiscoveryResult) Mapping(batchID string, product *Product, marketplaceID string) *ASINMapping {
	return &ASINMapping{
		ProductID:              product.ID,
		IdentifyingCode:        r.IdentifyingCode,
		ManufacturerPartNumber: product.ManufacturerPartNumber,
		ASIN:                   r.ASIN,
		MarketplaceID:          marketplaceID,
		Title:                  r.Title,
		Brand:                  r.Brand,
		CanList:                r.CanList,
		HasListingRestrictions: r.HasListingRestrictions,
		RestrictionReasonCodes: r.RestrictionReasonCodes,
		RestrictionMessages:    r.RestrictionMessages,
		SearchMethod:           r.SearchMethod,
		BatchID:                batchID,
	}
}

// SyncLog builds the per-ASIN audit row for a persisted result
func (r *DiscoveryResult) SyncLog(batchID string, product *Product, marketplaceID string, at time.Time) *SyncLogEntry {
	productID, code, asin := product.ID, r.IdentifyingCode, r.ASIN
	completed := at
	return &SyncLogEntry{
		BatchID:         batchID,
		ProductID:       &productID,
		IdentifyingCode: &code,
		ASIN:            &asin,
		Status:          types.SyncResultSuccess,
		StartedAt:       at,
		CompletedAt:     &completed,
		Metadata: map[string]interface{}{
			"sku":           product.SKU,
			"searchMethod":  string(r.SearchMethod),
			"marketplaceId": marketplaceID,
		},
	}
}
