package models

import "time"

// Product is a catalog row read by the discovery pipeline
type Product struct {
	ID                     string  `json:"id" db:"id"`
	SKU                    string  `json:"sku" db:"sku"`
	Name                   string  `json:"name" db:"name"`
	UPC                    *string `json:"upc,omitempty" db:"upc"`
	ManufacturerPartNumber *string `json:"manufacturerPartNumber,omitempty" db:"manufacturer_part_number"`
	Status                 string  `json:"status" db:"status"`
}

// HasUPC reports whether the product carries a non-empty UPC
func (p *Product) HasUPC() bool {
	return p.UPC != nil && *p.UPC != ""
}

// HasMPN reports whether the product carries a non-empty manufacturer part number
func (p *Product) HasMPN() bool {
	return p.ManufacturerPartNumber != nil && *p.ManufacturerPartNumber != ""
}

// HasIdentifyingCode reports whether the product can be searched at all
func (p *Product) HasIdentifyingCode() bool {
	return p.HasUPC() || p.HasMPN()
}

// CandidateFilter narrows the products selected for a batch run
type CandidateFilter struct {
	OnlyWithUPCOrMPN      bool
	SkipRecentlyProcessed bool
	// RecentWindow is how far back a found lookup counts as recent
	RecentWindow time.Duration
	Limit        int
}
