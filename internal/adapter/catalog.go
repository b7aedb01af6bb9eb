// Package adapter provides the remote catalog client used to look up ASINs
// and listing restrictions.
package adapter

import (
	"context"

	"github.com/asin-matcher/internal/types"
)

// CatalogClient is the remote catalog service as seen by the discovery pipeline
type CatalogClient interface {
	// SearchByCode returns catalog items matching a UPC or manufacturer part number.
	// An empty slice means no match.
	SearchByCode(ctx context.Context, code string, kind types.CodeKind) ([]CatalogItem, error)

	// GetRestrictions returns listing restrictions for an ASIN.
	// An empty Restrictions slice means the ASIN can be listed.
	GetRestrictions(ctx context.Context, asin string) (*RestrictionResult, error)
}

// CatalogItem is one search hit. Title and Brand are nil when the service omits them.
type CatalogItem struct {
	ASIN  string  `json:"asin"`
	Title *string `json:"title,omitempty"`
	Brand *string `json:"brand,omitempty"`
}

// Restriction is one reason an ASIN cannot be listed
type Restriction struct {
	ReasonCode string `json:"reasonCode"`
	Message    string `json:"message"`
}

// RestrictionResult is the restriction lookup outcome for one ASIN
type RestrictionResult struct {
	Restrictions []Restriction `json:"restrictions"`
}

// CanList reports whether no restriction applies
func (r *RestrictionResult) CanList() bool {
	return r == nil || len(r.Restrictions) == 0
}

// ReasonCodes returns the reason codes in response order
func (r *RestrictionResult) ReasonCodes() []string {
	if r == nil {
		return nil
	}
	codes := make([]string, 0, len(r.Restrictions))
	for _, restriction := range r.Restrictions {
		codes = append(codes, restriction.ReasonCode)
	}
	return codes
}

// Messages returns the restriction messages in response order
func (r *RestrictionResult) Messages() []string {
	if r == nil {
		return nil
	}
	messages := make([]string, 0, len(r.Restrictions))
	for _, restriction := range r.Restrictions {
		messages = append(messages, restriction.Message)
	}
	return messages
}
