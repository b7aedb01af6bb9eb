// Package types holds enums and envelopes shared across the ASIN discovery packages.
package types

// SearchMethod identifies which product code located an ASIN.
type SearchMethod string

const (
	SearchMethodUPC                    SearchMethod = "upc"
	SearchMethodManufacturerPartNumber SearchMethod = "manufacturer_part_number"
	SearchMethodCombined               SearchMethod = "combined"
)

// IsValid reports whether the search method is one of the known values
func (m SearchMethod) IsValid() bool {
	switch m {
	case SearchMethodUPC, SearchMethodManufacturerPartNumber, SearchMethodCombined:
		return true
	default:
		return false
	}
}

// CodeKind is the kind of identifying code sent to the catalog search
type CodeKind string

const (
	CodeKindUPC CodeKind = "UPC"
	CodeKindMPN CodeKind = "MPN"
)

// LookupStatus is the per-product discovery state
type LookupStatus string

const (
	LookupStatusPending  LookupStatus = "pending"
	LookupStatusFound    LookupStatus = "found"
	LookupStatusNotFound LookupStatus = "not_found"
	LookupStatusError    LookupStatus = "error"
)

// SyncResult is the outcome recorded on an audit log row
type SyncResult string

const (
	SyncResultSuccess        SyncResult = "success"
	SyncResultFailure        SyncResult = "failure"
	SyncResultPartialSuccess SyncResult = "partial_success"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}
