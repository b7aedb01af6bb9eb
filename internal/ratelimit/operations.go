// Package ratelimit keeps outbound catalog calls inside the remote service's quota
// using per-operation, per-marketplace token buckets.
package ratelimit

import (
	"sort"
	"sync"
)

// Remote catalog operation names
const (
	OperationSearchCatalogItems      = "searchCatalogItems"
	OperationGetCatalogItem          = "getCatalogItem"
	OperationGetListingsRestrictions = "getListingsRestrictions"
)

// OperationLimit is the steady rate and burst allowed for one operation
type OperationLimit struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	Burst             float64 `json:"burst"`
}

func (l OperationLimit) valid() bool {
	return l.RequestsPerSecond > 0 && l.Burst >= 1
}

// DefaultUnknownLimit applies to operations with no registered limit
var DefaultUnknownLimit = OperationLimit{RequestsPerSecond: 1, Burst: 5}

// DefaultOperationLimits are the documented quotas for the operations the pipeline calls
func DefaultOperationLimits() map[string]OperationLimit {
	return map[string]OperationLimit{
		OperationSearchCatalogItems:      {RequestsPerSecond: 2, Burst: 2},
		OperationGetCatalogItem:          {RequestsPerSecond: 2, Burst: 2},
		OperationGetListingsRestrictions: {RequestsPerSecond: 5, Burst: 10},
	}
}

// OperationRegistry maps operation names to limits.
// It is safe for concurrent use.
type OperationRegistry struct {
	mu       sync.RWMutex
	limits   map[string]OperationLimit
	fallback OperationLimit
}

// NewOperationRegistry seeds a registry with the defaults and applies overrides on top.
// Invalid overrides are ignored.
func NewOperationRegistry(overrides map[string]OperationLimit) *OperationRegistry {
	limits := DefaultOperationLimits()
	for op, l := range overrides {
		if l.valid() {
			limits[op] = l
		}
	}
	return &OperationRegistry{limits: limits, fallback: DefaultUnknownLimit}
}

// Get returns the limit for op, or the fallback for unknown operations
func (r *OperationRegistry) Get(op string) OperationLimit {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if l, ok := r.limits[op]; ok {
		return l
	}
	return r.fallback
}

// Set replaces the limit for op. Returns false if the limit is invalid.
func (r *OperationRegistry) Set(op string, l OperationLimit) bool {
	if !l.valid() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.limits[op] = l
	return true
}

// KnownOperations returns registered operation names, sorted
func (r *OperationRegistry) KnownOperations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ops := make([]string, 0, len(r.limits))
	for op := range r.limits {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
