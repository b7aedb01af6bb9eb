package job

import (
	"fmt"
	"time"
)

// Batch run limits
const (
	DefaultBatchSize      = 50
	DefaultMaxConcurrency = 3
	// MaxCandidates caps a single run's selection
	MaxCandidates = 10000
	// RecentLookupWindow is how long a found lookup keeps a product out of new runs
	RecentLookupWindow = 24 * time.Hour
)

// BatchOptions are the resolved settings of one batch run
type BatchOptions struct {
	BatchSize             int  `json:"batchSize"`
	MaxConcurrency        int  `json:"maxConcurrency"`
	SkipRecentlyProcessed bool `json:"skipRecentlyProcessed"`
	OnlyWithUPCOrMPN      bool `json:"onlyWithUPCOrMPN"`
}

// DefaultBatchOptions returns the built-in defaults
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{
		BatchSize:             DefaultBatchSize,
		MaxConcurrency:        DefaultMaxConcurrency,
		SkipRecentlyProcessed: true,
		OnlyWithUPCOrMPN:      true,
	}
}

// Validate checks the numeric limits
func (o BatchOptions) Validate() error {
	if o.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be positive, got %d", o.BatchSize)
	}
	if o.MaxConcurrency <= 0 {
		return fmt.Errorf("maxConcurrency must be positive, got %d", o.MaxConcurrency)
	}
	return nil
}

// StartOptions is a start request; nil fields take the defaults
type StartOptions struct {
	BatchSize             *int  `json:"batchSize,omitempty"`
	MaxConcurrency        *int  `json:"maxConcurrency,omitempty"`
	SkipRecentlyProcessed *bool `json:"skipRecentlyProcessed,omitempty"`
	OnlyWithUPCOrMPN      *bool `json:"onlyWithUPCOrMPN,omitempty"`
}

// Resolve fills unset fields from defaults
func (o StartOptions) Resolve(defaults BatchOptions) BatchOptions {
	resolved := defaults
	if o.BatchSize != nil {
		resolved.BatchSize = *o.BatchSize
	}
	if o.MaxConcurrency != nil {
		resolved.MaxConcurrency = *o.MaxConcurrency
	}
	if o.SkipRecentlyProcessed != nil {
		resolved.SkipRecentlyProcessed = *o.SkipRecentlyProcessed
	}
	if o.OnlyWithUPCOrMPN != nil {
		resolved.OnlyWithUPCOrMPN = *o.OnlyWithUPCOrMPN
	}
	return resolved
}
