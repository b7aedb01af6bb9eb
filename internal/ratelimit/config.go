package ratelimit

import (
	"os"
	"strconv"
	"strings"

	"github.com/asin-matcher/internal/logging"
)

// Environment variable pattern for per-operation overrides:
// RATE_LIMIT_<OPERATION>_RPS and RATE_LIMIT_<OPERATION>_BURST, where OPERATION
// is the operation name upper-cased, e.g. RATE_LIMIT_SEARCHCATALOGITEMS_RPS.
const envPrefix = "RATE_LIMIT_"

// LoadOperationOverridesFromEnv reads per-operation overrides for every known operation.
// Invalid values are logged as warnings and the default is kept.
func LoadOperationOverridesFromEnv() map[string]OperationLimit {
	overrides := make(map[string]OperationLimit)
	defaults := DefaultOperationLimits()

	for op, def := range defaults {
		key := envPrefix + strings.ToUpper(op)
		limit := def
		changed := false

		if raw := os.Getenv(key + "_RPS"); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
				limit.RequestsPerSecond = v
				changed = true
			} else {
				logging.Warnf("Invalid %s_RPS value %q, using default %.2f", key, raw, def.RequestsPerSecond)
			}
		}

		if raw := os.Getenv(key + "_BURST"); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil && v >= 1 {
				limit.Burst = v
				changed = true
			} else {
				logging.Warnf("Invalid %s_BURST value %q, using default %.0f", key, raw, def.Burst)
			}
		}

		if changed {
			overrides[op] = limit
		}
	}

	return overrides
}
