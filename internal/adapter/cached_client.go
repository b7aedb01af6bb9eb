package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/asin-matcher/internal/logging"
	"github.com/asin-matcher/internal/types"
)

const searchCacheKeyPrefix = "asin:search:"

// CachedCatalogClient serves repeated code searches from Redis.
// Restriction lookups always go to the remote service since they change per account.
type CachedCatalogClient struct {
	next   CatalogClient
	redis  redis.Cmdable
	ttl    time.Duration
	logger *logging.Logger
}

// NewCachedCatalogClient wraps next with a read-through search cache.
// A non-positive ttl returns next unchanged.
func NewCachedCatalogClient(next CatalogClient, rdb redis.Cmdable, ttl time.Duration, logger *logging.Logger) CatalogClient {
	if ttl <= 0 || rdb == nil {
		return next
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &CachedCatalogClient{
		next:   next,
		redis:  rdb,
		ttl:    ttl,
		logger: logger.Component("catalog-cache"),
	}
}

func searchCacheKey(code string, kind types.CodeKind) string {
	return fmt.Sprintf("%s%s:%s", searchCacheKeyPrefix, kind, code)
}

// SearchByCode returns the cached result when present, otherwise calls through and caches
// successful responses. Cache errors never fail the call.
func (c *CachedCatalogClient) SearchByCode(ctx context.Context, code string, kind types.CodeKind) ([]CatalogItem, error) {
	key := searchCacheKey(code, kind)

	raw, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var items []CatalogItem
		if jsonErr := json.Unmarshal(raw, &items); jsonErr == nil {
			return items, nil
		}
		c.logger.WithField("key", key).Warn("Discarding unreadable search cache entry")
	case !errors.Is(err, redis.Nil):
		c.logger.WithError(err).Debug("Search cache read failed")
	}

	items, err := c.next.SearchByCode(ctx, code, kind)
	if err != nil {
		return nil, err
	}

	if encoded, jsonErr := json.Marshal(items); jsonErr == nil {
		if setErr := c.redis.Set(ctx, key, encoded, c.ttl).Err(); setErr != nil {
			c.logger.WithError(setErr).Debug("Search cache write failed")
		}
	}
	return items, nil
}

// GetRestrictions always calls the wrapped client
func (c *CachedCatalogClient) GetRestrictions(ctx context.Context, asin string) (*RestrictionResult, error) {
	return c.next.GetRestrictions(ctx, asin)
}
