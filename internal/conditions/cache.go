// internal/conditions/cache.go
package conditions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheTTL = 12 * time.Hour

// CachedMapper decorates a Mapper with a redis cache for Resolve lookups.
// Detect always hits the inner mapper; its input is arbitrary free text and
// caching it would only grow the keyspace without hits.
type CachedMapper struct {
	inner Mapper
	rdb   *redis.Client
}

func NewCachedMapper(inner Mapper, rdb *redis.Client) *CachedMapper {
	return &CachedMapper{inner: inner, rdb: rdb}
}

func (c *CachedMapper) Resolve(ctx context.Context, phrase string) (Mapping, bool) {
	key := "condmap:" + phrase

	if raw, err := c.rdb.Get(ctx, key).Result(); err == nil {
		var mapping Mapping
		if json.Unmarshal([]byte(raw), &mapping) == nil {
			return mapping, mapping.CanonicalID != ""
		}
	}

	mapping, ok := c.inner.Resolve(ctx, phrase)
	if ok {
		if raw, err := json.Marshal(mapping); err == nil {
			// Cache failures are invisible to callers.
			_ = c.rdb.Set(ctx, key, raw, cacheTTL).Err()
		}
	}
	return mapping, ok
}

func (c *CachedMapper) Detect(ctx context.Context, text string) []Mapping {
	return c.inner.Detect(ctx, text)
}
