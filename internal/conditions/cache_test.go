// internal/conditions/cache_test.go
package conditions

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingMapper counts inner lookups so cache hits are observable.
type countingMapper struct {
	inner    Mapper
	resolves int
	detects  int
}

func (c *countingMapper) Resolve(ctx context.Context, phrase string) (Mapping, bool) {
	c.resolves++
	return c.inner.Resolve(ctx, phrase)
}

func (c *countingMapper) Detect(ctx context.Context, text string) []Mapping {
	c.detects++
	return c.inner.Detect(ctx, text)
}

func setupCache(t *testing.T) (*CachedMapper, *countingMapper, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	counting := &countingMapper{inner: NewStaticMapper()}
	return NewCachedMapper(counting, rdb), counting, mr
}

func TestCachedMapper_ResolveCachesHits(t *testing.T) {
	cached, counting, _ := setupCache(t)
	ctx := context.Background()

	first, ok := cached.Resolve(ctx, "anxiety")
	require.True(t, ok)
	assert.Equal(t, "anxiety", first.CanonicalID)
	assert.Equal(t, 1, counting.resolves)

	second, ok := cached.Resolve(ctx, "anxiety")
	require.True(t, ok)
	assert.Equal(t, first, second)
	// Served from redis; the inner mapper is not consulted again.
	assert.Equal(t, 1, counting.resolves)
}

func TestCachedMapper_MissesAreNotCached(t *testing.T) {
	cached, counting, _ := setupCache(t)
	ctx := context.Background()

	_, ok := cached.Resolve(ctx, "not a condition")
	assert.False(t, ok)
	_, ok = cached.Resolve(ctx, "not a condition")
	assert.False(t, ok)
	assert.Equal(t, 2, counting.resolves)
}

func TestCachedMapper_DetectBypassesCache(t *testing.T) {
	cached, counting, _ := setupCache(t)
	ctx := context.Background()

	hits := cached.Detect(ctx, "patients with depression and anxiety")
	require.Len(t, hits, 2)
	assert.Equal(t, "depression", hits[0].CanonicalID)
	assert.Equal(t, "anxiety", hits[1].CanonicalID)

	cached.Detect(ctx, "patients with depression and anxiety")
	assert.Equal(t, 2, counting.detects)
}

func TestCachedMapper_SurvivesRedisOutage(t *testing.T) {
	cached, counting, mr := setupCache(t)
	ctx := context.Background()

	mr.Close()

	mapping, ok := cached.Resolve(ctx, "hypertension")
	require.True(t, ok)
	assert.Equal(t, "hypertension", mapping.CanonicalID)
	assert.Equal(t, []string{"I10"}, mapping.Codes)
	assert.Equal(t, 1, counting.resolves)
}
