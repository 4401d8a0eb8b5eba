// internal/conditions/mapper_test.go
package conditions

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestStaticMapper_Resolve(t *testing.T) {
	mapper := NewStaticMapper()
	ctx := context.Background()

	tests := []struct {
		name       string
		phrase     string
		canonical  string
		found      bool
	}{
		{"exact term", "anxiety", "anxiety", true},
		{"adjective form", "diabetic", "diabetes", true},
		{"multi-word", "high blood pressure", "hypertension", true},
		{"case and whitespace", "  Depression ", "depression", true},
		{"unknown phrase", "sprained ankle", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapping, ok := mapper.Resolve(ctx, tt.phrase)
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.canonical, mapping.CanonicalID)
				assert.NotEmpty(t, mapping.Codes)
				assert.Greater(t, mapping.Confidence, 0.0)
			}
		})
	}
}

func TestStaticMapper_Detect(t *testing.T) {
	mapper := NewStaticMapper()
	ctx := context.Background()

	t.Run("single condition in free text", func(t *testing.T) {
		hits := mapper.Detect(ctx, "How many active patients have anxiety?")
		assert.Len(t, hits, 1)
		assert.Equal(t, "anxiety", hits[0].CanonicalID)
	})

	t.Run("two conditions ordered by position", func(t *testing.T) {
		hits := mapper.Detect(ctx, "patients with depression and also anxiety")
		assert.Len(t, hits, 2)
		assert.Equal(t, "depression", hits[0].CanonicalID)
		assert.Equal(t, "anxiety", hits[1].CanonicalID)
	})

	t.Run("longer term wins over substring", func(t *testing.T) {
		hits := mapper.Detect(ctx, "count type 2 diabetes patients")
		assert.Len(t, hits, 1)
		assert.Equal(t, "diabetes", hits[0].CanonicalID)
		// The specific term's narrower code list is kept.
		assert.Equal(t, []string{"E11.9", "E11.65"}, hits[0].Codes)
	})

	t.Run("no conditions", func(t *testing.T) {
		hits := mapper.Detect(ctx, "average weight of female patients")
		assert.Empty(t, hits)
	})

	t.Run("duplicate mentions collapse", func(t *testing.T) {
		hits := mapper.Detect(ctx, "anxiety or anxious patients")
		assert.Len(t, hits, 1)
	})
}

func TestCachedMapper(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	mapper := NewCachedMapper(NewStaticMapper(), rdb)
	ctx := context.Background()

	mapping, ok := mapper.Resolve(ctx, "hypertension")
	assert.True(t, ok)
	assert.Equal(t, "hypertension", mapping.CanonicalID)

	// Second lookup comes from the cache and agrees with the first.
	assert.True(t, mr.Exists("condmap:hypertension"))
	cached, ok := mapper.Resolve(ctx, "hypertension")
	assert.True(t, ok)
	assert.Equal(t, mapping, cached)

	// Misses are not cached.
	_, ok = mapper.Resolve(ctx, "broken leg")
	assert.False(t, ok)
	assert.False(t, mr.Exists("condmap:broken leg"))
}

func TestCachedMapper_RedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close() // cache unavailable from the start

	mapper := NewCachedMapper(NewStaticMapper(), rdb)

	// Lookups still work straight through the inner mapper.
	mapping, ok := mapper.Resolve(context.Background(), "asthma")
	assert.True(t, ok)
	assert.Equal(t, "asthma", mapping.CanonicalID)
}
