package manager

import (
	"github.com/dgraph-io/ristretto"

	"github.com/ob-labs/agent-memory-go/memory/store"
)

// ristrettoCache adapts a dgraph-io/ristretto.Cache into store.EmbeddingCache.
// Vectors are cheap relative to ristretto's default cost model, so every
// entry is charged a fixed cost of 1; the cache is sized by entry count via
// NumCounters/MaxCost rather than by byte size.
type ristrettoCache struct {
	c *ristretto.Cache
}

// NewRistrettoCache builds a store.EmbeddingCache backed by ristretto, sized
// to hold roughly maxEntries distinct memory contents.
func NewRistrettoCache(maxEntries int64) (store.EmbeddingCache, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &ristrettoCache{c: c}, nil
}

func (r *ristrettoCache) Get(content string) ([]float32, bool) {
	v, ok := r.c.Get(content)
	if !ok {
		return nil, false
	}
	vec, ok := v.([]float32)
	return vec, ok
}

func (r *ristrettoCache) Set(content string, embedding []float32) {
	r.c.Set(content, embedding, 1)
}
