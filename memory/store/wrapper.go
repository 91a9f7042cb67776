package store

import (
	"context"

	"github.com/ob-labs/agent-memory-go/memory"
	"github.com/ob-labs/agent-memory-go/memory/embedding"
	"github.com/ob-labs/agent-memory-go/memory/filter"
)

// EmbeddingCache is an optional side-cache the wrapper consults before
// calling its embedding.Service, keyed by exact memory content. Callers
// typically back this with a ristretto.Cache; the wrapper only needs Get/Set.
type EmbeddingCache interface {
	Get(content string) ([]float32, bool)
	Set(content string, embedding []float32)
}

// noopCache is used when no cache is configured.
type noopCache struct{}

func (noopCache) Get(string) ([]float32, bool) { return nil, false }
func (noopCache) Set(string, []float32)        {}

// EmbeddingStore wraps an in-process Store with a guaranteed embedding
// service: every Store call embeds the memory's content first (unless it
// already carries an embedding), and Search always has vectors to rank
// against. It composes the inner Store rather than reimplementing its
// logic, and preserves wrapper type identity across every mutation: a
// wrapped store's mutators always return another wrapped store, never the
// bare inner Store.
type EmbeddingStore struct {
	inner    Store
	embedder embedding.Service
	cache    EmbeddingCache
}

// NewEmbedding wraps store with svc. svc must not be nil.
func NewEmbedding(inner Store, svc embedding.Service) EmbeddingStore {
	return EmbeddingStore{
		inner:    inner.WithEmbedder(svc),
		embedder: svc,
		cache:    noopCache{},
	}
}

// WithCache returns a copy of w that consults c before calling the
// embedding service.
func (w EmbeddingStore) WithCache(c EmbeddingCache) EmbeddingStore {
	out := w
	out.cache = c
	return out
}

func (w EmbeddingStore) rewrap(inner Store) EmbeddingStore {
	out := w
	out.inner = inner
	return out
}

// Store embeds m's content (if it isn't already embedded) and delegates to
// the inner store. A ProcessingError from the embedding service is
// propagated; m is stored unmodified if it already carries an embedding.
func (w EmbeddingStore) Store(ctx context.Context, m memory.Memory) (EmbeddingStore, error) {
	if !m.IsEmbedded() {
		if cached, ok := w.cache.Get(m.Content()); ok {
			m = m.WithEmbedding(cached)
		} else {
			vec, err := w.embedder.Embed(ctx, m.Content())
			if err != nil {
				return w, memory.Processing("Store", "failed to embed memory content", err)
			}
			w.cache.Set(m.Content(), vec)
			m = m.WithEmbedding(vec)
		}
	}
	return w.rewrap(w.inner.Store(m)), nil
}

func (w EmbeddingStore) Get(id memory.Id) (memory.Memory, bool, error) { return w.inner.Get(id) }

func (w EmbeddingStore) Recall(f filter.Filter, limit int) ([]memory.Memory, error) {
	return w.inner.Recall(f, limit)
}

func (w EmbeddingStore) Delete(id memory.Id) (EmbeddingStore, error) {
	next, err := w.inner.Delete(id)
	return w.rewrap(next), err
}

func (w EmbeddingStore) DeleteMatching(f filter.Filter) (EmbeddingStore, error) {
	next, err := w.inner.DeleteMatching(f)
	return w.rewrap(next), err
}

// Update re-embeds the updated memory's content whenever fn changes it,
// keeping the embedding coherent with the stored text.
func (w EmbeddingStore) Update(ctx context.Context, id memory.Id, fn func(memory.Memory) memory.Memory) (EmbeddingStore, error) {
	existing, ok, err := w.inner.Get(id)
	if err != nil {
		return w, err
	}
	if !ok {
		return w, memory.NotFound("Update", string(id))
	}

	candidate := fn(existing)
	if candidate.Content() != existing.Content() {
		vec, embedErr := w.embedder.Embed(ctx, candidate.Content())
		if embedErr != nil {
			return w, memory.Processing("Update", "failed to re-embed updated content", embedErr)
		}
		candidate = candidate.WithEmbedding(vec)
	}

	next, err := w.inner.Update(id, func(memory.Memory) memory.Memory { return candidate })
	return w.rewrap(next), err
}

func (w EmbeddingStore) Count(f filter.Filter) (int, error)   { return w.inner.Count(f) }
func (w EmbeddingStore) Exists(id memory.Id) (bool, error)    { return w.inner.Exists(id) }

func (w EmbeddingStore) Clear() (EmbeddingStore, error) {
	next, err := w.inner.Clear()
	return w.rewrap(next), err
}

func (w EmbeddingStore) Recent(limit int) ([]memory.Memory, error)       { return w.inner.Recent(limit) }
func (w EmbeddingStore) Important(threshold float64) ([]memory.Memory, error) {
	return w.inner.Important(threshold)
}
func (w EmbeddingStore) GetEntityMemories(id memory.EntityId) ([]memory.Memory, error) {
	return w.inner.GetEntityMemories(id)
}
func (w EmbeddingStore) GetConversation(conversationID string) ([]memory.Memory, error) {
	return w.inner.GetConversation(conversationID)
}
func (w EmbeddingStore) Stats() (memory.Stats, error) { return w.inner.Stats() }

// Search delegates to the inner store, which will find an embedder attached
// (via WithEmbedder in NewEmbedding) and so always attempts semantic search
// before falling back to lexical scoring.
func (w EmbeddingStore) Search(ctx context.Context, query string, f filter.Filter, k int) ([]memory.Scored, error) {
	return w.inner.Search(ctx, query, f, k)
}

// Inner exposes the wrapped store for callers that need bulk, non-embedding
// access (for example a consolidator replacing a group of memories with one
// consolidated memory it will re-embed itself).
func (w EmbeddingStore) Inner() Store { return w.inner }
