// Package store implements the pure in-process memory store and the
// embedding-aware wrapper around it. Both are value-typed: every mutating
// method returns a new store value rather than mutating the receiver, so a
// store can be shared safely across concurrent readers without external
// synchronization.
package store

import (
	"context"
	"sort"
	"strings"

	"github.com/ob-labs/agent-memory-go/memory"
	"github.com/ob-labs/agent-memory-go/memory/embedding"
	"github.com/ob-labs/agent-memory-go/memory/filter"
	"github.com/ob-labs/agent-memory-go/memory/vectormath"
)

// Config configures an in-process Store.
type Config struct {
	// MaxMemories caps the number of memories the store retains; when
	// exceeded, the oldest memories (by timestamp) are evicted on Store
	// until the store is back within bound. Zero means unbounded.
	MaxMemories int
}

// Store is a value-typed, insertion-ordered in-process memory store. It
// optionally holds an embedding.Service for semantic search; without one,
// Search always falls back to lexical scoring.
type Store struct {
	order    []memory.Id // insertion order, for stable tie-breaking
	byID     map[memory.Id]memory.Memory
	embedder embedding.Service
	config   Config
}

// New returns an empty Store.
func New(config Config) Store {
	return Store{
		byID:   map[memory.Id]memory.Memory{},
		config: config,
	}
}

// WithEmbedder returns a copy of s that will use svc for semantic search.
func (s Store) WithEmbedder(svc embedding.Service) Store {
	out := s.clone()
	out.embedder = svc
	return out
}

func (s Store) clone() Store {
	out := Store{
		order:    append([]memory.Id(nil), s.order...),
		byID:     make(map[memory.Id]memory.Memory, len(s.byID)),
		embedder: s.embedder,
		config:   s.config,
	}
	for k, v := range s.byID {
		out.byID[k] = v
	}
	return out
}

// Store inserts m, replacing any existing memory with the same ID, and
// evicts the oldest memories by timestamp if MaxMemories is exceeded.
// Returns the new store value.
func (s Store) Store(m memory.Memory) Store {
	out := s.clone()
	if _, exists := out.byID[m.ID()]; !exists {
		out.order = append(out.order, m.ID())
	}
	out.byID[m.ID()] = m

	if out.config.MaxMemories > 0 {
		for len(out.byID) > out.config.MaxMemories {
			oldestIdx := out.indexOfOldest()
			if oldestIdx < 0 {
				break
			}
			id := out.order[oldestIdx]
			delete(out.byID, id)
			out.order = append(out.order[:oldestIdx], out.order[oldestIdx+1:]...)
		}
	}
	return out
}

func (s Store) indexOfOldest() int {
	best := -1
	for i, id := range s.order {
		m := s.byID[id]
		if best == -1 || m.Timestamp().Before(s.byID[s.order[best]].Timestamp()) {
			best = i
		}
	}
	return best
}

// Get returns the memory with the given id, if present.
func (s Store) Get(id memory.Id) (memory.Memory, bool, error) {
	m, ok := s.byID[id]
	return m, ok, nil
}

// Recall filters the store with f, orders matches by timestamp descending,
// and truncates to limit (<=0 means unlimited).
func (s Store) Recall(f filter.Filter, limit int) ([]memory.Memory, error) {
	var matches []memory.Memory
	for _, id := range s.order {
		m := s.byID[id]
		if filter.Evaluate(f, m) {
			matches = append(matches, m)
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Timestamp().After(matches[j].Timestamp())
	})

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Delete returns a new store without id.
func (s Store) Delete(id memory.Id) (Store, error) {
	out := s.clone()
	if _, ok := out.byID[id]; !ok {
		return s, nil
	}
	delete(out.byID, id)
	for i, oid := range out.order {
		if oid == id {
			out.order = append(out.order[:i], out.order[i+1:]...)
			break
		}
	}
	return out, nil
}

// DeleteMatching returns a new store with every memory matching f removed.
func (s Store) DeleteMatching(f filter.Filter) (Store, error) {
	out := s.clone()
	var kept []memory.Id
	for _, id := range out.order {
		m := out.byID[id]
		if filter.Evaluate(f, m) {
			delete(out.byID, id)
			continue
		}
		kept = append(kept, id)
	}
	out.order = kept
	return out, nil
}

// Update applies fn to the memory stored under id and returns a new store
// with the result. fn changing the memory's ID is rejected with a
// ValidationError; an absent id is reported as NotFound.
func (s Store) Update(id memory.Id, fn func(memory.Memory) memory.Memory) (Store, error) {
	existing, ok := s.byID[id]
	if !ok {
		return s, memory.NotFound("Update", string(id))
	}

	updated := fn(existing)
	if updated.ID() != id {
		return s, memory.Validation("Update", "id", "update function must not change a memory's ID")
	}

	out := s.clone()
	out.byID[id] = updated
	return out, nil
}

// Count returns the number of memories matching f.
func (s Store) Count(f filter.Filter) (int, error) {
	n := 0
	for _, m := range s.byID {
		if filter.Evaluate(f, m) {
			n++
		}
	}
	return n, nil
}

// Exists reports whether id is present.
func (s Store) Exists(id memory.Id) (bool, error) {
	_, ok := s.byID[id]
	return ok, nil
}

// Clear returns a new, empty store (preserving the configured embedder and
// config).
func (s Store) Clear() (Store, error) {
	out := New(s.config)
	out.embedder = s.embedder
	return out, nil
}

// Recent is shorthand for Recall(All(), limit).
func (s Store) Recent(limit int) ([]memory.Memory, error) {
	return s.Recall(filter.All(), limit)
}

// Important is shorthand for Recall(MinImportance(threshold), 0).
func (s Store) Important(threshold float64) ([]memory.Memory, error) {
	return s.Recall(filter.MinImportance(threshold), 0)
}

// GetEntityMemories returns memories about entityID, newest first.
func (s Store) GetEntityMemories(entityID memory.EntityId) ([]memory.Memory, error) {
	return s.Recall(filter.ByEntity(entityID), 0)
}

// GetConversation returns the memories of conversationID sorted
// chronologically ascending (oldest first), unlike Recall's default
// descending order.
func (s Store) GetConversation(conversationID string) ([]memory.Memory, error) {
	matches, err := s.Recall(filter.ByConversation(conversationID), 0)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Timestamp().Before(matches[j].Timestamp())
	})
	return matches, nil
}

// Stats returns an aggregated view of the store's contents.
func (s Store) Stats() (memory.Stats, error) {
	stats := memory.Stats{ByType: map[string]int{}}
	for _, id := range s.order {
		m := s.byID[id]
		stats.Total++
		stats.ByType[m.Type().String()]++

		if m.Type().Equal(memory.TypeEntity) {
			stats.EntityCount++
		}
		if m.Type().Equal(memory.TypeConversation) {
			stats.ConversationCount++
		}
		if m.IsEmbedded() {
			stats.EmbeddedCount++
		}

		ts := m.Timestamp()
		if stats.Oldest == nil || ts.Before(*stats.Oldest) {
			oldest := ts
			stats.Oldest = &oldest
		}
		if stats.Newest == nil || ts.After(*stats.Newest) {
			newest := ts
			stats.Newest = &newest
		}
	}
	return stats, nil
}

// Search returns the top-k memories matching f ranked against query. Blank
// queries return no results. When the candidate set contains embedded
// memories and an embedding service is configured, candidates are ranked by
// cosine similarity; the ranking falls back to lexical term-overlap scoring
// whenever embedding fails, the query embedding is non-finite, or no
// candidate survives the cosine guards.
func (s Store) Search(ctx context.Context, query string, f filter.Filter, k int) ([]memory.Scored, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, nil
	}

	candidates, err := s.Recall(f, 0)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	anyEmbedded := false
	for _, c := range candidates {
		if c.IsEmbedded() {
			anyEmbedded = true
			break
		}
	}

	if anyEmbedded && s.embedder != nil {
		queryEmbedding, err := s.embedder.Embed(ctx, trimmed)
		if err == nil && allFinite32(queryEmbedding) {
			if results := semanticSearch(queryEmbedding, candidates, k); len(results) > 0 {
				return results, nil
			}
		}
	}

	return lexicalSearch(trimmed, candidates, k), nil
}

func semanticSearch(query []float32, candidates []memory.Memory, k int) []memory.Scored {
	var withEmbedding []memory.Memory
	for _, c := range candidates {
		if c.IsEmbedded() && len(c.Embedding()) == len(query) && allFinite32(c.Embedding()) {
			withEmbedding = append(withEmbedding, c)
		}
	}
	if len(withEmbedding) == 0 {
		return nil
	}

	if k <= 0 {
		k = len(withEmbedding)
	}
	scored := vectormath.TopKBySimilarity(query, withEmbedding, memory.Memory.Embedding, k)
	out := make([]memory.Scored, len(scored))
	for i, sc := range scored {
		out[i] = memory.Scored{Memory: sc.Item, Score: sc.Score}
	}
	return out
}

func lexicalSearch(query string, candidates []memory.Memory, k int) []memory.Scored {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 {
		return nil
	}

	var scored []memory.Scored
	for _, c := range candidates {
		content := strings.ToLower(c.Content())
		matched := 0
		for _, t := range terms {
			if strings.Contains(content, t) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		score := float64(matched) / float64(len(terms))
		scored = append(scored, memory.Scored{Memory: c, Score: score})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if k > 0 && len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

func allFinite32(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	for _, x := range v {
		f := float64(x)
		if f != f || f > 1e300 || f < -1e300 {
			return false
		}
	}
	return true
}
