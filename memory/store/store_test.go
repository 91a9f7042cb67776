package store_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ob-labs/agent-memory-go/memory"
	"github.com/ob-labs/agent-memory-go/memory/embedding"
	"github.com/ob-labs/agent-memory-go/memory/filter"
	"github.com/ob-labs/agent-memory-go/memory/store"
)

func newMemory(id, content string, ts time.Time) memory.Memory {
	return memory.New(memory.Id(id), content, memory.TypeConversation, ts)
}

// fixedEmbedder always returns vector regardless of the text it's asked to
// embed, letting tests pin down the exact query vector used for ranking.
type fixedEmbedder struct {
	vector []float32
}

func (f fixedEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return f.vector, nil
}

func (f fixedEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}

func (f fixedEmbedder) Dimensions() int { return len(f.vector) }

func TestStoreStoreAndGet(t *testing.T) {
	s := store.New(store.Config{})
	m := newMemory("1", "hello world", time.Now())

	s = s.Store(m)

	got, ok, err := s.Get("1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello world", got.Content())
}

func TestStoreIsValueTyped(t *testing.T) {
	s1 := store.New(store.Config{})
	s2 := s1.Store(newMemory("1", "a", time.Now()))

	_, ok, _ := s1.Get("1")
	assert.False(t, ok, "mutating s2 must not affect s1")

	_, ok, _ = s2.Get("1")
	assert.True(t, ok)
}

func TestStoreEvictsOldestWhenOverCapacity(t *testing.T) {
	s := store.New(store.Config{MaxMemories: 2})
	base := time.Now()

	s = s.Store(newMemory("1", "oldest", base))
	s = s.Store(newMemory("2", "middle", base.Add(time.Second)))
	s = s.Store(newMemory("3", "newest", base.Add(2*time.Second)))

	_, ok, _ := s.Get("1")
	assert.False(t, ok, "oldest memory should have been evicted")

	count, err := s.Count(filter.All())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestStoreRecallOrdersByTimestampDescending(t *testing.T) {
	s := store.New(store.Config{})
	base := time.Now()

	s = s.Store(newMemory("1", "first", base))
	s = s.Store(newMemory("2", "second", base.Add(time.Second)))
	s = s.Store(newMemory("3", "third", base.Add(2*time.Second)))

	results, err := s.Recall(filter.All(), 0)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, memory.Id("3"), results[0].ID())
	assert.Equal(t, memory.Id("2"), results[1].ID())
	assert.Equal(t, memory.Id("1"), results[2].ID())
}

func TestStoreDeleteMatching(t *testing.T) {
	s := store.New(store.Config{})
	s = s.Store(newMemory("1", "keep", time.Now()).WithMetadata("tag", "keep"))
	s = s.Store(newMemory("2", "drop", time.Now()).WithMetadata("tag", "drop"))

	s, err := s.DeleteMatching(filter.ByMetadata("tag", "drop"))
	require.NoError(t, err)

	count, _ := s.Count(filter.All())
	assert.Equal(t, 1, count)
	_, ok, _ := s.Get("1")
	assert.True(t, ok)
}

func TestStoreUpdateRejectsIDChange(t *testing.T) {
	s := store.New(store.Config{})
	s = s.Store(newMemory("1", "original", time.Now()))

	_, err := s.Update("1", func(m memory.Memory) memory.Memory {
		return memory.New("2", m.Content(), m.Type(), m.Timestamp())
	})

	require.Error(t, err)
	var memErr *memory.Error
	require.ErrorAs(t, err, &memErr)
	assert.Equal(t, memory.KindValidation, memErr.Kind)
}

func TestStoreUpdateNotFound(t *testing.T) {
	s := store.New(store.Config{})

	_, err := s.Update("missing", func(m memory.Memory) memory.Memory { return m })

	require.Error(t, err)
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestStoreGetConversationOrdersAscending(t *testing.T) {
	s := store.New(store.Config{})
	base := time.Now()

	s = s.Store(memory.FromConversation("second", "user", "conv-1").WithTimestamp(base.Add(time.Second)))
	s = s.Store(memory.FromConversation("first", "user", "conv-1").WithTimestamp(base))

	results, err := s.GetConversation("conv-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "first", results[0].Content())
	assert.Equal(t, "second", results[1].Content())
}

func TestStoreStatsCountsByType(t *testing.T) {
	s := store.New(store.Config{})
	s = s.Store(memory.FromConversation("hi", "user", "conv-1"))
	s = s.Store(memory.ForEntity("alice", "Alice", "likes tea", "person"))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.EntityCount)
	assert.Equal(t, 1, stats.ConversationCount)
}

func TestStoreSearchBlankQueryReturnsNothing(t *testing.T) {
	s := store.New(store.Config{})
	s = s.Store(newMemory("1", "some content", time.Now()))

	results, err := s.Search(context.Background(), "   ", filter.All(), 10)
	require.NoError(t, err)
	assert.Nil(t, results)
}

func TestStoreSearchFallsBackToLexicalWithoutEmbedder(t *testing.T) {
	s := store.New(store.Config{})
	s = s.Store(newMemory("1", "the quick brown fox", time.Now()))
	s = s.Store(newMemory("2", "a lazy dog sleeps", time.Now()))

	results, err := s.Search(context.Background(), "fox", filter.All(), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, memory.Id("1"), results[0].Memory.ID())
}

func TestStoreSearchUsesSemanticRankingWhenEmbedded(t *testing.T) {
	embedder := embedding.NewMock(8)
	s := store.New(store.Config{}).WithEmbedder(embedder)

	ctx := context.Background()
	vecA, err := embedder.Embed(ctx, "cats are great pets")
	require.NoError(t, err)
	vecB, err := embedder.Embed(ctx, "the stock market fell today")
	require.NoError(t, err)

	s = s.Store(newMemory("1", "cats are great pets", time.Now()).WithEmbedding(vecA))
	s = s.Store(newMemory("2", "the stock market fell today", time.Now()).WithEmbedding(vecB))

	results, err := s.Search(ctx, "cats are great pets", filter.All(), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, memory.Id("1"), results[0].Memory.ID())
}

// TestStoreSearchUnlimitedKStillRanksSemantically pins down that k<=0 means
// "return every candidate", not "return none": the semantic path must rank
// the full embedded candidate set rather than falling back to lexical.
func TestStoreSearchUnlimitedKStillRanksSemantically(t *testing.T) {
	embedder := fixedEmbedder{vector: []float32{1, 0, 0}}
	s := store.New(store.Config{}).WithEmbedder(embedder)

	s = s.Store(newMemory("far", "no lexical overlap here", time.Now()).WithEmbedding([]float32{0, 1, 0}))
	s = s.Store(newMemory("near", "also no overlap", time.Now()).WithEmbedding([]float32{1, 0, 0}))

	results, err := s.Search(context.Background(), "query", filter.All(), 0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, memory.Id("near"), results[0].Memory.ID())
	assert.Equal(t, memory.Id("far"), results[1].Memory.ID())
}

// TestStoreSearchExcludesNonFiniteEmbeddingsFromRanking pins down the
// scenario of a poisoned row (a memory carrying a NaN embedding) never
// surviving into ranked semantic search output, even as a last-place tie.
func TestStoreSearchExcludesNonFiniteEmbeddingsFromRanking(t *testing.T) {
	embedder := fixedEmbedder{vector: []float32{1, 0, 0}}
	s := store.New(store.Config{}).WithEmbedder(embedder)

	s = s.Store(newMemory("a", "a", time.Now()).WithEmbedding([]float32{1, 0, 0}))
	s = s.Store(newMemory("b", "b", time.Now()).WithEmbedding([]float32{0, 1, 0}))
	s = s.Store(newMemory("c", "c", time.Now()).WithEmbedding([]float32{float32(math.NaN()), 0, 0}))
	s = s.Store(newMemory("d", "d", time.Now()).WithEmbedding([]float32{-1, 0, 0}))

	results, err := s.Search(context.Background(), "query", filter.All(), 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	ids := []memory.Id{results[0].Memory.ID(), results[1].Memory.ID(), results[2].Memory.ID()}
	assert.Equal(t, []memory.Id{"a", "b", "d"}, ids)
	assert.NotContains(t, ids, memory.Id("c"))
}
