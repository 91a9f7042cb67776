package sqlitestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ob-labs/agent-memory-go/memory"
	"github.com/ob-labs/agent-memory-go/memory/filter"
	"github.com/ob-labs/agent-memory-go/memory/sqlitestore"
)

func openTestStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(sqlitestore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSqliteStoreStoreAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	m := memory.New("1", "hello sqlite", memory.TypeConversation, time.Now())
	require.NoError(t, s.Store(ctx, m))

	got, ok, err := s.Get(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello sqlite", got.Content())
}

func TestSqliteStoreStoreReplacesExisting(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Store(ctx, memory.New("1", "v1", memory.TypeConversation, time.Now())))
	require.NoError(t, s.Store(ctx, memory.New("1", "v2", memory.TypeConversation, time.Now())))

	got, _, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content())

	count, err := s.Count(ctx, filter.All())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSqliteStoreEmbeddingRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	m := memory.New("1", "content", memory.TypeConversation, time.Now()).WithEmbedding([]float32{0.5, -0.25, 0.125})
	require.NoError(t, s.Store(ctx, m))

	got, _, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25, 0.125}, got.Embedding())
}

func TestSqliteStoreRecallCompilesFilter(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Store(ctx, memory.ForEntity("alice", "Alice", "likes tea", "person")))
	require.NoError(t, s.Store(ctx, memory.FromConversation("hi", "user", "conv-1")))

	results, err := s.Recall(ctx, filter.ByType(memory.TypeEntity), 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "likes tea", results[0].Content())
}

func TestSqliteStoreDeleteMatchingCompiledPath(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Store(ctx, memory.New("1", "a", memory.TypeConversation, time.Now()).WithMetadata("tag", "drop")))
	require.NoError(t, s.Store(ctx, memory.New("2", "b", memory.TypeConversation, time.Now()).WithMetadata("tag", "keep")))

	require.NoError(t, s.DeleteMatching(ctx, filter.ByMetadata("tag", "drop")))

	count, err := s.Count(ctx, filter.All())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSqliteStoreDeleteMatchingSafeFallbackForCustom(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Store(ctx, memory.New("1", "remove me", memory.TypeConversation, time.Now())))
	require.NoError(t, s.Store(ctx, memory.New("2", "keep me", memory.TypeConversation, time.Now())))

	custom := filter.Custom("contains-remove", func(m memory.Memory) bool {
		return m.Content() == "remove me"
	})

	require.NoError(t, s.DeleteMatching(ctx, custom))

	_, ok, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.Get(ctx, "2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSqliteStoreDeleteMatchingKeepsFTSCoherent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Store(ctx, memory.New("1", "unique-sentinel-token", memory.TypeConversation, time.Now())))
	require.NoError(t, s.DeleteMatching(ctx, filter.All()))

	results, err := s.Search(ctx, "unique-sentinel-token", filter.All(), 10)
	require.NoError(t, err)
	assert.Empty(t, results, "deleted memory's content must not survive in the FTS index")
}

func TestSqliteStoreUpdateRejectsIDChange(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Store(ctx, memory.New("1", "original", memory.TypeConversation, time.Now())))

	err := s.Update(ctx, "1", func(m memory.Memory) memory.Memory {
		return memory.New("2", m.Content(), m.Type(), m.Timestamp())
	})

	require.Error(t, err)
	var memErr *memory.Error
	require.ErrorAs(t, err, &memErr)
	assert.Equal(t, memory.KindValidation, memErr.Kind)
}

func TestSqliteStoreSearchFindsLexicalMatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Store(ctx, memory.New("1", "the quick brown fox jumps", memory.TypeConversation, time.Now())))
	require.NoError(t, s.Store(ctx, memory.New("2", "an entirely unrelated sentence", memory.TypeConversation, time.Now())))

	results, err := s.Search(ctx, "fox", filter.All(), 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, memory.Id("1"), results[0].Memory.ID())
	assert.Greater(t, results[0].Score, 0.0)
}

func TestSqliteStoreRecallByTimeRange(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Now()
	require.NoError(t, s.Store(ctx, memory.New("old", "old entry", memory.TypeConversation, base.Add(-2*time.Hour))))
	require.NoError(t, s.Store(ctx, memory.New("new", "new entry", memory.TypeConversation, base)))

	after := base.Add(-time.Hour)
	results, err := s.Recall(ctx, filter.ByTimeRange(&after, nil), 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, memory.Id("new"), results[0].ID())
}

func TestSqliteStoreOpenRejectsIllegalTableName(t *testing.T) {
	_, err := sqlitestore.Open(sqlitestore.Config{Path: ":memory:", TableName: "bad; drop table"})
	require.Error(t, err)
	var memErr *memory.Error
	require.ErrorAs(t, err, &memErr)
	assert.Equal(t, memory.KindValidation, memErr.Kind)
}
