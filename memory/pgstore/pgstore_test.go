package pgstore_test

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ob-labs/agent-memory-go/memory"
	"github.com/ob-labs/agent-memory-go/memory/embedding"
	"github.com/ob-labs/agent-memory-go/memory/filter"
	"github.com/ob-labs/agent-memory-go/memory/pgstore"
)

// setupStore connects to a real Postgres+pgvector instance configured via
// environment variables (or a .env file at the module root), skipping the
// test entirely when no database is reachable. pgstore has no in-process
// fake: its whole reason for existing is the behavior of a real JSONB +
// pgvector backend.
func setupStore(t *testing.T) *pgstore.Store {
	t.Helper()

	envPath := filepath.Join("..", "..", ".env")
	_ = godotenv.Load(envPath)

	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	portStr := os.Getenv("POSTGRES_PORT")
	if portStr == "" {
		portStr = "5432"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Skipf("skipping pgstore test: invalid POSTGRES_PORT: %s", portStr)
	}
	user := os.Getenv("POSTGRES_USER")
	if user == "" {
		user = "postgres"
	}
	password := os.Getenv("POSTGRES_PASSWORD")
	if password == "" {
		t.Skip("skipping pgstore test: POSTGRES_PASSWORD not set")
	}
	dbName := os.Getenv("POSTGRES_DATABASE")
	if dbName == "" {
		dbName = "agent_memory_test"
	}

	table := "memories_test_" + strconv.FormatInt(time.Now().UnixNano()%1_000_000, 10)

	s, err := pgstore.Open(pgstore.Config{
		Host: host, Port: port, User: user, Password: password, DBName: dbName,
		TableName: table, Dimensions: 16,
	})
	if err != nil {
		t.Skipf("skipping pgstore test: failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPgStoreStoreAndGet(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	m := memory.New("1", "hello postgres", memory.TypeConversation, time.Now())
	require.NoError(t, s.Store(ctx, m))

	got, ok, err := s.Get(ctx, "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello postgres", got.Content())
}

func TestPgStoreStoreReplacesExisting(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	require.NoError(t, s.Store(ctx, memory.New("1", "v1", memory.TypeConversation, time.Now())))
	require.NoError(t, s.Store(ctx, memory.New("1", "v2", memory.TypeConversation, time.Now())))

	got, _, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content())

	count, err := s.Count(ctx, filter.All())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPgStoreEmbeddingRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	vec, err := embedding.NewMock(16).Embed(ctx, "content")
	require.NoError(t, err)
	m := memory.New("1", "content", memory.TypeConversation, time.Now()).WithEmbedding(vec)
	require.NoError(t, s.Store(ctx, m))

	got, _, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.InDeltaSlice(t, vec, got.Embedding(), 1e-5)
}

func TestPgStoreRecallCompilesFilter(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	require.NoError(t, s.Store(ctx, memory.ForEntity("alice", "Alice", "likes tea", "person")))
	require.NoError(t, s.Store(ctx, memory.FromConversation("hi", "user", "conv-1")))

	results, err := s.Recall(ctx, filter.ByType(memory.TypeEntity), 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "likes tea", results[0].Content())
}

func TestPgStoreDeleteMatchingCompiledPath(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	require.NoError(t, s.Store(ctx, memory.New("1", "a", memory.TypeConversation, time.Now()).WithMetadata("tag", "drop")))
	require.NoError(t, s.Store(ctx, memory.New("2", "b", memory.TypeConversation, time.Now()).WithMetadata("tag", "keep")))

	require.NoError(t, s.DeleteMatching(ctx, filter.ByMetadata("tag", "drop")))

	count, err := s.Count(ctx, filter.All())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPgStoreDeleteMatchingSafeFallbackForCustom(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

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

func TestPgStoreUpdateRejectsIDChange(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	require.NoError(t, s.Store(ctx, memory.New("1", "original", memory.TypeConversation, time.Now())))

	err := s.Update(ctx, "1", func(m memory.Memory) memory.Memory {
		return memory.New("2", m.Content(), m.Type(), m.Timestamp())
	})

	require.Error(t, err)
	var memErr *memory.Error
	require.ErrorAs(t, err, &memErr)
	assert.Equal(t, memory.KindValidation, memErr.Kind)
}

func TestPgStoreSearchWithoutEmbedderIsProcessingError(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	_, err := s.Search(ctx, "anything", filter.All(), 10)
	require.Error(t, err)
	var memErr *memory.Error
	require.ErrorAs(t, err, &memErr)
	assert.Equal(t, memory.KindProcessing, memErr.Kind)
}

func TestPgStoreSearchRanksBySimilarity(t *testing.T) {
	ctx := context.Background()
	mock := embedding.NewMock(16)
	s := setupStore(t).WithEmbedder(mock)

	v1, _ := mock.Embed(ctx, "cats are wonderful pets")
	v2, _ := mock.Embed(ctx, "interest rates rose sharply")

	require.NoError(t, s.Store(ctx, memory.New("1", "cats are wonderful pets", memory.TypeConversation, time.Now()).WithEmbedding(v1)))
	require.NoError(t, s.Store(ctx, memory.New("2", "interest rates rose sharply", memory.TypeConversation, time.Now()).WithEmbedding(v2)))

	results, err := s.Search(ctx, "cats are wonderful pets", filter.All(), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, memory.Id("1"), results[0].Memory.ID())
}

func TestPgStoreOpenRejectsIllegalTableName(t *testing.T) {
	_, err := pgstore.Open(pgstore.Config{TableName: "bad; drop table"})
	require.Error(t, err)
	var memErr *memory.Error
	require.ErrorAs(t, err, &memErr)
	assert.Equal(t, memory.KindValidation, memErr.Kind)
}
