package consolidate_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ob-labs/agent-memory-go/memory"
	"github.com/ob-labs/agent-memory-go/memory/consolidate"
	"github.com/ob-labs/agent-memory-go/memory/filter"
	"github.com/ob-labs/agent-memory-go/memory/llm"
)

// fakeStore is a minimal, mutex-guarded consolidate.Store test double.
type fakeStore struct {
	mu   sync.Mutex
	byID map[memory.Id]memory.Memory
}

func newFakeStore(memories ...memory.Memory) *fakeStore {
	s := &fakeStore{byID: map[memory.Id]memory.Memory{}}
	for _, m := range memories {
		s.byID[m.ID()] = m
	}
	return s
}

func (s *fakeStore) Recall(_ context.Context, f filter.Filter, limit int) ([]memory.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []memory.Memory
	for _, m := range s.byID {
		if filter.Evaluate(f, m) {
			out = append(out, m)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeStore) Store(_ context.Context, m memory.Memory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[m.ID()] = m
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id memory.Id) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, id)
	return nil
}

func (s *fakeStore) all() []memory.Memory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memory.Memory, 0, len(s.byID))
	for _, m := range s.byID {
		out = append(out, m)
	}
	return out
}

func conversationMemory(id, content, conversationID string, ts time.Time) memory.Memory {
	return memory.New(memory.Id(id), content, memory.TypeConversation, ts).WithMetadata(memory.MetaConversationID, conversationID)
}

func TestConsolidateGroupsByConversationAndReplaces(t *testing.T) {
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	store := newFakeStore(
		conversationMemory("1", "hello", "conv-1", old),
		conversationMemory("2", "how are you", "conv-1", old.Add(time.Minute)),
		conversationMemory("3", "doing fine", "conv-1", old.Add(2*time.Minute)),
	)

	c := consolidate.New(store, llm.SummarizingMock{}, consolidate.DefaultConfig())
	err := c.Consolidate(ctx, time.Now(), 2)
	require.NoError(t, err)

	remaining := store.all()
	require.Len(t, remaining, 1, "originals should be replaced by one consolidated memory")
	consolidated := remaining[0]
	assert.Contains(t, consolidated.Content(), "hello")
	assert.Contains(t, consolidated.Content(), "doing fine")

	fromCount, ok := consolidated.MetadataValue(consolidate.MetaConsolidatedFrom)
	require.True(t, ok)
	assert.Equal(t, "3", fromCount)

	ids, ok := consolidated.MetadataValue(consolidate.MetaOriginalIDs)
	require.True(t, ok)
	assert.Contains(t, ids, "1")
	assert.Contains(t, ids, "3")

	assert.Equal(t, "conv-1", consolidated.ConversationID())
}

func TestConsolidateSkipsGroupsBelowMinCount(t *testing.T) {
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	store := newFakeStore(conversationMemory("1", "lonely message", "conv-solo", old))

	c := consolidate.New(store, llm.SummarizingMock{}, consolidate.DefaultConfig())
	err := c.Consolidate(ctx, time.Now(), 2)
	require.NoError(t, err)

	remaining := store.all()
	require.Len(t, remaining, 1)
	assert.Equal(t, "lonely message", remaining[0].Content(), "group below minCount must be left untouched")
}

func TestConsolidateIgnoresMemoriesNewerThanOlderThan(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	store := newFakeStore(
		conversationMemory("1", "recent a", "conv-1", now),
		conversationMemory("2", "recent b", "conv-1", now),
	)

	c := consolidate.New(store, llm.SummarizingMock{}, consolidate.DefaultConfig())
	err := c.Consolidate(ctx, now.Add(-time.Hour), 2)
	require.NoError(t, err)

	remaining := store.all()
	assert.Len(t, remaining, 2, "memories timestamped after olderThan must not be consolidated")
}

func TestConsolidateNeverTouchesCustomTypes(t *testing.T) {
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	store := newFakeStore(
		memory.New("1", "custom a", memory.CustomType("scratchpad"), old),
		memory.New("2", "custom b", memory.CustomType("scratchpad"), old),
	)

	c := consolidate.New(store, llm.SummarizingMock{}, consolidate.DefaultConfig())
	err := c.Consolidate(ctx, time.Now(), 2)
	require.NoError(t, err)

	assert.Len(t, store.all(), 2, "Custom-typed memories are never consolidated")
}

func TestConsolidateNonStrictKeepsOriginalsOnLLMFailure(t *testing.T) {
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	store := newFakeStore(
		conversationMemory("1", "a", "conv-1", old),
		conversationMemory("2", "b", "conv-1", old),
	)

	failing := llm.MockFunc(func(ctx context.Context, conversation []llm.Message, opts llm.Options) (llm.Completion, error) {
		return llm.Completion{}, assertError{}
	})

	c := consolidate.New(store, failing, consolidate.Config{MaxMemoriesPerGroup: 50, StrictMode: false})
	err := c.Consolidate(ctx, time.Now(), 2)
	require.NoError(t, err, "non-strict mode never surfaces a per-group failure")
	assert.Len(t, store.all(), 2, "originals must be untouched when the group fails")
}

func TestConsolidateStrictFailsFastOnLLMFailure(t *testing.T) {
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	store := newFakeStore(
		conversationMemory("1", "a", "conv-1", old),
		conversationMemory("2", "b", "conv-1", old),
	)

	failing := llm.MockFunc(func(ctx context.Context, conversation []llm.Message, opts llm.Options) (llm.Completion, error) {
		return llm.Completion{}, assertError{}
	})

	c := consolidate.New(store, failing, consolidate.Config{MaxMemoriesPerGroup: 50, StrictMode: true})
	err := c.Consolidate(ctx, time.Now(), 2)
	require.Error(t, err)
	assert.Len(t, store.all(), 2, "a failed group must leave no partial write")
}

func TestConsolidateIsDeterministicAcrossRuns(t *testing.T) {
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	build := func() *fakeStore {
		return newFakeStore(
			conversationMemory("1", "hello", "conv-1", old),
			conversationMemory("2", "how are you", "conv-1", old.Add(time.Minute)),
			conversationMemory("3", "doing fine", "conv-1", old.Add(2*time.Minute)),
		)
	}

	store1 := build()
	c1 := consolidate.New(store1, llm.SummarizingMock{}, consolidate.DefaultConfig())
	require.NoError(t, c1.Consolidate(ctx, time.Now(), 2))

	store2 := build()
	c2 := consolidate.New(store2, llm.SummarizingMock{}, consolidate.DefaultConfig())
	require.NoError(t, c2.Consolidate(ctx, time.Now(), 2))

	r1, r2 := store1.all(), store2.all()
	require.Len(t, r1, 1)
	require.Len(t, r2, 1)
	assert.Equal(t, r1[0].Content(), r2[0].Content())
	f1, _ := r1[0].MetadataValue(consolidate.MetaConsolidatedFrom)
	f2, _ := r2[0].MetadataValue(consolidate.MetaConsolidatedFrom)
	assert.Equal(t, f1, f2)
}

type assertError struct{}

func (assertError) Error() string { return "llm call failed" }
