package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ob-labs/agent-memory-go/memory/llm"
)

func TestMockFuncDelegatesToWrappedFunction(t *testing.T) {
	called := false
	var provider llm.Provider = llm.MockFunc(func(_ context.Context, conversation []llm.Message, _ llm.Options) (llm.Completion, error) {
		called = true
		return llm.Completion{Content: "ok"}, nil
	})

	out, err := provider.Complete(context.Background(), nil, llm.Options{})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "ok", out.Content)
}

func TestMockFuncPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	var provider llm.Provider = llm.MockFunc(func(_ context.Context, _ []llm.Message, _ llm.Options) (llm.Completion, error) {
		return llm.Completion{}, boom
	})

	_, err := provider.Complete(context.Background(), nil, llm.Options{})
	assert.ErrorIs(t, err, boom)
}

func TestSummarizingMockExcludesSystemMessages(t *testing.T) {
	conversation := []llm.Message{
		{Role: "system", Content: "you are an assistant"},
		{Role: "user", Content: "first fact"},
		{Role: "assistant", Content: "second fact"},
	}

	out, err := llm.SummarizingMock{}.Complete(context.Background(), conversation, llm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "Summary: first fact | second fact", out.Content)
	assert.NotContains(t, out.Content, "you are an assistant")
}

func TestSummarizingMockOnEmptyConversation(t *testing.T) {
	out, err := llm.SummarizingMock{}.Complete(context.Background(), nil, llm.Options{})
	require.NoError(t, err)
	assert.Equal(t, "Summary: ", out.Content)
}
