package llm

import (
	"context"
	"strings"
)

// MockFunc lets a test substitute arbitrary Provider behavior without
// implementing the interface from scratch.
type MockFunc func(ctx context.Context, conversation []Message, opts Options) (Completion, error)

func (f MockFunc) Complete(ctx context.Context, conversation []Message, opts Options) (Completion, error) {
	return f(ctx, conversation, opts)
}

// SummarizingMock is a deterministic Provider that "summarizes" a
// conversation by concatenating the content of its non-system messages,
// useful for consolidation tests that need stable, reproducible output
// without calling a real model.
type SummarizingMock struct{}

func (SummarizingMock) Complete(_ context.Context, conversation []Message, _ Options) (Completion, error) {
	var parts []string
	for _, m := range conversation {
		if m.Role == "system" {
			continue
		}
		parts = append(parts, m.Content)
	}
	return Completion{Content: "Summary: " + strings.Join(parts, " | ")}, nil
}
