// Package llm defines the LLM client interface the consolidator depends on,
// plus a deterministic mock used by tests.
package llm

import "context"

// Message is a single turn in a conversation passed to a Provider.
type Message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// Completion is the result of a single LLM call.
type Completion struct {
	Content string
}

// Options controls generation parameters. The zero value is a reasonable
// default for every provider.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Provider is the external LLM collaborator the consolidator calls exactly
// once per memory group.
type Provider interface {
	Complete(ctx context.Context, conversation []Message, opts Options) (Completion, error)
}
