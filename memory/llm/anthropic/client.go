// Package anthropic adapts the Anthropic Claude API to the llm.Provider
// interface, for use as the consolidator's LLM collaborator. It is built on
// the official github.com/anthropics/anthropic-sdk-go client rather than
// hand-rolled request/response JSON.
package anthropic

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ob-labs/agent-memory-go/memory/llm"
)

// Client implements llm.Provider using the Anthropic Messages API.
type Client struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// Config configures a Client. APIKey is required; Model defaults to
// Claude 3.5 Sonnet and MaxTokens defaults to 1024 when zero.
type Config struct {
	APIKey    string
	Model     string
	BaseURL   string
	MaxTokens int64
}

// NewClient creates a new Anthropic-backed Provider.
func NewClient(cfg *Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic llm: API key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := anthropic.Model("claude-3-5-sonnet-latest")
	if cfg.Model != "" {
		model = anthropic.Model(cfg.Model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens == 0 {
		maxTokens = 1024
	}

	return &Client{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// Complete implements llm.Provider, separating any system message the way
// Anthropic's Messages API requires (system prompts travel out-of-band,
// never inside the messages array).
func (c *Client) Complete(ctx context.Context, conversation []llm.Message, opts llm.Options) (llm.Completion, error) {
	var system string
	var messages []anthropic.MessageParam

	for _, m := range conversation {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	maxTokens := c.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature > 0 {
		params.Temperature = anthropic.Float(opts.Temperature)
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return llm.Completion{}, err
	}

	for _, block := range resp.Content {
		if text := block.AsText(); text.Text != "" {
			return llm.Completion{Content: text.Text}, nil
		}
	}

	return llm.Completion{}, errors.New("anthropic llm: no text content in response")
}
