package llm

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/segment-cli/internal/cost"
	"github.com/sells-group/segment-cli/pkg/anthropic"
)

// AnthropicCompleter calls the Messages API. The system prompt carries a
// cache breakpoint so every batch of a phase reuses it.
type AnthropicCompleter struct {
	client   anthropic.Client
	cacheTTL string
}

// NewAnthropicCompleter wraps client. cacheTTL is "5m", "1h" or empty.
func NewAnthropicCompleter(client anthropic.Client, cacheTTL string) *AnthropicCompleter {
	return &AnthropicCompleter{client: client, cacheTTL: cacheTTL}
}

// Complete sends prompt as a single user turn.
func (c *AnthropicCompleter) Complete(ctx context.Context, prompt Prompt, cfg ModelConfig) (*Completion, error) {
	temp := cfg.Temperature
	resp, err := c.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		System:      anthropic.BuildCachedSystemBlocks(prompt.System, c.cacheTTL),
		Messages:    []anthropic.Message{{Role: "user", Content: prompt.User}},
		Temperature: &temp,
	})
	if err != nil {
		return nil, eris.Wrap(err, "llm: anthropic complete")
	}

	model := resp.Model
	if model == "" {
		model = cfg.Model
	}
	return &Completion{
		Text:  resp.Text(),
		Model: model,
		Usage: cost.Usage{
			InputTokens:      resp.Usage.InputTokens,
			OutputTokens:     resp.Usage.OutputTokens,
			CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:  resp.Usage.CacheReadInputTokens,
		},
	}, nil
}
