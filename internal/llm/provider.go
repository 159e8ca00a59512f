package llm

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/segment-cli/internal/resilience"
	"github.com/sells-group/segment-cli/pkg/anthropic"
)

// Provider names accepted by NewCompleter.
const (
	ProviderAnthropic = "anthropic"
	ProviderGenAI     = "genai"
)

// ProviderOptions selects and configures a model provider.
type ProviderOptions struct {
	Provider         string
	AnthropicKey     string
	AnthropicBaseURL string
	PromptCacheTTL   string
	GenAIKey         string
}

// NewCompleter builds the Completer for opts.Provider. An empty provider
// selects Anthropic.
func NewCompleter(ctx context.Context, opts ProviderOptions) (Completer, error) {
	switch opts.Provider {
	case "", ProviderAnthropic:
		if opts.AnthropicKey == "" {
			return nil, eris.Wrap(resilience.ErrConfiguration, "llm: anthropic api key is required")
		}
		var copts []anthropic.Option
		if opts.AnthropicBaseURL != "" {
			copts = append(copts, anthropic.WithBaseURL(opts.AnthropicBaseURL))
		}
		return NewAnthropicCompleter(anthropic.NewClient(opts.AnthropicKey, copts...), opts.PromptCacheTTL), nil
	case ProviderGenAI:
		return NewGenAICompleter(ctx, opts.GenAIKey)
	default:
		return nil, eris.Wrapf(resilience.ErrConfiguration, "llm: unknown provider %q", opts.Provider)
	}
}
