// Package llm is the model interaction client of the segmentation pipeline.
// It renders phase prompts, calls the configured model through a Completer,
// validates the response and retries with corrective prompts.
package llm

import (
	"context"

	"github.com/sells-group/segment-cli/internal/cost"
)

// Prompt is one rendered request.
type Prompt struct {
	System string
	User   string
}

// Text returns the prompt as archived.
func (p Prompt) Text() string {
	if p.System == "" {
		return p.User
	}
	return p.System + "\n\n" + p.User
}

// ModelConfig selects the model and sampling parameters of a call.
type ModelConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Completion is the text a model returned plus its token usage.
type Completion struct {
	Text  string
	Model string
	Usage cost.Usage
}

// Completer is the provider-neutral model capability. Implementations return
// a *resilience.TransientError for failures that are safe to retry.
type Completer interface {
	Complete(ctx context.Context, prompt Prompt, cfg ModelConfig) (*Completion, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, prompt Prompt, cfg ModelConfig) (*Completion, error)

// Complete calls f.
func (f CompleterFunc) Complete(ctx context.Context, prompt Prompt, cfg ModelConfig) (*Completion, error) {
	return f(ctx, prompt, cfg)
}
