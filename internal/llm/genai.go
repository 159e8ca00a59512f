package llm

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"

	"github.com/sells-group/segment-cli/internal/cost"
	"github.com/sells-group/segment-cli/internal/resilience"
)

// contentGenerator is the subset of *genai.Models the completer uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GenAICompleter calls Gemini models through google.golang.org/genai.
type GenAICompleter struct {
	models contentGenerator
}

// NewGenAICompleter creates a Gemini API client.
func NewGenAICompleter(ctx context.Context, apiKey string) (*GenAICompleter, error) {
	if apiKey == "" {
		return nil, eris.Wrap(resilience.ErrConfiguration, "llm: genai api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, eris.Wrap(err, "llm: create genai client")
	}
	return &GenAICompleter{models: client.Models}, nil
}

// Complete requests a JSON response.
func (c *GenAICompleter) Complete(ctx context.Context, prompt Prompt, cfg ModelConfig) (*Completion, error) {
	temp := float32(cfg.Temperature)
	gc := &genai.GenerateContentConfig{
		Temperature:      &temp,
		MaxOutputTokens:  int32(cfg.MaxTokens),
		ResponseMIMEType: "application/json",
	}
	if prompt.System != "" {
		gc.SystemInstruction = genai.NewContentFromText(prompt.System, genai.RoleUser)
	}

	resp, err := c.models.GenerateContent(ctx, cfg.Model,
		[]*genai.Content{genai.NewContentFromText(prompt.User, genai.RoleUser)}, gc)
	if err != nil {
		return nil, eris.Wrap(classifyGenAI(err), "llm: genai complete")
	}

	out := &Completion{Text: resp.Text(), Model: cfg.Model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = cost.Usage{
			InputTokens:     int64(u.PromptTokenCount - u.CachedContentTokenCount),
			OutputTokens:    int64(u.CandidatesTokenCount),
			CacheReadTokens: int64(u.CachedContentTokenCount),
		}
	}
	return out, nil
}

func classifyGenAI(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && resilience.IsTransientHTTPStatus(apiErr.Code) {
		return resilience.NewTransientError(err, apiErr.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return resilience.NewTransientError(err, 408)
	}
	return err
}
