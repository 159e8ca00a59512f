package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/archive"
	"github.com/sells-group/segment-cli/internal/cache"
	"github.com/sells-group/segment-cli/internal/cost"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/prompts"
	"github.com/sells-group/segment-cli/internal/resilience"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type step func(ctx context.Context) (*Completion, error)

// scripted replays steps in order; the last step repeats.
type scripted struct {
	mu      sync.Mutex
	steps   []step
	calls   int
	prompts []Prompt
}

func (s *scripted) Complete(ctx context.Context, p Prompt, _ ModelConfig) (*Completion, error) {
	s.mu.Lock()
	i := min(s.calls, len(s.steps)-1)
	s.calls++
	s.prompts = append(s.prompts, p)
	fn := s.steps[i]
	s.mu.Unlock()
	return fn(ctx)
}

func (s *scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scripted) Prompt(i int) Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompts[i]
}

func reply(text string) step {
	return func(context.Context) (*Completion, error) {
		return &Completion{
			Text:  text,
			Model: "claude-haiku-4-5",
			Usage: cost.Usage{InputTokens: 1000, OutputTokens: 200},
		}, nil
	}
}

func fail(err error) step {
	return func(context.Context) (*Completion, error) { return nil, err }
}

func hang() step {
	return func(ctx context.Context) (*Completion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

type memIndex struct {
	mu   sync.Mutex
	rows []model.InteractionIndex
}

func (m *memIndex) InsertInteractionIndexRows(_ context.Context, rows []model.InteractionIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *memIndex) Rows() []model.InteractionIndex {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.InteractionIndex(nil), m.rows...)
}

type harness struct {
	client  *Client
	model   *scripted
	index   *memIndex
	archive *archive.Archive
	cache   *cache.Cache
}

func newHarness(t *testing.T, steps ...step) *harness {
	t.Helper()
	blob, err := archive.NewFSBlob(t.TempDir())
	require.NoError(t, err)
	reg, err := prompts.Load(prompts.Options{})
	require.NoError(t, err)

	h := &harness{
		model:   &scripted{steps: steps},
		index:   &memIndex{},
		archive: archive.New(blob),
		cache:   cache.New(nil),
	}
	h.client = NewClient(Deps{
		Completer: h.model,
		Cache:     h.cache,
		Archive:   h.archive,
		Index:     h.index,
		Prompts:   reg,
		Costs:     cost.NewCalculator(cost.DefaultRates()),
	}, Options{
		MaxAttempts: 3,
		Retry:       resilience.RetryConfig{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		CallTimeout: 50 * time.Millisecond,
	})
	return h
}

func testCall(batch string) Call {
	return Call{
		RunID:   "run-1",
		BatchID: batch,
		Model:   ModelConfig{Model: "claude-haiku-4-5", Temperature: 0.2, MaxTokens: 1024},
	}
}

func testProducts() []model.Product {
	return []model.Product{
		{ID: "p1", Title: "Trail running shoe", Category: "footwear"},
		{ID: "p2", Title: "Leather office loafer", Category: "footwear"},
		{ID: "p3", Title: "Garden hose", Category: "garden"},
	}
}

const validExtraction = `{
  "taxonomies": [
    {"name": "Performance Running", "definition": "Shoes built for running."},
    {"name": "Formal Footwear", "definition": "Dress shoes for office wear."}
  ],
  "assignments": {"p1": "performance running", "p2": "Formal Footwear", "p3": "out_of_scope"}
}`
