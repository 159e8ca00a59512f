package llm

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/archive"
	"github.com/sells-group/segment-cli/internal/cache"
	"github.com/sells-group/segment-cli/internal/cost"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/prompts"
	"github.com/sells-group/segment-cli/internal/resilience"
)

// Indexer records interaction index rows.
type Indexer interface {
	InsertInteractionIndexRows(ctx context.Context, rows []model.InteractionIndex) error
}

// Deps are the collaborators of a Client.
type Deps struct {
	Completer Completer
	Cache     *cache.Cache
	Archive   *archive.Archive
	Index     Indexer
	Prompts   *prompts.Registry
	Costs     *cost.Calculator
}

// Options bounds the attempt loop.
type Options struct {
	// MaxAttempts counts every model call for one request, corrective
	// attempts included. Default: 3.
	MaxAttempts int
	// Retry supplies the backoff between attempts after a transient failure.
	Retry resilience.RetryConfig
	// CallTimeout bounds a single model call. Zero disables it.
	CallTimeout time.Duration
}

// Client runs the three phase operations over one retry/validation loop.
type Client struct {
	deps Deps
	opts Options
}

// NewClient returns a Client. Costs may be nil.
func NewClient(deps Deps, opts Options) *Client {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if deps.Costs == nil {
		deps.Costs = cost.NewCalculator(cost.Rates{})
	}
	return &Client{deps: deps, opts: opts}
}

// Call identifies the run and batch a request belongs to.
type Call struct {
	RunID   string
	BatchID string
	Model   ModelConfig
}

// Outcome describes how a request was served.
type Outcome struct {
	Fingerprint string
	CacheHit    bool
	// Attempts is the number of model calls made; 0 on a cache hit.
	Attempts   int
	ArchiveRef string
	Usage      cost.Usage
	CostUSD    float64
	Duration   time.Duration
}

// attemptState is threaded through the attempt loop.
type attemptState struct {
	Attempt int
	LastErr error
	// InvalidErr and PriorResponse hold the last rejected response; a
	// transient failure in between leaves them in place.
	InvalidErr    error
	PriorResponse string
}

// request describes one phase call for execute.
type request[T any] struct {
	phase    model.Phase
	template string
	inputs   any
	data     map[string]string
	parse    func(text string) (T, error)
}

// execute resolves the template, serves from cache when possible and
// otherwise runs the bounded attempt loop.
func execute[T any](ctx context.Context, c *Client, call Call, req request[T]) (T, *Outcome, error) {
	var zero T
	start := time.Now()

	tmpl, err := c.deps.Prompts.Get(req.template)
	if err != nil {
		return zero, nil, err
	}

	fp, err := cache.Fingerprint(cache.Input{
		Phase:           req.phase,
		Template:        tmpl.Name,
		TemplateVersion: tmpl.Version,
		Model:           call.Model.Model,
		Temperature:     call.Model.Temperature,
		Inputs:          req.inputs,
	})
	if err != nil {
		return zero, nil, err
	}

	log := zap.L().With(
		zap.String("run_id", call.RunID),
		zap.String("phase", string(req.phase)),
		zap.String("batch_id", call.BatchID),
		zap.String("fingerprint", fp),
	)

	if val, out, ok := fromCache(ctx, c, call, req, fp, log); ok {
		out.Duration = time.Since(start)
		return val, out, nil
	}

	out := &Outcome{Fingerprint: fp}
	st := attemptState{}
	for st.Attempt = 1; st.Attempt <= c.opts.MaxAttempts; st.Attempt++ {
		prompt, err := c.render(tmpl, req.data, st)
		if err != nil {
			return zero, nil, err
		}

		callStart := time.Now()
		comp, err := c.complete(ctx, prompt, call.Model)
		if err != nil {
			if ctx.Err() != nil {
				return zero, nil, eris.Wrapf(ctx.Err(), "llm: %s batch %s", req.phase, call.BatchID)
			}
			if !resilience.IsTransient(err) {
				return zero, nil, eris.Wrapf(err, "llm: %s batch %s attempt %d", req.phase, call.BatchID, st.Attempt)
			}
			st.LastErr = err
			log.Warn("llm: transient failure", zap.Int("attempt", st.Attempt), zap.Error(err))
			if st.Attempt < c.opts.MaxAttempts {
				if werr := resilience.Wait(ctx, st.Attempt-1, c.opts.Retry); werr != nil {
					return zero, nil, eris.Wrapf(werr, "llm: %s batch %s", req.phase, call.BatchID)
				}
			}
			continue
		}
		out.Attempts = st.Attempt

		callCost := c.deps.Costs.Estimate(comp.Model, comp.Usage)
		out.Usage = addUsage(out.Usage, comp.Usage)
		out.CostUSD += callCost

		val, verr := req.parse(CleanJSON(comp.Text))
		outcome := model.OutcomeAccepted
		if verr != nil {
			outcome = model.OutcomeInvalid
		}

		meta := model.InteractionMetadata{
			RunID:        call.RunID,
			Phase:        req.phase,
			BatchID:      call.BatchID,
			Attempt:      st.Attempt,
			Model:        comp.Model,
			Temperature:  call.Model.Temperature,
			CacheKey:     fp,
			DurationMs:   time.Since(callStart).Milliseconds(),
			InputTokens:  comp.Usage.InputTokens,
			OutputTokens: comp.Usage.OutputTokens,
			CostUSD:      callCost,
			Outcome:      outcome,
		}
		ref, err := c.record(ctx, meta, prompt.Text(), comp.Text)
		if err != nil {
			return zero, nil, err
		}

		log.Info("llm: call complete",
			zap.Int("attempt", st.Attempt),
			zap.String("model", comp.Model),
			zap.String("outcome", string(outcome)),
			zap.Int64("input_tokens", comp.Usage.InputTokens),
			zap.Int64("output_tokens", comp.Usage.OutputTokens),
			zap.Float64("cost_usd", callCost),
			zap.Int64("duration_ms", meta.DurationMs),
		)

		if verr != nil {
			st.LastErr = verr
			st.InvalidErr = verr
			st.PriorResponse = comp.Text
			continue
		}

		out.ArchiveRef = ref
		if err := c.deps.Cache.Store(ctx, model.CachedResponse{
			Fingerprint: fp,
			Phase:       req.phase,
			Model:       call.Model.Model,
			Response:    CleanJSON(comp.Text),
			ArchiveRef:  ref,
		}); err != nil {
			log.Warn("llm: cache store failed", zap.Error(err))
		}
		out.Duration = time.Since(start)
		return val, out, nil
	}

	if resilience.IsTransient(st.LastErr) {
		return zero, nil, eris.Wrapf(st.LastErr, "llm: %s batch %s: %d attempts exhausted",
			req.phase, call.BatchID, c.opts.MaxAttempts)
	}
	return zero, nil, eris.Wrapf(resilience.ErrValidation, "llm: %s batch %s: %d attempts exhausted: %v",
		req.phase, call.BatchID, c.opts.MaxAttempts, st.LastErr)
}

// fromCache serves req from the cache. An entry that no longer validates is
// ignored and the request falls through to the model.
func fromCache[T any](ctx context.Context, c *Client, call Call, req request[T], fp string, log *zap.Logger) (T, *Outcome, bool) {
	var zero T
	entry, hit, err := c.deps.Cache.Lookup(ctx, fp)
	if err != nil {
		log.Warn("llm: cache lookup failed", zap.Error(err))
		return zero, nil, false
	}
	if !hit {
		return zero, nil, false
	}

	val, err := req.parse(entry.Response)
	if err != nil {
		log.Warn("llm: cached response rejected", zap.Error(err))
		return zero, nil, false
	}

	meta := model.InteractionMetadata{
		RunID:    call.RunID,
		Phase:    req.phase,
		BatchID:  call.BatchID,
		CacheKey: fp,
	}
	if err := c.index(ctx, meta, entry.ArchiveRef, true); err != nil {
		log.Warn("llm: index cache hit failed", zap.Error(err))
	}
	log.Debug("llm: cache hit", zap.String("archive_ref", entry.ArchiveRef))
	return val, &Outcome{Fingerprint: fp, CacheHit: true, ArchiveRef: entry.ArchiveRef}, true
}

// render builds the prompt for st. When the previous attempt returned a
// rejected response the corrective template is appended to the request.
func (c *Client) render(tmpl *prompts.Template, data map[string]string, st attemptState) (Prompt, error) {
	system, user := tmpl.Render(data)
	if st.PriorResponse == "" || st.InvalidErr == nil {
		return Prompt{System: system, User: user}, nil
	}

	corr, err := c.deps.Prompts.Get(prompts.Correction)
	if err != nil {
		return Prompt{}, err
	}
	_, fix := corr.Render(map[string]string{
		"Error":         st.InvalidErr.Error(),
		"PriorResponse": st.PriorResponse,
	})
	return Prompt{System: system, User: user + "\n\n" + fix}, nil
}

// complete makes one model call under the per-call timeout. A timeout that
// is not the caller's own cancellation is transient.
func (c *Client) complete(ctx context.Context, prompt Prompt, cfg ModelConfig) (*Completion, error) {
	callCtx := ctx
	if c.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	comp, err := c.deps.Completer.Complete(callCtx, prompt, cfg)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !resilience.IsTransient(err) {
			return nil, resilience.NewTransientError(eris.Wrap(err, "llm: call timed out"), http.StatusRequestTimeout)
		}
		return nil, err
	}
	return comp, nil
}

// record archives an exchange and writes its index row.
func (c *Client) record(ctx context.Context, meta model.InteractionMetadata, prompt, response string) (string, error) {
	ref, err := c.deps.Archive.Archive(ctx, meta, prompt, response)
	if err != nil {
		return "", eris.Wrapf(err, "llm: archive %s batch %s attempt %d", meta.Phase, meta.BatchID, meta.Attempt)
	}
	return ref, c.index(ctx, meta, ref, false)
}

// index writes one interaction index row. Cache hits point at the archived
// original exchange.
func (c *Client) index(ctx context.Context, meta model.InteractionMetadata, ref string, cacheHit bool) error {
	row := model.InteractionIndex{
		ID:         uuid.NewString(),
		RunID:      meta.RunID,
		Phase:      meta.Phase,
		BatchID:    meta.BatchID,
		Attempt:    meta.Attempt,
		ArchiveRef: ref,
		CacheKey:   meta.CacheKey,
		CacheHit:   cacheHit,
		CreatedAt:  time.Now().UTC(),
	}
	if err := c.deps.Index.InsertInteractionIndexRows(ctx, []model.InteractionIndex{row}); err != nil {
		return eris.Wrapf(err, "llm: index %s batch %s", meta.Phase, meta.BatchID)
	}
	return nil
}

func addUsage(a, b cost.Usage) cost.Usage {
	return cost.Usage{
		InputTokens:      a.InputTokens + b.InputTokens,
		OutputTokens:     a.OutputTokens + b.OutputTokens,
		CacheWriteTokens: a.CacheWriteTokens + b.CacheWriteTokens,
		CacheReadTokens:  a.CacheReadTokens + b.CacheReadTokens,
	}
}
