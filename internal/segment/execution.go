package segment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/segment-cli/internal/cost"
	"github.com/sells-group/segment-cli/internal/llm"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/progress"
	"github.com/sells-group/segment-cli/internal/prompts"
	"github.com/sells-group/segment-cli/internal/resilience"
)

// taxRef is a persisted taxonomy as held in the consolidation arena.
type taxRef struct {
	ID  string
	Def model.TaxonomyDef
}

// tally accumulates model usage over a run.
type tally struct {
	calls     int
	cacheHits int
	usage     cost.Usage
	costUSD   float64
}

// execution is the state of one run while it is being driven.
type execution struct {
	o     *Orchestrator
	log   *zap.Logger
	est   *progress.Estimator
	start time.Time

	cancelled atomic.Bool

	// mu guards run, tally, lineage and the name maps.
	mu      sync.Mutex
	run     *model.Run
	tally   tally
	lineage map[string]string // taxonomy id -> id of the taxonomy it was merged into

	products []model.Product
	leaves   [][]taxRef
	final    []taxRef
	finalSet map[string]struct{}
	// current holds each product's initial taxonomy id.
	current map[string]string
	names   map[string]string // taxonomy id -> name
}

func newExecution(o *Orchestrator, run *model.Run) *execution {
	est := progress.NewEstimator(o.deps.Broker, run.ID, run.CallsTotal)
	est.Resume(run.CallsDone)
	return &execution{
		o:       o,
		log:     zap.L().With(zap.String("run_id", run.ID)),
		est:     est,
		start:   time.Now(),
		run:     run,
		lineage: make(map[string]string),
		current: make(map[string]string),
		names: map[string]string{
			run.PlaceholderID: model.UnassignedName,
			run.OutOfScopeID:  model.OutOfScopeName,
		},
	}
}

func (e *execution) cancel() {
	if e.cancelled.CompareAndSwap(false, true) {
		e.log.Info("segment: cancellation requested")
	}
}

func (e *execution) modelConfig() llm.ModelConfig {
	return llm.ModelConfig{
		Model:       e.run.Config.Model,
		Temperature: e.run.Config.Temperature,
		MaxTokens:   e.run.Config.MaxTokens,
	}
}

func (e *execution) call(batchID string) llm.Call {
	return llm.Call{RunID: e.run.ID, BatchID: batchID, Model: e.modelConfig()}
}

// execute runs every phase in order and finalizes the run.
func (e *execution) execute(ctx context.Context) (*model.Run, error) {
	e.log.Info("segment: run starting",
		zap.String("model", e.run.Config.Model),
		zap.Int("products", e.run.TotalProducts),
		zap.Int("concurrency", e.run.Config.Concurrency),
	)

	if err := e.loadProducts(ctx); err != nil {
		return e.failed(ctx, "", "", err)
	}

	phases := []struct {
		stage model.Stage
		phase model.Phase
		fn    func(ctx context.Context) error
	}{
		{model.StageSegmentation, model.PhaseSegmentation, e.segmentation},
		{model.StageConsolidation, model.PhaseConsolidation, e.consolidation},
		{model.StageRefinement, model.PhaseRefinement, e.refinement},
	}

	for _, p := range phases {
		if err := e.checkStop(ctx); err != nil {
			return e.failed(ctx, string(p.phase), "", err)
		}
		if err := e.transition(ctx, p.stage); err != nil {
			return e.failed(ctx, string(p.phase), "", err)
		}
		if err := e.requireTemplates(p.phase); err != nil {
			return e.failed(ctx, string(p.phase), "", err)
		}

		start := time.Now()
		if err := p.fn(ctx); err != nil {
			var be *resilience.BatchError
			if errors.As(err, &be) {
				return e.failed(ctx, be.Phase, be.BatchID, err)
			}
			return e.failed(ctx, string(p.phase), "", err)
		}
		e.log.Info("segment: phase complete",
			zap.String("phase", string(p.phase)),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	}

	return e.complete(ctx)
}

func (e *execution) loadProducts(ctx context.Context) error {
	assignments, err := e.o.deps.Store.ListAssignments(ctx, e.run.ID)
	if err != nil {
		return eris.Wrap(err, "segment: list assignments")
	}
	ids := make([]string, len(assignments))
	for i, a := range assignments {
		ids[i] = a.ProductID
	}
	products, err := e.o.deps.Catalog.ProductsByIDs(ctx, ids)
	if err != nil {
		return eris.Wrap(err, "segment: load products")
	}
	e.products = products
	return nil
}

// requireTemplates fails before any batch of the phase runs when a template
// it needs is missing.
func (e *execution) requireTemplates(phase model.Phase) error {
	if e.o.deps.Prompts == nil {
		return nil
	}
	return e.o.deps.Prompts.Require(string(phase), prompts.Correction)
}

// checkStop reports cancellation or a done context.
func (e *execution) checkStop(ctx context.Context) error {
	if e.cancelled.Load() {
		return ErrCancelled
	}
	return ctx.Err()
}

func (e *execution) transition(ctx context.Context, stage model.Stage) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.run.Transition(stage); err != nil {
		return err
	}
	if err := e.o.deps.Store.UpdateRunStageAndCounters(ctx, e.run); err != nil {
		return eris.Wrapf(err, "segment: persist stage %s", stage)
	}
	e.est.SetStage(stage)
	e.log.Info("segment: stage", zap.String("stage", string(stage)))
	return nil
}

// runBatches runs fn for n batches on a pool of the run's concurrency. After
// the first failure, or once the run is cancelled, no new batch starts;
// batches already running finish. It returns the first batch error.
func (e *execution) runBatches(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	var g errgroup.Group
	g.SetLimit(max(e.run.Config.Concurrency, 1))

	var stop atomic.Bool
	halted := func() bool {
		return stop.Load() || e.cancelled.Load() || ctx.Err() != nil
	}

	for i := 0; i < n; i++ {
		if halted() {
			break
		}
		g.Go(func() error {
			if halted() {
				return nil
			}
			if err := fn(ctx, i); err != nil {
				stop.Store(true)
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return e.checkStop(ctx)
}

// completeCall records one finished call of phase and persists the counters.
// outcome is nil when the step needed no model call.
func (e *execution) completeCall(ctx context.Context, phase model.Phase, products int, outcome *llm.Outcome) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	hit := false
	if outcome != nil {
		hit = outcome.CacheHit
		e.tally.calls += outcome.Attempts
		if hit {
			e.tally.cacheHits++
		}
		e.tally.usage.InputTokens += outcome.Usage.InputTokens
		e.tally.usage.OutputTokens += outcome.Usage.OutputTokens
		e.tally.usage.CacheReadTokens += outcome.Usage.CacheReadTokens
		e.tally.usage.CacheWriteTokens += outcome.Usage.CacheWriteTokens
		e.tally.costUSD += outcome.CostUSD
	}

	e.run.Counters.Phase(phase).Done++
	e.run.CallsDone++
	e.run.ProcessedProducts += products
	e.est.Complete(hit)

	if err := e.o.deps.Store.UpdateRunStageAndCounters(ctx, e.run); err != nil {
		return eris.Wrap(err, "segment: persist counters")
	}
	return nil
}

// failed moves the run to failed and persists it. Persistence uses a
// context that survives cancellation of ctx.
func (e *execution) failed(ctx context.Context, phase, batchID string, cause error) (*model.Run, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if errors.Is(cause, ErrCancelled) || errors.Is(cause, context.Canceled) {
		e.run.Cancelled = true
	}
	if err := e.run.Fail(phase, batchID, cause); err != nil {
		e.log.Error("segment: fail transition rejected", zap.Error(err))
	}
	if err := e.o.deps.Store.UpdateRunStageAndCounters(context.WithoutCancel(ctx), e.run); err != nil {
		e.log.Error("segment: persist failure", zap.Error(err))
	}
	e.est.Abort()

	e.log.Error("segment: run failed",
		zap.String("phase", phase),
		zap.String("batch_id", batchID),
		zap.String("kind", resilience.Kind(cause)),
		zap.Bool("cancelled", e.run.Cancelled),
		zap.Error(cause),
	)
	out := *e.run
	return &out, eris.Wrapf(cause, "segment: run %s failed", e.run.ID)
}
