// Package segment drives a segmentation run through its stages: extraction
// of batch-local taxonomies, leveled consolidation into one final taxonomy,
// and refinement of product assignments against it.
package segment

import (
	"context"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/archive"
	"github.com/sells-group/segment-cli/internal/batch"
	"github.com/sells-group/segment-cli/internal/catalog"
	"github.com/sells-group/segment-cli/internal/llm"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/progress"
	"github.com/sells-group/segment-cli/internal/prompts"
	"github.com/sells-group/segment-cli/internal/resilience"
	"github.com/sells-group/segment-cli/internal/store"
)

// Model is the model interaction surface used by the orchestrator.
// *llm.Client implements it.
type Model interface {
	ExtractTaxonomy(ctx context.Context, call llm.Call, products []model.Product, category string) (*llm.Extraction, *llm.Outcome, error)
	ConsolidateTaxonomies(ctx context.Context, call llm.Call, left, right []model.TaxonomyDef) ([]model.TaxonomyDef, *llm.Outcome, error)
	RefineAssignments(ctx context.Context, call llm.Call, final []model.TaxonomyDef, items []llm.RefinementItem) (map[string]string, *llm.Outcome, error)
}

var _ Model = (*llm.Client)(nil)

// Deps are the collaborators of an Orchestrator. Prompts, Archive and Broker
// are optional.
type Deps struct {
	Store   store.Store
	Catalog catalog.Catalog
	Model   Model
	Prompts *prompts.Registry
	Archive *archive.Archive
	Broker  *progress.Broker
}

// ErrCancelled is recorded on runs stopped by Cancel.
var ErrCancelled = eris.New("run cancelled")

// Orchestrator owns the lifecycle of runs. One execution advances a run at a
// time; batches within a phase run on a bounded worker pool.
type Orchestrator struct {
	deps     Deps
	validate *validator.Validate

	mu     sync.Mutex
	active map[string]*execution
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:     deps,
		validate: validator.New(),
		active:   make(map[string]*execution),
	}
}

// Submit validates the request and creates the run in stage init: the run
// row, the reserved taxonomies and one placeholder assignment per product.
// The prompt templates in force are archived with the run.
func (o *Orchestrator) Submit(ctx context.Context, ids []string, cfg model.RunConfig) (*model.Run, error) {
	if err := o.validate.Struct(cfg); err != nil {
		return nil, eris.Wrapf(resilience.ErrInvalidInput, "segment: run config: %v", err)
	}
	if err := checkUnique(ids); err != nil {
		return nil, err
	}

	segBatches, err := batch.PlanBatches(ids, cfg.ExtractionBatchSize)
	if err != nil {
		return nil, err
	}
	refBatches, err := batch.PlanBatches(ids, cfg.RefinementBatchSize)
	if err != nil {
		return nil, err
	}
	if _, err := o.deps.Catalog.ProductsByIDs(ctx, ids); err != nil {
		return nil, err
	}
	if o.deps.Prompts != nil {
		if err := o.deps.Prompts.Require(prompts.Required...); err != nil {
			return nil, err
		}
	}

	merges := batch.PlanMerges(len(segBatches)).Calls()
	now := time.Now().UTC()
	run := &model.Run{
		ID:            uuid.NewString(),
		Stage:         model.StageInit,
		Config:        cfg,
		TotalProducts: len(ids),
		CallsTotal:    progress.TotalCalls(len(segBatches), merges, len(refBatches)),
		PlaceholderID: uuid.NewString(),
		OutOfScopeID:  uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	run.Counters.Segmentation.Total = len(segBatches)
	run.Counters.Consolidation.Total = merges
	run.Counters.Refinement.Total = len(refBatches)

	log := zap.L().With(zap.String("run_id", run.ID))

	if o.deps.Archive != nil && o.deps.Prompts != nil {
		ref, err := o.deps.Archive.SnapshotPrompts(ctx, run.ID, o.deps.Prompts.Snapshot())
		if err != nil {
			return nil, eris.Wrap(err, "segment: snapshot prompts")
		}
		log.Debug("segment: prompts archived", zap.String("ref", ref))
	}

	if err := o.deps.Store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "segment: create run")
	}
	reserved := []model.Taxonomy{
		{ID: run.PlaceholderID, RunID: run.ID, Name: model.UnassignedName, Definition: "Not yet assigned.", Stage: model.TaxonomyStageSystem, CreatedAt: now},
		{ID: run.OutOfScopeID, RunID: run.ID, Name: model.OutOfScopeName, Definition: "Outside the requested category.", Stage: model.TaxonomyStageSystem, CreatedAt: now},
	}
	if err := o.deps.Store.InsertTaxonomies(ctx, reserved); err != nil {
		return nil, o.failSubmit(ctx, run, eris.Wrap(err, "segment: insert reserved taxonomies"))
	}
	if err := o.deps.Store.BulkSeedAssignments(ctx, run.ID, run.PlaceholderID, ids); err != nil {
		return nil, o.failSubmit(ctx, run, eris.Wrap(err, "segment: seed assignments"))
	}

	if o.deps.Broker != nil {
		o.deps.Broker.Publish(progress.Event{
			RunID:      run.ID,
			CallsTotal: run.CallsTotal,
			Stage:      model.StageInit,
		})
	}

	log.Info("segment: run submitted",
		zap.Int("products", run.TotalProducts),
		zap.Int("segmentation_batches", len(segBatches)),
		zap.Int("merge_calls", merges),
		zap.Int("refinement_batches", len(refBatches)),
		zap.Int("calls_total", run.CallsTotal),
	)
	return run, nil
}

// failSubmit moves a run whose setup broke after CreateRun to failed so no
// row is left in init. cause is returned.
func (o *Orchestrator) failSubmit(ctx context.Context, run *model.Run, cause error) error {
	if err := run.Fail(string(model.StageInit), "", cause); err != nil {
		return cause
	}
	if err := o.deps.Store.UpdateRunStageAndCounters(context.WithoutCancel(ctx), run); err != nil {
		zap.L().Error("segment: persist submit failure", zap.String("run_id", run.ID), zap.Error(err))
	}
	return cause
}

// Execute drives a submitted run from init to a terminal stage and returns
// the final run. A failed run is returned together with the error that
// failed it.
func (o *Orchestrator) Execute(ctx context.Context, runID string) (*model.Run, error) {
	run, err := o.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "segment: load run")
	}
	if run.Stage != model.StageInit {
		return run, eris.Wrapf(resilience.ErrInvalidInput, "segment: run %s is %s, not init", runID, run.Stage)
	}

	e, err := o.register(run)
	if err != nil {
		return run, err
	}
	defer o.unregister(runID)

	return e.execute(ctx)
}

// Run submits and executes in one call.
func (o *Orchestrator) Run(ctx context.Context, ids []string, cfg model.RunConfig) (*model.Run, error) {
	run, err := o.Submit(ctx, ids, cfg)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, run.ID)
}

// Cancel stops scheduling new batches for an executing run. In-flight calls
// finish and commit; the run then ends failed with cancelled set. A run that
// was submitted but is not executing is failed directly.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) error {
	o.mu.Lock()
	e, ok := o.active[runID]
	o.mu.Unlock()
	if ok {
		e.cancel()
		return nil
	}

	run, err := o.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return eris.Wrap(err, "segment: load run")
	}
	if run.Stage.Terminal() {
		return eris.Wrapf(resilience.ErrInvalidInput, "segment: run %s is already %s", runID, run.Stage)
	}
	if err := run.Fail("", "", ErrCancelled); err != nil {
		return err
	}
	run.Cancelled = true
	if err := o.deps.Store.UpdateRunStageAndCounters(ctx, run); err != nil {
		return eris.Wrap(err, "segment: persist cancellation")
	}
	if o.deps.Broker != nil {
		o.deps.Broker.Publish(progress.Event{RunID: runID, CallsDone: run.CallsDone, CallsTotal: run.CallsTotal, Stage: model.StageFailed})
		o.deps.Broker.Close(runID)
	}
	zap.L().Info("segment: run cancelled before execution", zap.String("run_id", runID))
	return nil
}

// Active returns the ids of runs currently executing.
func (o *Orchestrator) Active() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) register(run *model.Run) (*execution, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[run.ID]; ok {
		return nil, eris.Wrapf(resilience.ErrInvalidInput, "segment: run %s is already executing", run.ID)
	}
	e := newExecution(o, run)
	o.active[run.ID] = e
	return e, nil
}

func (o *Orchestrator) unregister(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, runID)
}

func checkUnique(ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return eris.Wrap(resilience.ErrInvalidInput, "segment: empty product id")
		}
		if _, dup := seen[id]; dup {
			return eris.Wrapf(resilience.ErrInvalidInput, "segment: duplicate product id %s", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
