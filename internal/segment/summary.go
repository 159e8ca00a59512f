package segment

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/model"
)

// complete builds the run summary from the committed assignments, moves the
// run to completed and publishes 100%.
func (e *execution) complete(ctx context.Context) (*model.Run, error) {
	assignments, err := e.o.deps.Store.ListAssignments(ctx, e.run.ID)
	if err != nil {
		return e.failed(ctx, string(model.PhaseRefinement), "", eris.Wrap(err, "segment: list assignments"))
	}

	e.mu.Lock()
	summary := e.summarize(assignments)
	done := *e.run
	e.mu.Unlock()

	if err := done.Transition(model.StageCompleted); err != nil {
		return e.failed(ctx, string(model.PhaseRefinement), "", err)
	}
	done.Summary = summary
	if err := e.o.deps.Store.FinalizeRun(ctx, &done); err != nil {
		return e.failed(ctx, string(model.PhaseRefinement), "", eris.Wrap(err, "segment: finalize run"))
	}

	e.mu.Lock()
	*e.run = done
	e.mu.Unlock()

	e.est.Finish()
	e.log.Info("segment: run completed",
		zap.Int("final_taxonomies", summary.FinalTaxonomies),
		zap.Int("out_of_scope", summary.OutOfScope),
		zap.Int("unresolved", summary.Unresolved),
		zap.Int("model_calls", summary.ModelCalls),
		zap.Int("cache_hits", summary.CacheHits),
		zap.Float64("estimated_cost_usd", summary.EstimatedCost),
		zap.Int64("duration_ms", summary.DurationMs),
	)
	return &done, nil
}

// summarize counts products per final taxonomy. A product's effective
// taxonomy is its refined one, or its initial one when refinement left it
// unset. Callers hold e.mu.
func (e *execution) summarize(assignments []model.Assignment) *model.RunSummary {
	counts := make(map[string]int, len(e.final))
	s := &model.RunSummary{
		FinalTaxonomies: len(e.final),
		ModelCalls:      e.tally.calls,
		CacheHits:       e.tally.cacheHits,
		InputTokens:     e.tally.usage.InputTokens,
		OutputTokens:    e.tally.usage.OutputTokens,
		EstimatedCost:   e.tally.costUSD,
		DurationMs:      time.Since(e.start).Milliseconds(),
	}

	for _, a := range assignments {
		tid := a.TaxonomyIDInitial
		if a.TaxonomyIDRefined != nil {
			tid = *a.TaxonomyIDRefined
		}
		if tid == e.run.OutOfScopeID {
			s.OutOfScope++
			continue
		}
		final, ok := e.resolve(tid)
		if !ok {
			s.Unresolved++
			continue
		}
		counts[final]++
	}

	s.SegmentCounts = make([]model.SegmentCount, len(e.final))
	for i, r := range e.final {
		s.SegmentCounts[i] = model.SegmentCount{TaxonomyID: r.ID, Name: r.Def.Name, Products: counts[r.ID]}
	}
	return s
}
