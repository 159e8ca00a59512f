package segment

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/batch"
	"github.com/sells-group/segment-cli/internal/llm"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/resilience"
)

// refinement checks every product against the final taxonomy set. Only the
// products the model moves get a new taxonomy; the rest keep their initial
// one as the refined assignment.
func (e *execution) refinement(ctx context.Context) error {
	batches, err := batch.PlanBatches(e.products, e.run.Config.RefinementBatchSize)
	if err != nil {
		return err
	}
	finalDefs := refDefs(e.final)
	finalByName := make(map[string]string, len(e.final))
	for _, r := range e.final {
		finalByName[model.NormalizeName(r.Def.Name)] = r.ID
	}

	return e.runBatches(ctx, len(batches), func(ctx context.Context, i int) error {
		b := batches[i]
		id := b.ID("ref")
		if err := e.refineBatch(ctx, id, b.Items, finalDefs, finalByName); err != nil {
			return &resilience.BatchError{Phase: string(model.PhaseRefinement), BatchID: id, Err: err}
		}
		return nil
	})
}

func (e *execution) refineBatch(ctx context.Context, batchID string, products []model.Product, final []model.TaxonomyDef, finalByName map[string]string) error {
	ids := make([]string, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}

	// Nothing to refine against: every product keeps its initial taxonomy.
	if len(final) == 0 {
		if err := e.o.deps.Store.ApplyRefinedAssignments(ctx, e.run.ID, ids, nil); err != nil {
			return eris.Wrap(err, "segment: apply refined assignments")
		}
		return e.completeCall(ctx, model.PhaseRefinement, 0, nil)
	}

	items := make([]llm.RefinementItem, len(products))
	e.mu.Lock()
	for i, p := range products {
		items[i] = llm.RefinementItem{Product: p, Current: e.currentName(p.ID)}
	}
	e.mu.Unlock()

	moves, outcome, err := e.o.deps.Model.RefineAssignments(ctx, e.call(batchID), final, items)
	if err != nil {
		return err
	}

	refined := make(map[string]string, len(moves))
	for pid, name := range moves {
		key := model.NormalizeName(name)
		if key == model.OutOfScopeName {
			refined[pid] = e.run.OutOfScopeID
			continue
		}
		tid, ok := finalByName[key]
		if !ok {
			return eris.Wrapf(resilience.ErrValidation, "segment: product %s refined to unknown taxonomy %q", pid, name)
		}
		refined[pid] = tid
	}

	if err := e.o.deps.Store.ApplyRefinedAssignments(ctx, e.run.ID, ids, refined); err != nil {
		return eris.Wrap(err, "segment: apply refined assignments")
	}
	if err := e.completeCall(ctx, model.PhaseRefinement, 0, outcome); err != nil {
		return err
	}
	e.log.Debug("segment: batch refined",
		zap.String("batch_id", batchID),
		zap.Int("products", len(products)),
		zap.Int("moved", len(refined)),
	)
	return nil
}

// currentName returns the name of the final taxonomy a product's initial
// assignment resolves to, or the initial taxonomy's own name. Callers hold
// e.mu.
func (e *execution) currentName(productID string) string {
	initial := e.current[productID]
	if initial == e.run.OutOfScopeID {
		return model.OutOfScopeName
	}
	if tid, ok := e.resolve(initial); ok {
		return e.names[tid]
	}
	return e.names[initial]
}

// resolve follows consolidation lineage from a taxonomy id to the final set.
// Callers hold e.mu.
func (e *execution) resolve(taxonomyID string) (string, bool) {
	id := taxonomyID
	for range len(e.lineage) + 1 {
		if _, ok := e.finalSet[id]; ok {
			return id, true
		}
		next, ok := e.lineage[id]
		if !ok {
			return "", false
		}
		id = next
	}
	return "", false
}
