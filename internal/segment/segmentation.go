package segment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/batch"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/resilience"
)

// segmentation extracts a batch-local taxonomy for every product batch and
// records each product's initial assignment.
func (e *execution) segmentation(ctx context.Context) error {
	batches, err := batch.PlanBatches(e.products, e.run.Config.ExtractionBatchSize)
	if err != nil {
		return err
	}
	e.leaves = make([][]taxRef, len(batches))

	return e.runBatches(ctx, len(batches), func(ctx context.Context, i int) error {
		b := batches[i]
		id := b.ID("seg")
		refs, err := e.segmentBatch(ctx, id, b.Items)
		if err != nil {
			return &resilience.BatchError{Phase: string(model.PhaseSegmentation), BatchID: id, Err: err}
		}
		e.leaves[i] = refs
		return nil
	})
}

func (e *execution) segmentBatch(ctx context.Context, batchID string, products []model.Product) ([]taxRef, error) {
	ext, outcome, err := e.o.deps.Model.ExtractTaxonomy(ctx, e.call(batchID), products, e.run.Config.Category)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rows := make([]model.Taxonomy, len(ext.Taxonomies))
	refs := make([]taxRef, len(ext.Taxonomies))
	byName := make(map[string]string, len(ext.Taxonomies))
	for i, d := range ext.Taxonomies {
		id := uuid.NewString()
		rows[i] = model.Taxonomy{
			ID:         id,
			RunID:      e.run.ID,
			Name:       d.Name,
			Definition: d.Definition,
			Stage:      model.TaxonomyStageExtraction,
			CreatedAt:  now,
		}
		refs[i] = taxRef{ID: id, Def: model.TaxonomyDef{Name: d.Name, Definition: d.Definition}}
		byName[model.NormalizeName(d.Name)] = id
	}

	initial := make(map[string]string, len(products))
	for _, p := range products {
		name, ok := ext.Assignments[p.ID]
		if !ok {
			return nil, eris.Wrapf(resilience.ErrValidation, "segment: product %s has no assignment", p.ID)
		}
		key := model.NormalizeName(name)
		if key == model.OutOfScopeName {
			initial[p.ID] = e.run.OutOfScopeID
			continue
		}
		tid, ok := byName[key]
		if !ok {
			return nil, eris.Wrapf(resilience.ErrValidation, "segment: product %s assigned to unknown taxonomy %q", p.ID, name)
		}
		initial[p.ID] = tid
	}

	if len(rows) > 0 {
		if err := e.o.deps.Store.InsertTaxonomies(ctx, rows); err != nil {
			return nil, eris.Wrap(err, "segment: insert extraction taxonomies")
		}
	}
	if err := e.o.deps.Store.ApplyInitialAssignments(ctx, e.run.ID, initial); err != nil {
		return nil, eris.Wrap(err, "segment: apply initial assignments")
	}

	e.mu.Lock()
	for pid, tid := range initial {
		e.current[pid] = tid
	}
	for _, r := range refs {
		e.names[r.ID] = r.Def.Name
	}
	e.mu.Unlock()

	if err := e.completeCall(ctx, model.PhaseSegmentation, len(products), outcome); err != nil {
		return nil, err
	}
	e.log.Debug("segment: batch extracted",
		zap.String("batch_id", batchID),
		zap.Int("products", len(products)),
		zap.Int("taxonomies", len(refs)),
		zap.Bool("cache_hit", outcome != nil && outcome.CacheHit),
	)
	return refs, nil
}
