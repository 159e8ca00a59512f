package segment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/batch"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/resilience"
)

// consolidation merges the leaf taxonomy batches level by level until one
// batch, the final taxonomy set, remains. The arena holds the taxonomy
// batches entering the current level; an odd leftover is moved to the end of
// the next level without a call.
func (e *execution) consolidation(ctx context.Context) error {
	plan := batch.PlanMerges(len(e.leaves))
	if plan.Depth() == 0 {
		if len(e.leaves) == 1 {
			e.setFinal(e.leaves[0])
		}
		e.log.Info("segment: consolidation skipped", zap.Int("leaf_batches", len(e.leaves)))
		return nil
	}

	arena := e.leaves
	for li, l := range plan.Levels {
		stage := model.ConsolidationStage(l.Number + 1)
		if li == plan.Depth()-1 {
			stage = model.TaxonomyStageFinal
		}

		width := len(l.Pairs)
		if l.Carry >= 0 {
			width++
		}
		next := make([][]taxRef, width)
		cur := arena

		err := e.runBatches(ctx, len(l.Pairs), func(ctx context.Context, j int) error {
			p := l.Pairs[j]
			id := fmt.Sprintf("con-%d-%04d", l.Number+1, j+1)
			out, err := e.mergePair(ctx, id, cur[p.Left], cur[p.Right], stage)
			if err != nil {
				return &resilience.BatchError{Phase: string(model.PhaseConsolidation), BatchID: id, Err: err}
			}
			next[p.Out] = out
			return nil
		})
		if err != nil {
			return err
		}
		if l.Carry >= 0 {
			next[l.CarryOut] = cur[l.Carry]
		}
		arena = next

		e.log.Debug("segment: consolidation level done",
			zap.Int("level", l.Number+1),
			zap.Int("merges", len(l.Pairs)),
			zap.Bool("carry", l.Carry >= 0),
		)
	}

	e.setFinal(arena[0])
	return nil
}

func (e *execution) setFinal(refs []taxRef) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.final = refs
	e.finalSet = make(map[string]struct{}, len(refs))
	for _, r := range refs {
		e.finalSet[r.ID] = struct{}{}
	}
}

// mergePair consolidates two taxonomy batches. When one side is empty the
// other passes through without a model call; the step still counts toward
// progress.
func (e *execution) mergePair(ctx context.Context, batchID string, left, right []taxRef, stage model.TaxonomyStage) ([]taxRef, error) {
	if len(left) == 0 || len(right) == 0 {
		out := append(append([]taxRef{}, left...), right...)
		if err := e.completeCall(ctx, model.PhaseConsolidation, 0, nil); err != nil {
			return nil, err
		}
		return out, nil
	}

	defs, outcome, err := e.o.deps.Model.ConsolidateTaxonomies(ctx, e.call(batchID), refDefs(left), refDefs(right))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rows := make([]model.Taxonomy, len(defs))
	out := make([]taxRef, len(defs))
	for i, d := range defs {
		id := uuid.NewString()
		rows[i] = model.Taxonomy{
			ID:         id,
			RunID:      e.run.ID,
			Name:       d.Name,
			Definition: d.Definition,
			Stage:      stage,
			CreatedAt:  now,
		}
		out[i] = taxRef{ID: id, Def: model.TaxonomyDef{Name: d.Name, Definition: d.Definition}}
	}
	if len(rows) > 0 {
		if err := e.o.deps.Store.InsertTaxonomies(ctx, rows); err != nil {
			return nil, eris.Wrap(err, "segment: insert consolidated taxonomies")
		}
	}

	links := lineage(append(append([]taxRef{}, left...), right...), defs, out)

	e.mu.Lock()
	for from, to := range links {
		e.lineage[from] = to
	}
	for _, r := range out {
		e.names[r.ID] = r.Def.Name
	}
	e.mu.Unlock()

	if err := e.completeCall(ctx, model.PhaseConsolidation, 0, outcome); err != nil {
		return nil, err
	}
	return out, nil
}

// lineage maps input taxonomy ids to the output taxonomy that absorbed them.
// An output's sources are matched by normalized name; an input no source
// names is linked to an output of the same name, if any.
func lineage(inputs []taxRef, defs []model.TaxonomyDef, outs []taxRef) map[string]string {
	byName := make(map[string][]string, len(inputs))
	for _, in := range inputs {
		key := model.NormalizeName(in.Def.Name)
		byName[key] = append(byName[key], in.ID)
	}

	links := make(map[string]string, len(inputs))
	link := func(name, to string) {
		for _, from := range byName[model.NormalizeName(name)] {
			if _, seen := links[from]; !seen {
				links[from] = to
			}
		}
	}
	for i, d := range defs {
		for _, src := range d.Sources {
			link(src, outs[i].ID)
		}
	}
	for i, d := range defs {
		link(d.Name, outs[i].ID)
	}
	return links
}

func refDefs(refs []taxRef) []model.TaxonomyDef {
	out := make([]model.TaxonomyDef, len(refs))
	for i, r := range refs {
		out[i] = r.Def
	}
	return out
}
