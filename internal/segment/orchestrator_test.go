package segment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/progress"
	"github.com/sells-group/segment-cli/internal/prompts"
	"github.com/sells-group/segment-cli/internal/resilience"
	"github.com/sells-group/segment-cli/internal/store"
)

func TestRun_ThreeSegmentationBatches(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	run, err := h.orch.Run(ctx, h.ids, testConfig(40, 50, 2))
	require.NoError(t, err)

	assert.Equal(t, model.StageCompleted, run.Stage)
	assert.Equal(t, map[string]int{"seg-0001": 40, "seg-0002": 40, "seg-0003": 20}, h.model.extractSizes)
	assert.Equal(t, model.PhaseCounter{Done: 3, Total: 3}, run.Counters.Segmentation)
	assert.Equal(t, model.PhaseCounter{Done: 2, Total: 2}, run.Counters.Consolidation)
	assert.Equal(t, model.PhaseCounter{Done: 2, Total: 2}, run.Counters.Refinement)
	assert.Equal(t, 7, run.CallsTotal)
	assert.Equal(t, 7, run.CallsDone)
	assert.Equal(t, 100, run.ProcessedProducts)

	require.NotNil(t, run.Summary)
	assert.Equal(t, 3, run.Summary.FinalTaxonomies)
	assert.Equal(t, map[string]int{"Segment p001": 40, "Segment p041": 40, "Segment p081": 20}, countsByName(run.Summary))
	assert.Equal(t, "Segment p001", run.Summary.SegmentCounts[0].Name)
	assert.Zero(t, run.Summary.OutOfScope)
	assert.Zero(t, run.Summary.Unresolved)
	assert.Equal(t, 7, run.Summary.ModelCalls)
	assert.Equal(t, int64(700), run.Summary.InputTokens)
	assert.InDelta(t, 0.007, run.Summary.EstimatedCost, 1e-9)

	stored, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageCompleted, stored.Stage)
	require.NotNil(t, stored.Summary)
	assert.Equal(t, run.Summary.SegmentCounts, stored.Summary.SegmentCounts)
}

func TestRun_TaxonomyStages(t *testing.T) {
	h := newHarness(t, 6)
	ctx := context.Background()

	run, err := h.orch.Run(ctx, h.ids, testConfig(2, 6, 1))
	require.NoError(t, err)

	taxonomies, err := h.store.ListTaxonomies(ctx, run.ID)
	require.NoError(t, err)
	stages := make(map[model.TaxonomyStage]int)
	for _, tx := range taxonomies {
		stages[tx.Stage]++
	}
	assert.Equal(t, map[model.TaxonomyStage]int{
		model.TaxonomyStageSystem:     2,
		model.TaxonomyStageExtraction: 3,
		model.ConsolidationStage(1):   2,
		model.TaxonomyStageFinal:      3,
	}, stages)
}

func TestRun_FiveLeafBatchesMergeFourTimes(t *testing.T) {
	h := newHarness(t, 5)

	run, err := h.orch.Run(context.Background(), h.ids, testConfig(1, 5, 1))
	require.NoError(t, err)

	assert.Equal(t, model.PhaseCounter{Done: 4, Total: 4}, run.Counters.Consolidation)
	assert.Equal(t, 10, run.CallsTotal)
	require.Len(t, h.model.consolidations, 4)

	// Levels: (1,2) (3,4) | (12,34) with 5 carried | (1234, 5).
	last := h.model.consolidations[3]
	assert.Len(t, last[0], 4)
	require.Len(t, last[1], 1)
	assert.Equal(t, "Segment p005", last[1][0].Name)

	var con []string
	for _, c := range h.model.Calls() {
		if strings.HasPrefix(c, "con-") {
			con = append(con, c)
		}
	}
	assert.Equal(t, []string{"con-1-0001", "con-1-0002", "con-2-0001", "con-3-0001"}, con)

	assert.Equal(t, 5, run.Summary.FinalTaxonomies)
	for _, c := range run.Summary.SegmentCounts {
		assert.Equal(t, 1, c.Products, c.Name)
	}
}

func TestRun_SingleBatchSkipsConsolidation(t *testing.T) {
	h := newHarness(t, 3)

	run, err := h.orch.Run(context.Background(), h.ids, testConfig(10, 10, 1))
	require.NoError(t, err)

	assert.Equal(t, model.PhaseCounter{}, run.Counters.Consolidation)
	assert.Empty(t, h.model.consolidations)
	assert.Equal(t, 2, run.CallsTotal)
	assert.Equal(t, map[string]int{"Segment p001": 3}, countsByName(run.Summary))
}

func TestRun_EmptyRefinementKeepsInitial(t *testing.T) {
	h := newHarness(t, 10)

	run, err := h.orch.Run(context.Background(), h.ids, testConfig(5, 10, 1))
	require.NoError(t, err)

	rows := h.assignments(t, run.ID)
	require.Len(t, rows, 10)
	for id, a := range rows {
		require.NotNil(t, a.TaxonomyIDRefined, id)
		assert.Equal(t, a.TaxonomyIDInitial, *a.TaxonomyIDRefined, id)
		assert.NotEqual(t, run.PlaceholderID, a.TaxonomyIDInitial, id)
	}
}

func TestRun_RefinementMovesProducts(t *testing.T) {
	h := newHarness(t, 4)
	h.model.moves["p002"] = "segment P003"

	run, err := h.orch.Run(context.Background(), h.ids, testConfig(2, 4, 1))
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"Segment p001": 1, "Segment p003": 3}, countsByName(run.Summary))

	var target string
	for _, c := range run.Summary.SegmentCounts {
		if c.Name == "Segment p003" {
			target = c.TaxonomyID
		}
	}
	rows := h.assignments(t, run.ID)
	require.NotNil(t, rows["p002"].TaxonomyIDRefined)
	assert.Equal(t, target, *rows["p002"].TaxonomyIDRefined)
	assert.Equal(t, rows["p001"].TaxonomyIDInitial, *rows["p001"].TaxonomyIDRefined)

	// Refinement sees the final taxonomy name for each product.
	require.Len(t, h.model.refinements, 1)
	for _, it := range h.model.refinements[0] {
		if it.Product.ID == "p004" {
			assert.Equal(t, "Segment p003", it.Current)
		}
	}
}

func TestRun_OutOfScope(t *testing.T) {
	h := newHarness(t, 4)
	h.model.outOfScope["p002"] = true
	h.model.outOfScope["p004"] = true

	run, err := h.orch.Run(context.Background(), h.ids, testConfig(2, 2, 2))
	require.NoError(t, err)

	assert.Equal(t, 2, run.Summary.OutOfScope)
	assert.Equal(t, map[string]int{"Segment p001": 1, "Segment p003": 1}, countsByName(run.Summary))
	rows := h.assignments(t, run.ID)
	assert.Equal(t, run.OutOfScopeID, rows["p002"].TaxonomyIDInitial)
}

func TestRun_CacheHitsCountTowardProgress(t *testing.T) {
	h := newHarness(t, 4)
	h.model.cacheHits = true

	run, err := h.orch.Run(context.Background(), h.ids, testConfig(2, 4, 1))
	require.NoError(t, err)

	assert.Equal(t, 4, run.Summary.CacheHits)
	assert.Zero(t, run.Summary.ModelCalls)
	last, ok := h.broker.Last(run.ID)
	require.True(t, ok)
	assert.Equal(t, 100.0, last.Percent)
	assert.Equal(t, 4, last.CacheHits)
}

func TestRun_ProgressMonotonicAndCompletes(t *testing.T) {
	h := newHarness(t, 60)

	run, err := h.orch.Run(context.Background(), h.ids, testConfig(5, 7, 4))
	require.NoError(t, err)

	events := h.broker.Events(run.ID)
	require.NotEmpty(t, events)
	prev := -1.0
	for _, ev := range events {
		assert.GreaterOrEqual(t, ev.Percent, prev)
		if ev.Stage != model.StageCompleted {
			assert.Less(t, ev.Percent, 100.0)
		}
		prev = ev.Percent
	}
	last := events[len(events)-1]
	assert.Equal(t, 100.0, last.Percent)
	assert.Equal(t, model.StageCompleted, last.Stage)
	assert.Equal(t, run.CallsTotal, last.CallsDone)
}

func TestRun_BatchFailureFailsRun(t *testing.T) {
	h := newHarness(t, 6)
	h.model.failOn["seg-0002"] = eris.Wrap(resilience.ErrValidation, "llm: response invalid after 3 attempts")
	ctx := context.Background()

	run, err := h.orch.Run(ctx, h.ids, testConfig(2, 6, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrValidation))
	assert.Contains(t, err.Error(), "seg-0002")

	require.NotNil(t, run)
	assert.Equal(t, model.StageFailed, run.Stage)
	assert.Equal(t, "segmentation", run.FailedPhase)
	assert.Equal(t, "seg-0002", run.FailedBatch)
	assert.False(t, run.Cancelled)
	assert.False(t, h.model.called("seg-0003"))

	stored, err := h.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, stored.Stage)
	assert.Equal(t, "seg-0002", stored.FailedBatch)
	assert.Contains(t, stored.LastError, "invalid after 3 attempts")
	assert.Equal(t, 1, stored.Counters.Segmentation.Done)
	assert.Nil(t, stored.Summary)

	rows := h.assignments(t, run.ID)
	for _, id := range []string{"p001", "p002"} {
		assert.NotEqual(t, run.PlaceholderID, rows[id].TaxonomyIDInitial, id)
	}
	for _, id := range []string{"p003", "p004", "p005", "p006"} {
		assert.Equal(t, run.PlaceholderID, rows[id].TaxonomyIDInitial, id)
		assert.Nil(t, rows[id].TaxonomyIDRefined, id)
	}

	last, ok := h.broker.Last(run.ID)
	require.True(t, ok)
	assert.Equal(t, model.StageFailed, last.Stage)
	assert.Less(t, last.Percent, 100.0)
}

func TestRun_RefinementFailureNamesBatch(t *testing.T) {
	h := newHarness(t, 4)
	h.model.failOn["ref-0002"] = eris.Wrap(resilience.ErrValidation, "llm: malformed json")

	run, err := h.orch.Run(context.Background(), h.ids, testConfig(4, 2, 1))
	require.Error(t, err)
	assert.Equal(t, "refinement", run.FailedPhase)
	assert.Equal(t, "ref-0002", run.FailedBatch)

	rows := h.assignments(t, run.ID)
	require.NotNil(t, rows["p001"].TaxonomyIDRefined)
	assert.Nil(t, rows["p003"].TaxonomyIDRefined)
}

func TestCancel_ExecutingRun(t *testing.T) {
	h := newHarness(t, 6)
	release := make(chan struct{})
	h.model.block["seg-0001"] = release
	ctx := context.Background()

	sub, err := h.orch.Submit(ctx, h.ids, testConfig(2, 6, 1))
	require.NoError(t, err)

	type result struct {
		run *model.Run
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := h.orch.Execute(ctx, sub.ID)
		done <- result{run, err}
	}()

	select {
	case <-h.model.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("batch never started")
	}
	assert.Equal(t, []string{sub.ID}, h.orch.Active())
	require.NoError(t, h.orch.Cancel(ctx, sub.ID))
	close(release)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	require.Error(t, res.err)
	assert.True(t, errors.Is(res.err, ErrCancelled))
	assert.Equal(t, model.StageFailed, res.run.Stage)
	assert.True(t, res.run.Cancelled)
	assert.False(t, h.model.called("seg-0002"))
	assert.Empty(t, h.orch.Active())

	stored, err := h.store.GetRun(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, stored.Cancelled)
	assert.Equal(t, 1, stored.Counters.Segmentation.Done, "in-flight batch commits")
	rows := h.assignments(t, sub.ID)
	assert.NotEqual(t, sub.PlaceholderID, rows["p001"].TaxonomyIDInitial)
}

func TestCancel_SubmittedRun(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	sub, err := h.orch.Submit(ctx, h.ids, testConfig(2, 2, 1))
	require.NoError(t, err)
	require.NoError(t, h.orch.Cancel(ctx, sub.ID))

	stored, err := h.store.GetRun(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StageFailed, stored.Stage)
	assert.True(t, stored.Cancelled)

	_, err = h.orch.Execute(ctx, sub.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrInvalidInput))

	err = h.orch.Cancel(ctx, sub.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already failed")
	assert.Empty(t, h.model.Calls())
}

func TestSubmit_SeedsRun(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	run, err := h.orch.Submit(ctx, h.ids, testConfig(2, 5, 1))
	require.NoError(t, err)
	assert.Equal(t, model.StageInit, run.Stage)
	assert.Equal(t, progress.TotalCalls(3, 2, 1), run.CallsTotal)

	rows, err := h.store.ListAssignments(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i, a := range rows {
		assert.Equal(t, h.ids[i], a.ProductID)
		assert.Equal(t, run.PlaceholderID, a.TaxonomyIDInitial)
		assert.Nil(t, a.TaxonomyIDRefined)
	}

	refs, err := h.archive.List(ctx, run.ID, "prompts")
	require.NoError(t, err)
	assert.Len(t, refs, 1)
	assert.Empty(t, h.model.Calls())
}

// seedFailingStore fails assignment seeding after the run row exists.
type seedFailingStore struct {
	*store.SQLiteStore
}

func (seedFailingStore) BulkSeedAssignments(context.Context, string, string, []string) error {
	return errors.New("disk full")
}

func TestSubmit_SeedFailureFailsRun(t *testing.T) {
	h := newHarness(t, 4)
	h.orch.deps.Store = seedFailingStore{h.store}
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, h.ids, testConfig(2, 4, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	runs, err := h.store.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.StageFailed, runs[0].Stage)
	assert.Equal(t, string(model.StageInit), runs[0].FailedPhase)
	assert.Contains(t, runs[0].LastError, "disk full")
	assert.False(t, runs[0].Cancelled)
}

func TestSubmit_RejectsBadInput(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()

	tests := []struct {
		name string
		ids  []string
		cfg  model.RunConfig
		want string
	}{
		{"empty ids", nil, testConfig(2, 2, 1), "empty id list"},
		{"duplicate id", []string{"p001", "p002", "p001"}, testConfig(2, 2, 1), "duplicate product id p001"},
		{"blank id", []string{"p001", ""}, testConfig(2, 2, 1), "empty product id"},
		{"unknown product", []string{"p001", "p999"}, testConfig(2, 2, 1), "p999"},
		{"zero batch size", h.ids, testConfig(0, 2, 1), "ExtractionBatchSize"},
		{"zero concurrency", h.ids, testConfig(2, 2, 0), "Concurrency"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orch.Submit(ctx, tt.ids, tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, resilience.ErrInvalidInput), err.Error())
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	runs, err := h.store.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSubmit_MissingTemplate(t *testing.T) {
	h := newHarness(t, 2)
	h.orch.deps.Prompts = prompts.NewRegistry(prompts.Template{Name: prompts.Segmentation, Version: "1"})

	_, err := h.orch.Submit(context.Background(), h.ids, testConfig(1, 2, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrConfiguration))
}

func TestExecute_MissingPhaseTemplateFailsBeforeBatches(t *testing.T) {
	h := newHarness(t, 4)
	ctx := context.Background()

	sub, err := h.orch.Submit(ctx, h.ids, testConfig(2, 4, 1))
	require.NoError(t, err)

	h.orch.deps.Prompts = prompts.NewRegistry(
		prompts.Template{Name: prompts.Segmentation, Version: "1"},
		prompts.Template{Name: prompts.Correction, Version: "1"},
	)
	run, err := h.orch.Execute(ctx, sub.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrConfiguration))
	assert.Equal(t, "consolidation", run.FailedPhase)
	assert.Empty(t, h.model.consolidations)
	assert.Equal(t, 2, run.Counters.Segmentation.Done)
}

func TestExecute_RejectsNonInitRun(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	run, err := h.orch.Run(ctx, h.ids, testConfig(2, 2, 1))
	require.NoError(t, err)

	_, err = h.orch.Execute(ctx, run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is completed, not init")
}
