package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/prompts"
	"github.com/sells-group/segment-cli/internal/resilience"
)

func TestExtractTaxonomy_Success(t *testing.T) {
	h := newHarness(t, reply("```json\n"+validExtraction+"\n```"))
	ctx := context.Background()

	ext, out, err := h.client.ExtractTaxonomy(ctx, testCall("seg-0001"), testProducts(), "Footwear")
	require.NoError(t, err)

	assert.Len(t, ext.Taxonomies, 2)
	assert.Equal(t, map[string]string{
		"p1": "Performance Running",
		"p2": "Formal Footwear",
		"p3": model.OutOfScopeName,
	}, ext.Assignments)

	assert.False(t, out.CacheHit)
	assert.Equal(t, 1, out.Attempts)
	assert.NotEmpty(t, out.Fingerprint)
	assert.Equal(t, int64(1000), out.Usage.InputTokens)
	assert.Greater(t, out.CostUSD, 0.0)

	rows := h.index.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, out.ArchiveRef, rows[0].ArchiveRef)
	assert.Equal(t, model.PhaseSegmentation, rows[0].Phase)
	assert.Equal(t, "seg-0001", rows[0].BatchID)

	rec, err := h.archive.Retrieve(ctx, out.ArchiveRef)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAccepted, rec.Metadata.Outcome)
	assert.Equal(t, 1, rec.Metadata.Attempt)
	assert.Equal(t, out.Fingerprint, rec.Metadata.CacheKey)
	assert.Contains(t, rec.Prompt, "Trail running shoe")
}

func TestExtractTaxonomy_SecondIdenticalRequestIsCacheHit(t *testing.T) {
	h := newHarness(t, reply(validExtraction))
	ctx := context.Background()

	first, out1, err := h.client.ExtractTaxonomy(ctx, testCall("seg-0001"), testProducts(), "footwear")
	require.NoError(t, err)

	// Same ids in a different order and a differently spelled category.
	reordered := testProducts()
	reordered[0], reordered[2] = reordered[2], reordered[0]
	second, out2, err := h.client.ExtractTaxonomy(ctx, testCall("seg-0001"), reordered, " FOOTWEAR ")
	require.NoError(t, err)

	assert.Equal(t, 1, h.model.Calls())
	assert.Equal(t, first, second)
	assert.True(t, out2.CacheHit)
	assert.Zero(t, out2.Attempts)
	assert.Equal(t, out1.Fingerprint, out2.Fingerprint)
	assert.Equal(t, out1.ArchiveRef, out2.ArchiveRef)

	rows := h.index.Rows()
	require.Len(t, rows, 2)
	refs := map[string]struct{}{}
	for _, r := range rows {
		assert.Equal(t, out1.Fingerprint, r.CacheKey)
		refs[r.ArchiveRef] = struct{}{}
	}
	assert.Len(t, refs, 1, "one archived entry per fingerprint")
	assert.True(t, rows[1].CacheHit)

	archived, err := h.archive.List(ctx, "run-1", model.PhaseSegmentation)
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestExtractTaxonomy_DifferentTemperatureMisses(t *testing.T) {
	h := newHarness(t, reply(validExtraction))
	ctx := context.Background()

	_, _, err := h.client.ExtractTaxonomy(ctx, testCall("seg-0001"), testProducts(), "footwear")
	require.NoError(t, err)

	call := testCall("seg-0001")
	call.Model.Temperature = 0.7
	_, out, err := h.client.ExtractTaxonomy(ctx, call, testProducts(), "footwear")
	require.NoError(t, err)
	assert.False(t, out.CacheHit)
	assert.Equal(t, 2, h.model.Calls())
}

func TestExtractTaxonomy_TimeoutsThenSuccess(t *testing.T) {
	h := newHarness(t, hang(), hang(), reply(validExtraction))
	ctx := context.Background()

	_, out, err := h.client.ExtractTaxonomy(ctx, testCall("seg-0002"), testProducts(), "footwear")
	require.NoError(t, err)
	assert.Equal(t, 3, h.model.Calls())
	assert.Equal(t, 3, out.Attempts)

	rec, err := h.archive.Retrieve(ctx, out.ArchiveRef)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Metadata.Attempt)

	rows := h.index.Rows()
	require.Len(t, rows, 1, "timeouts produce no response to archive")
	assert.Equal(t, 3, rows[0].Attempt)
}

func TestExtractTaxonomy_MalformedEveryAttempt(t *testing.T) {
	h := newHarness(t, reply(`{"taxonomies": [`))
	ctx := context.Background()

	_, _, err := h.client.ExtractTaxonomy(ctx, testCall("seg-0003"), testProducts(), "footwear")
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrValidation))
	assert.Equal(t, "validation", resilience.Kind(err))
	assert.Contains(t, err.Error(), "seg-0003")
	assert.Contains(t, err.Error(), "segmentation")
	assert.Equal(t, 3, h.model.Calls())

	rows := h.index.Rows()
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, i+1, r.Attempt)
		rec, err := h.archive.Retrieve(ctx, r.ArchiveRef)
		require.NoError(t, err)
		assert.Equal(t, model.OutcomeInvalid, rec.Metadata.Outcome)
		assert.Equal(t, `{"taxonomies": [`, rec.Response)
	}

	_, hit, err := h.cache.Lookup(ctx, rows[0].CacheKey)
	require.NoError(t, err)
	assert.False(t, hit, "rejected responses are never cached")
}

func TestExtractTaxonomy_CorrectivePrompt(t *testing.T) {
	missing := `{"taxonomies":[{"name":"Running","definition":"Running shoes."}],"assignments":{"p1":"Running"}}`
	h := newHarness(t, reply(missing), reply(validExtraction))

	ext, out, err := h.client.ExtractTaxonomy(context.Background(), testCall("seg-0001"), testProducts(), "footwear")
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)
	assert.Len(t, ext.Assignments, 3)

	first := h.model.Prompt(0)
	second := h.model.Prompt(1)
	assert.NotContains(t, first.User, "could not be accepted")
	assert.Contains(t, second.User, "could not be accepted")
	assert.Contains(t, second.User, "products without assignment: p2, p3")
	assert.Contains(t, second.User, missing)
	assert.Equal(t, first.System, second.System)
	assert.Equal(t, int64(2000), out.Usage.InputTokens, "usage sums every attempt")
}

func TestExtractTaxonomy_CorrectionSurvivesTransientFailure(t *testing.T) {
	missing := `{"taxonomies":[{"name":"Running","definition":"Running shoes."}],"assignments":{"p1":"Running"}}`
	h := newHarness(t,
		reply(missing),
		fail(resilience.NewTransientError(errors.New("overloaded"), 529)),
		reply(validExtraction),
	)

	_, out, err := h.client.ExtractTaxonomy(context.Background(), testCall("seg-0001"), testProducts(), "footwear")
	require.NoError(t, err)
	assert.Equal(t, 3, out.Attempts)

	for i := 1; i <= 2; i++ {
		p := h.model.Prompt(i)
		assert.Contains(t, p.User, "could not be accepted", "attempt %d", i+1)
		assert.Contains(t, p.User, "products without assignment: p2, p3", "attempt %d", i+1)
		assert.NotContains(t, p.User, "overloaded", "attempt %d", i+1)
	}
}

func TestExtractTaxonomy_TransientExhaustion(t *testing.T) {
	h := newHarness(t, fail(resilience.NewTransientError(errors.New("overloaded"), 529)))

	_, _, err := h.client.ExtractTaxonomy(context.Background(), testCall("seg-0001"), testProducts(), "footwear")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, "transient_provider", resilience.Kind(err))
	assert.Equal(t, 3, h.model.Calls())
	assert.Empty(t, h.index.Rows())
}

func TestExtractTaxonomy_PermanentErrorNotRetried(t *testing.T) {
	h := newHarness(t, fail(errors.New("400 bad request")))

	_, _, err := h.client.ExtractTaxonomy(context.Background(), testCall("seg-0001"), testProducts(), "footwear")
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Equal(t, 1, h.model.Calls())
}

func TestExtractTaxonomy_MissingTemplate(t *testing.T) {
	h := newHarness(t, reply(validExtraction))
	h.client.deps.Prompts = prompts.NewRegistry()

	_, _, err := h.client.ExtractTaxonomy(context.Background(), testCall("seg-0001"), testProducts(), "footwear")
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrConfiguration))
	assert.Zero(t, h.model.Calls())
}

func TestExtractTaxonomy_CancelledContext(t *testing.T) {
	h := newHarness(t, hang())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := h.client.ExtractTaxonomy(ctx, testCall("seg-0001"), testProducts(), "footwear")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, h.model.Calls())
}

func TestConsolidateTaxonomies(t *testing.T) {
	left := []model.TaxonomyDef{{Name: "Running", Definition: "Running shoes."}}
	right := []model.TaxonomyDef{{Name: "Jogging", Definition: "Jogging shoes."}, {Name: "Boots", Definition: "Boots."}}
	h := newHarness(t, reply(`{"taxonomies":[
		{"name":"Running & Jogging","definition":"Shoes for running.","sources":["running","Jogging"]},
		{"name":"Boots","definition":"Boots.","sources":["Boots"]}]}`))

	merged, out, err := h.client.ConsolidateTaxonomies(context.Background(), testCall("merge-1-0001"), left, right)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, "Running & Jogging", merged[0].Name)
	assert.Equal(t, model.PhaseConsolidation, h.index.Rows()[0].Phase)
	assert.Equal(t, 1, out.Attempts)

	p := h.model.Prompt(0)
	assert.Contains(t, p.User, `"name": "Running"`)
	assert.Contains(t, p.User, `"name": "Boots"`)
}

func TestRefineAssignments_EmptyMapIsValid(t *testing.T) {
	h := newHarness(t, reply(`{"reassignments":{}}`))
	final := []model.TaxonomyDef{{Name: "Running", Definition: "Running shoes."}}
	items := []RefinementItem{
		{Product: model.Product{ID: "p1", Title: "Trail shoe"}, Current: "Trail"},
		{Product: model.Product{ID: "p2", Title: "Road shoe"}, Current: "Road"},
	}

	moved, _, err := h.client.RefineAssignments(context.Background(), testCall("ref-0001"), final, items)
	require.NoError(t, err)
	assert.Empty(t, moved)
	assert.Contains(t, h.model.Prompt(0).User, `"current":"Trail"`)
}

func TestRefineAssignments_ResolvesNames(t *testing.T) {
	h := newHarness(t, reply(`{"reassignments":{"p1":"RUNNING","p2":"Out_Of_Scope"}}`))
	final := []model.TaxonomyDef{{Name: "Running", Definition: "Running shoes."}}
	items := []RefinementItem{
		{Product: model.Product{ID: "p1"}, Current: "Trail"},
		{Product: model.Product{ID: "p2"}, Current: "Trail"},
	}

	moved, _, err := h.client.RefineAssignments(context.Background(), testCall("ref-0001"), final, items)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"p1": "Running", "p2": model.OutOfScopeName}, moved)
}
