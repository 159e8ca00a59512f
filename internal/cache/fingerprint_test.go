package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/segment-cli/internal/model"
)

func extractionInput(ids []string, category string) Input {
	return Input{
		Phase:           model.PhaseSegmentation,
		Template:        "segmentation",
		TemplateVersion: "1",
		Model:           "claude-sonnet-4-5",
		Temperature:     0.2,
		Inputs:          NewExtractionInputs(ids, category),
	}
}

func mustFingerprint(t *testing.T, in Input) string {
	t.Helper()
	fp, err := Fingerprint(in)
	require.NoError(t, err)
	return fp
}

func TestFingerprint_StableAcrossIDOrder(t *testing.T) {
	a := mustFingerprint(t, extractionInput([]string{"p3", "p1", "p2"}, "Outdoor"))
	b := mustFingerprint(t, extractionInput([]string{"p1", "p2", "p3", "p1"}, " outdoor "))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprint_SensitiveToSemanticInputs(t *testing.T) {
	base := extractionInput([]string{"p1", "p2"}, "outdoor")
	fp := mustFingerprint(t, base)

	mutations := map[string]func(in *Input){
		"model":            func(in *Input) { in.Model = "claude-haiku-4-5" },
		"temperature":      func(in *Input) { in.Temperature = 0.3 },
		"template":         func(in *Input) { in.Template = "segmentation-v2" },
		"template version": func(in *Input) { in.TemplateVersion = "2" },
		"phase":            func(in *Input) { in.Phase = model.PhaseRefinement },
		"ids":              func(in *Input) { in.Inputs = NewExtractionInputs([]string{"p1"}, "outdoor") },
		"category":         func(in *Input) { in.Inputs = NewExtractionInputs([]string{"p1", "p2"}, "kitchen") },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			in := base
			mutate(&in)
			assert.NotEqual(t, fp, mustFingerprint(t, in))
		})
	}
}

func TestFingerprint_TemperatureFormatting(t *testing.T) {
	a := extractionInput([]string{"p1"}, "")
	b := a
	a.Temperature = 1
	b.Temperature = 1.0
	assert.Equal(t, mustFingerprint(t, a), mustFingerprint(t, b))
}

func TestNewConsolidationInputs_OrderWithinSideIgnored(t *testing.T) {
	left := []model.TaxonomyDef{{Name: "Tents", Definition: "shelters"}, {Name: "Boots", Definition: "footwear"}}
	leftShuffled := []model.TaxonomyDef{{Name: "boots", Definition: " footwear "}, {Name: "TENTS", Definition: "shelters"}}
	right := []model.TaxonomyDef{{Name: "Stoves", Definition: "cooking"}}

	in := func(l, r []model.TaxonomyDef) Input {
		return Input{Phase: model.PhaseConsolidation, Template: "consolidation", Model: "m", Inputs: NewConsolidationInputs(l, r)}
	}
	assert.Equal(t, mustFingerprint(t, in(left, right)), mustFingerprint(t, in(leftShuffled, right)))
	assert.NotEqual(t, mustFingerprint(t, in(left, right)), mustFingerprint(t, in(right, left)))
}

func TestNewRefinementInputs_Sorted(t *testing.T) {
	got := NewRefinementInputs(
		[]model.TaxonomyDef{{Name: "Tents"}, {Name: "Boots"}},
		map[string]string{"p2": "Tents", "p1": "BOOTS"},
	)
	assert.Equal(t, []CanonicalTaxonomy{{Name: "boots"}, {Name: "tents"}}, got.Final)
	assert.Equal(t, []ProductAssignment{{"p1", "boots"}, {"p2", "tents"}}, got.Products)
}

func TestFingerprint_UnencodableInputs(t *testing.T) {
	_, err := Fingerprint(Input{Inputs: make(chan int)})
	assert.Error(t, err)
}
