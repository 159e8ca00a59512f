package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/resilience"
)

func TestParseExtraction_Rejects(t *testing.T) {
	ids := []string{"p1", "p2"}
	tests := []struct {
		name string
		text string
		want string
	}{
		{"not json", `segments: running`, "not valid JSON"},
		{"missing assignments", `{"taxonomies":[]}`, "assignments"},
		{"empty name", `{"taxonomies":[{"name":"","definition":"x"}],"assignments":{}}`, "name"},
		{"reserved name", `{"taxonomies":[{"name":"Unassigned","definition":"x"}],"assignments":{"p1":"Unassigned","p2":"Unassigned"}}`, "reserved"},
		{"duplicate name", `{"taxonomies":[{"name":"Run","definition":"x"},{"name":" run ","definition":"y"}],"assignments":{"p1":"Run","p2":"Run"}}`, "duplicate"},
		{"unknown product", `{"taxonomies":[{"name":"Run","definition":"x"}],"assignments":{"p1":"Run","p2":"Run","p9":"Run"}}`, "unknown product"},
		{"undeclared taxonomy", `{"taxonomies":[{"name":"Run","definition":"x"}],"assignments":{"p1":"Run","p2":"Walk"}}`, "undeclared taxonomy"},
		{"incomplete coverage", `{"taxonomies":[{"name":"Run","definition":"x"}],"assignments":{"p1":"Run"}}`, "without assignment: p2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseExtraction(tt.text, ids)
			require.Error(t, err)
			assert.True(t, errors.Is(err, resilience.ErrValidation))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseExtraction_AllOutOfScope(t *testing.T) {
	ext, err := parseExtraction(`{"taxonomies":[],"assignments":{"p1":"OUT_OF_SCOPE"}}`, []string{"p1"})
	require.NoError(t, err)
	assert.Empty(t, ext.Taxonomies)
	assert.Equal(t, model.OutOfScopeName, ext.Assignments["p1"])
}

func TestParseConsolidation(t *testing.T) {
	inputs := map[string]struct{}{"running": {}, "jogging": {}}

	merged, err := parseConsolidation(`{"taxonomies":[{"name":" Running ","definition":" Runs. ","sources":["Running","JOGGING"]}]}`, inputs)
	require.NoError(t, err)
	assert.Equal(t, []model.TaxonomyDef{{Name: "Running", Definition: "Runs.", Sources: []string{"Running", "JOGGING"}}}, merged)

	_, err = parseConsolidation(`{"taxonomies":[]}`, inputs)
	assert.True(t, errors.Is(err, resilience.ErrValidation), "an empty merge loses every segment")

	_, err = parseConsolidation(`{"taxonomies":[{"name":"Running","definition":"x","sources":["Cycling"]}]}`, inputs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown source")

	_, err = parseConsolidation(`{"taxonomies":[{"name":"out_of_scope","definition":"x"}]}`, inputs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved")
}

func TestParseRefinement(t *testing.T) {
	final := []model.TaxonomyDef{{Name: "Running", Definition: "x"}, {Name: "Formal", Definition: "y"}}
	current := map[string]string{"p1": "Trail", "p2": "Office"}

	moved, err := parseRefinement(`{"reassignments":{"p2":"formal"}}`, final, current)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"p2": "Formal"}, moved)

	_, err = parseRefinement(`{"reassignments":{"p7":"Formal"}}`, final, current)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown product")

	_, err = parseRefinement(`{"reassignments":{"p1":"Cycling"}}`, final, current)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown taxonomy")

	_, err = parseRefinement(`{"changes":{}}`, final, current)
	assert.True(t, errors.Is(err, resilience.ErrValidation))
}

func TestCleanJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"preamble", "Here is the result:\n{\"a\":{\"b\":2}}\nThanks!", `{"a":{"b":2}}`},
		{"no object", "  nothing  ", "nothing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanJSON(tt.input))
		})
	}
}
