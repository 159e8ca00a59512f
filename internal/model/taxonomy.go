package model

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// TaxonomyStage tags where a taxonomy row came from.
type TaxonomyStage string

const (
	TaxonomyStageExtraction TaxonomyStage = "extraction"
	TaxonomyStageFinal      TaxonomyStage = "final"
	TaxonomyStageSystem     TaxonomyStage = "system"
)

// ConsolidationStage returns the tag for taxonomies produced at merge level n (1-based).
func ConsolidationStage(level int) TaxonomyStage {
	return TaxonomyStage(fmt.Sprintf("consolidation-level-%d", level))
}

// Reserved taxonomy names created at run start.
const (
	UnassignedName = "unassigned"
	OutOfScopeName = "out_of_scope"
)

// Taxonomy is a named market-segment definition. Rows are immutable once inserted.
type Taxonomy struct {
	ID         string        `json:"id"`
	RunID      string        `json:"run_id"`
	Name       string        `json:"name"`
	Definition string        `json:"definition"`
	Stage      TaxonomyStage `json:"stage"`
	CreatedAt  time.Time     `json:"created_at"`
}

// TaxonomyDef is a taxonomy as exchanged with the model, before it has an id.
type TaxonomyDef struct {
	Name       string   `json:"name"`
	Definition string   `json:"definition"`
	Sources    []string `json:"sources,omitempty"`
}

// Defs strips ids from a slice of taxonomies.
func Defs(taxonomies []Taxonomy) []TaxonomyDef {
	out := make([]TaxonomyDef, len(taxonomies))
	for i, t := range taxonomies {
		out[i] = TaxonomyDef{Name: t.Name, Definition: t.Definition}
	}
	return out
}

// NormalizeName returns the comparison key for a taxonomy name: NFC, case
// folded, with runs of whitespace collapsed. Two names with the same key
// denote the same segment.
func NormalizeName(name string) string {
	folded := cases.Fold().String(norm.NFC.String(strings.TrimSpace(name)))
	return strings.Join(strings.Fields(folded), " ")
}
