// Package cache implements the content-addressed model response cache. Keys
// are fingerprints of a call's semantic inputs, so entries are shared by every
// run that issues an identical request.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/segment-cli/internal/model"
)

// FingerprintVersion is bumped whenever the canonical encoding changes.
const FingerprintVersion = 1

// Input carries everything that determines a model call's result.
type Input struct {
	Phase           model.Phase
	Template        string
	TemplateVersion string
	Model           string
	Temperature     float64
	Inputs          any // one of ExtractionInputs, ConsolidationInputs, RefinementInputs
}

// canonical fixes field order; encoding/json emits struct fields in
// declaration order.
type canonical struct {
	V               int    `json:"v"`
	Phase           string `json:"phase"`
	Template        string `json:"template"`
	TemplateVersion string `json:"template_version"`
	Model           string `json:"model"`
	Temperature     string `json:"temperature"`
	Inputs          any    `json:"inputs"`
}

// Fingerprint returns the lowercase hex SHA-256 of the canonical encoding of in.
func Fingerprint(in Input) (string, error) {
	c := canonical{
		V:               FingerprintVersion,
		Phase:           string(in.Phase),
		Template:        in.Template,
		TemplateVersion: in.TemplateVersion,
		Model:           strings.TrimSpace(in.Model),
		Temperature:     strconv.FormatFloat(in.Temperature, 'f', -1, 64),
		Inputs:          in.Inputs,
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", eris.Wrap(err, "cache: encode fingerprint input")
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// ExtractionInputs is the normalized input of an extraction call.
type ExtractionInputs struct {
	ProductIDs []string `json:"product_ids"`
	Category   string   `json:"category"`
}

// NewExtractionInputs sorts and de-duplicates ids and lower-cases category.
func NewExtractionInputs(ids []string, category string) ExtractionInputs {
	return ExtractionInputs{
		ProductIDs: sortedUnique(ids),
		Category:   strings.ToLower(strings.TrimSpace(category)),
	}
}

// CanonicalTaxonomy is a taxonomy as it enters a fingerprint.
type CanonicalTaxonomy struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// ConsolidationInputs is the normalized input of a merge call. Left and
// Right are not swapped: merging (a, b) and (b, a) are different requests.
type ConsolidationInputs struct {
	Left  []CanonicalTaxonomy `json:"left"`
	Right []CanonicalTaxonomy `json:"right"`
}

// NewConsolidationInputs sorts each side by normalized name.
func NewConsolidationInputs(left, right []model.TaxonomyDef) ConsolidationInputs {
	return ConsolidationInputs{Left: canonicalSet(left), Right: canonicalSet(right)}
}

// ProductAssignment pairs a product with the name of its current taxonomy.
type ProductAssignment struct {
	ProductID string `json:"product_id"`
	Taxonomy  string `json:"taxonomy"`
}

// RefinementInputs is the normalized input of a refinement call.
type RefinementInputs struct {
	Final    []CanonicalTaxonomy `json:"final"`
	Products []ProductAssignment `json:"products"`
}

// NewRefinementInputs sorts the final set by normalized name and the
// products by id. current maps product id to its current taxonomy name.
func NewRefinementInputs(final []model.TaxonomyDef, current map[string]string) RefinementInputs {
	products := make([]ProductAssignment, 0, len(current))
	for id, name := range current {
		products = append(products, ProductAssignment{ProductID: id, Taxonomy: model.NormalizeName(name)})
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ProductID < products[j].ProductID })
	return RefinementInputs{Final: canonicalSet(final), Products: products}
}

func canonicalSet(defs []model.TaxonomyDef) []CanonicalTaxonomy {
	out := make([]CanonicalTaxonomy, len(defs))
	for i, d := range defs {
		out[i] = CanonicalTaxonomy{
			Name:       model.NormalizeName(d.Name),
			Definition: strings.TrimSpace(d.Definition),
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Definition < out[j].Definition
	})
	return out
}

func sortedUnique(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
