package llm

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/sells-group/segment-cli/internal/cache"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/prompts"
)

// Extraction is the validated result of one extraction batch.
type Extraction struct {
	Taxonomies []model.TaxonomyDef
	// Assignments maps every product id of the batch to the declared name of
	// one of Taxonomies, or to model.OutOfScopeName.
	Assignments map[string]string
}

type extractionResponse struct {
	Taxonomies  []model.TaxonomyDef `json:"taxonomies"`
	Assignments map[string]string   `json:"assignments"`
}

// ExtractTaxonomy proposes taxonomies for a product batch and assigns every
// product to one of them.
func (c *Client) ExtractTaxonomy(ctx context.Context, call Call, products []model.Product, category string) (*Extraction, *Outcome, error) {
	ids := make([]string, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}

	return execute(ctx, c, call, request[*Extraction]{
		phase:    model.PhaseSegmentation,
		template: prompts.Segmentation,
		inputs:   cache.NewExtractionInputs(ids, category),
		data: map[string]string{
			"Category": category,
			"Products": productLines(products, nil),
		},
		parse: func(text string) (*Extraction, error) {
			return parseExtraction(text, ids)
		},
	})
}

func parseExtraction(text string, ids []string) (*Extraction, error) {
	if err := validateShape(extractionSchema, text); err != nil {
		return nil, err
	}
	var resp extractionResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, invalid("decode extraction: %v", err)
	}

	names, err := newNameSet(resp.Taxonomies)
	if err != nil {
		return nil, err
	}

	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	out := &Extraction{
		Taxonomies:  trimDefs(resp.Taxonomies),
		Assignments: make(map[string]string, len(ids)),
	}
	for id, name := range resp.Assignments {
		if _, ok := known[id]; !ok {
			return nil, invalid("assignment for unknown product %q", id)
		}
		declared, ok := names.resolve(name)
		if !ok {
			return nil, invalid("product %q assigned to undeclared taxonomy %q", id, name)
		}
		out.Assignments[id] = declared
	}

	var missing []string
	for _, id := range ids {
		if _, ok := out.Assignments[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, invalid("products without assignment: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

type consolidationResponse struct {
	Taxonomies []model.TaxonomyDef `json:"taxonomies"`
}

// ConsolidateTaxonomies merges two taxonomy batches into one.
func (c *Client) ConsolidateTaxonomies(ctx context.Context, call Call, left, right []model.TaxonomyDef) ([]model.TaxonomyDef, *Outcome, error) {
	inputs := make(map[string]struct{}, len(left)+len(right))
	for _, d := range append(append([]model.TaxonomyDef{}, left...), right...) {
		inputs[model.NormalizeName(d.Name)] = struct{}{}
	}

	return execute(ctx, c, call, request[[]model.TaxonomyDef]{
		phase:    model.PhaseConsolidation,
		template: prompts.Consolidation,
		inputs:   cache.NewConsolidationInputs(left, right),
		data: map[string]string{
			"Left":  taxonomyLines(left),
			"Right": taxonomyLines(right),
		},
		parse: func(text string) ([]model.TaxonomyDef, error) {
			return parseConsolidation(text, inputs)
		},
	})
}

func parseConsolidation(text string, inputs map[string]struct{}) ([]model.TaxonomyDef, error) {
	if err := validateShape(consolidationSchema, text); err != nil {
		return nil, err
	}
	var resp consolidationResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, invalid("decode consolidation: %v", err)
	}
	if _, err := newNameSet(resp.Taxonomies); err != nil {
		return nil, err
	}
	for _, d := range resp.Taxonomies {
		for _, src := range d.Sources {
			if _, ok := inputs[model.NormalizeName(src)]; !ok {
				return nil, invalid("taxonomy %q cites unknown source %q", d.Name, src)
			}
		}
	}
	return trimDefs(resp.Taxonomies), nil
}

// RefinementItem is a product with the name of its current taxonomy.
type RefinementItem struct {
	Product model.Product
	Current string
}

type refinementResponse struct {
	Reassignments map[string]string `json:"reassignments"`
}

// RefineAssignments checks a product batch against the final taxonomy set
// and returns only the products that move. An empty map means no change.
func (c *Client) RefineAssignments(ctx context.Context, call Call, final []model.TaxonomyDef, items []RefinementItem) (map[string]string, *Outcome, error) {
	current := make(map[string]string, len(items))
	products := make([]model.Product, len(items))
	for i, it := range items {
		current[it.Product.ID] = it.Current
		products[i] = it.Product
	}

	return execute(ctx, c, call, request[map[string]string]{
		phase:    model.PhaseRefinement,
		template: prompts.Refinement,
		inputs:   cache.NewRefinementInputs(final, current),
		data: map[string]string{
			"Taxonomies": taxonomyLines(final),
			"Products":   productLines(products, current),
		},
		parse: func(text string) (map[string]string, error) {
			return parseRefinement(text, final, current)
		},
	})
}

func parseRefinement(text string, final []model.TaxonomyDef, current map[string]string) (map[string]string, error) {
	if err := validateShape(refinementSchema, text); err != nil {
		return nil, err
	}
	var resp refinementResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return nil, invalid("decode refinement: %v", err)
	}
	names, err := newNameSet(final)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(resp.Reassignments))
	for id, name := range resp.Reassignments {
		if _, ok := current[id]; !ok {
			return nil, invalid("reassignment for unknown product %q", id)
		}
		declared, ok := names.resolve(name)
		if !ok {
			return nil, invalid("product %q reassigned to unknown taxonomy %q", id, name)
		}
		out[id] = declared
	}
	return out, nil
}

type productLine struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category,omitempty"`
	Current  string `json:"current,omitempty"`
}

// productLines renders one JSON object per product, sorted by id.
func productLines(products []model.Product, current map[string]string) string {
	sorted := append([]model.Product(nil), products...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	lines := make([]string, 0, len(sorted))
	for _, p := range sorted {
		b, _ := json.Marshal(productLine{ID: p.ID, Title: p.Title, Category: p.Category, Current: current[p.ID]})
		lines = append(lines, string(b))
	}
	return strings.Join(lines, "\n")
}

// taxonomyLines renders a taxonomy list as a JSON array.
func taxonomyLines(defs []model.TaxonomyDef) string {
	plain := make([]model.TaxonomyDef, len(defs))
	for i, d := range defs {
		plain[i] = model.TaxonomyDef{Name: d.Name, Definition: d.Definition}
	}
	b, _ := json.MarshalIndent(plain, "", "  ")
	return string(b)
}
