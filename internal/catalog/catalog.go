// Package catalog resolves product ids to read-only product records.
package catalog

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/resilience"
)

// Catalog looks up products by id. Implementations never modify the catalog.
type Catalog interface {
	// ProductsByIDs returns one product per id, in input order. Unknown ids
	// fail with resilience.ErrInvalidInput.
	ProductsByIDs(ctx context.Context, ids []string) ([]model.Product, error)
}

// maxListedMissing caps how many unknown ids an error message names.
const maxListedMissing = 10

// ordered returns the products for ids in input order, or an invalid-input
// error naming the unknown ids.
func ordered(ids []string, byID map[string]model.Product) ([]model.Product, error) {
	out := make([]model.Product, 0, len(ids))
	var missing []string
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, p)
	}
	if len(missing) > 0 {
		return nil, missingError(missing)
	}
	return out, nil
}

func missingError(missing []string) error {
	listed := missing
	suffix := ""
	if len(listed) > maxListedMissing {
		listed = listed[:maxListedMissing]
		suffix = ", ..."
	}
	return eris.Wrapf(resilience.ErrInvalidInput, "catalog: %d unknown product ids: %s%s",
		len(missing), strings.Join(listed, ", "), suffix)
}

// Memory is an in-process catalog, usually loaded from a file.
type Memory struct {
	byID  map[string]model.Product
	order []string
}

// NewMemory builds a catalog from products. Later duplicates replace earlier ones.
func NewMemory(products ...model.Product) *Memory {
	m := &Memory{byID: make(map[string]model.Product, len(products))}
	for _, p := range products {
		m.add(p)
	}
	return m
}

func (m *Memory) add(p model.Product) {
	if _, ok := m.byID[p.ID]; !ok {
		m.order = append(m.order, p.ID)
	}
	m.byID[p.ID] = p
}

// ProductsByIDs implements Catalog.
func (m *Memory) ProductsByIDs(_ context.Context, ids []string) ([]model.Product, error) {
	return ordered(ids, m.byID)
}

// IDs returns every product id in load order.
func (m *Memory) IDs() []string {
	return append([]string(nil), m.order...)
}

// Len returns the number of products.
func (m *Memory) Len() int {
	return len(m.order)
}
