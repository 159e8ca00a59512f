package model

import "time"

// Assignment maps one product of a run to a taxonomy. TaxonomyIDInitial is
// never empty: rows are seeded with the run's placeholder taxonomy. Position
// is the product's index in the submitted id list.
type Assignment struct {
	RunID             string    `json:"run_id"`
	ProductID         string    `json:"product_id"`
	Position          int       `json:"position"`
	TaxonomyIDInitial string    `json:"taxonomy_id_initial"`
	TaxonomyIDRefined *string   `json:"taxonomy_id_refined,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Product is the read-only product record supplied by the catalog.
type Product struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`
}
