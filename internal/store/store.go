// Package store is the repository layer of the segmentation pipeline: runs,
// taxonomies, assignments, the interaction index and the response cache.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/segment-cli/internal/model"
)

// ErrNotFound is wrapped by lookups and updates of a missing row.
var ErrNotFound = eris.New("not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Stage  model.Stage `json:"stage,omitempty"`
	Limit  int         `json:"limit,omitempty"`
	Offset int         `json:"offset,omitempty"`
}

// Store defines the persistence interface for the segmentation pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	UpdateRunStageAndCounters(ctx context.Context, run *model.Run) error
	FinalizeRun(ctx context.Context, run *model.Run) error

	// Taxonomies
	InsertTaxonomies(ctx context.Context, taxonomies []model.Taxonomy) error
	ListTaxonomies(ctx context.Context, runID string) ([]model.Taxonomy, error)

	// Assignments
	BulkSeedAssignments(ctx context.Context, runID, placeholderID string, productIDs []string) error
	// ApplyInitialAssignments sets taxonomy_id_initial; initial maps product
	// id to taxonomy id.
	ApplyInitialAssignments(ctx context.Context, runID string, initial map[string]string) error
	// ApplyRefinedAssignments commits one refinement batch: products in
	// refined get that taxonomy id, every other id in batch keeps its initial
	// taxonomy as the refined one.
	ApplyRefinedAssignments(ctx context.Context, runID string, batch []string, refined map[string]string) error
	ListAssignments(ctx context.Context, runID string) ([]model.Assignment, error)

	// Interaction index
	InsertInteractionIndexRows(ctx context.Context, rows []model.InteractionIndex) error
	ListInteractionIndex(ctx context.Context, runID string) ([]model.InteractionIndex, error)

	// Response cache. GetCachedResponse returns (nil, nil) on a miss.
	GetCachedResponse(ctx context.Context, fingerprint string) (*model.CachedResponse, error)
	SetCachedResponse(ctx context.Context, entry *model.CachedResponse) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// partitionRefined splits batch into the ids present in refined and the rest.
func partitionRefined(batch []string, refined map[string]string) (ids, taxonomyIDs, unchanged []string) {
	for _, id := range batch {
		if tid, ok := refined[id]; ok {
			ids = append(ids, id)
			taxonomyIDs = append(taxonomyIDs, tid)
			continue
		}
		unchanged = append(unchanged, id)
	}
	return ids, taxonomyIDs, unchanged
}
