package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// Stage represents the lifecycle position of a segmentation run.
type Stage string

const (
	StageInit          Stage = "init"
	StageSegmentation  Stage = "segmentation"
	StageConsolidation Stage = "consolidation"
	StageRefinement    Stage = "refinement"
	StageCompleted     Stage = "completed"
	StageFailed        Stage = "failed"
)

// stageTransitions is the closed transition table. Any pair not listed here
// is rejected by Run.Transition.
var stageTransitions = map[Stage][]Stage{
	StageInit:          {StageSegmentation, StageFailed},
	StageSegmentation:  {StageConsolidation, StageFailed},
	StageConsolidation: {StageRefinement, StageFailed},
	StageRefinement:    {StageCompleted, StageFailed},
}

// ErrInvalidTransition is returned when a stage change is not in the table.
var ErrInvalidTransition = eris.New("invalid stage transition")

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageInit, StageSegmentation, StageConsolidation, StageRefinement, StageCompleted, StageFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// CanTransition reports whether the table allows moving from s to next.
func (s Stage) CanTransition(next Stage) bool {
	for _, allowed := range stageTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Phase names a model-calling phase of the pipeline. Phases double as the
// archive sub-container names.
type Phase string

const (
	PhaseSegmentation  Phase = "segmentation"
	PhaseConsolidation Phase = "consolidation"
	PhaseRefinement    Phase = "refinement"
)

// Phases lists the model-calling phases in execution order.
var Phases = []Phase{PhaseSegmentation, PhaseConsolidation, PhaseRefinement}

// RunConfig holds the per-run model and batching configuration.
type RunConfig struct {
	Provider            string  `json:"provider"`
	Model               string  `json:"model" validate:"required"`
	Temperature         float64 `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens           int64   `json:"max_tokens" validate:"gt=0"`
	ExtractionBatchSize int     `json:"extraction_batch_size" validate:"gt=0"`
	RefinementBatchSize int     `json:"refinement_batch_size" validate:"gt=0"`
	Concurrency         int     `json:"concurrency" validate:"gt=0"`
	Category            string  `json:"category"`
}

// PhaseCounter tracks done/total batches (or merge calls) for a phase.
type PhaseCounter struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// Counters groups the per-phase counters of a run.
type Counters struct {
	Segmentation  PhaseCounter `json:"segmentation"`
	Consolidation PhaseCounter `json:"consolidation"`
	Refinement    PhaseCounter `json:"refinement"`
}

// Phase returns a pointer to the counter for p.
func (c *Counters) Phase(p Phase) *PhaseCounter {
	switch p {
	case PhaseSegmentation:
		return &c.Segmentation
	case PhaseConsolidation:
		return &c.Consolidation
	default:
		return &c.Refinement
	}
}

// Run is one end-to-end segmentation execution over an explicit id list.
type Run struct {
	ID                string      `json:"id"`
	Stage             Stage       `json:"stage"`
	Config            RunConfig   `json:"config"`
	Counters          Counters    `json:"counters"`
	TotalProducts     int         `json:"total_products"`
	ProcessedProducts int         `json:"processed_products"`
	CallsDone         int         `json:"calls_done"`
	CallsTotal        int         `json:"calls_total"`
	PlaceholderID     string      `json:"placeholder_id"`
	OutOfScopeID      string      `json:"out_of_scope_id"`
	Cancelled         bool        `json:"cancelled"`
	LastError         string      `json:"last_error,omitempty"`
	FailedPhase       string      `json:"failed_phase,omitempty"`
	FailedBatch       string      `json:"failed_batch,omitempty"`
	Summary           *RunSummary `json:"summary,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Transition moves the run to next if the table allows it.
func (r *Run) Transition(next Stage) error {
	if !r.Stage.CanTransition(next) {
		return eris.Wrapf(ErrInvalidTransition, "run %s: %s -> %s", r.ID, r.Stage, next)
	}
	r.Stage = next
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail moves the run to failed and records where the failure originated.
// Failing an already terminal run is rejected.
func (r *Run) Fail(phase, batchID string, cause error) error {
	if err := r.Transition(StageFailed); err != nil {
		return err
	}
	r.FailedPhase = phase
	r.FailedBatch = batchID
	if cause != nil {
		r.LastError = cause.Error()
	}
	return nil
}

// RunSummary is written when a run completes.
type RunSummary struct {
	SegmentCounts   []SegmentCount `json:"segment_counts"`
	OutOfScope      int            `json:"out_of_scope"`
	Unresolved      int            `json:"unresolved"`
	FinalTaxonomies int            `json:"final_taxonomies"`
	ModelCalls      int            `json:"model_calls"`
	CacheHits       int            `json:"cache_hits"`
	InputTokens     int64          `json:"input_tokens"`
	OutputTokens    int64          `json:"output_tokens"`
	EstimatedCost   float64        `json:"estimated_cost_usd"`
	DurationMs      int64          `json:"duration_ms"`
}

// SegmentCount is the number of products assigned to one final taxonomy.
type SegmentCount struct {
	TaxonomyID string `json:"taxonomy_id"`
	Name       string `json:"name"`
	Products   int    `json:"products"`
}
