package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/resilience"
	"github.com/sells-group/segment-cli/internal/store"
)

const maxListLimit = 500

// createRunRequest overrides the server's default run settings field by
// field; zero values keep the default.
type createRunRequest struct {
	ProductIDs          []string `json:"product_ids" validate:"required,min=1,dive,required"`
	Model               string   `json:"model,omitempty"`
	Temperature         *float64 `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens           int64    `json:"max_tokens,omitempty" validate:"gte=0"`
	ExtractionBatchSize int      `json:"extraction_batch_size,omitempty" validate:"gte=0"`
	RefinementBatchSize int      `json:"refinement_batch_size,omitempty" validate:"gte=0"`
	Concurrency         int      `json:"concurrency,omitempty" validate:"gte=0,lte=64"`
	Category            string   `json:"category,omitempty"`
}

func (req createRunRequest) runConfig(defaults model.RunConfig) model.RunConfig {
	cfg := defaults
	if req.Model != "" {
		cfg.Model = req.Model
	}
	if req.Temperature != nil {
		cfg.Temperature = *req.Temperature
	}
	if req.MaxTokens > 0 {
		cfg.MaxTokens = req.MaxTokens
	}
	if req.ExtractionBatchSize > 0 {
		cfg.ExtractionBatchSize = req.ExtractionBatchSize
	}
	if req.RefinementBatchSize > 0 {
		cfg.RefinementBatchSize = req.RefinementBatchSize
	}
	if req.Concurrency > 0 {
		cfg.Concurrency = req.Concurrency
	}
	if req.Category != "" {
		cfg.Category = req.Category
	}
	return cfg
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"active": len(s.runner.Active()),
	})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, eris.Wrapf(resilience.ErrInvalidInput, "api: decode body: %v", err))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, eris.Wrapf(resilience.ErrInvalidInput, "api: %v", err))
		return
	}

	run, err := s.runner.Submit(r.Context(), req.ProductIDs, req.runConfig(s.opts.Defaults))
	if err != nil {
		writeError(w, err)
		return
	}

	zap.L().Info("api: run submitted",
		zap.String("run_id", run.ID),
		zap.Int("products", run.TotalProducts),
		zap.String("subject", Subject(r.Context())),
	)
	s.start(run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{Stage: model.Stage(q.Get("stage"))}
	if filter.Stage != "" && !filter.Stage.Valid() {
		writeError(w, eris.Wrapf(resilience.ErrInvalidInput, "api: unknown stage %q", filter.Stage))
		return
	}

	var err error
	if filter.Limit, err = intParam(q.Get("limit"), 50); err != nil {
		writeError(w, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		writeError(w, err)
		return
	}
	filter.Limit = min(filter.Limit, maxListLimit)

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.runner.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "cancelling"})
}

func (s *Server) handleListTaxonomies(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	taxonomies, err := s.store.ListTaxonomies(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if taxonomies == nil {
		taxonomies = []model.Taxonomy{}
	}
	writeJSON(w, http.StatusOK, taxonomies)
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	assignments, err := s.store.ListAssignments(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if assignments == nil {
		assignments = []model.Assignment{}
	}
	writeJSON(w, http.StatusOK, assignments)
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, eris.Wrapf(resilience.ErrInvalidInput, "api: %q is not a non-negative integer", raw)
	}
	return n, nil
}
