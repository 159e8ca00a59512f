package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/progress"
)

// sseWriter writes server-sent events and flushes after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, eris.New("api: streaming not supported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (s *sseWriter) writeEvent(id int, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return eris.Wrap(err, "api: marshal event")
	}
	if id >= 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", id); err != nil {
			return eris.Wrap(err, "api: write event")
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return eris.Wrap(err, "api: write event")
	}
	s.flusher.Flush()
	return nil
}

// handleRunEvents streams a run's progress log. Clients resume with ?from=N
// or the Last-Event-ID header.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	from, err := intParam(r.URL.Query().Get("from"), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		if n, err := strconv.Atoi(last); err == nil && n >= 0 {
			from = n + 1
		}
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, err)
		return
	}

	// A finished run with no log in this process gets one event built from
	// the stored row.
	if _, ok := s.broker.Last(id); !ok && run.Stage.Terminal() {
		percent := progress.Percent(run.CallsDone, run.CallsTotal)
		if run.Stage == model.StageCompleted {
			percent = 100
		}
		_ = sse.writeEvent(-1, "progress", progress.Event{
			RunID:      run.ID,
			Percent:    percent,
			CallsDone:  run.CallsDone,
			CallsTotal: run.CallsTotal,
			Stage:      run.Stage,
			At:         time.Now().UTC(),
		})
		_ = sse.writeEvent(-1, "complete", map[string]string{"run_id": run.ID, "stage": string(run.Stage)})
		return
	}

	var last progress.Event
	for ev := range s.broker.Subscribe(r.Context(), id, from) {
		if err := sse.writeEvent(ev.Seq, "progress", ev); err != nil {
			return
		}
		last = ev
	}
	if r.Context().Err() != nil {
		return
	}
	stage := last.Stage
	if stage == "" {
		stage = run.Stage
	}
	_ = sse.writeEvent(-1, "complete", map[string]string{"run_id": id, "stage": string(stage)})
}
