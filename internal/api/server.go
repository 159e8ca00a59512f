// Package api serves segmentation runs over HTTP: submit, inspect, cancel
// and a server-sent event stream of progress.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/progress"
	"github.com/sells-group/segment-cli/internal/segment"
	"github.com/sells-group/segment-cli/internal/store"
)

// Runner is the orchestrator surface the API drives.
type Runner interface {
	Submit(ctx context.Context, ids []string, cfg model.RunConfig) (*model.Run, error)
	Execute(ctx context.Context, runID string) (*model.Run, error)
	Cancel(ctx context.Context, runID string) error
	Active() []string
}

var _ Runner = (*segment.Orchestrator)(nil)

// Options configures the HTTP surface.
type Options struct {
	// Defaults fill run settings a request leaves out.
	Defaults    model.RunConfig
	CORSOrigins []string
	// JWTSecret enables HS256 bearer auth on /runs when set.
	JWTSecret string
}

// Server holds the API handlers and the runs it started.
type Server struct {
	runner   Runner
	store    store.Store
	broker   *progress.Broker
	opts     Options
	validate *validator.Validate

	// baseCtx outlives requests; its cancellation cancels the runs started
	// over HTTP.
	baseCtx context.Context
	wg      sync.WaitGroup
}

// New creates a Server. Runs it starts are bound to ctx.
func New(ctx context.Context, runner Runner, st store.Store, broker *progress.Broker, opts Options) *Server {
	return &Server{
		runner:   runner,
		store:    st,
		broker:   broker,
		opts:     opts,
		validate: validator.New(),
		baseCtx:  ctx,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/runs", func(r chi.Router) {
		if s.opts.JWTSecret != "" {
			r.Use(Authenticate([]byte(s.opts.JWTSecret)))
		}
		r.Post("/", s.handleCreateRun)
		r.Get("/", s.handleListRuns)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetRun)
			r.Post("/cancel", s.handleCancelRun)
			r.Get("/taxonomies", s.handleListTaxonomies)
			r.Get("/assignments", s.handleListAssignments)
			r.Get("/events", s.handleRunEvents)
		})
	})
	return r
}

// start executes a submitted run in the background. Execute runs detached
// from baseCtx so in-flight batches commit; shutdown is forwarded as Cancel.
func (s *Server) start(runID string) {
	execCtx, release := context.WithCancel(context.WithoutCancel(s.baseCtx))
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.baseCtx.Done():
			zap.L().Warn("api: shutting down, cancelling run", zap.String("run_id", runID))
			if err := s.runner.Cancel(execCtx, runID); err != nil {
				zap.L().Warn("api: cancel failed", zap.String("run_id", runID), zap.Error(err))
			}
		case <-execCtx.Done():
		}
	}()
	go func() {
		defer s.wg.Done()
		defer release()
		run, err := s.runner.Execute(execCtx, runID)
		if err != nil {
			zap.L().Error("api: run failed", zap.String("run_id", runID), zap.Error(err))
			return
		}
		zap.L().Info("api: run completed", zap.String("run_id", runID), zap.String("stage", string(run.Stage)))
	}()
}

// Wait blocks until every run started by the server has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("elapsed", time.Since(start)),
		)
	})
}
