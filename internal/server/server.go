// Package server exposes the runner over HTTP: submit a pipeline
// definition, poll run status, scrape metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"conveyor/internal/core"
	"conveyor/internal/history"
)

// Options configures a Server.
type Options struct {
	Runner  *core.Runner
	History history.Store

	// WorkBase is the directory run workspaces are created under. Each
	// workspace is removed once its run has been recorded.
	WorkBase string

	// StageTimeout is applied to every submitted run.
	StageTimeout time.Duration

	// Registry, when set, is served at /metrics.
	Registry *prom.Registry

	Logger *zap.Logger
}

// Server accepts pipeline submissions and runs them asynchronously.
// Submitted runs appear in the in-flight table until they finish, then
// live in the history store.
type Server struct {
	runner       *core.Runner
	history      history.Store
	workBase     string
	stageTimeout time.Duration
	logger       *zap.Logger
	router       chi.Router

	mu       sync.Mutex
	inflight map[string]string // run ID -> status
	wg       sync.WaitGroup
}

// New creates a Server and its route table.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		runner:       opts.Runner,
		history:      opts.History,
		workBase:     opts.WorkBase,
		stageTimeout: opts.StageTimeout,
		logger:       logger,
		inflight:     make(map[string]string),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/api/pipelines", s.handleSubmit)
	r.Get("/api/runs", s.handleListRuns)
	r.Get("/api/runs/{id}", s.handleGetRun)
	r.Get("/healthz", s.handleHealth)
	if opts.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}
	s.router = r
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until all in-flight runs have finished. Used on shutdown
// and in tests.
func (s *Server) Wait() {
	s.wg.Wait()
}

type submitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleSubmit accepts a pipeline YAML body, validates it, and starts
// the run in the background. The response carries the run ID so clients
// can poll /api/runs/{id}.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cannot read body"})
		return
	}

	pipeline, err := core.ParsePipeline(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	workDir, err := os.MkdirTemp(s.workBase, "run-*")
	if err != nil {
		s.logger.Error("cannot create run workspace", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "cannot create run workspace"})
		return
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.inflight[id] = core.StatusRunning.String()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(id, pipeline, workDir)

	writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: core.StatusRunning.String()})
}

// execute runs one submitted pipeline to completion and records it. The
// workspace is removed afterwards; stage output lives on in the log
// store and journal.
func (s *Server) execute(id string, pipeline *core.Pipeline, workDir string) {
	defer s.wg.Done()
	defer os.RemoveAll(workDir)

	result, err := s.runner.Run(context.Background(), pipeline, core.RunContext{
		RunID:        id,
		WorkDir:      workDir,
		StageTimeout: s.stageTimeout,
	})
	if err != nil {
		s.logger.Warn("run failed", zap.String("run_id", id), zap.Error(err))
	}

	if s.history != nil {
		if err := s.history.RecordRun(context.Background(), result); err != nil {
			s.logger.Error("cannot record run", zap.String("run_id", id), zap.Error(err))
		}
	}

	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.history != nil {
		run, err := s.history.GetRun(r.Context(), id)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, run)
			return
		case !errors.Is(err, history.ErrNotFound):
			s.logger.Error("cannot load run", zap.String("run_id", id), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "cannot load run"})
			return
		}
	}

	s.mu.Lock()
	status, ok := s.inflight[id]
	s.mu.Unlock()
	if ok {
		writeJSON(w, http.StatusOK, submitResponse{ID: id, Status: status})
		return
	}
	writeJSON(w, http.StatusNotFound, errorResponse{Error: "run not found"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []history.Run{})
		return
	}
	runs, err := s.history.ListRuns(r.Context(), 50)
	if err != nil {
		s.logger.Error("cannot list runs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "cannot list runs"})
		return
	}
	if runs == nil {
		runs = []history.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
