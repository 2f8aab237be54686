// Package server exposes the captioning job over HTTP: start, stop and progress streaming,
// plus read-only browsing of items, outputs and templates.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/structcap/internal/config"
	"github.com/raphaelgruber/structcap/internal/jobs"
	"github.com/raphaelgruber/structcap/internal/metrics"
	"github.com/raphaelgruber/structcap/internal/models"
	"github.com/raphaelgruber/structcap/internal/render"
	"github.com/raphaelgruber/structcap/internal/vision"
)

// RunLister reads persisted job history.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]models.JobRun, error)
}

// ModelFactory builds the vision model for inline jobs.
type ModelFactory func(ctx context.Context, cfg vision.Config) (vision.Model, error)

// Server handles the HTTP API.
type Server struct {
	cfg        config.Config
	supervisor *jobs.Supervisor
	logger     *slog.Logger

	runs       RunLister
	metrics    *metrics.Collector
	renderer   *render.Renderer
	newModel   ModelFactory
	executable string
	upgrader   websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithRunHistory enables GET /api/jobs.
func WithRunHistory(runs RunLister) Option {
	return func(s *Server) { s.runs = runs }
}

// WithMetrics exposes collector on GET /api/stats and instruments inline jobs.
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Server) { s.metrics = collector }
}

// WithRenderer enables render chains for requests carrying object paths.
func WithRenderer(r *render.Renderer) Option {
	return func(s *Server) { s.renderer = r }
}

// WithModelFactory overrides how inline jobs create their vision model.
func WithModelFactory(f ModelFactory) Option {
	return func(s *Server) { s.newModel = f }
}

// WithExecutable sets the binary spawned for process-mode jobs.
func WithExecutable(path string) Option {
	return func(s *Server) { s.executable = path }
}

// New creates a server.
func New(cfg config.Config, supervisor *jobs.Supervisor, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		supervisor: supervisor,
		logger:     logger,
		newModel:   vision.New,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local dev
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.executable == "" {
		if exe, err := os.Executable(); err == nil {
			s.executable = exe
		}
	}
	return s
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/run", s.handleRun)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("GET /api/progress", s.handleProgress)
	mux.HandleFunc("GET /api/progress/ws", s.handleProgressWS)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.HandleFunc("GET /api/folders", s.handleFolders)
	mux.HandleFunc("GET /api/images/{uid}", s.handleImages)
	mux.HandleFunc("GET /api/output/{uid}", s.handleOutput)
	mux.HandleFunc("GET /api/templates", s.handleTemplates)
	mux.HandleFunc("GET /api/templates/{name}", s.handleTemplate)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	return LoggingMiddleware(s.logger)(RecoverMiddleware(s.logger)(mux))
}

// HTTPServer wraps Handler in an http.Server listening on addr.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		// No write timeout: progress streams stay open for the whole job.
		IdleTimeout: 120 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{Error: msg})
}
