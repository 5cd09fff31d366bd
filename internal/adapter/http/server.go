// Package http serves the operational endpoints kept up for the duration of
// long batch runs: liveness, run progress, and prometheus metrics.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunProgress is a snapshot of the batch run behind the listener.
type RunProgress struct {
	ReadingsStored int64  `json:"readings_stored"`
	LastStored     string `json:"last_stored,omitempty"`
}

// ProgressReporter exposes the progress of the run behind the listener. A run
// is not ready until it has persisted its first results.
type ProgressReporter interface {
	Progress(ctx context.Context) (RunProgress, bool)
}

// ProgressFunc adapts a function to the ProgressReporter interface.
type ProgressFunc func(ctx context.Context) (RunProgress, bool)

func (f ProgressFunc) Progress(ctx context.Context) (RunProgress, bool) { return f(ctx) }

// Server exposes health, readiness, and metrics HTTP endpoints.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, and /metrics routes.
func NewServer(addr string, reporter ProgressReporter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.With("component", "http"),
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", handleReady(reporter))
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// readyResponse is the /readyz payload: probe status plus the run snapshot,
// so watching a multi-hour sensor fit needs nothing beyond the probe URL.
type readyResponse struct {
	Status string `json:"status"`
	RunProgress
}

func handleReady(reporter ProgressReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		progress, ready := reporter.Progress(ctx)
		if !ready {
			writeJSON(w, http.StatusServiceUnavailable, readyResponse{Status: "not ready", RunProgress: progress})
			return
		}
		writeJSON(w, http.StatusOK, readyResponse{Status: "ready", RunProgress: progress})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // best-effort health response
}
