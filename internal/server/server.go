// Package server provides the scheduler's HTTP status endpoint: Prometheus
// metrics, a health check and the jobs currently running.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raphaelgruber/igsnharvest/internal/metrics"
	"github.com/raphaelgruber/igsnharvest/internal/models"
)

const shutdownTimeout = 10 * time.Second

// JobSource reports the jobs running in this process.
type JobSource interface {
	Active() []*models.Job
}

// Server serves status endpoints with lifecycle management.
type Server struct {
	http    *http.Server
	version string
	jobs    JobSource
	stats   *metrics.Collector
	logger  *slog.Logger
}

// New creates a status server listening on addr. Metrics are gathered from
// gatherer; stats may be nil.
func New(addr, version string, gatherer prometheus.Gatherer, jobs JobSource, stats *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		version: version,
		jobs:    jobs,
		stats:   stats,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /jobs", s.handleJobs)
	mux.HandleFunc("GET /stats", s.handleStats)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      LoggingMiddleware(logger)(mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "version": s.version})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.Active()
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, jobs)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "stats not collected", http.StatusNotFound)
		return
	}
	writeJSON(w, s.stats.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
