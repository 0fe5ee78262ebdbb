// Package api exposes the HTTP and websocket interface for the search
// service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/curp-search-engine/internal/config"
	"github.com/JakeFAU/curp-search-engine/internal/metrics"
	"github.com/JakeFAU/curp-search-engine/internal/progress"
	"github.com/JakeFAU/curp-search-engine/internal/search"
)

// JobRegistry is the job store surface the handlers need.
type JobRegistry interface {
	search.JobStore
	CountByStatus(ctx context.Context) map[search.JobStatus]int
}

// JobRunner controls running jobs.
type JobRunner interface {
	StartJob(ctx context.Context, job search.Job, persons []search.Person) error
	Cancel(jobID string) error
	Pause(ctx context.Context, jobID string) error
	Resume(ctx context.Context, jobID string) error
	IsRunning(jobID string) bool
}

// Distributor fans a job out across configured nodes and serves the merged
// progress view. Nil on single-node deployments.
type Distributor interface {
	StartDistributed(ctx context.Context, jobID string, params search.JobParameters, rowCount int) error
	Combined(jobID string) (progress.Combined, bool)
}

// Server wires HTTP handlers to the orchestrator and stores.
type Server struct {
	router      chi.Router
	jobs        JobRegistry
	runner      JobRunner
	checkpoints search.CheckpointStore
	distributor Distributor
	hub         *WSHub
	idGen       search.IDGenerator
	clock       search.Clock
	cfg         config.Config
	logger      *zap.Logger
	startedAt   time.Time
}

// NewServer constructs a Server with middleware and routes. distributor may
// be nil for single-node operation.
func NewServer(
	jobs JobRegistry,
	runner JobRunner,
	checkpoints search.CheckpointStore,
	distributor Distributor,
	hub *WSHub,
	idGen search.IDGenerator,
	clock search.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:        jobs,
		runner:      runner,
		checkpoints: checkpoints,
		distributor: distributor,
		hub:         hub,
		idGen:       idGen,
		clock:       clock,
		cfg:         cfg,
		logger:      logger.Named("api"),
		startedAt:   clock.Now(),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))

	// Probes and scrapers stay open; the API and the websocket require the
	// key when auth is on.
	guard := func(next http.Handler) http.Handler { return next }
	if cfg.Auth.Enabled {
		guard = apiKeyMiddleware(cfg.Auth.APIKey)
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Method(http.MethodGet, "/ws", guard(http.HandlerFunc(s.hub.serveWS)))

	r.Route("/api", func(r chi.Router) {
		r.Use(guard)
		r.Get("/health", s.healthz)
		r.Get("/status", s.serviceStatus)
		r.Post("/upload", s.uploadFile)
		r.Get("/file-info", s.fileInfo)
		r.Post("/start", s.startSearch)
		r.Get("/jobs", s.listJobs)
		r.Get("/status/{job_id}", s.jobStatus)
		r.Post("/cancel/{job_id}", s.cancelJob)
		r.Get("/download/{job_id}", s.downloadResults)
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Post("/pause", s.pauseJob)
			r.Post("/resume", s.resumeJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) serviceStatus(w http.ResponseWriter, r *http.Request) {
	counts := s.jobs.CountByStatus(r.Context())
	byStatus := make(map[string]int, len(counts))
	total := 0
	for status, n := range counts {
		byStatus[string(status)] = n
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(s.clock.Now().Sub(s.startedAt).Seconds()),
		"jobs_total":     total,
		"jobs_by_status": byStatus,
		"node_index":     s.cfg.Nodes.Index,
		"node_count":     s.cfg.NodeCount(),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			dur := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, routePattern(r), ww.status, dur)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", dur.Milliseconds()),
			)
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack is required for the websocket upgrade to pass through the logging
// wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
