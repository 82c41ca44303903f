// Package api exposes the HTTP interface for crawl operations: seeding,
// dashboards over targets/runs/workers/healing, campaign triggers and probes.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/localatlas/crawlops/internal/config"
	"github.com/localatlas/crawlops/internal/dispatch"
	"github.com/localatlas/crawlops/internal/metrics"
	"github.com/localatlas/crawlops/internal/probe"
)

// JobRunner triggers a named campaign run. The skipped_overlap outcome comes
// back as a normal ExecutionLog, not an error.
type JobRunner interface {
	RunJob(ctx context.Context, jobName string) (dispatch.ExecutionLog, error)
}

// Prober runs a dry-run health check against a provider.
type Prober interface {
	Probe(ctx context.Context, provider string) (probe.Report, error)
}

// Server wires HTTP handlers to the stores and the scheduler.
type Server struct {
	router     chi.Router
	targets    dispatch.TargetStore
	runs       dispatch.ExecutionLogStore
	heartbeats dispatch.HeartbeatStore
	healing    dispatch.HealingStore
	jobs       JobRunner
	prober     Prober
	idGen      dispatch.IDGenerator
	clock      dispatch.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	targets dispatch.TargetStore,
	runs dispatch.ExecutionLogStore,
	heartbeats dispatch.HeartbeatStore,
	healing dispatch.HealingStore,
	jobs JobRunner,
	prober Prober,
	idGen dispatch.IDGenerator,
	clock dispatch.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		targets:    targets,
		runs:       runs,
		heartbeats: heartbeats,
		healing:    healing,
		jobs:       jobs,
		prober:     prober,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
	metrics.Init()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/targets", func(r chi.Router) {
			r.Post("/seed", s.seedTargets)
			r.Get("/status-counts", s.statusCounts)
			r.Get("/{target_id}", s.getTarget)
		})
		r.Get("/runs", s.listRuns)
		r.Get("/jobs/{job_name}/stats", s.getJobStats)
		r.Post("/jobs/{job_name}/run", s.runJob)
		r.Get("/workers", s.listWorkers)
		r.Get("/healing-events", s.listHealingEvents)
		r.Post("/probe/{provider}", s.runProbe)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.targets.CountByStatus(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "target store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type seedRequest struct {
	Targets []seedTarget `json:"targets"`
}

type seedTarget struct {
	Country     string `json:"country"`
	Region      string `json:"region"`
	City        string `json:"city"`
	Category    string `json:"category"`
	Provider    string `json:"provider"`
	SearchQuery string `json:"search_query"`
	MaxResults  int    `json:"max_results"`
	Priority    int    `json:"priority"`
}

func (s *Server) seedTargets(w http.ResponseWriter, r *http.Request) {
	var req seedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Targets) == 0 {
		writeError(w, http.StatusBadRequest, "at least one target required")
		return
	}

	now := s.clock.Now()
	targets := make([]dispatch.CrawlTarget, 0, len(req.Targets))
	for _, st := range req.Targets {
		if st.Country == "" || st.City == "" || st.Category == "" || st.Provider == "" {
			writeError(w, http.StatusBadRequest, "country, city, category and provider are required")
			return
		}
		id, err := s.idGen.NewID()
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("generate target id: %v", err))
			return
		}
		maxResults := st.MaxResults
		if maxResults <= 0 {
			maxResults = 100
		}
		targets = append(targets, dispatch.CrawlTarget{
			ID:          id,
			Country:     st.Country,
			Region:      st.Region,
			City:        st.City,
			Category:    st.Category,
			Provider:    st.Provider,
			SearchQuery: st.SearchQuery,
			MaxResults:  maxResults,
			Priority:    st.Priority,
			Status:      dispatch.StatusPlanned,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}

	inserted, err := s.targets.Seed(r.Context(), targets)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "seed targets failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{
		"submitted": len(targets),
		"inserted":  inserted,
	})
}

func (s *Server) statusCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.targets.CountByStatus(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count targets failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	target, err := s.targets.Get(r.Context(), targetID)
	if errors.Is(err, dispatch.ErrTargetNotFound) {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "fetch target failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": target})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	runs, err := s.runs.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getJobStats(w http.ResponseWriter, r *http.Request) {
	jobName := chi.URLParam(r, "job_name")
	stats, err := s.runs.GetJobStats(r.Context(), jobName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "fetch job stats failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	jobName := chi.URLParam(r, "job_name")
	entry, err := s.jobs.RunJob(r.Context(), jobName)
	if err != nil {
		// The run itself failed; the entry still captures counters.
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"run":   entry,
			"error": err.Error(),
		})
		return
	}
	status := http.StatusOK
	if entry.Status == dispatch.RunSkippedOverlap {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"run": entry})
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.heartbeats.ListActive(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list workers failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) listHealingEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	events, err := s.healing.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list healing events failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) runProbe(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	report, err := s.prober.Probe(r.Context(), provider)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "probe failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
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
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
