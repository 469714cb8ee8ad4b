// Package api exposes the worker's admin HTTP interface: health probes,
// Prometheus metrics, and runtime introspection.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quantfeed/market-crawler/internal/metrics"
	"github.com/quantfeed/market-crawler/internal/supervisor"
)

// Pinger checks broker liveness for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires the admin routes to the supervisor and broker.
type Server struct {
	router     chi.Router
	logger     *zap.Logger
	supervisor *supervisor.Supervisor
	pinger     Pinger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(logger *zap.Logger, sup *supervisor.Supervisor, pinger Pinger) *Server {
	s := &Server{
		logger:     logger,
		supervisor: sup,
		pinger:     pinger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Route("/health", func(r chi.Router) {
		r.Get("/status", s.healthStatus)
		r.Get("/ready", s.healthReady)
		r.Get("/ping", s.healthPing)
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1/crawler", func(r chi.Router) {
		r.Get("/stats", s.crawlerStats)
		r.Get("/tasks/active", s.activeTasks)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthStatus(w http.ResponseWriter, _ *http.Request) {
	stats := s.supervisor.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"state":          stats.State,
		"worker_id":      stats.WorkerID,
		"priority_level": stats.Tier,
	})
}

// healthReady fails while the broker is unreachable or the worker is
// shutting down, so the orchestrator stops routing to this pod.
func (s *Server) healthReady(w http.ResponseWriter, r *http.Request) {
	state := s.supervisor.State()
	if state == supervisor.StateDraining || state == supervisor.StateStopped {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.pinger.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) healthPing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
}

func (s *Server) crawlerStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.supervisor.Snapshot())
}

func (s *Server) activeTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := s.supervisor.ActiveTasks()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(tasks),
		"tasks": tasks,
	})
}

type requestIDKey struct{}

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
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
