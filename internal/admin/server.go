// Package admin exposes the operational HTTP surface of a running engine:
// health, Prometheus metrics, engine statistics, the connectivity feed and
// cache/breaker controls.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/resilient/internal/infra/engine"
	"github.com/vietddude/resilient/internal/infra/fault"
)

// Health status values.
const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Engine is the part of the request engine the admin surface controls.
type Engine interface {
	Metrics() engine.Metrics
	Online() bool
	GoOnline()
	GoOffline()
	Invalidate(pattern string) int
	ResetBreakers()
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status       string   `json:"status"`
	Online       bool     `json:"online"`
	OpenBreakers []string `json:"open_breakers,omitempty"`
}

// Server provides the admin HTTP endpoints.
type Server struct {
	engine Engine
	server *http.Server
	log    *slog.Logger
}

// NewServer creates a new admin server listening on port.
func NewServer(e Engine, port int) *Server {
	s := &Server{
		engine: e,
		log:    slog.Default().With("component", "admin"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/stats", s.handleStats)
	r.Route("/connectivity", func(r chi.Router) {
		r.Post("/online", s.handleOnline)
		r.Post("/offline", s.handleOffline)
	})
	r.Post("/cache/invalidate", s.handleInvalidate)
	r.Post("/breakers/reset", s.handleResetBreakers)
	return r
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.log.Info("Admin server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	m := s.engine.Metrics()
	report := HealthReport{Status: StatusHealthy, Online: m.Online}
	for key, b := range m.Errors.Breakers {
		if b.State == fault.BreakerOpen {
			report.OpenBreakers = append(report.OpenBreakers, key)
		}
	}
	if !m.Online || len(report.OpenBreakers) > 0 {
		report.Status = StatusDegraded
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Metrics())
}

func (s *Server) handleOnline(w http.ResponseWriter, _ *http.Request) {
	s.engine.GoOnline()
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.engine.Online()})
}

func (s *Server) handleOffline(w http.ResponseWriter, _ *http.Request) {
	s.engine.GoOffline()
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.engine.Online()})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pattern is required"})
		return
	}
	removed := s.engine.Invalidate(pattern)
	s.log.Info("Cache invalidated", "pattern", pattern, "removed", removed)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleResetBreakers(w http.ResponseWriter, _ *http.Request) {
	s.engine.ResetBreakers()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
