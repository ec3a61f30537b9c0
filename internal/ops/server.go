// Package ops serves the operational HTTP surface every process exposes:
// liveness, readiness, and Prometheus metrics.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the ops endpoint set for one process. Readiness starts false and
// flips true once the process finishes setup.
type Server struct {
	service string
	ready   atomic.Bool
	started time.Time
	http    *http.Server
}

// NewServer builds the ops server for the named service on addr.
func NewServer(service, addr string) *Server {
	s := &Server{
		service: service,
		started: time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	router.HandleFunc("/readyz", s.handleReadyz).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// SetReady flips the readiness gate.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// ListenAndServe blocks serving the ops endpoints.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": s.service,
		"uptime":  time.Since(s.started).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready", "service": s.service})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready", "service": s.service})
}
