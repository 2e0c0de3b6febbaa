// Package metrics serves the operational HTTP surface: Prometheus metrics,
// liveness, and a daemon status snapshot.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ticker_daemon/internal/core"
	"ticker_daemon/internal/infrastructure/health"
	"ticker_daemon/internal/ticker"
)

// Server exposes /metrics, /healthz, and /status.
type Server struct {
	port   int
	logger core.ILogger
	health *health.Manager
	daemon *ticker.Daemon
	srv    *http.Server
}

// NewServer creates the operational HTTP server. health and daemon may be nil
// when the corresponding endpoint is not wanted.
func NewServer(port int, healthMgr *health.Manager, daemon *ticker.Daemon, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("component", "metrics_server"),
		health: healthMgr,
		daemon: daemon,
	}
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/status", s.handleStatus)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("starting operational http server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("operational http server failed", "error", err)
		}
	}()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("stopping operational http server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	if s.health == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	status := s.health.Status()
	code := http.StatusOK
	if !s.health.IsHealthy() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.daemon == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.daemon.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
