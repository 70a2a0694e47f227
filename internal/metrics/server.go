package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prooflink/prooflink/config"
)

// Server exposes the relay's Prometheus instrumentation over HTTP.
type Server struct {
	srv *http.Server
}

// NewServer builds the metrics endpoint from config. It returns nil when
// metrics are disabled; Start and Stop are no-ops on a nil server, so the
// daemon wiring does not need to branch.
func NewServer(cfg config.MetricsConfig) *Server {
	if !cfg.Enabled || cfg.Port == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Port),
			Handler: mux,
		},
	}
}

// Handler exposes the metrics routes for tests.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.srv.Handler
}

// Start serves metrics until shutdown; returns nil when disabled.
func (s *Server) Start() error {
	if s == nil {
		return nil
	}
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to serve metrics: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the metrics server; no-op when disabled.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
