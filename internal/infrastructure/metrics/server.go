// Package metrics serves the Prometheus scrape endpoint on its own port so
// operators can firewall it separately from the operator API.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KaisukaTran/findmy-fm/internal/core"
)

// Server exposes /metrics for Prometheus scrapes.
type Server struct {
	srv    *http.Server
	logger core.ILogger
}

// NewServer prepares a scrape server on the given port. Nothing listens
// until Start.
func NewServer(port int, logger core.ILogger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Start begins serving scrapes in the background.
func (s *Server) Start() {
	s.logger.Info("metrics endpoint listening", "addr", s.srv.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Stop drains in-flight scrapes and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping metrics server")
	return s.srv.Shutdown(ctx)
}
