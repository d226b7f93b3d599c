// Package server exposes the operator HTTP surface: pending-order review,
// pyramid session control, derived-state reads and health/metrics.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/config"
	"github.com/KaisukaTran/findmy-fm/internal/core"
	"github.com/KaisukaTran/findmy-fm/internal/intake"
	"github.com/KaisukaTran/findmy-fm/internal/trading/pyramid"
)

// ExecutionControl is the slice of the execution engine the API drives.
type ExecutionControl interface {
	PendingProgress() []core.PendingProgress
	Pause(reason string)
	Resume()
	Paused() bool
}

// PriceOverride lets operators pin marks when the platform runs without a
// price feed URL. The static source satisfies it.
type PriceOverride interface {
	SetPrice(symbol string, price decimal.Decimal)
}

// Deps carries the wired components the handlers call into.
type Deps struct {
	Queue    core.IApprovalQueue
	Pyramids *pyramid.Manager
	SOT      core.ISOTStore
	TS       core.ITSStore
	Exec     ExecutionControl
	Source   core.IPriceSource
	Health   core.IHealthMonitor
	Importer *intake.Importer
	Override PriceOverride
	LiveWS   http.HandlerFunc

	// DefaultPipMultiplier fills session requests that omit the field.
	DefaultPipMultiplier decimal.Decimal
}

type Server struct {
	addr   string
	deps   Deps
	logger core.ILogger
	srv    *http.Server
}

func New(cfg config.ServerConfig, deps Deps, logger core.ILogger) *Server {
	return &Server{
		addr:   fmt.Sprintf(":%d", cfg.Port),
		deps:   deps,
		logger: logger.WithField("component", "api_server"),
	}
}

// Routes builds the full mux. Exposed separately so tests drive handlers
// through httptest without binding a port.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/pending", s.handleListPending)
	mux.HandleFunc("POST /api/pending/approve/{id}", s.handleApprove)
	mux.HandleFunc("POST /api/pending/reject/{id}", s.handleReject)
	mux.HandleFunc("POST /api/import/orders", s.handleImportOrders)

	mux.HandleFunc("POST /kss/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /kss/sessions", s.handleListSessions)
	mux.HandleFunc("GET /kss/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /kss/sessions/{id}/start", s.handleStartSession)
	mux.HandleFunc("POST /kss/sessions/{id}/stop", s.handleStopSession)
	mux.HandleFunc("PATCH /kss/sessions/{id}", s.handleAdjustSession)
	mux.HandleFunc("POST /kss/sessions/{id}/check-tp", s.handleCheckTP)
	mux.HandleFunc("DELETE /kss/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /kss/sessions/clear-completed", s.handleClearCompleted)
	mux.HandleFunc("GET /kss/summary", s.handleSummary)

	mux.HandleFunc("GET /api/positions", s.handleListPositions)
	mux.HandleFunc("GET /api/trades", s.handleListTrades)
	mux.HandleFunc("GET /api/trades/{id}/pnl", s.handleTradePnL)
	mux.HandleFunc("GET /api/pnl", s.handleTotalPnL)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)

	mux.HandleFunc("GET /api/execution/pending", s.handleExecutionPending)
	mux.HandleFunc("POST /api/execution/pause", s.handleExecutionPause)
	mux.HandleFunc("POST /api/execution/resume", s.handleExecutionResume)

	if s.deps.Override != nil {
		mux.HandleFunc("PUT /api/price/{symbol}", s.handleSetPrice)
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	if s.deps.LiveWS != nil {
		mux.HandleFunc("GET /ws", s.deps.LiveWS)
	}

	return mux
}

func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("starting api server", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", "error", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}

	code := http.StatusOK
	if s.deps.Health != nil {
		health["components"] = s.deps.Health.GetStatus()
		if !s.deps.Health.IsHealthy() {
			health["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	if s.deps.Exec != nil && s.deps.Exec.Paused() {
		health["execution"] = "paused"
	}

	writeJSON(w, code, health)
}
