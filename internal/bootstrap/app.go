// Package bootstrap wires configuration, stores, engines and servers into
// one runnable platform. main stays thin: parse flags, load config, hand
// off to App.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/alert"
	"github.com/KaisukaTran/findmy-fm/internal/core"
	"github.com/KaisukaTran/findmy-fm/internal/infrastructure/health"
	"github.com/KaisukaTran/findmy-fm/internal/infrastructure/metrics"
	"github.com/KaisukaTran/findmy-fm/internal/intake"
	"github.com/KaisukaTran/findmy-fm/internal/marketdata"
	"github.com/KaisukaTran/findmy-fm/internal/risk"
	"github.com/KaisukaTran/findmy-fm/internal/safety"
	"github.com/KaisukaTran/findmy-fm/internal/server"
	"github.com/KaisukaTran/findmy-fm/internal/sot"
	"github.com/KaisukaTran/findmy-fm/internal/trading/approval"
	"github.com/KaisukaTran/findmy-fm/internal/trading/coordinator"
	"github.com/KaisukaTran/findmy-fm/internal/trading/execution"
	"github.com/KaisukaTran/findmy-fm/internal/trading/pyramid"
	"github.com/KaisukaTran/findmy-fm/internal/ts"
	"github.com/KaisukaTran/findmy-fm/pkg/concurrency"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
	"github.com/KaisukaTran/findmy-fm/pkg/liveserver"
)

const shutdownTimeout = 15 * time.Second

// breakerCooldown is how long the coordinator circuit stays open before it
// retries fan-out on its own. Operators can clear it earlier by fixing the
// fault and restarting.
const breakerCooldown = time.Minute

// App holds every wired component of the paper trading platform.
type App struct {
	cfg    *Config
	logger core.ILogger

	sotStore *sot.Store
	tsStore  *ts.Store
	source   core.IPriceSource
	executor *execution.Engine
	queue    *approval.Service
	pyramids *pyramid.Manager
	coord    *coordinator.Coordinator
	breaker  *risk.CircuitBreaker
	alerts   *alert.AlertManager

	hub     *liveserver.Hub
	ws      *liveserver.Server
	pool    *concurrency.WorkerPool
	api     *server.Server
	metrics *metrics.Server
}

// NewApp constructs and cross-wires every component. Nothing starts here;
// Run owns the lifecycle. Store-open failures classify as ErrStoreError so
// main can exit with the right code.
func NewApp(cfg *Config, logger core.ILogger) (*App, error) {
	clock := core.SystemClock{}

	seed := cfg.Execution.Seed
	if seed == 0 {
		seed = clock.Now().UnixNano()
	}
	random := core.NewSeededRand(seed)
	logger.Info("execution randomness seeded", "seed", seed)

	alerts := alert.NewFromConfig(cfg.Alerts, logger)

	busy := time.Duration(cfg.Store.TxTimeoutMs) * time.Millisecond
	sotStore, err := sot.New(sot.Options{
		Path:         cfg.Store.SOTPath,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		MaxIdleConns: cfg.Store.MaxIdleConns,
		BusyTimeout:  busy,
	}, logger)
	if err != nil {
		alerts.Alert(context.Background(), "sot store open failed", err.Error(),
			alert.Critical, map[string]string{"path": cfg.Store.SOTPath})
		return nil, fmt.Errorf("%w: open sot store %s: %v", apperrors.ErrStoreError, cfg.Store.SOTPath, err)
	}

	tsStore, err := ts.New(ts.Options{
		Path:         cfg.Store.TSPath,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		MaxIdleConns: cfg.Store.MaxIdleConns,
		BusyTimeout:  busy,
	}, logger)
	if err != nil {
		sotStore.Close()
		alerts.Alert(context.Background(), "ts store open failed", err.Error(),
			alert.Critical, map[string]string{"path": cfg.Store.TSPath})
		return nil, fmt.Errorf("%w: open ts store %s: %v", apperrors.ErrStoreError, cfg.Store.TSPath, err)
	}

	source := buildPriceSource(cfg, clock, logger)

	riskEngine := risk.NewEngine(cfg.Risk, source, tsStore, clock, logger)
	executor := execution.NewEngine(cfg.Execution, sotStore, tsStore, source, clock, random, logger)
	queue := approval.NewService(sotStore, riskEngine, executor, source, clock, logger)
	pyramids := pyramid.NewManager(
		time.Duration(cfg.Pyramid.TimerIntervalMs)*time.Millisecond,
		sotStore, queue, executor, source, clock, logger)

	// Rejections reach the pyramid manager so a refused wave stops its
	// session instead of stalling it.
	queue.OnResolved(pyramids.HandleResolution)

	// A paused engine means an operator has to look, whether the pause came
	// from the API or from a store invariant failure.
	executor.OnPause(func(reason string) {
		alerts.Alert(context.Background(), "execution paused", reason,
			alert.Critical, map[string]string{"component": "execution_engine"})
	})

	breaker := risk.NewCircuitBreaker(risk.CircuitConfig{CooldownPeriod: breakerCooldown})

	var (
		hub  *liveserver.Hub
		ws   *liveserver.Server
		pool *concurrency.WorkerPool
	)
	if cfg.Server.EnableLiveHub {
		hub = liveserver.NewHub(logger)
		ws = liveserver.NewServer(hub, logger, []string{"*"})
		pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "BroadcastPool",
			MaxWorkers:  cfg.Concurrency.BroadcastPoolSize,
			MaxCapacity: cfg.Concurrency.BroadcastPoolBuffer,
			NonBlocking: true,
		}, logger)
	}

	coord := coordinator.New(cfg.Concurrency.FillQueueBuffer, tsStore, pyramids, breaker, alerts, hub, pool, logger)

	// Every appended fill flows through the coordinator, which owns the
	// derived-state ordering guarantee.
	executor.OnFill(coord.Enqueue)

	if hub != nil {
		queue.OnQueued(func(p *core.PendingOrder) {
			hub.Broadcast(liveserver.NewPendingMessage(map[string]interface{}{
				"id":              p.ID,
				"client_order_id": p.ClientOrderID,
				"symbol":          p.Symbol,
				"side":            p.Side,
				"order_type":      p.OrderType,
				"quantity":        p.Quantity,
				"price":           p.Price,
				"source":          p.Source,
				"risk_note":       p.RiskNote,
				"created_at":      p.CreatedAt,
			}))
		})
		queue.OnResolved(func(ev core.PendingResolved) {
			hub.Broadcast(liveserver.NewOrderEventMessage(map[string]interface{}{
				"pending_id":  ev.Pending.ID,
				"symbol":      ev.Pending.Symbol,
				"outcome":     ev.Outcome,
				"reviewer":    ev.Reviewer,
				"note":        ev.Note,
				"order_id":    ev.Pending.OrderID,
				"resolved_at": ev.ResolvedAt,
			}))
		})
		pyramids.OnSessionChange(func(sess *core.PyramidSession) {
			hub.Broadcast(liveserver.NewSessionMessage(map[string]interface{}{
				"id":           sess.ID,
				"symbol":       sess.Symbol,
				"status":       sess.Status,
				"current_wave": sess.CurrentWave,
				"total_qty":    sess.TotalFilledQty,
				"total_cost":   sess.TotalCost,
				"avg_price":    sess.AvgPrice,
				"fund_flagged": sess.FundFlagged,
				"stop_reason":  sess.StopReason,
			}))
		})
	}

	monitor := health.NewHealthManager(logger)
	monitor.Register("sot_store", pingCheck(sotStore.Ping))
	monitor.Register("ts_store", pingCheck(tsStore.Ping))
	monitor.Register("coordinator", func() error {
		if breaker.IsTripped() {
			return fmt.Errorf("circuit open: %s", breaker.TrippedBy())
		}
		return nil
	})

	deps := server.Deps{
		Queue:                queue,
		Pyramids:             pyramids,
		SOT:                  sotStore,
		TS:                   tsStore,
		Exec:                 executor,
		Source:               source,
		Health:               monitor,
		Importer:             intake.NewImporter(queue, logger),
		DefaultPipMultiplier: decimal.NewFromFloat(cfg.Risk.PipMultiplier),
	}
	if static, ok := source.(*marketdata.StaticSource); ok {
		deps.Override = static
	}
	if ws != nil {
		deps.LiveWS = ws.Handler()
	}

	app := &App{
		cfg:      cfg,
		logger:   logger,
		sotStore: sotStore,
		tsStore:  tsStore,
		source:   source,
		executor: executor,
		queue:    queue,
		pyramids: pyramids,
		coord:    coord,
		breaker:  breaker,
		alerts:   alerts,
		hub:      hub,
		ws:       ws,
		pool:     pool,
		api:      server.New(cfg.Server, deps, logger),
	}
	if cfg.Telemetry.EnableMetrics && cfg.Telemetry.MetricsPort > 0 && cfg.Telemetry.MetricsPort != cfg.Server.Port {
		app.metrics = metrics.NewServer(cfg.Telemetry.MetricsPort, logger)
	}
	return app, nil
}

// buildPriceSource picks the live cached feed when a base URL is configured
// and the operator-set static source otherwise.
func buildPriceSource(cfg *Config, clock core.IClock, logger core.ILogger) core.IPriceSource {
	if cfg.PriceSource.BaseURL == "" {
		logger.Warn("price_source.base_url not set, serving operator-set prices only")
		return marketdata.NewStaticSource(cfg.Symbols, clock)
	}
	fetcher := marketdata.NewRESTFetcher(
		cfg.PriceSource.BaseURL,
		time.Duration(cfg.PriceSource.FetchTimeoutMs)*time.Millisecond,
		logger)
	return marketdata.NewCachedSource(cfg.PriceSource, cfg.Symbols, fetcher, clock, logger)
}

func pingCheck(ping func(context.Context) error) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return ping(ctx)
	}
}

// Run executes preflight, starts every component, blocks until ctx is
// cancelled, then shuts down in reverse order. Components get their own
// lifetimes: producers stop before the coordinator so no fill is ever
// enqueued after the drain.
func (a *App) Run(ctx context.Context) error {
	if err := safety.NewChecker(a.logger).RunAll(ctx, a.cfg, a.source, a.sotStore); err != nil {
		a.closeStores()
		return err
	}

	var hubCancel context.CancelFunc
	if a.hub != nil {
		hubCtx, cancel := context.WithCancel(context.Background())
		hubCancel = cancel
		go a.hub.Run(hubCtx)
	}

	runCtx := context.Background()
	if err := a.coord.Start(runCtx); err != nil {
		a.closeStores()
		return fmt.Errorf("start coordinator: %w", err)
	}
	if err := a.executor.Start(runCtx); err != nil {
		a.coord.Stop()
		a.closeStores()
		return fmt.Errorf("start execution engine: %w", err)
	}
	if err := a.pyramids.Start(runCtx); err != nil {
		a.executor.Stop()
		a.coord.Stop()
		a.closeStores()
		return fmt.Errorf("start pyramid manager: %w", err)
	}
	a.api.Start()
	if a.metrics != nil {
		a.metrics.Start()
	}

	a.logger.Info("platform is running",
		"api_port", a.cfg.Server.Port,
		"live_hub", a.cfg.Server.EnableLiveHub,
		"sot", a.cfg.Store.SOTPath,
		"ts", a.cfg.Store.TSPath)

	<-ctx.Done()
	a.logger.Info("shutdown requested, stopping components")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.api.Stop(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown failed", "error", err)
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown failed", "error", err)
		}
	}
	if err := a.pyramids.Stop(); err != nil {
		a.logger.Error("pyramid manager shutdown failed", "error", err)
	}
	if err := a.executor.Stop(); err != nil {
		a.logger.Error("execution engine shutdown failed", "error", err)
	}
	if err := a.coord.Stop(); err != nil {
		a.logger.Error("coordinator shutdown failed", "error", err)
	}
	if a.pool != nil {
		a.pool.Stop()
	}
	if hubCancel != nil {
		hubCancel()
	}
	a.closeStores()

	a.logger.Info("platform stopped")
	return nil
}

func (a *App) closeStores() {
	if err := a.sotStore.Close(); err != nil {
		a.logger.Error("closing sot store failed", "error", err)
	}
	if err := a.tsStore.Close(); err != nil {
		a.logger.Error("closing ts store failed", "error", err)
	}
}
