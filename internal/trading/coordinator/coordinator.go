// Package coordinator owns the fill fan-out. A single consumer drains a
// buffered channel of fill events and applies each one in a fixed order:
// derived trade and position state first, pyramid progression second,
// dashboard broadcast last. One consumer means fills for the same order
// land in their append order without any further locking.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/KaisukaTran/findmy-fm/internal/alert"
	"github.com/KaisukaTran/findmy-fm/internal/core"
	"github.com/KaisukaTran/findmy-fm/pkg/concurrency"
	"github.com/KaisukaTran/findmy-fm/pkg/liveserver"
	"github.com/KaisukaTran/findmy-fm/pkg/telemetry"
)

// FillHook receives fills whose originating order carries a pyramid ref.
type FillHook interface {
	HandleFill(ctx context.Context, ev core.FillEvent) error
}

const applyTimeout = 5 * time.Second

type Coordinator struct {
	ts      core.ITSStore
	pyramid FillHook
	breaker core.ICircuitBreaker
	alerts  *alert.AlertManager
	hub     *liveserver.Hub
	pool    *concurrency.WorkerPool
	logger  core.ILogger

	events chan core.FillEvent

	processed metric.Int64Counter
	stageErrs metric.Int64Counter

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds a coordinator over a buffer-sized fill channel. The pyramid
// hook, hub, pool, breaker and alerts are all optional; a nil consumer is
// simply skipped during fan-out.
func New(buffer int, ts core.ITSStore, pyramid FillHook, breaker core.ICircuitBreaker, alerts *alert.AlertManager, hub *liveserver.Hub, pool *concurrency.WorkerPool, logger core.ILogger) *Coordinator {
	if buffer <= 0 {
		buffer = 256
	}
	meter := telemetry.GetMeter("coordinator")
	processed, _ := meter.Int64Counter("fills_processed_total",
		metric.WithDescription("Fills drained from the coordinator queue"))
	stageErrs, _ := meter.Int64Counter("fill_stage_errors_total",
		metric.WithDescription("Fan-out stage failures by stage"))
	return &Coordinator{
		ts:        ts,
		pyramid:   pyramid,
		breaker:   breaker,
		alerts:    alerts,
		hub:       hub,
		pool:      pool,
		logger:    logger.WithField("component", "coordinator"),
		events:    make(chan core.FillEvent, buffer),
		processed: processed,
		stageErrs: stageErrs,
	}
}

// Enqueue hands a fill to the fan-out loop. When the buffer is full the call
// blocks: execution backpressures rather than losing a fill. The fill itself
// is already durable in SOT at this point, so a crash here loses nothing
// that a rebuild cannot recover.
func (c *Coordinator) Enqueue(ev core.FillEvent) {
	c.events <- ev
}

// Depth reports how many fills are waiting in the buffer.
func (c *Coordinator) Depth() int {
	return len(c.events)
}

// Start launches the consumer loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(runCtx)
	}()
	c.started = true
	c.logger.Info("coordinator started", "buffer", cap(c.events))
	return nil
}

// Stop ends the consumer after draining what is already buffered. Producers
// must be stopped first; a producer blocked in Enqueue after Stop would wait
// forever.
func (c *Coordinator) Stop() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.started {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.started = false
	c.logger.Info("coordinator stopped")
	return nil
}

func (c *Coordinator) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.drain()
			return
		case ev := <-c.events:
			// Detached from the run context: a fill picked up in the same
			// instant Stop cancels must still be applied, not dropped.
			c.process(context.WithoutCancel(ctx), ev)
		}
	}
}

// drain applies buffered fills on shutdown under a fresh deadline so the
// derived stores do not start the next run behind.
func (c *Coordinator) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-c.events:
			if ctx.Err() != nil {
				c.logger.Warn("drain deadline hit, remaining fills recover via rebuild",
					"remaining", len(c.events)+1)
				return
			}
			c.process(ctx, ev)
		default:
			return
		}
	}
}

func (c *Coordinator) process(ctx context.Context, ev core.FillEvent) {
	if c.breaker != nil && c.breaker.IsTripped() {
		// Facts are safe in SOT; derived state catches up from a rebuild
		// once the operator clears the fault.
		c.logger.Warn("circuit open, skipping fan-out",
			"order_id", ev.Order.ID, "fill_id", ev.Fill.ID, "tripped_by", c.breaker.TrippedBy())
		return
	}

	applyCtx, cancel := context.WithTimeout(ctx, applyTimeout)
	defer cancel()

	if err := c.ts.ApplyFill(applyCtx, ev.Order, ev.Fill); err != nil {
		c.stageFailed(ctx, "ts_apply", err, ev)
	} else {
		c.stageSucceeded("ts_apply")
		c.refreshPosition(applyCtx, ev.Order.Symbol)
	}

	if c.pyramid != nil {
		if _, ok := core.ParsePyramidRef(ev.Order.SourceRef); ok {
			if err := c.pyramid.HandleFill(applyCtx, ev); err != nil {
				c.stageFailed(ctx, "pyramid_hook", err, ev)
			} else {
				c.stageSucceeded("pyramid_hook")
			}
		}
	}

	c.publish(ev)
	c.processed.Add(ctx, 1)
}

func (c *Coordinator) stageSucceeded(stage string) {
	if c.breaker != nil {
		c.breaker.RecordSuccess(stage)
	}
}

func (c *Coordinator) stageFailed(ctx context.Context, stage string, err error, ev core.FillEvent) {
	c.logger.Error("fill fan-out stage failed",
		"stage", stage, "order_id", ev.Order.ID, "fill_id", ev.Fill.ID, "error", err)
	c.stageErrs.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
	if c.breaker == nil {
		return
	}
	wasTripped := c.breaker.IsTripped()
	c.breaker.RecordFailure(stage)
	if wasTripped || !c.breaker.IsTripped() {
		return
	}
	if c.alerts != nil {
		c.alerts.Alert(ctx, "coordinator circuit open",
			fmt.Sprintf("stage %s failed repeatedly, last error: %v", stage, err),
			alert.Critical, map[string]string{
				"stage":    stage,
				"order_id": fmt.Sprintf("%d", ev.Order.ID),
			})
	}
	if c.hub != nil {
		c.hub.Broadcast(liveserver.NewRiskStatusMessage(map[string]string{
			"state":      "circuit_open",
			"stage":      stage,
			"tripped_by": c.breaker.TrippedBy(),
		}))
	}
}

// refreshPosition reads the projected position once and feeds both the
// per-symbol gauges and the dashboard.
func (c *Coordinator) refreshPosition(ctx context.Context, symbol string) {
	pos, err := c.ts.GetPosition(ctx, symbol)
	if err != nil {
		return
	}
	m := telemetry.GetGlobalMetrics()
	m.SetPositionSize(symbol, pos.Quantity.InexactFloat64())
	m.SetRealizedPnL(symbol, pos.RealizedPnL.InexactFloat64())

	if c.hub != nil {
		c.hub.Broadcast(liveserver.NewPositionMessage(map[string]interface{}{
			"symbol":       symbol,
			"quantity":     pos.Quantity,
			"avg_entry":    pos.AvgEntryPrice,
			"realized_pnl": pos.RealizedPnL,
			"updated_at":   pos.UpdatedAt,
		}))
	}
}

// fillMessage is the dashboard wire shape for one fill.
type fillMessage struct {
	OrderID        int64            `json:"order_id"`
	Symbol         string           `json:"symbol"`
	Side           core.Side        `json:"side"`
	OrderStatus    core.OrderStatus `json:"order_status"`
	FillQty        decimal.Decimal  `json:"fill_qty"`
	FillPrice      decimal.Decimal  `json:"fill_price"`
	EffectivePrice decimal.Decimal  `json:"effective_price"`
	Fees           decimal.Decimal  `json:"fees"`
	SourceRef      string           `json:"source_ref,omitempty"`
	FilledAt       time.Time        `json:"filled_at"`
}

// publish pushes the fill to the dashboard. Strictly best-effort: a full
// pool or hub drops the message and the core never notices.
func (c *Coordinator) publish(ev core.FillEvent) {
	if c.hub == nil {
		return
	}
	msg := liveserver.NewFillMessage(fillMessage{
		OrderID:        ev.Order.ID,
		Symbol:         ev.Order.Symbol,
		Side:           ev.Order.Side,
		OrderStatus:    ev.Order.Status,
		FillQty:        ev.Fill.FillQty,
		FillPrice:      ev.Fill.FillPrice,
		EffectivePrice: ev.Fill.EffectivePrice,
		Fees:           ev.Fill.Fees,
		SourceRef:      ev.Order.SourceRef,
		FilledAt:       ev.Fill.FilledAt,
	})
	if c.pool != nil {
		if !c.pool.TrySubmit(func() { c.hub.Broadcast(msg) }) {
			c.logger.Debug("broadcast pool full, dropping fill message", "order_id", ev.Order.ID)
		}
		return
	}
	c.hub.Broadcast(msg)
}
