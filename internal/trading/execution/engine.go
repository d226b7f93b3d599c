// Package execution implements the deterministic paper engine: slippage and
// fee modelling, partial fills, stop-loss scanning and latency-scheduled
// dispatch. All randomness flows through the injected RandomSource and all
// time through the injected Clock, so a seeded run replays exactly.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/config"
	"github.com/KaisukaTran/findmy-fm/internal/core"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
	"github.com/KaisukaTran/findmy-fm/pkg/tradingutils"
)

// PositionView is the read surface for SELL validation and realized PnL.
// The TS store satisfies it.
type PositionView interface {
	GetPosition(ctx context.Context, symbol string) (*core.Position, error)
}

// Engine owns order execution against the SOT store.
type Engine struct {
	cfg       config.ExecutionConfig
	store     core.ISOTStore
	positions PositionView
	source    core.IPriceSource
	clock     core.IClock
	random    core.IRandomSource
	logger    core.ILogger

	dispatcher *dispatcher
	paused     atomic.Bool

	fillMu sync.RWMutex
	onFill []func(core.FillEvent)

	pauseMu sync.RWMutex
	onPause []func(reason string)

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

var _ core.IExecutionEngine = (*Engine)(nil)

// NewEngine builds a paper execution engine. The random source should be
// seeded from config so runs replay.
func NewEngine(cfg config.ExecutionConfig, store core.ISOTStore, positions PositionView, source core.IPriceSource, clock core.IClock, random core.IRandomSource, logger core.ILogger) *Engine {
	e := &Engine{
		cfg:       cfg,
		store:     store,
		positions: positions,
		source:    source,
		clock:     clock,
		random:    random,
		logger:    logger.WithField("component", "execution_engine"),
	}
	e.dispatcher = newDispatcher(e, clock, e.logger)
	return e
}

// OnFill registers a callback invoked after every appended fill. Callbacks
// run on the executing goroutine and must not block.
func (e *Engine) OnFill(cb func(core.FillEvent)) {
	e.fillMu.Lock()
	defer e.fillMu.Unlock()
	e.onFill = append(e.onFill, cb)
}

func (e *Engine) publishFill(o *core.Order, f *core.Fill) {
	e.fillMu.RLock()
	cbs := make([]func(core.FillEvent), len(e.onFill))
	copy(cbs, e.onFill)
	e.fillMu.RUnlock()

	snapshot := *o
	for _, cb := range cbs {
		cb(core.FillEvent{Order: &snapshot, Fill: f})
	}
}

// Start launches the latency dispatcher and the stop-loss scanner, and
// re-schedules PENDING orders left over from a previous run.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.started {
		return nil
	}

	if err := e.recoverPending(ctx); err != nil {
		return fmt.Errorf("recover pending orders: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.dispatcher.run(runCtx)
	}()
	go func() {
		defer e.wg.Done()
		e.runStopScanner(runCtx)
	}()
	e.started = true
	e.logger.Info("execution engine started",
		"latency_ms", e.cfg.DefaultLatencyMs,
		"fill_pct", e.cfg.DefaultFillPct,
		"stop_scan_interval_ms", e.cfg.StopScanIntervalMs)
	return nil
}

// Stop halts the background loops and waits for them to drain.
func (e *Engine) Stop() error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if !e.started {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	e.started = false
	e.logger.Info("execution engine stopped")
	return nil
}

// OnPause registers a callback invoked when execution transitions into the
// paused state. Pausing an already-paused engine does not re-fire.
func (e *Engine) OnPause(cb func(reason string)) {
	e.pauseMu.Lock()
	defer e.pauseMu.Unlock()
	e.onPause = append(e.onPause, cb)
}

// Pause halts all execution until an operator resumes. Armed stops stay
// armed and scheduled orders stay queued; nothing fills while paused.
func (e *Engine) Pause(reason string) {
	if !e.paused.CompareAndSwap(false, true) {
		return
	}
	e.logger.Error("execution paused", "reason", reason)

	e.pauseMu.RLock()
	cbs := make([]func(string), len(e.onPause))
	copy(cbs, e.onPause)
	e.pauseMu.RUnlock()
	for _, cb := range cbs {
		cb(reason)
	}
}

// Resume lifts a pause.
func (e *Engine) Resume() {
	e.paused.Store(false)
	e.logger.Info("execution resumed")
}

// Paused reports whether execution is held.
func (e *Engine) Paused() bool {
	return e.paused.Load()
}

// guardWrite pauses execution when a store write reports a broken
// invariant. Recoverable errors pass through for the caller to handle.
func (e *Engine) guardWrite(err error) error {
	if err != nil && apperrors.IsInternal(err) {
		e.Pause("store invariant violation: " + err.Error())
	}
	return err
}

// Submit appends the order and executes it according to its type: stops are
// armed for the scanner, latency orders are scheduled, everything else fills
// inline. Idempotent on client_order_id: a duplicate returns the existing
// order untouched.
func (e *Engine) Submit(ctx context.Context, intent *core.PendingOrder) (*core.Order, error) {
	if e.paused.Load() {
		return nil, apperrors.ErrExecutionPaused
	}

	if intent.ClientOrderID != "" {
		existing, err := e.store.GetOrderByClientID(ctx, intent.ClientOrderID)
		if err == nil {
			e.logger.Info("duplicate client order id, returning existing",
				"client_order_id", intent.ClientOrderID, "order_id", existing.ID)
			return existing, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}

	now := e.clock.Now().UTC()
	o := &core.Order{
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		OrderType:     intent.OrderType,
		Qty:           intent.Quantity,
		RemainingQty:  intent.Quantity,
		Price:         intent.Price,
		StopPrice:     intent.StopPrice,
		Status:        core.OrderStatusNew,
		Source:        intent.Source,
		SourceRef:     intent.SourceRef,
		StrategyName:  intent.StrategyName,
		Maker:         intent.OrderType == core.OrderTypeLimit,
		MakerFeeRate:  decimal.NewFromFloat(e.cfg.DefaultMakerFee),
		TakerFeeRate:  decimal.NewFromFloat(e.cfg.DefaultTakerFee),
		LatencyMs:     int64(e.cfg.DefaultLatencyMs),
		SubmittedAt:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if o.ClientOrderID == "" {
		o.ClientOrderID = uuid.NewString()
	}

	o, err := e.store.AppendOrder(ctx, o)
	if err != nil {
		return nil, err
	}

	switch {
	case o.OrderType == core.OrderTypeStopLoss:
		// Armed; the scanner owns it from here.
		payload := fmt.Sprintf(`{"stop_price":%q}`, o.StopPrice.String())
		if _, err := e.store.AppendEvent(ctx, o.ID, core.EventSubmitted, payload); err != nil {
			return nil, err
		}
		e.logger.Info("stop order armed", "order_id", o.ID, "symbol", o.Symbol, "stop_price", o.StopPrice.String())
		return o, nil

	case o.LatencyMs > 0:
		return e.scheduleOrder(ctx, o)

	default:
		refPrice, err := e.referencePrice(ctx, o)
		if err != nil {
			return nil, err
		}
		if err := e.executeAll(ctx, o, refPrice); err != nil {
			return o, err
		}
		return o, nil
	}
}

// Cancel moves a non-terminal order to CANCELLED. Scheduled work is skipped;
// the dispatcher re-checks status before executing.
func (e *Engine) Cancel(ctx context.Context, orderID int64, reason string) error {
	o, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if !core.CanTransition(o.Status, core.OrderStatusCancelled) {
		return fmt.Errorf("%w: order %d is %s", apperrors.ErrOrderNotCancellable, orderID, o.Status)
	}

	if err := e.store.UpdateOrderStatus(ctx, orderID, o.Status, core.OrderStatusCancelled, o.RemainingQty, time.Time{}); err != nil {
		return e.guardWrite(err)
	}
	payload := fmt.Sprintf(`{"reason":%q}`, reason)
	if _, err := e.store.AppendEvent(ctx, orderID, core.EventCancelled, payload); err != nil {
		return err
	}
	e.dispatcher.remove(orderID)
	e.logger.Info("order cancelled", "order_id", orderID, "reason", reason)
	return nil
}

// PendingProgress reports elapsed, remaining and percent progress for every
// latency-scheduled order. Purely a view.
func (e *Engine) PendingProgress() []core.PendingProgress {
	return e.dispatcher.progress()
}

// DispatchDue runs one dispatcher pass, executing every due order in
// submission order. The background loop calls this on timer expiry; tests
// and replay drivers call it directly.
func (e *Engine) DispatchDue(ctx context.Context) int {
	return e.dispatcher.dispatchDue(ctx)
}

func (e *Engine) scheduleOrder(ctx context.Context, o *core.Order) (*core.Order, error) {
	jitter := time.Duration(0)
	if e.cfg.RandomLatencyMs > 0 {
		jitter = time.Duration(e.random.Float64() * float64(e.cfg.RandomLatencyMs) * float64(time.Millisecond))
	}
	due := o.SubmittedAt.Add(time.Duration(o.LatencyMs)*time.Millisecond + jitter)

	if err := e.store.UpdateOrderStatus(ctx, o.ID, core.OrderStatusNew, core.OrderStatusPending, o.RemainingQty, time.Time{}); err != nil {
		return nil, e.guardWrite(err)
	}
	o.Status = core.OrderStatusPending

	payload := fmt.Sprintf(`{"latency_ms":%d,"due_at":%q}`, o.LatencyMs, due.UTC().Format(time.RFC3339Nano))
	if _, err := e.store.AppendEvent(ctx, o.ID, core.EventSubmitted, payload); err != nil {
		return nil, err
	}

	e.dispatcher.schedule(o, due)
	e.logger.Info("order scheduled", "order_id", o.ID, "symbol", o.Symbol,
		"latency_ms", o.LatencyMs, "due_at", due.UTC().Format(time.RFC3339Nano))
	return o, nil
}

// recoverPending re-schedules PENDING orders from a previous run. Past-due
// orders become due immediately.
func (e *Engine) recoverPending(ctx context.Context) error {
	pending, err := e.store.ListOrders(ctx, core.OrderFilter{Status: core.OrderStatusPending})
	if err != nil {
		return err
	}
	// Listings come newest first; recover in submission order.
	now := e.clock.Now()
	for i := len(pending) - 1; i >= 0; i-- {
		o := pending[i]
		due := o.SubmittedAt.Add(time.Duration(o.LatencyMs) * time.Millisecond)
		if due.Before(now) {
			due = now
		}
		e.dispatcher.schedule(o, due)
		e.logger.Info("recovered scheduled order", "order_id", o.ID, "due_at", due.UTC().Format(time.RFC3339Nano))
	}
	return nil
}

// referencePrice resolves the price a fill is computed from: the accepted
// order price, or the live price for market orders submitted without one.
func (e *Engine) referencePrice(ctx context.Context, o *core.Order) (decimal.Decimal, error) {
	if !o.Price.IsZero() {
		return o.Price, nil
	}
	q, err := e.source.CurrentPrice(ctx, o.Symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return q.Price, nil
}

// executeAll fills the order to completion at refPrice. With fill_pct < 1
// each pass appends one partial fill; passes repeat until nothing remains.
func (e *Engine) executeAll(ctx context.Context, o *core.Order, refPrice decimal.Decimal) error {
	info, err := e.source.ExchangeInfo(ctx, o.Symbol)
	if err != nil {
		return err
	}
	for !o.Terminal() && o.RemainingQty.IsPositive() {
		if err := e.fillOnce(ctx, o, refPrice, info.StepSize); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) fillOnce(ctx context.Context, o *core.Order, refPrice, step decimal.Decimal) error {
	fillQty := o.RemainingQty
	if e.cfg.DefaultFillPct < 1 {
		pct := decimal.NewFromFloat(e.cfg.DefaultFillPct)
		fillQty = tradingutils.RoundToStep(o.RemainingQty.Mul(pct), step)
		if !fillQty.IsPositive() {
			// Below one step; close the order out instead of stalling.
			fillQty = o.RemainingQty
		}
	}

	slip := e.drawSlippage(o.Side, refPrice)
	effective := refPrice.Add(slip)

	feeRate := o.TakerFeeRate
	liquidity := core.LiquidityTaker
	if o.Maker {
		feeRate = o.MakerFeeRate
		liquidity = core.LiquidityMaker
	}
	fees := effective.Mul(fillQty).Mul(feeRate)

	realized := decimal.Zero
	if o.Side == core.SideSell {
		pos, err := e.positions.GetPosition(ctx, o.Symbol)
		if err != nil {
			return fmt.Errorf("position lookup for %s: %w", o.Symbol, err)
		}
		if pos.Quantity.LessThan(fillQty) {
			return e.cancelInsufficient(ctx, o, pos.Quantity, fillQty)
		}
		realized = effective.Sub(pos.AvgEntryPrice).Mul(fillQty).Sub(fees)
	}

	newRemaining := o.RemainingQty.Sub(fillQty)
	status := core.OrderStatusPartiallyFilled
	if !newRemaining.IsPositive() {
		status = core.OrderStatusFilled
		newRemaining = decimal.Zero
	}

	fill := &core.Fill{
		OrderID:        o.ID,
		FillQty:        fillQty,
		FillPrice:      refPrice,
		EffectivePrice: effective,
		Fees:           fees,
		SlippageAmount: slip,
		Liquidity:      liquidity,
		FilledAt:       e.clock.Now().UTC(),
	}
	fill, err := e.store.AppendFill(ctx, fill, newRemaining, status, realized)
	if err != nil {
		return e.guardWrite(err)
	}

	o.RemainingQty = newRemaining
	o.Status = status
	o.ExecutedAt = fill.FilledAt
	o.UpdatedAt = fill.FilledAt

	e.logger.Info("order filled",
		"order_id", o.ID, "symbol", o.Symbol, "side", string(o.Side),
		"fill_qty", fillQty.String(), "effective_price", effective.String(),
		"fees", fees.String(), "status", string(status))
	e.publishFill(o, fill)
	return nil
}

func (e *Engine) cancelInsufficient(ctx context.Context, o *core.Order, held, wanted decimal.Decimal) error {
	if err := e.store.UpdateOrderStatus(ctx, o.ID, o.Status, core.OrderStatusCancelled, o.RemainingQty, time.Time{}); err != nil {
		return e.guardWrite(err)
	}
	payload := fmt.Sprintf(`{"error":"insufficient position","held":%q,"requested":%q}`, held.String(), wanted.String())
	if _, err := e.store.AppendEvent(ctx, o.ID, core.EventError, payload); err != nil {
		return err
	}
	o.Status = core.OrderStatusCancelled

	e.logger.Warn("sell rejected, insufficient position",
		"order_id", o.ID, "symbol", o.Symbol, "held", held.String(), "requested", wanted.String())
	return fmt.Errorf("%w: sell %s exceeds position %s on %s",
		apperrors.ErrInsufficientPosition, wanted.String(), held.String(), o.Symbol)
}

// drawSlippage draws uniform slippage in [0, slippage_pct) of the price,
// positive for BUY and negative for SELL.
func (e *Engine) drawSlippage(side core.Side, price decimal.Decimal) decimal.Decimal {
	if e.cfg.DefaultSlippagePct <= 0 {
		return decimal.Zero
	}
	frac := decimal.NewFromFloat(e.random.Float64() * e.cfg.DefaultSlippagePct / 100)
	slip := frac.Mul(price)
	if side == core.SideSell {
		slip = slip.Neg()
	}
	return slip
}
