package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/core"
)

func (e *Engine) runStopScanner(ctx context.Context) {
	interval := time.Duration(e.cfg.StopScanIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ScanStops(ctx); err != nil {
				e.logger.Error("stop scan failed", "error", err)
			}
		}
	}
}

// ScanStops runs one pass over armed stop orders. An unavailable price skips
// the order with a STOP_SCAN_SKIPPED event and leaves the stop armed for the
// next tick. The background loop calls this every scan interval; tests call
// it directly.
func (e *Engine) ScanStops(ctx context.Context) error {
	if e.paused.Load() {
		return nil
	}

	stops, err := e.store.ListOrders(ctx, core.OrderFilter{
		OrderType: core.OrderTypeStopLoss,
		Status:    core.OrderStatusNew,
	})
	if err != nil {
		return err
	}
	if len(stops) == 0 {
		return nil
	}

	// One price lookup per symbol per tick.
	quotes := make(map[string]decimal.Decimal)
	unavailable := make(map[string]string)

	for _, o := range stops {
		price, havePrice := quotes[o.Symbol]
		reason, failed := unavailable[o.Symbol]
		if !havePrice && !failed {
			q, err := e.source.CurrentPrice(ctx, o.Symbol)
			if err != nil {
				reason, failed = err.Error(), true
				unavailable[o.Symbol] = reason
			} else {
				price, havePrice = q.Price, true
				quotes[o.Symbol] = price
			}
		}

		if failed {
			payload := fmt.Sprintf(`{"reason":%q}`, reason)
			if _, err := e.store.AppendEvent(ctx, o.ID, core.EventStopScanSkipped, payload); err != nil {
				e.logger.Error("append stop scan event", "order_id", o.ID, "error", err)
			}
			continue
		}

		if !stopTriggered(o.Side, price, o.StopPrice) {
			continue
		}
		if err := e.triggerStop(ctx, o, price); err != nil {
			e.logger.Error("stop trigger failed", "order_id", o.ID, "error", err)
		}
	}
	return nil
}

func stopTriggered(side core.Side, current, stop decimal.Decimal) bool {
	if side == core.SideSell {
		return current.LessThanOrEqual(stop)
	}
	return current.GreaterThanOrEqual(stop)
}

// triggerStop moves NEW -> TRIGGERED and executes at the scanned price, not
// the stop price.
func (e *Engine) triggerStop(ctx context.Context, o *core.Order, current decimal.Decimal) error {
	if err := e.store.UpdateOrderStatus(ctx, o.ID, core.OrderStatusNew, core.OrderStatusTriggered, o.RemainingQty, time.Time{}); err != nil {
		return e.guardWrite(err)
	}
	o.Status = core.OrderStatusTriggered

	payload := fmt.Sprintf(`{"stop_price":%q,"current_price":%q}`, o.StopPrice.String(), current.String())
	if _, err := e.store.AppendEvent(ctx, o.ID, core.EventTriggered, payload); err != nil {
		return err
	}
	e.logger.Info("stop triggered",
		"order_id", o.ID, "symbol", o.Symbol,
		"stop_price", o.StopPrice.String(), "current_price", current.String())

	return e.executeAll(ctx, o, current)
}
