package execution

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	"github.com/KaisukaTran/findmy-fm/pkg/telemetry"
)

// scheduledOrder is one latency-delayed execution waiting for its due time.
type scheduledOrder struct {
	orderID       int64
	clientOrderID string
	symbol        string
	side          core.Side
	submittedAt   time.Time
	dueAt         time.Time
	seq           int64
	index         int
}

// scheduleHeap orders by due time; seq breaks ties so equal due times pop in
// submission order.
type scheduleHeap []*scheduledOrder

func (h scheduleHeap) Len() int { return len(h) }

func (h scheduleHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h scheduleHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *scheduleHeap) Push(x interface{}) {
	entry := x.(*scheduledOrder)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *scheduleHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// dispatcher schedules latency-delayed orders and executes them once due.
// Due orders always execute in submission order regardless of jitter.
type dispatcher struct {
	engine *Engine
	clock  core.IClock
	logger core.ILogger

	mu   sync.Mutex
	h    scheduleHeap
	byID map[int64]*scheduledOrder
	seq  int64
	wake chan struct{}
}

func newDispatcher(e *Engine, clock core.IClock, logger core.ILogger) *dispatcher {
	return &dispatcher{
		engine: e,
		clock:  clock,
		logger: logger,
		byID:   make(map[int64]*scheduledOrder),
		wake:   make(chan struct{}, 1),
	}
}

func (d *dispatcher) schedule(o *core.Order, due time.Time) {
	d.mu.Lock()
	d.seq++
	entry := &scheduledOrder{
		orderID:       o.ID,
		clientOrderID: o.ClientOrderID,
		symbol:        o.Symbol,
		side:          o.Side,
		submittedAt:   o.SubmittedAt,
		dueAt:         due,
		seq:           d.seq,
	}
	heap.Push(&d.h, entry)
	d.byID[o.ID] = entry
	scheduled := len(d.byID)
	d.mu.Unlock()

	telemetry.GetGlobalMetrics().SetScheduledOrders(int64(scheduled))
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) remove(orderID int64) {
	d.mu.Lock()
	if entry, ok := d.byID[orderID]; ok {
		heap.Remove(&d.h, entry.index)
		delete(d.byID, orderID)
	}
	scheduled := len(d.byID)
	d.mu.Unlock()
	telemetry.GetGlobalMetrics().SetScheduledOrders(int64(scheduled))
}

// run waits for the earliest due time, then dispatches everything due. New
// schedules wake the loop so a shorter deadline takes effect immediately.
func (d *dispatcher) run(ctx context.Context) {
	for {
		d.mu.Lock()
		wait := time.Hour
		if len(d.h) > 0 {
			wait = d.h[0].dueAt.Sub(d.clock.Now())
			if wait < 0 {
				wait = 0
			}
		}
		d.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-d.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}
		d.dispatchDue(ctx)
	}
}

// dispatchDue pops every due entry and executes them in submission order.
// Returns the number of orders executed.
func (d *dispatcher) dispatchDue(ctx context.Context) int {
	if d.engine.paused.Load() {
		return 0
	}
	now := d.clock.Now()

	d.mu.Lock()
	var due []*scheduledOrder
	for len(d.h) > 0 && !d.h[0].dueAt.After(now) {
		entry := heap.Pop(&d.h).(*scheduledOrder)
		delete(d.byID, entry.orderID)
		due = append(due, entry)
	}
	scheduled := len(d.byID)
	d.mu.Unlock()
	telemetry.GetGlobalMetrics().SetScheduledOrders(int64(scheduled))

	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })

	executed := 0
	for _, entry := range due {
		ran, err := d.dispatch(ctx, entry)
		if err != nil {
			d.logger.Error("dispatch failed", "order_id", entry.orderID, "error", err)
			continue
		}
		if ran {
			executed++
		}
	}
	return executed
}

func (d *dispatcher) dispatch(ctx context.Context, entry *scheduledOrder) (bool, error) {
	o, err := d.engine.store.GetOrder(ctx, entry.orderID)
	if err != nil {
		return false, err
	}
	// Cancellation wins; scheduled work is skipped.
	if o.Status != core.OrderStatusPending {
		d.logger.Debug("skipping scheduled order", "order_id", o.ID, "status", string(o.Status))
		return false, nil
	}

	refPrice, err := d.engine.referencePrice(ctx, o)
	if err != nil {
		return false, err
	}
	if err := d.engine.executeAll(ctx, o, refPrice); err != nil {
		return false, err
	}
	return true, nil
}

// progress is the dashboard view over scheduled orders, in submission order.
func (d *dispatcher) progress() []core.PendingProgress {
	now := d.clock.Now()

	d.mu.Lock()
	entries := make([]*scheduledOrder, len(d.h))
	copy(entries, d.h)
	d.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	hundred := decimal.NewFromInt(100)
	out := make([]core.PendingProgress, 0, len(entries))
	for _, entry := range entries {
		elapsed := now.Sub(entry.submittedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		remaining := entry.dueAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}

		pct := hundred
		if totalMs := entry.dueAt.Sub(entry.submittedAt).Milliseconds(); totalMs > 0 {
			pct = decimal.NewFromInt(elapsed.Milliseconds()).
				Div(decimal.NewFromInt(totalMs)).
				Mul(hundred)
			if pct.GreaterThan(hundred) {
				pct = hundred
			}
		}

		out = append(out, core.PendingProgress{
			OrderID:       entry.orderID,
			ClientOrderID: entry.clientOrderID,
			Symbol:        entry.symbol,
			Side:          entry.side,
			ElapsedMs:     elapsed.Milliseconds(),
			RemainingMs:   remaining.Milliseconds(),
			ProgressPct:   pct,
		})
	}
	return out
}
