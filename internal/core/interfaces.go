// Package core defines the domain types and capability interfaces of the
// paper-trading platform.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IClock supplies time. Injected so the engine replays deterministically.
type IClock interface {
	Now() time.Time
}

// IRandomSource supplies uniform values in [0, 1). Injected for determinism.
type IRandomSource interface {
	Float64() float64
}

// IPriceSource is the capability the core consumes for market prices and
// lot-size metadata. CurrentPrice may serve a cached value within the
// configured freshness bound and must return within a bounded timeout.
type IPriceSource interface {
	CurrentPrice(ctx context.Context, symbol string) (PriceQuote, error)
	ExchangeInfo(ctx context.Context, symbol string) (SymbolInfo, error)
}

// ISOTStore owns the append-only fact tables: orders, order_events,
// order_fills, order_costs, order_pnl, pending_orders, plus pyramid
// session persistence. All writes are transactional.
type ISOTStore interface {
	// Pending orders
	QueuePending(ctx context.Context, p *PendingOrder) (*PendingOrder, error)
	MarkPending(ctx context.Context, id int64, status PendingStatus, reviewer, note string) (*PendingOrder, error)
	MarkPendingExecuted(ctx context.Context, id int64, orderID int64) error
	RecordPendingFailure(ctx context.Context, id int64, errNote string) error
	GetPending(ctx context.Context, id int64) (*PendingOrder, error)
	GetPendingBySourceRef(ctx context.Context, source OrderSource, ref string) (*PendingOrder, error)
	ListPending(ctx context.Context, f PendingFilter) ([]*PendingOrder, error)
	CountPending(ctx context.Context) (int64, error)

	// Orders and facts
	AppendOrder(ctx context.Context, o *Order) (*Order, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to OrderStatus, remainingQty decimal.Decimal, executedAt time.Time) error
	AppendEvent(ctx context.Context, orderID int64, eventType EventType, payload string) (*OrderEvent, error)
	AppendFill(ctx context.Context, f *Fill, remainingQty decimal.Decimal, status OrderStatus, realized decimal.Decimal) (*Fill, error)
	GetOrder(ctx context.Context, id int64) (*Order, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*Order, error)
	ListOrders(ctx context.Context, f OrderFilter) ([]*Order, error)
	ListEvents(ctx context.Context, orderID int64) ([]*OrderEvent, error)
	ListFills(ctx context.Context, orderID int64) ([]*Fill, error)
	ListFillsSince(ctx context.Context, since time.Time) ([]*Fill, error)
	GetOrderCost(ctx context.Context, orderID int64) (*OrderCost, error)
	GetOrderPnL(ctx context.Context, orderID int64) (*OrderPnL, error)

	// Pyramid persistence
	SaveSession(ctx context.Context, s *PyramidSession) (*PyramidSession, error)
	UpdateSession(ctx context.Context, s *PyramidSession) error
	GetSession(ctx context.Context, id int64) (*PyramidSession, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]*PyramidSession, error)
	DeleteSession(ctx context.Context, id int64) error
	SaveWave(ctx context.Context, w *PyramidWave) (*PyramidWave, error)
	UpdateWave(ctx context.Context, w *PyramidWave) error
	ListWaves(ctx context.Context, sessionID int64) ([]*PyramidWave, error)

	Close() error
}

// ITSStore owns derived trades, positions and PnL. Rebuildable from SOT.
type ITSStore interface {
	ApplyFill(ctx context.Context, o *Order, f *Fill) error
	OpenTrade(ctx context.Context, o *Order, f *Fill) (*Trade, error)
	GetTrade(ctx context.Context, id int64) (*Trade, error)
	ListTrades(ctx context.Context, symbol string, status TradeStatus, limit int) ([]*Trade, error)
	GetTradePnL(ctx context.Context, tradeID int64) (*TradePnL, error)
	GetPosition(ctx context.Context, symbol string) (*Position, error)
	ListPositions(ctx context.Context) ([]*Position, error)
	TotalRealizedPnL(ctx context.Context) (decimal.Decimal, error)
	RealizedPnLSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
	RebuildFromSOT(ctx context.Context, sot ISOTStore, since time.Time) error
	Close() error
}

// IRiskEngine runs pre-trade checks over a frozen read view.
type IRiskEngine interface {
	ResolveQty(ctx context.Context, symbol string, pips int) (decimal.Decimal, error)
	CheckAll(ctx context.Context, symbol string, side Side, qty, price decimal.Decimal) (RiskResult, error)
}

// RiskResult aggregates check outcomes; violations never block queuing.
type RiskResult struct {
	Passed     bool
	Violations []string
}

// Note joins violations into the risk_note stored on a pending order.
func (r RiskResult) Note() string {
	if r.Passed || len(r.Violations) == 0 {
		return ""
	}
	note := r.Violations[0]
	for _, v := range r.Violations[1:] {
		note += "; " + v
	}
	return note
}

// IExecutionEngine is the paper execution surface consumed by the queue.
type IExecutionEngine interface {
	// Submit appends the order and either executes inline or schedules it
	// when latency is configured. Idempotent on client_order_id.
	Submit(ctx context.Context, intent *PendingOrder) (*Order, error)
	Cancel(ctx context.Context, orderID int64, reason string) error
	PendingProgress() []PendingProgress
	Start(ctx context.Context) error
	Stop() error
}

// IApprovalQueue is the pending-order pipeline.
type IApprovalQueue interface {
	Queue(ctx context.Context, intent OrderIntent) (*PendingOrder, error)
	Approve(ctx context.Context, id int64, reviewer, note string) (*PendingOrder, error)
	Reject(ctx context.Context, id int64, reviewer, reason string) (*PendingOrder, error)
	List(ctx context.Context, f PendingFilter) ([]*PendingOrder, error)
	OnResolved(cb func(PendingResolved))
}

// ICircuitBreaker guards the coordinator against repeated fatal errors.
type ICircuitBreaker interface {
	IsTripped() bool
	TrippedBy() string
	RecordFailure(key string)
	RecordSuccess(key string)
	Reset()
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// PendingFilter narrows pending-order listings.
type PendingFilter struct {
	Status PendingStatus
	Symbol string
	Source OrderSource
	Since  time.Time
	Until  time.Time
	Limit  int
}

// OrderFilter narrows order listings.
type OrderFilter struct {
	Symbol    string
	Status    OrderStatus
	OrderType OrderType
	Source    OrderSource
	Limit     int
}

// SessionFilter narrows pyramid session listings.
type SessionFilter struct {
	Status SessionStatus
	Symbol string
	Limit  int
}
