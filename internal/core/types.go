package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side of an order
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType distinguishes fill semantics
type OrderType string

const (
	OrderTypeMarket   OrderType = "MARKET"
	OrderTypeLimit    OrderType = "LIMIT"
	OrderTypeStopLoss OrderType = "STOP_LOSS"
)

// OrderSource identifies who produced an order intent
type OrderSource string

const (
	SourceSpreadsheet OrderSource = "SPREADSHEET"
	SourceStrategy    OrderSource = "STRATEGY"
	SourcePyramid     OrderSource = "PYRAMID"
	SourceBacktest    OrderSource = "BACKTEST"
)

// PendingStatus is the approval-queue state machine
type PendingStatus string

const (
	PendingStatusPending  PendingStatus = "PENDING"
	PendingStatusApproved PendingStatus = "APPROVED"
	PendingStatusRejected PendingStatus = "REJECTED"
	PendingStatusExecuted PendingStatus = "EXECUTED"
)

// OrderStatus follows a monotone lattice, see CanTransition
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusTriggered       OrderStatus = "TRIGGERED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
)

// EventType for the append-only order event log
type EventType string

const (
	EventCreated         EventType = "CREATED"
	EventSubmitted       EventType = "SUBMITTED"
	EventTriggered       EventType = "TRIGGERED"
	EventPartialFill     EventType = "PARTIAL_FILL"
	EventFill            EventType = "FILL"
	EventCancelled       EventType = "CANCELLED"
	EventError           EventType = "ERROR"
	EventStopScanSkipped EventType = "STOP_SCAN_SKIPPED"
)

// Liquidity classification of a fill
type Liquidity string

const (
	LiquidityMaker Liquidity = "MAKER"
	LiquidityTaker Liquidity = "TAKER"
)

// TradeStatus for derived trades
type TradeStatus string

const (
	TradeStatusOpen    TradeStatus = "OPEN"
	TradeStatusPartial TradeStatus = "PARTIAL"
	TradeStatusClosed  TradeStatus = "CLOSED"
)

// SessionStatus for pyramid sessions
type SessionStatus string

const (
	SessionStatusPending     SessionStatus = "PENDING"
	SessionStatusActive      SessionStatus = "ACTIVE"
	SessionStatusTPTriggered SessionStatus = "TP_TRIGGERED"
	SessionStatusStopped     SessionStatus = "STOPPED"
	SessionStatusTimeout     SessionStatus = "TIMEOUT"
	SessionStatusCompleted   SessionStatus = "COMPLETED"
)

// Terminal reports whether no further session transitions are allowed.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStatusStopped, SessionStatusTimeout, SessionStatusCompleted:
		return true
	}
	return false
}

// WaveStatus for pyramid waves
type WaveStatus string

const (
	WaveStatusPending   WaveStatus = "PENDING"
	WaveStatusQueued    WaveStatus = "QUEUED"
	WaveStatusFilled    WaveStatus = "FILLED"
	WaveStatusCancelled WaveStatus = "CANCELLED"
)

// OrderIntent is the transient input to the approval queue. Quantity may be
// zero when Pips is set; the queue resolves it before persisting.
type OrderIntent struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	OrderType     OrderType
	Quantity      decimal.Decimal
	Pips          int
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Source        OrderSource
	SourceRef     string
	StrategyName  string
	Confidence    decimal.Decimal
	RequestedBy   string
	Note          string
}

// PendingOrder is a persisted intent awaiting human review.
type PendingOrder struct {
	ID            int64
	ClientOrderID string
	Symbol        string
	Side          Side
	OrderType     OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Source        OrderSource
	SourceRef     string
	StrategyName  string
	Confidence    decimal.Decimal
	Status        PendingStatus
	RiskNote      string
	Note          string
	ErrorNote     string
	AttemptCount  int
	RequestedBy   string
	ReviewedBy    string
	CreatedAt     time.Time
	ReviewedAt    time.Time
	OrderID       int64 // set once EXECUTED
}

// Order is the executed-side fact. Only Status, RemainingQty, ExecutedAt and
// UpdatedAt change after append, along the lattice.
type Order struct {
	ID            int64
	ClientOrderID string
	Symbol        string
	Side          Side
	OrderType     OrderType
	Qty           decimal.Decimal
	RemainingQty  decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	Status        OrderStatus
	Source        OrderSource
	SourceRef     string
	StrategyName  string
	Maker         bool
	MakerFeeRate  decimal.Decimal
	TakerFeeRate  decimal.Decimal
	LatencyMs     int64
	SubmittedAt   time.Time
	ExecutedAt    time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the order reached a final status.
func (o *Order) Terminal() bool {
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}

// OrderEvent is strictly append-only.
type OrderEvent struct {
	ID        int64
	OrderID   int64
	EventType EventType
	EventTime time.Time
	Payload   string
}

// Fill is strictly append-only. FillPrice is the pre-slippage reference,
// EffectivePrice includes slippage. Fees are tracked separately and never
// folded into the price.
type Fill struct {
	ID             int64
	OrderID        int64
	FillQty        decimal.Decimal
	FillPrice      decimal.Decimal
	EffectivePrice decimal.Decimal
	Fees           decimal.Decimal
	SlippageAmount decimal.Decimal
	Liquidity      Liquidity
	FilledAt       time.Time
}

// OrderCost aggregates fees per order, maintained with each fill.
type OrderCost struct {
	OrderID   int64
	TotalFees decimal.Decimal
	UpdatedAt time.Time
}

// OrderPnL is the per-order realized snapshot.
type OrderPnL struct {
	OrderID     int64
	RealizedPnL decimal.Decimal
	CostBasis   decimal.Decimal
	UpdatedAt   time.Time
}

// Position is the per-symbol aggregate owned by the TS store.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	TotalCost     decimal.Decimal
	RealizedPnL   decimal.Decimal
	UpdatedAt     time.Time
}

// Trade pairs entry fills with exit fills.
type Trade struct {
	ID           int64
	EntryOrderID int64
	ExitOrderID  int64
	Symbol       string
	Side         Side
	Status       TradeStatus
	EntryQty     decimal.Decimal
	EntryPrice   decimal.Decimal
	EntryTime    time.Time
	ExitQty      decimal.Decimal
	ExitPrice    decimal.Decimal
	ExitTime     time.Time
	CurrentQty   decimal.Decimal
	StrategyCode string
}

// TradePnL is the derived snapshot per trade.
type TradePnL struct {
	TradeID       int64
	GrossPnL      decimal.Decimal
	TotalFees     decimal.Decimal
	NetPnL        decimal.Decimal
	ReturnPct     decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	DurationS     int64
}

// PyramidSession holds the DCA ladder state.
type PyramidSession struct {
	ID             int64
	Symbol         string
	EntryPrice     decimal.Decimal
	DistancePct    decimal.Decimal
	MaxWaves       int
	IsolatedFund   decimal.Decimal
	TPPct          decimal.Decimal
	TimeoutMin     decimal.Decimal
	GapMin         decimal.Decimal
	PipMultiplier  decimal.Decimal
	Status         SessionStatus
	StopReason     string
	FundFlagged    bool
	CurrentWave    int
	TotalFilledQty decimal.Decimal
	TotalCost      decimal.Decimal
	AvgPrice       decimal.Decimal
	CreatedBy      string
	Note           string
	CreatedAt      time.Time
	StartedAt      time.Time
	LastFillAt     time.Time
	LastQueuedAt   time.Time
	CompletedAt    time.Time
}

// RemainingFund is the unspent part of the isolated fund, floored at zero.
func (s *PyramidSession) RemainingFund() decimal.Decimal {
	remaining := s.IsolatedFund.Sub(s.TotalCost)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// PyramidWave is one DCA leg.
type PyramidWave struct {
	ID             int64
	SessionID      int64
	WaveNum        int
	TargetQty      decimal.Decimal
	TargetPrice    decimal.Decimal
	Status         WaveStatus
	FilledQty      decimal.Decimal
	FilledPrice    decimal.Decimal
	FilledAt       time.Time
	PendingOrderID int64
}

// SymbolInfo carries exchange lot-size metadata, effectively immutable per run.
type SymbolInfo struct {
	Symbol    string
	MinQty    decimal.Decimal
	StepSize  decimal.Decimal
	MaxQty    decimal.Decimal
	PriceStep decimal.Decimal
}

// PriceQuote is a price-source answer with its age.
type PriceQuote struct {
	Symbol string
	Price  decimal.Decimal
	At     time.Time
	Age    time.Duration
}

// PendingProgress is the dashboard view over latency-scheduled orders.
type PendingProgress struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          Side
	ElapsedMs     int64
	RemainingMs   int64
	ProgressPct   decimal.Decimal
}
