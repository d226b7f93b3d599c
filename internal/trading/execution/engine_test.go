package execution

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaisukaTran/findmy-fm/internal/config"
	"github.com/KaisukaTran/findmy-fm/internal/core"
	"github.com/KaisukaTran/findmy-fm/internal/mock"
	"github.com/KaisukaTran/findmy-fm/internal/sot"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
	"github.com/KaisukaTran/findmy-fm/pkg/logging"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type stepClock struct {
	mu sync.Mutex
	at time.Time
}

func newStepClock(at time.Time) *stepClock { return &stepClock{at: at} }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

type fixedRand struct{ v float64 }

func (r fixedRand) Float64() float64 { return r.v }

type seqRand struct {
	mu   sync.Mutex
	vals []float64
	i    int
}

func (r *seqRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.vals[r.i%len(r.vals)]
	r.i++
	return v
}

// scriptSource serves a settable price and can be told to fail the next N
// price lookups.
type scriptSource struct {
	mu       sync.Mutex
	price    decimal.Decimal
	failNext int
	info     core.SymbolInfo
}

func newScriptSource(price string) *scriptSource {
	return &scriptSource{
		price: dec(price),
		info: core.SymbolInfo{
			Symbol:   "BTCUSDT",
			MinQty:   dec("0.00001"),
			StepSize: dec("0.00001"),
			MaxQty:   dec("9000"),
		},
	}
}

func (s *scriptSource) CurrentPrice(ctx context.Context, symbol string) (core.PriceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return core.PriceQuote{}, apperrors.ErrPriceSourceUnavailable
	}
	return core.PriceQuote{Symbol: symbol, Price: s.price}, nil
}

func (s *scriptSource) ExchangeInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.Symbol = symbol
	return info, nil
}

func (s *scriptSource) setPrice(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price = dec(p)
}

func (s *scriptSource) failFor(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *scriptSource) setStep(step string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info.StepSize = dec(step)
}

type stubPositions struct {
	mu  sync.Mutex
	pos map[string]*core.Position
}

func newStubPositions() *stubPositions {
	return &stubPositions{pos: make(map[string]*core.Position)}
}

func (v *stubPositions) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.pos[symbol]; ok {
		cp := *p
		return &cp, nil
	}
	return &core.Position{Symbol: symbol}, nil
}

func (v *stubPositions) set(symbol, qty, avg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.pos[symbol] = &core.Position{Symbol: symbol, Quantity: dec(qty), AvgEntryPrice: dec(avg)}
}

type fixture struct {
	engine *Engine
	store  *sot.Store
	source *scriptSource
	view   *stubPositions
	clock  *stepClock
}

func zeroCostConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		DefaultFillPct:     1.0,
		StopScanIntervalMs: 1000,
	}
}

func newFixture(t *testing.T, cfg config.ExecutionConfig, random core.IRandomSource) *fixture {
	t.Helper()
	store, err := sot.New(sot.Options{Path: filepath.Join(t.TempDir(), "sot.db")}, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	source := newScriptSource("50000")
	view := newStubPositions()
	clock := newStepClock(time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC))
	if random == nil {
		random = core.ZeroRand{}
	}
	engine := NewEngine(cfg, store, view, source, clock, random, logging.NewNopLogger())
	return &fixture{engine: engine, store: store, source: source, view: view, clock: clock}
}

func marketBuy(clientID, qty, price string) *core.PendingOrder {
	return &core.PendingOrder{
		ClientOrderID: clientID,
		Symbol:        "BTCUSDT",
		Side:          core.SideBuy,
		OrderType:     core.OrderTypeMarket,
		Quantity:      dec(qty),
		Price:         dec(price),
		Source:        core.SourceSpreadsheet,
	}
}

func marketSell(clientID, qty, price string) *core.PendingOrder {
	p := marketBuy(clientID, qty, price)
	p.Side = core.SideSell
	return p
}

func eventTypes(t *testing.T, f *fixture, orderID int64) []core.EventType {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), orderID)
	require.NoError(t, err)
	out := make([]core.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.EventType
	}
	return out
}

func TestSubmitMarketFillsInline(t *testing.T) {
	f := newFixture(t, zeroCostConfig(), nil)
	ctx := context.Background()

	rec := mock.NewFillRecorder()
	f.engine.OnFill(rec.Record)

	o, err := f.engine.Submit(ctx, marketBuy("mk-1", "0.5", "50000"))
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, o.Status)
	assert.True(t, o.RemainingQty.IsZero())

	fills, err := f.store.ListFills(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].FillQty.Equal(dec("0.5")))
	assert.True(t, fills[0].EffectivePrice.Equal(dec("50000")), "zero slippage keeps the accepted price")
	assert.True(t, fills[0].Fees.IsZero())
	assert.Equal(t, core.LiquidityTaker, fills[0].Liquidity)

	assert.Equal(t, []core.EventType{core.EventCreated, core.EventFill}, eventTypes(t, f, o.ID))

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, o.ID, events[0].Fill.OrderID)
	assert.Equal(t, core.OrderStatusFilled, events[0].Order.Status)
}

func TestSubmitIdempotentOnClientOrderID(t *testing.T) {
	f := newFixture(t, zeroCostConfig(), nil)
	ctx := context.Background()

	first, err := f.engine.Submit(ctx, marketBuy("dup-1", "0.5", "50000"))
	require.NoError(t, err)

	second, err := f.engine.Submit(ctx, marketBuy("dup-1", "0.5", "50000"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	fills, err := f.store.ListFills(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 1, "duplicate submit must not fill again")
}

func TestSubmitPartialFillsToCompletion(t *testing.T) {
	cfg := zeroCostConfig()
	cfg.DefaultFillPct = 0.5
	f := newFixture(t, cfg, nil)
	f.source.setStep("0.1")
	ctx := context.Background()

	o, err := f.engine.Submit(ctx, marketBuy("part-1", "0.4", "50000"))
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusFilled, o.Status)

	fills, err := f.store.ListFills(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, fills, 3)
	assert.True(t, fills[0].FillQty.Equal(dec("0.2")), "got %s", fills[0].FillQty)
	assert.True(t, fills[1].FillQty.Equal(dec("0.1")), "got %s", fills[1].FillQty)
	assert.True(t, fills[2].FillQty.Equal(dec("0.1")), "below one step closes out, got %s", fills[2].FillQty)

	assert.Equal(t, []core.EventType{
		core.EventCreated, core.EventPartialFill, core.EventPartialFill, core.EventFill,
	}, eventTypes(t, f, o.ID))
}

func TestSubmitSellInsufficientPositionCancels(t *testing.T) {
	f := newFixture(t, zeroCostConfig(), nil)
	f.view.set("BTCUSDT", "5", "100")
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, marketSell("over-1", "10", "110"))
	require.ErrorIs(t, err, apperrors.ErrInsufficientPosition)

	o, err := f.store.GetOrderByClientID(ctx, "over-1")
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCancelled, o.Status)

	fills, err := f.store.ListFills(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, fills)

	assert.Equal(t, []core.EventType{core.EventCreated, core.EventError}, eventTypes(t, f, o.ID))
}

func TestSellRealizedPnLRecorded(t *testing.T) {
	f := newFixture(t, zeroCostConfig(), nil)
	f.view.set("BTCUSDT", "10", "100")
	ctx := context.Background()

	o, err := f.engine.Submit(ctx, marketSell("sell-1", "3", "110"))
	require.NoError(t, err)

	pnl, err := f.store.GetOrderPnL(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, pnl.RealizedPnL.Equal(dec("30")), "(110-100)*3, got %s", pnl.RealizedPnL)
}

func TestTakerFeesAccumulate(t *testing.T) {
	cfg := zeroCostConfig()
	cfg.DefaultTakerFee = 0.001
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	o, err := f.engine.Submit(ctx, marketBuy("fee-1", "1", "100"))
	require.NoError(t, err)

	cost, err := f.store.GetOrderCost(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, cost.TotalFees.Equal(dec("0.1")), "100*1*0.001, got %s", cost.TotalFees)
}

func TestLimitOrderIsMaker(t *testing.T) {
	cfg := zeroCostConfig()
	cfg.DefaultMakerFee = 0.0005
	cfg.DefaultTakerFee = 0.001
	f := newFixture(t, cfg, nil)
	ctx := context.Background()

	intent := marketBuy("lim-1", "1", "100")
	intent.OrderType = core.OrderTypeLimit
	o, err := f.engine.Submit(ctx, intent)
	require.NoError(t, err)

	fills, err := f.store.ListFills(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, core.LiquidityMaker, fills[0].Liquidity)
	assert.True(t, fills[0].Fees.Equal(dec("0.05")), "maker rate applies, got %s", fills[0].Fees)
}

func TestSlippageFromSeededRandom(t *testing.T) {
	cfg := zeroCostConfig()
	cfg.DefaultSlippagePct = 1.0
	f := newFixture(t, cfg, fixedRand{v: 0.5})
	ctx := context.Background()

	o, err := f.engine.Submit(ctx, marketBuy("slip-1", "1", "50000"))
	require.NoError(t, err)

	fills, err := f.store.ListFills(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].SlippageAmount.Equal(dec("250")), "0.5%% of 50000, got %s", fills[0].SlippageAmount)
	assert.True(t, fills[0].EffectivePrice.Equal(dec("50250")))
	assert.True(t, fills[0].FillPrice.Equal(dec("50000")), "reference price is pre-slippage")
}

func TestSellSlippageIsNegative(t *testing.T) {
	cfg := zeroCostConfig()
	cfg.DefaultSlippagePct = 1.0
	f := newFixture(t, cfg, fixedRand{v: 0.5})
	f.view.set("BTCUSDT", "2", "40000")
	ctx := context.Background()

	o, err := f.engine.Submit(ctx, marketSell("slip-2", "1", "50000"))
	require.NoError(t, err)

	fills, err := f.store.ListFills(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].SlippageAmount.Equal(dec("-250")), "got %s", fills[0].SlippageAmount)
	assert.True(t, fills[0].EffectivePrice.Equal(dec("49750")))
}

func TestMarketOrderWithoutPriceUsesCurrentPrice(t *testing.T) {
	f := newFixture(t, zeroCostConfig(), nil)
	ctx := context.Background()

	intent := marketBuy("live-1", "1", "0")
	intent.Price = decimal.Zero
	o, err := f.engine.Submit(ctx, intent)
	require.NoError(t, err)

	fills, err := f.store.ListFills(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].FillPrice.Equal(dec("50000")))
}

func TestCancelTerminalOrderRejected(t *testing.T) {
	f := newFixture(t, zeroCostConfig(), nil)
	ctx := context.Background()

	o, err := f.engine.Submit(ctx, marketBuy("done-1", "1", "100"))
	require.NoError(t, err)
	require.Equal(t, core.OrderStatusFilled, o.Status)

	err = f.engine.Cancel(ctx, o.ID, "too late")
	assert.ErrorIs(t, err, apperrors.ErrOrderNotCancellable)
}

func TestPauseBlocksExecution(t *testing.T) {
	f := newFixture(t, zeroCostConfig(), nil)
	ctx := context.Background()

	f.engine.Pause("clock fault")
	_, err := f.engine.Submit(ctx, marketBuy("paused-1", "1", "100"))
	assert.ErrorIs(t, err, apperrors.ErrExecutionPaused)
	assert.True(t, f.engine.Paused())

	f.engine.Resume()
	_, err = f.engine.Submit(ctx, marketBuy("paused-1", "1", "100"))
	assert.NoError(t, err)
}

func TestStoreInvariantBreakPausesExecution(t *testing.T) {
	f := newFixture(t, zeroCostConfig(), nil)

	var reasons []string
	f.engine.OnPause(func(reason string) { reasons = append(reasons, reason) })

	err := f.engine.guardWrite(fmt.Errorf("apply fill: %w", apperrors.ErrIllegalTransition))
	require.ErrorIs(t, err, apperrors.ErrIllegalTransition)
	assert.True(t, f.engine.Paused(), "a broken lattice halts all writes")

	// Already paused, so a second breakage must not re-notify.
	_ = f.engine.guardWrite(fmt.Errorf("apply fill: %w", apperrors.ErrAppendOnly))
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "store invariant violation")

	f.engine.Resume()
	err = f.engine.guardWrite(fmt.Errorf("cas lost: %w", apperrors.ErrStaleState))
	require.ErrorIs(t, err, apperrors.ErrStaleState)
	assert.False(t, f.engine.Paused(), "stale-state races are recoverable")

	assert.NoError(t, f.engine.guardWrite(nil))
	require.Len(t, reasons, 1)
}
