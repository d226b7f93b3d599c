package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaisukaTran/findmy-fm/internal/config"
	"github.com/KaisukaTran/findmy-fm/internal/core"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
	"github.com/KaisukaTran/findmy-fm/pkg/logging"
)

type stubSource struct {
	info core.SymbolInfo
	err  error
}

func (s *stubSource) CurrentPrice(ctx context.Context, symbol string) (core.PriceQuote, error) {
	return core.PriceQuote{}, errors.New("not used")
}

func (s *stubSource) ExchangeInfo(ctx context.Context, symbol string) (core.SymbolInfo, error) {
	if s.err != nil {
		return core.SymbolInfo{}, s.err
	}
	return s.info, nil
}

type stubView struct {
	pos         *core.Position
	posErr      error
	realized    decimal.Decimal
	realizedErr error
	sinceSeen   time.Time
}

func (v *stubView) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	if v.posErr != nil {
		return nil, v.posErr
	}
	if v.pos == nil {
		return &core.Position{Symbol: symbol}, nil
	}
	return v.pos, nil
}

func (v *stubView) RealizedPnLSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	v.sinceSeen = since
	if v.realizedErr != nil {
		return decimal.Zero, v.realizedErr
	}
	return v.realized, nil
}

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		PipMultiplier:      2.0,
		MaxPositionSizePct: 10.0,
		MaxDailyLossPct:    5.0,
		Equity:             10000.0,
	}
}

func btcInfo() core.SymbolInfo {
	return core.SymbolInfo{
		Symbol:   "BTCUSDT",
		MinQty:   dec("0.00001"),
		StepSize: dec("0.00001"),
		MaxQty:   dec("9000"),
	}
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestEngine(src *stubSource, view *stubView, at time.Time) *Engine {
	return NewEngine(testRiskConfig(), src, view, fixedClock{at: at}, logging.NewNopLogger())
}

func TestResolveQtyPipSizing(t *testing.T) {
	e := newTestEngine(&stubSource{info: btcInfo()}, &stubView{}, time.Now())

	// 3 pips x 2.0 multiplier x 0.00001 min qty.
	qty, err := e.ResolveQty(context.Background(), "BTCUSDT", 3)
	require.NoError(t, err)
	assert.True(t, qty.Equal(dec("0.00006")), "got %s", qty)
}

func TestResolveQtySnapsDownToStep(t *testing.T) {
	src := &stubSource{info: core.SymbolInfo{
		Symbol:   "ETHUSDT",
		MinQty:   dec("0.001"),
		StepSize: dec("0.002"),
	}}
	cfg := testRiskConfig()
	cfg.PipMultiplier = 2.5
	e := NewEngine(cfg, src, &stubView{}, fixedClock{at: time.Now()}, logging.NewNopLogger())

	// 3 x 2.5 x 0.001 = 0.0075, floored to the 0.002 grid.
	qty, err := e.ResolveQty(context.Background(), "ETHUSDT", 3)
	require.NoError(t, err)
	assert.True(t, qty.Equal(dec("0.006")), "got %s", qty)
}

func TestResolveQtyRejectsNonPositivePips(t *testing.T) {
	e := newTestEngine(&stubSource{info: btcInfo()}, &stubView{}, time.Now())

	for _, pips := range []int{0, -1} {
		_, err := e.ResolveQty(context.Background(), "BTCUSDT", pips)
		assert.ErrorIs(t, err, apperrors.ErrValidation, "pips=%d", pips)
	}
}

func TestResolveQtyBelowMinIsError(t *testing.T) {
	src := &stubSource{info: core.SymbolInfo{
		Symbol:   "ETHUSDT",
		MinQty:   dec("0.001"),
		StepSize: dec("0.001"),
	}}
	cfg := testRiskConfig()
	cfg.PipMultiplier = 0.5
	e := NewEngine(cfg, src, &stubView{}, fixedClock{at: time.Now()}, logging.NewNopLogger())

	// 1 x 0.5 x 0.001 = 0.0005 floors to zero, under the minimum.
	_, err := e.ResolveQty(context.Background(), "ETHUSDT", 1)
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Contains(t, err.Error(), "below min")
}

func TestResolveQtyAboveMaxIsError(t *testing.T) {
	src := &stubSource{info: core.SymbolInfo{
		Symbol:   "ETHUSDT",
		MinQty:   dec("0.001"),
		StepSize: dec("0.001"),
		MaxQty:   dec("0.005"),
	}}
	e := newTestEngine(src, &stubView{}, time.Now())

	// 10 x 2.0 x 0.001 = 0.02 over the 0.005 cap.
	_, err := e.ResolveQty(context.Background(), "ETHUSDT", 10)
	require.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Contains(t, err.Error(), "above max")
}

func TestResolveQtyZeroMaxMeansUnbounded(t *testing.T) {
	src := &stubSource{info: core.SymbolInfo{
		Symbol:   "ETHUSDT",
		MinQty:   dec("0.001"),
		StepSize: dec("0.001"),
	}}
	e := newTestEngine(src, &stubView{}, time.Now())

	qty, err := e.ResolveQty(context.Background(), "ETHUSDT", 10)
	require.NoError(t, err)
	assert.True(t, qty.Equal(dec("0.02")), "got %s", qty)
}

func TestResolveQtySourceErrorPropagates(t *testing.T) {
	boom := errors.New("exchange info down")
	e := newTestEngine(&stubSource{err: boom}, &stubView{}, time.Now())

	_, err := e.ResolveQty(context.Background(), "BTCUSDT", 3)
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, apperrors.ErrValidation)
}

func TestCheckAllCleanPortfolioPasses(t *testing.T) {
	view := &stubView{realized: decimal.Zero}
	e := newTestEngine(&stubSource{info: btcInfo()}, view, time.Now())

	res, err := e.CheckAll(context.Background(), "BTCUSDT", core.SideBuy, dec("0.001"), dec("50000"))
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Violations)
}

func TestCheckAllPositionViolation(t *testing.T) {
	view := &stubView{
		pos: &core.Position{Symbol: "BTCUSDT", Quantity: dec("0.01")},
	}
	e := newTestEngine(&stubSource{info: btcInfo()}, view, time.Now())

	// (0.01 + 0.0105) x 60000 = 1230, 12.3% of 10000 equity.
	res, err := e.CheckAll(context.Background(), "BTCUSDT", core.SideBuy, dec("0.0105"), dec("60000"))
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "position 12.3% exceeds max 10.0%", res.Violations[0])
}

func TestCheckAllPositionAtLimitPasses(t *testing.T) {
	view := &stubView{}
	e := newTestEngine(&stubSource{info: btcInfo()}, view, time.Now())

	// Exactly 10% of equity is allowed, only strictly more trips.
	res, err := e.CheckAll(context.Background(), "BTCUSDT", core.SideBuy, dec("0.02"), dec("50000"))
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestCheckAllSellSkipsPositionCheck(t *testing.T) {
	view := &stubView{
		pos: &core.Position{Symbol: "BTCUSDT", Quantity: dec("0.01")},
	}
	e := newTestEngine(&stubSource{info: btcInfo()}, view, time.Now())

	res, err := e.CheckAll(context.Background(), "BTCUSDT", core.SideSell, dec("0.0105"), dec("60000"))
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Empty(t, res.Violations)
}

func TestCheckAllDailyLossViolation(t *testing.T) {
	at := time.Date(2026, 2, 10, 15, 4, 0, 0, time.UTC)
	view := &stubView{realized: dec("-620")}
	e := newTestEngine(&stubSource{info: btcInfo()}, view, at)

	res, err := e.CheckAll(context.Background(), "BTCUSDT", core.SideSell, dec("0.001"), dec("50000"))
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "daily loss 6.2% exceeds max 5.0%", res.Violations[0])

	midnight := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	assert.True(t, view.sinceSeen.Equal(midnight), "window start %s", view.sinceSeen)
}

func TestCheckAllDailyLossWithinLimitPasses(t *testing.T) {
	view := &stubView{realized: dec("-400")}
	e := newTestEngine(&stubSource{info: btcInfo()}, view, time.Now())

	res, err := e.CheckAll(context.Background(), "BTCUSDT", core.SideSell, dec("0.001"), dec("50000"))
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestCheckAllProfitableDayPasses(t *testing.T) {
	view := &stubView{realized: dec("500")}
	e := newTestEngine(&stubSource{info: btcInfo()}, view, time.Now())

	res, err := e.CheckAll(context.Background(), "BTCUSDT", core.SideSell, dec("0.001"), dec("50000"))
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestCheckAllAggregatesViolations(t *testing.T) {
	view := &stubView{
		pos:      &core.Position{Symbol: "BTCUSDT", Quantity: dec("0.01")},
		realized: dec("-620"),
	}
	e := newTestEngine(&stubSource{info: btcInfo()}, view, time.Now())

	res, err := e.CheckAll(context.Background(), "BTCUSDT", core.SideBuy, dec("0.0105"), dec("60000"))
	require.NoError(t, err)
	assert.False(t, res.Passed)
	require.Len(t, res.Violations, 2)
	assert.Contains(t, res.Violations[0], "position")
	assert.Contains(t, res.Violations[1], "daily loss")
}

func TestCheckAllStoreErrorIsError(t *testing.T) {
	boom := errors.New("db gone")

	view := &stubView{posErr: boom}
	e := newTestEngine(&stubSource{info: btcInfo()}, view, time.Now())
	_, err := e.CheckAll(context.Background(), "BTCUSDT", core.SideBuy, dec("0.001"), dec("50000"))
	require.ErrorIs(t, err, boom)

	view = &stubView{realizedErr: boom}
	e = newTestEngine(&stubSource{info: btcInfo()}, view, time.Now())
	_, err = e.CheckAll(context.Background(), "BTCUSDT", core.SideSell, dec("0.001"), dec("50000"))
	require.ErrorIs(t, err, boom)
}
