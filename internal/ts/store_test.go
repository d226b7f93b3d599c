package ts

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	"github.com/KaisukaTran/findmy-fm/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ts.db")
	store, err := New(Options{Path: dbPath}, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var fillSeq int64

func buyFill(orderID int64, qty, eff, fees string, at time.Time) (*core.Order, *core.Fill) {
	return orderFill(orderID, core.SideBuy, qty, eff, fees, at)
}

func sellFill(orderID int64, qty, eff, fees string, at time.Time) (*core.Order, *core.Fill) {
	return orderFill(orderID, core.SideSell, qty, eff, fees, at)
}

func orderFill(orderID int64, side core.Side, qty, eff, fees string, at time.Time) (*core.Order, *core.Fill) {
	fillSeq++
	o := &core.Order{
		ID:        orderID,
		Symbol:    "BTCUSDT",
		Side:      side,
		OrderType: core.OrderTypeMarket,
		Qty:       dec(qty),
	}
	f := &core.Fill{
		ID:             fillSeq,
		OrderID:        orderID,
		FillQty:        dec(qty),
		FillPrice:      dec(eff),
		EffectivePrice: dec(eff),
		Fees:           dec(fees),
		Liquidity:      core.LiquidityTaker,
		FilledAt:       at,
	}
	return o, f
}

func TestApplyFillBuildsWeightedPosition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	o1, f1 := buyFill(1, "1", "100", "0", t0)
	require.NoError(t, store.ApplyFill(ctx, o1, f1))

	o2, f2 := buyFill(2, "1", "120", "0", t0.Add(time.Minute))
	require.NoError(t, store.ApplyFill(ctx, o2, f2))

	pos, err := store.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(dec("2")), "got %s", pos.Quantity)
	assert.True(t, pos.AvgEntryPrice.Equal(dec("110")), "got %s", pos.AvgEntryPrice)
	assert.True(t, pos.TotalCost.Equal(dec("220")), "got %s", pos.TotalCost)
	assert.True(t, pos.RealizedPnL.IsZero())
}

func TestApplyFillBuyAddsFeesToCost(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	o, f := buyFill(1, "1", "100", "0.1", time.Now().UTC())
	require.NoError(t, store.ApplyFill(ctx, o, f))

	pos, err := store.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.TotalCost.Equal(dec("100.1")), "got %s", pos.TotalCost)
}

func TestApplyFillSellRealizesAgainstAvg(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	o1, f1 := buyFill(1, "1", "100", "0", t0)
	require.NoError(t, store.ApplyFill(ctx, o1, f1))
	o2, f2 := buyFill(2, "1", "120", "0", t0.Add(time.Minute))
	require.NoError(t, store.ApplyFill(ctx, o2, f2))

	// avg is 110; selling 1 at 140 realizes 30
	o3, f3 := sellFill(3, "1", "140", "0", t0.Add(2*time.Minute))
	require.NoError(t, store.ApplyFill(ctx, o3, f3))

	pos, err := store.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(dec("1")))
	assert.True(t, pos.AvgEntryPrice.Equal(dec("110")), "sell must not move avg, got %s", pos.AvgEntryPrice)
	assert.True(t, pos.RealizedPnL.Equal(dec("30")), "got %s", pos.RealizedPnL)
}

func TestApplyFillSellFeesReduceRealized(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	o1, f1 := buyFill(1, "1", "100", "0", t0)
	require.NoError(t, store.ApplyFill(ctx, o1, f1))

	o2, f2 := sellFill(2, "1", "150", "0.15", t0.Add(time.Minute))
	require.NoError(t, store.ApplyFill(ctx, o2, f2))

	pos, err := store.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.RealizedPnL.Equal(dec("49.85")), "got %s", pos.RealizedPnL)
}

func TestApplyFillFlatResetsAvg(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	o1, f1 := buyFill(1, "2", "100", "0", t0)
	require.NoError(t, store.ApplyFill(ctx, o1, f1))
	o2, f2 := sellFill(2, "2", "110", "0", t0.Add(time.Minute))
	require.NoError(t, store.ApplyFill(ctx, o2, f2))

	pos, err := store.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.IsZero())
	assert.True(t, pos.AvgEntryPrice.IsZero(), "flat position must not keep a stale avg")

	// Next buy starts a fresh basis
	o3, f3 := buyFill(3, "1", "90", "0", t0.Add(2*time.Minute))
	require.NoError(t, store.ApplyFill(ctx, o3, f3))
	pos, err = store.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.AvgEntryPrice.Equal(dec("90")), "got %s", pos.AvgEntryPrice)
}

func TestApplyFillOversellSkipsAndKeepsState(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC()

	o1, f1 := buyFill(1, "1", "100", "0", t0)
	require.NoError(t, store.ApplyFill(ctx, o1, f1))

	o2, f2 := sellFill(2, "5", "100", "0", t0.Add(time.Minute))
	require.NoError(t, store.ApplyFill(ctx, o2, f2), "drift is logged, not fatal")

	pos, err := store.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(dec("1")), "oversell must not mutate the position")
	assert.True(t, pos.RealizedPnL.IsZero())
}

func TestApplyFillExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	o, f := buyFill(1, "1", "100", "0", time.Now().UTC())
	require.NoError(t, store.ApplyFill(ctx, o, f))
	require.NoError(t, store.ApplyFill(ctx, o, f), "redelivery must be a no-op")

	pos, err := store.GetPosition(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, pos.Quantity.Equal(dec("1")), "got %s", pos.Quantity)
}

func TestGetPositionUnknownSymbolIsFlat(t *testing.T) {
	store := newTestStore(t)

	pos, err := store.GetPosition(context.Background(), "DOGEUSDT")
	require.NoError(t, err)
	assert.Equal(t, "DOGEUSDT", pos.Symbol)
	assert.True(t, pos.Quantity.IsZero())
}

func TestTotalAndWindowedRealized(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	o1, f1 := buyFill(1, "3", "100", "0", t0)
	require.NoError(t, store.ApplyFill(ctx, o1, f1))

	// Two realizations a day apart: +20 then -10
	o2, f2 := sellFill(2, "1", "120", "0", t0.Add(time.Hour))
	require.NoError(t, store.ApplyFill(ctx, o2, f2))
	o3, f3 := sellFill(3, "1", "90", "0", t0.Add(25*time.Hour))
	require.NoError(t, store.ApplyFill(ctx, o3, f3))

	total, err := store.TotalRealizedPnL(ctx)
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("10")), "got %s", total)

	window, err := store.RealizedPnLSince(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, window.Equal(dec("-10")), "got %s", window)
}
