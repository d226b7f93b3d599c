package sot

import (
	"context"
	"testing"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPending(ref string) *core.PendingOrder {
	return &core.PendingOrder{
		ClientOrderID: "cli-" + ref,
		Symbol:        "BTCUSDT",
		Side:          core.SideBuy,
		OrderType:     core.OrderTypeMarket,
		Quantity:      dec("0.25"),
		Price:         dec("50000"),
		Source:        core.SourceSpreadsheet,
		SourceRef:     ref,
		RequestedBy:   "sheet-import",
	}
}

func TestQueuePendingDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.QueuePending(ctx, testPending("sheet:42"))
	require.NoError(t, err)
	require.NotZero(t, p.ID)
	assert.Equal(t, core.PendingStatusPending, p.Status)
	assert.False(t, p.CreatedAt.IsZero())

	n, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQueuePendingValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	noSymbol := testPending("sheet:1")
	noSymbol.Symbol = ""
	_, err := store.QueuePending(ctx, noSymbol)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	negQty := testPending("sheet:2")
	negQty.Quantity = dec("-1")
	_, err = store.QueuePending(ctx, negQty)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	// Zero is not an error: an entry whose sizing failed to resolve still
	// queues, carrying the failure in its risk note.
	zeroQty := testPending("sheet:3")
	zeroQty.Quantity = decimal.Zero
	queued, err := store.QueuePending(ctx, zeroQty)
	require.NoError(t, err)
	assert.True(t, queued.Quantity.IsZero())
}

func TestQueuePendingIdempotentOnSourceRef(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.QueuePending(ctx, testPending("sheet:7"))
	require.NoError(t, err)

	dup := testPending("sheet:7")
	dup.Quantity = dec("99") // same external ref, different payload
	second, err := store.QueuePending(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Quantity.Equal(dec("0.25")), "re-queue must return the original row")

	n, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestQueuePendingEmptyRefNeverDedupes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testPending("")
	a.Source = core.SourceStrategy
	_, err := store.QueuePending(ctx, a)
	require.NoError(t, err)

	b := testPending("")
	b.Source = core.SourceStrategy
	_, err = store.QueuePending(ctx, b)
	require.NoError(t, err)

	n, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "rows without a source ref must not collide")
}

func TestMarkPendingApprove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.QueuePending(ctx, testPending("sheet:10"))
	require.NoError(t, err)

	approved, err := store.MarkPending(ctx, p.ID, core.PendingStatusApproved, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, core.PendingStatusApproved, approved.Status)
	assert.Equal(t, "alice", approved.ReviewedBy)
	assert.False(t, approved.ReviewedAt.IsZero())

	// A second approval of the same row is illegal
	_, err = store.MarkPending(ctx, p.ID, core.PendingStatusApproved, "bob", "")
	assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)
}

func TestMarkPendingRejectKeepsNote(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.QueuePending(ctx, testPending("sheet:11"))
	require.NoError(t, err)

	rejected, err := store.MarkPending(ctx, p.ID, core.PendingStatusRejected, "alice", "too large for today")
	require.NoError(t, err)
	assert.Equal(t, core.PendingStatusRejected, rejected.Status)
	assert.Equal(t, "too large for today", rejected.Note)

	// Rejected rows are terminal
	_, err = store.MarkPending(ctx, p.ID, core.PendingStatusApproved, "bob", "")
	assert.ErrorIs(t, err, apperrors.ErrIllegalTransition)
}

func TestMarkPendingRollbackClearsReviewer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.QueuePending(ctx, testPending("sheet:12"))
	require.NoError(t, err)

	_, err = store.MarkPending(ctx, p.ID, core.PendingStatusApproved, "alice", "")
	require.NoError(t, err)

	// Execution failed; roll back so another reviewer can pick it up
	rolled, err := store.MarkPending(ctx, p.ID, core.PendingStatusPending, "", "")
	require.NoError(t, err)
	assert.Equal(t, core.PendingStatusPending, rolled.Status)
	assert.Empty(t, rolled.ReviewedBy)
	assert.True(t, rolled.ReviewedAt.IsZero())
}

func TestMarkPendingNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.MarkPending(context.Background(), 4040, core.PendingStatusApproved, "alice", "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestMarkPendingExecuted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.QueuePending(ctx, testPending("sheet:13"))
	require.NoError(t, err)

	// EXECUTED straight from PENDING must fail
	err = store.MarkPendingExecuted(ctx, p.ID, 77)
	assert.ErrorIs(t, err, apperrors.ErrStaleState)

	_, err = store.MarkPending(ctx, p.ID, core.PendingStatusApproved, "alice", "")
	require.NoError(t, err)

	err = store.MarkPendingExecuted(ctx, p.ID, 77)
	require.NoError(t, err)

	got, err := store.GetPending(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, core.PendingStatusExecuted, got.Status)
	assert.Equal(t, int64(77), got.OrderID)

	err = store.MarkPendingExecuted(ctx, 4040, 77)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRecordPendingFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p, err := store.QueuePending(ctx, testPending("sheet:14"))
	require.NoError(t, err)

	require.NoError(t, store.RecordPendingFailure(ctx, p.ID, "execution: price unavailable"))
	require.NoError(t, store.RecordPendingFailure(ctx, p.ID, "execution: still unavailable"))

	got, err := store.GetPending(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, "execution: still unavailable", got.ErrorNote)

	err = store.RecordPendingFailure(ctx, 4040, "x")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestListPendingFIFOAndFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.QueuePending(ctx, testPending("sheet:20"))
	require.NoError(t, err)

	eth := testPending("sheet:21")
	eth.Symbol = "ETHUSDT"
	_, err = store.QueuePending(ctx, eth)
	require.NoError(t, err)

	pyr := testPending("pyramid:3:w1")
	pyr.Source = core.SourcePyramid
	third, err := store.QueuePending(ctx, pyr)
	require.NoError(t, err)

	_, err = store.MarkPending(ctx, third.ID, core.PendingStatusRejected, "alice", "no")
	require.NoError(t, err)

	all, err := store.ListPending(ctx, core.PendingFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, first.ID, all[0].ID, "oldest first")

	open, err := store.ListPending(ctx, core.PendingFilter{Status: core.PendingStatusPending})
	require.NoError(t, err)
	assert.Len(t, open, 2)

	bySource, err := store.ListPending(ctx, core.PendingFilter{Source: core.SourcePyramid})
	require.NoError(t, err)
	require.Len(t, bySource, 1)
	assert.Equal(t, "pyramid:3:w1", bySource[0].SourceRef)

	bySymbol, err := store.ListPending(ctx, core.PendingFilter{Symbol: "ETHUSDT"})
	require.NoError(t, err)
	assert.Len(t, bySymbol, 1)
}
