package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaisukaTran/findmy-fm/internal/config"
	"github.com/KaisukaTran/findmy-fm/internal/core"
	"github.com/KaisukaTran/findmy-fm/internal/sot"
	"github.com/KaisukaTran/findmy-fm/internal/trading/approval"
	"github.com/KaisukaTran/findmy-fm/internal/trading/pyramid"
	"github.com/KaisukaTran/findmy-fm/internal/ts"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
	"github.com/KaisukaTran/findmy-fm/pkg/logging"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type stubRisk struct{}

func (stubRisk) ResolveQty(context.Context, string, int) (decimal.Decimal, error) {
	return decimal.Zero, apperrors.ErrQuantityUnresolvable
}

func (stubRisk) CheckAll(context.Context, string, core.Side, decimal.Decimal, decimal.Decimal) (core.RiskResult, error) {
	return core.RiskResult{Passed: true}, nil
}

// stubExecutor satisfies both the engine interface the queue drives and the
// pause controls the API exposes.
type stubExecutor struct {
	mu       sync.Mutex
	nextID   int64
	paused   bool
	progress []core.PendingProgress
}

func (e *stubExecutor) Submit(_ context.Context, p *core.PendingOrder) (*core.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	return &core.Order{
		ID:            e.nextID,
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		OrderType:     p.OrderType,
		Qty:           p.Quantity,
		Price:         p.Price,
		Status:        core.OrderStatusFilled,
	}, nil
}

func (e *stubExecutor) Cancel(context.Context, int64, string) error { return nil }
func (e *stubExecutor) Start(context.Context) error                 { return nil }
func (e *stubExecutor) Stop() error                                 { return nil }

func (e *stubExecutor) PendingProgress() []core.PendingProgress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

func (e *stubExecutor) Pause(string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

func (e *stubExecutor) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
}

func (e *stubExecutor) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

type stubSource struct {
	mu       sync.Mutex
	price    decimal.Decimal
	priceErr error
	info     core.SymbolInfo
}

func (s *stubSource) CurrentPrice(_ context.Context, symbol string) (core.PriceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.priceErr != nil {
		return core.PriceQuote{}, s.priceErr
	}
	return core.PriceQuote{Symbol: symbol, Price: s.price, At: time.Now().UTC()}, nil
}

func (s *stubSource) ExchangeInfo(_ context.Context, symbol string) (core.SymbolInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.Symbol = symbol
	return info, nil
}

func (s *stubSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priceErr = err
}

type fixture struct {
	mux    http.Handler
	store  *sot.Store
	ts     *ts.Store
	queue  *approval.Service
	exec   *stubExecutor
	source *stubSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logging.NewNopLogger()
	dir := t.TempDir()

	store, err := sot.New(sot.Options{Path: filepath.Join(dir, "sot.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	tstore, err := ts.New(ts.Options{Path: filepath.Join(dir, "ts.db")}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tstore.Close() })

	clock := fixedClock{at: time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)}
	exec := &stubExecutor{}
	source := &stubSource{
		price: dec("48000"),
		info: core.SymbolInfo{
			MinQty:    dec("0.00001"),
			StepSize:  dec("0.00001"),
			MaxQty:    dec("100"),
			PriceStep: dec("0.01"),
		},
	}
	queue := approval.NewService(store, stubRisk{}, exec, source, clock, logger)
	manager := pyramid.NewManager(50*time.Millisecond, store, queue, exec, source, clock, logger)

	srv := New(config.ServerConfig{Port: 0}, Deps{
		Queue:                queue,
		Pyramids:             manager,
		SOT:                  store,
		TS:                   tstore,
		Exec:                 exec,
		Source:               source,
		DefaultPipMultiplier: dec("2"),
	}, logger)

	return &fixture{
		mux:    srv.Routes(),
		store:  store,
		ts:     tstore,
		queue:  queue,
		exec:   exec,
		source: source,
	}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (f *fixture) queuePending(t *testing.T, clientID, symbol string) *core.PendingOrder {
	t.Helper()
	p, err := f.queue.Queue(context.Background(), core.OrderIntent{
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          core.SideBuy,
		OrderType:     core.OrderTypeLimit,
		Quantity:      dec("1"),
		Price:         dec("100"),
		Source:        core.SourceSpreadsheet,
		RequestedBy:   "importer",
	})
	require.NoError(t, err)
	return p
}

func TestApproveExecutesPending(t *testing.T) {
	f := newFixture(t)
	p := f.queuePending(t, "po-1", "BTCUSDT")

	rec := f.do(http.MethodPost, "/api/pending/approve/"+itoa(p.ID), `{"note":"looks fine","reviewed_by":"trader-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, string(core.PendingStatusExecuted), body["status"])
	assert.Equal(t, "trader-1", body["reviewed_by"])
	assert.NotZero(t, body["order_id"])
}

func TestApproveDefaultsReviewer(t *testing.T) {
	f := newFixture(t)
	p := f.queuePending(t, "po-1", "BTCUSDT")

	rec := f.do(http.MethodPost, "/api/pending/approve/"+itoa(p.ID), `{}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "dashboard", decode(t, rec)["reviewed_by"])
}

func TestApproveUnknownPending(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/pending/approve/999", `{}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApproveBadID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/pending/approve/zero", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSecondReviewConflicts(t *testing.T) {
	f := newFixture(t)
	p := f.queuePending(t, "po-1", "BTCUSDT")

	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/pending/approve/"+itoa(p.ID), `{}`).Code)
	rec := f.do(http.MethodPost, "/api/pending/reject/"+itoa(p.ID), `{"reason":"changed my mind"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRejectRecordsReason(t *testing.T) {
	f := newFixture(t)
	p := f.queuePending(t, "po-1", "BTCUSDT")

	rec := f.do(http.MethodPost, "/api/pending/reject/"+itoa(p.ID), `{"reason":"volatility"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, string(core.PendingStatusRejected), body["status"])
	assert.Equal(t, "volatility", body["note"])
}

func TestListPendingFiltersBySymbol(t *testing.T) {
	f := newFixture(t)
	f.queuePending(t, "po-1", "BTCUSDT")
	f.queuePending(t, "po-2", "ETHUSDT")

	rec := f.do(http.MethodGet, "/api/pending?symbol=ETHUSDT&status=PENDING", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, float64(1), body["count"])
}

func sessionBody() string {
	return `{
		"symbol": "BTCUSDT",
		"entry_price": 50000,
		"distance_pct": 2,
		"max_waves": 3,
		"isolated_fund": 100,
		"tp_pct": 3,
		"timeout_min": 60,
		"created_by": "trader-1"
	}`
}

func TestCreateSessionAppliesDefaults(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/kss/sessions", sessionBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, string(core.SessionStatusPending), body["status"])
	assert.Equal(t, "2", body["pip_multiplier"], "config default fills the omitted multiplier")
	assert.Equal(t, float64(3), body["max_waves"])
}

func TestCreateSessionRejectsMissingSymbol(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/kss/sessions", `{"entry_price": 50000}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func createSession(t *testing.T, f *fixture) int64 {
	t.Helper()
	rec := f.do(http.MethodPost, "/kss/sessions", sessionBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return int64(decode(t, rec)["id"].(float64))
}

func TestSessionStartStopCycle(t *testing.T) {
	f := newFixture(t)
	id := createSession(t, f)

	rec := f.do(http.MethodPost, "/kss/sessions/"+itoa(id)+"/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(core.SessionStatusActive), decode(t, rec)["status"])

	rec = f.do(http.MethodGet, "/kss/sessions/"+itoa(id), "")
	require.Equal(t, http.StatusOK, rec.Code)
	waves := decode(t, rec)["waves"].([]interface{})
	require.Len(t, waves, 3)
	first := waves[0].(map[string]interface{})
	assert.Equal(t, string(core.WaveStatusQueued), first["status"])
	assert.NotZero(t, first["pending_order_id"])

	rec = f.do(http.MethodPost, "/kss/sessions/"+itoa(id)+"/stop", `{"reason":"regime change"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, string(core.SessionStatusStopped), body["status"])
	assert.Equal(t, "regime change", body["stop_reason"])

	rec = f.do(http.MethodPost, "/kss/sessions/"+itoa(id)+"/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAdjustSessionReshapesLadder(t *testing.T) {
	f := newFixture(t)
	id := createSession(t, f)

	rec := f.do(http.MethodPatch, "/kss/sessions/"+itoa(id), `{"distance_pct": 3}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "3", decode(t, rec)["distance_pct"])

	rec = f.do(http.MethodGet, "/kss/sessions/"+itoa(id), "")
	waves := decode(t, rec)["waves"].([]interface{})
	w1 := waves[1].(map[string]interface{})
	assert.Equal(t, "48500", w1["target_price"])
}

func TestCheckTPWithoutFills(t *testing.T) {
	f := newFixture(t)
	id := createSession(t, f)
	f.do(http.MethodPost, "/kss/sessions/"+itoa(id)+"/start", "")

	rec := f.do(http.MethodPost, "/kss/sessions/"+itoa(id)+"/check-tp", `{"price": 60000}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, false, decode(t, rec)["triggered"])
}

func TestDeleteSession(t *testing.T) {
	f := newFixture(t)
	id := createSession(t, f)

	rec := f.do(http.MethodDelete, "/kss/sessions/"+itoa(id), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/kss/sessions/"+itoa(id), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteActiveSessionRefused(t *testing.T) {
	f := newFixture(t)
	id := createSession(t, f)
	f.do(http.MethodPost, "/kss/sessions/"+itoa(id)+"/start", "")

	rec := f.do(http.MethodDelete, "/kss/sessions/"+itoa(id), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummaryAggregates(t *testing.T) {
	f := newFixture(t)
	createSession(t, f)
	id := createSession(t, f)
	f.do(http.MethodPost, "/kss/sessions/"+itoa(id)+"/start", "")

	rec := f.do(http.MethodGet, "/kss/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, float64(2), body["total"])
	byStatus := body["by_status"].(map[string]interface{})
	assert.Equal(t, float64(1), byStatus[string(core.SessionStatusActive)])
	assert.Equal(t, float64(1), byStatus[string(core.SessionStatusPending)])
}

func applyFill(t *testing.T, f *fixture, orderID int64, side core.Side, qty, price string) {
	t.Helper()
	p := dec(price)
	err := f.ts.ApplyFill(context.Background(), &core.Order{
		ID:     orderID,
		Symbol: "BTCUSDT",
		Side:   side,
		Status: core.OrderStatusFilled,
	}, &core.Fill{
		ID:             orderID,
		OrderID:        orderID,
		FillQty:        dec(qty),
		FillPrice:      p,
		EffectivePrice: p,
		FilledAt:       time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
}

func TestPositionsView(t *testing.T) {
	f := newFixture(t)
	applyFill(t, f, 1, core.SideBuy, "2", "100")

	rec := f.do(http.MethodGet, "/api/positions", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	require.Equal(t, float64(1), body["count"])
	pos := body["positions"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "BTCUSDT", pos["symbol"])
	assert.Equal(t, "2", pos["quantity"])
	assert.Equal(t, "100", pos["avg_entry_price"])
}

func TestTotalPnLMarksToMarket(t *testing.T) {
	f := newFixture(t)
	applyFill(t, f, 1, core.SideBuy, "2", "100")
	f.source.mu.Lock()
	f.source.price = dec("110")
	f.source.mu.Unlock()

	rec := f.do(http.MethodGet, "/api/pnl", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, false, body["degraded"])
	assert.Equal(t, "20", body["unrealized_pnl"])
	assert.Equal(t, "20", body["total_pnl"])
}

func TestTotalPnLDegradesWithoutQuotes(t *testing.T) {
	f := newFixture(t)
	applyFill(t, f, 1, core.SideBuy, "2", "100")
	f.source.setErr(apperrors.ErrPriceSourceUnavailable)

	rec := f.do(http.MethodGet, "/api/pnl", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, true, body["degraded"])
	assert.Equal(t, "0", body["unrealized_pnl"])
}

func TestOrderDetail(t *testing.T) {
	f := newFixture(t)
	o, err := f.store.AppendOrder(context.Background(), &core.Order{
		ClientOrderID: "ord-1",
		Symbol:        "BTCUSDT",
		Side:          core.SideBuy,
		OrderType:     core.OrderTypeMarket,
		Qty:           dec("1"),
	})
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/api/orders/"+itoa(o.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	order := body["order"].(map[string]interface{})
	assert.Equal(t, "ord-1", order["client_order_id"])
	events := body["events"].([]interface{})
	require.NotEmpty(t, events, "append writes the CREATED event")

	rec = f.do(http.MethodGet, "/api/orders/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecutionProgressView(t *testing.T) {
	f := newFixture(t)
	f.exec.mu.Lock()
	f.exec.progress = []core.PendingProgress{{
		OrderID:     7,
		Symbol:      "BTCUSDT",
		Side:        core.SideBuy,
		ElapsedMs:   100,
		RemainingMs: 400,
		ProgressPct: dec("20"),
	}}
	f.exec.mu.Unlock()

	rec := f.do(http.MethodGet, "/api/execution/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	require.Equal(t, float64(1), body["count"])
	row := body["pending"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "20", row["progress_pct"])
}

func TestExecutionPauseResume(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/execution/pause", `{"reason":"clock fault"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.exec.Paused())

	rec = f.do(http.MethodPost, "/api/execution/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.exec.Paused())
}

func TestHealthReportsPaused(t *testing.T) {
	f := newFixture(t)
	f.exec.Pause("maintenance")

	rec := f.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "paused", body["execution"])
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
