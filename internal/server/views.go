package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
	"github.com/KaisukaTran/findmy-fm/pkg/telemetry"
)

type positionView struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type tradeView struct {
	ID           int64            `json:"id"`
	EntryOrderID int64            `json:"entry_order_id"`
	ExitOrderID  int64            `json:"exit_order_id,omitempty"`
	Symbol       string           `json:"symbol"`
	Side         core.Side        `json:"side"`
	Status       core.TradeStatus `json:"status"`
	EntryQty     decimal.Decimal  `json:"entry_qty"`
	EntryPrice   decimal.Decimal  `json:"entry_price"`
	EntryTime    time.Time        `json:"entry_time"`
	ExitQty      decimal.Decimal  `json:"exit_qty"`
	ExitPrice    decimal.Decimal  `json:"exit_price"`
	ExitTime     *time.Time       `json:"exit_time,omitempty"`
	CurrentQty   decimal.Decimal  `json:"current_qty"`
	StrategyCode string           `json:"strategy_code,omitempty"`
}

type orderView struct {
	ID            int64            `json:"id"`
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          core.Side        `json:"side"`
	OrderType     core.OrderType   `json:"order_type"`
	Qty           decimal.Decimal  `json:"qty"`
	RemainingQty  decimal.Decimal  `json:"remaining_qty"`
	Price         decimal.Decimal  `json:"price"`
	StopPrice     decimal.Decimal  `json:"stop_price"`
	Status        core.OrderStatus `json:"status"`
	Source        core.OrderSource `json:"source"`
	SourceRef     string           `json:"source_ref,omitempty"`
	LatencyMs     int64            `json:"latency_ms"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	ExecutedAt    *time.Time       `json:"executed_at,omitempty"`
}

type fillView struct {
	ID             int64           `json:"id"`
	FillQty        decimal.Decimal `json:"fill_qty"`
	FillPrice      decimal.Decimal `json:"fill_price"`
	EffectivePrice decimal.Decimal `json:"effective_price"`
	Fees           decimal.Decimal `json:"fees"`
	SlippageAmount decimal.Decimal `json:"slippage_amount"`
	Liquidity      core.Liquidity  `json:"liquidity"`
	FilledAt       time.Time       `json:"filled_at"`
}

type eventView struct {
	ID        int64          `json:"id"`
	EventType core.EventType `json:"event_type"`
	EventTime time.Time      `json:"event_time"`
	Payload   string         `json:"payload,omitempty"`
}

func toOrderView(o *core.Order) orderView {
	return orderView{
		ID:            o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          o.Side,
		OrderType:     o.OrderType,
		Qty:           o.Qty,
		RemainingQty:  o.RemainingQty,
		Price:         o.Price,
		StopPrice:     o.StopPrice,
		Status:        o.Status,
		Source:        o.Source,
		SourceRef:     o.SourceRef,
		LatencyMs:     o.LatencyMs,
		SubmittedAt:   o.SubmittedAt,
		ExecutedAt:    optTime(o.ExecutedAt),
	}
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}

func (s *Server) handleListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.deps.TS.ListPositions(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionView{
			Symbol:        p.Symbol,
			Quantity:      p.Quantity,
			AvgEntryPrice: p.AvgEntryPrice,
			TotalCost:     p.TotalCost,
			RealizedPnL:   p.RealizedPnL,
			UpdatedAt:     p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": out, "count": len(out)})
}

func (s *Server) handleListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	trades, err := s.deps.TS.ListTrades(r.Context(), q.Get("symbol"), core.TradeStatus(q.Get("status")), queryLimit(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]tradeView, 0, len(trades))
	for _, t := range trades {
		out = append(out, tradeView{
			ID:           t.ID,
			EntryOrderID: t.EntryOrderID,
			ExitOrderID:  t.ExitOrderID,
			Symbol:       t.Symbol,
			Side:         t.Side,
			Status:       t.Status,
			EntryQty:     t.EntryQty,
			EntryPrice:   t.EntryPrice,
			EntryTime:    t.EntryTime,
			ExitQty:      t.ExitQty,
			ExitPrice:    t.ExitPrice,
			ExitTime:     optTime(t.ExitTime),
			CurrentQty:   t.CurrentQty,
			StrategyCode: t.StrategyCode,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": out, "count": len(out)})
}

func (s *Server) handleTradePnL(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pnl, err := s.deps.TS.GetTradePnL(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trade_id":       pnl.TradeID,
		"gross_pnl":      pnl.GrossPnL,
		"total_fees":     pnl.TotalFees,
		"net_pnl":        pnl.NetPnL,
		"return_pct":     pnl.ReturnPct,
		"realized_pnl":   pnl.RealizedPnL,
		"unrealized_pnl": pnl.UnrealizedPnL,
		"duration_s":     pnl.DurationS,
	})
}

// handleTotalPnL marks open positions to the current quote. When the price
// source cannot serve a symbol the response degrades to realized-only for
// it and says so.
func (s *Server) handleTotalPnL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	realized, err := s.deps.TS.TotalRealizedPnL(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	unrealized := decimal.Zero
	degraded := false
	positions, err := s.deps.TS.ListPositions(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	marks := make([]map[string]interface{}, 0, len(positions))
	for _, p := range positions {
		if !p.Quantity.IsPositive() {
			continue
		}
		mark := map[string]interface{}{
			"symbol":          p.Symbol,
			"quantity":        p.Quantity,
			"avg_entry_price": p.AvgEntryPrice,
		}
		quote, qerr := s.deps.Source.CurrentPrice(ctx, p.Symbol)
		if qerr != nil {
			degraded = true
			mark["marked"] = false
			marks = append(marks, mark)
			continue
		}
		u := quote.Price.Sub(p.AvgEntryPrice).Mul(p.Quantity)
		unrealized = unrealized.Add(u)
		telemetry.GetGlobalMetrics().SetUnrealizedPnL(p.Symbol, u.InexactFloat64())
		mark["marked"] = true
		mark["mark_price"] = quote.Price
		mark["unrealized_pnl"] = u
		marks = append(marks, mark)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"realized_pnl":   realized,
		"unrealized_pnl": unrealized,
		"total_pnl":      realized.Add(unrealized),
		"degraded":       degraded,
		"positions":      marks,
	})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orders, err := s.deps.SOT.ListOrders(r.Context(), core.OrderFilter{
		Symbol: q.Get("symbol"),
		Status: core.OrderStatus(q.Get("status")),
		Source: core.OrderSource(q.Get("source")),
		Limit:  queryLimit(r),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderView(o))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": out, "count": len(out)})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	o, err := s.deps.SOT.GetOrder(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.deps.SOT.ListEvents(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	fills, err := s.deps.SOT.ListFills(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ev := make([]eventView, 0, len(events))
	for _, e := range events {
		ev = append(ev, eventView{ID: e.ID, EventType: e.EventType, EventTime: e.EventTime, Payload: e.Payload})
	}
	fv := make([]fillView, 0, len(fills))
	for _, f := range fills {
		fv = append(fv, fillView{
			ID:             f.ID,
			FillQty:        f.FillQty,
			FillPrice:      f.FillPrice,
			EffectivePrice: f.EffectivePrice,
			Fees:           f.Fees,
			SlippageAmount: f.SlippageAmount,
			Liquidity:      f.Liquidity,
			FilledAt:       f.FilledAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"order":  toOrderView(o),
		"events": ev,
		"fills":  fv,
	})
}

func (s *Server) handleExecutionPending(w http.ResponseWriter, r *http.Request) {
	progress := s.deps.Exec.PendingProgress()
	out := make([]map[string]interface{}, 0, len(progress))
	for _, p := range progress {
		out = append(out, map[string]interface{}{
			"order_id":        p.OrderID,
			"client_order_id": p.ClientOrderID,
			"symbol":          p.Symbol,
			"side":            p.Side,
			"elapsed_ms":      p.ElapsedMs,
			"remaining_ms":    p.RemainingMs,
			"progress_pct":    p.ProgressPct,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": out, "count": len(out)})
}

func (s *Server) handleExecutionPause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "operator pause"
	}
	s.deps.Exec.Pause(req.Reason)
	writeJSON(w, http.StatusOK, map[string]interface{}{"paused": true})
}

func (s *Server) handleExecutionResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Exec.Resume()
	writeJSON(w, http.StatusOK, map[string]interface{}{"paused": false})
}

// handleSetPrice pins a mark on the static price source. Only mounted when
// the platform runs without a feed URL.
func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	symbol := r.PathValue("symbol")
	var req struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if !req.Price.IsPositive() {
		s.writeError(w, r, fmt.Errorf("%w: price must be positive", apperrors.ErrValidation))
		return
	}
	s.deps.Override.SetPrice(symbol, req.Price)
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbol": symbol, "price": req.Price})
}
