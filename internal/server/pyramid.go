package server

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	"github.com/KaisukaTran/findmy-fm/internal/trading/pyramid"
)

type createSessionRequest struct {
	Symbol        string          `json:"symbol"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	DistancePct   decimal.Decimal `json:"distance_pct"`
	MaxWaves      int             `json:"max_waves"`
	IsolatedFund  decimal.Decimal `json:"isolated_fund"`
	TPPct         decimal.Decimal `json:"tp_pct"`
	TimeoutMin    decimal.Decimal `json:"timeout_min"`
	GapMin        decimal.Decimal `json:"gap_min"`
	PipMultiplier decimal.Decimal `json:"pip_multiplier"`
	CreatedBy     string          `json:"created_by"`
	Note          string          `json:"note"`
}

type adjustSessionRequest struct {
	DistancePct   *decimal.Decimal `json:"distance_pct"`
	MaxWaves      *int             `json:"max_waves"`
	IsolatedFund  *decimal.Decimal `json:"isolated_fund"`
	TPPct         *decimal.Decimal `json:"tp_pct"`
	TimeoutMin    *decimal.Decimal `json:"timeout_min"`
	GapMin        *decimal.Decimal `json:"gap_min"`
	PipMultiplier *decimal.Decimal `json:"pip_multiplier"`
}

type sessionView struct {
	ID             int64              `json:"id"`
	Symbol         string             `json:"symbol"`
	EntryPrice     decimal.Decimal    `json:"entry_price"`
	DistancePct    decimal.Decimal    `json:"distance_pct"`
	MaxWaves       int                `json:"max_waves"`
	IsolatedFund   decimal.Decimal    `json:"isolated_fund"`
	RemainingFund  decimal.Decimal    `json:"remaining_fund"`
	TPPct          decimal.Decimal    `json:"tp_pct"`
	TimeoutMin     decimal.Decimal    `json:"timeout_min"`
	GapMin         decimal.Decimal    `json:"gap_min"`
	PipMultiplier  decimal.Decimal    `json:"pip_multiplier"`
	Status         core.SessionStatus `json:"status"`
	StopReason     string             `json:"stop_reason,omitempty"`
	FundFlagged    bool               `json:"fund_flagged,omitempty"`
	CurrentWave    int                `json:"current_wave"`
	TotalFilledQty decimal.Decimal    `json:"total_filled_qty"`
	TotalCost      decimal.Decimal    `json:"total_cost"`
	AvgPrice       decimal.Decimal    `json:"avg_price"`
	CreatedBy      string             `json:"created_by,omitempty"`
	Note           string             `json:"note,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	LastFillAt     *time.Time         `json:"last_fill_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
}

type waveView struct {
	WaveNum        int             `json:"wave_num"`
	TargetQty      decimal.Decimal `json:"target_qty"`
	TargetPrice    decimal.Decimal `json:"target_price"`
	Status         core.WaveStatus `json:"status"`
	FilledQty      decimal.Decimal `json:"filled_qty"`
	FilledPrice    decimal.Decimal `json:"filled_price"`
	FilledAt       *time.Time      `json:"filled_at,omitempty"`
	PendingOrderID int64           `json:"pending_order_id,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toSessionView(sess *core.PyramidSession) sessionView {
	return sessionView{
		ID:             sess.ID,
		Symbol:         sess.Symbol,
		EntryPrice:     sess.EntryPrice,
		DistancePct:    sess.DistancePct,
		MaxWaves:       sess.MaxWaves,
		IsolatedFund:   sess.IsolatedFund,
		RemainingFund:  sess.RemainingFund(),
		TPPct:          sess.TPPct,
		TimeoutMin:     sess.TimeoutMin,
		GapMin:         sess.GapMin,
		PipMultiplier:  sess.PipMultiplier,
		Status:         sess.Status,
		StopReason:     sess.StopReason,
		FundFlagged:    sess.FundFlagged,
		CurrentWave:    sess.CurrentWave,
		TotalFilledQty: sess.TotalFilledQty,
		TotalCost:      sess.TotalCost,
		AvgPrice:       sess.AvgPrice,
		CreatedBy:      sess.CreatedBy,
		Note:           sess.Note,
		CreatedAt:      sess.CreatedAt,
		StartedAt:      optTime(sess.StartedAt),
		LastFillAt:     optTime(sess.LastFillAt),
		CompletedAt:    optTime(sess.CompletedAt),
	}
}

func toWaveView(w *core.PyramidWave) waveView {
	return waveView{
		WaveNum:        w.WaveNum,
		TargetQty:      w.TargetQty,
		TargetPrice:    w.TargetPrice,
		Status:         w.Status,
		FilledQty:      w.FilledQty,
		FilledPrice:    w.FilledPrice,
		FilledAt:       optTime(w.FilledAt),
		PendingOrderID: w.PendingOrderID,
	}
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.PipMultiplier.IsZero() {
		req.PipMultiplier = s.deps.DefaultPipMultiplier
	}
	if req.CreatedBy == "" {
		req.CreatedBy = defaultReviewer
	}
	sess, err := s.deps.Pyramids.CreateSession(r.Context(), pyramid.SessionParams{
		Symbol:        req.Symbol,
		EntryPrice:    req.EntryPrice,
		DistancePct:   req.DistancePct,
		MaxWaves:      req.MaxWaves,
		IsolatedFund:  req.IsolatedFund,
		TPPct:         req.TPPct,
		TimeoutMin:    req.TimeoutMin,
		GapMin:        req.GapMin,
		PipMultiplier: req.PipMultiplier,
		CreatedBy:     req.CreatedBy,
		Note:          req.Note,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionView(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessions, err := s.deps.Pyramids.ListSessions(r.Context(), core.SessionFilter{
		Status: core.SessionStatus(q.Get("status")),
		Symbol: q.Get("symbol"),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionView(sess))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out, "count": len(out)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, waves, err := s.deps.Pyramids.GetSession(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	wv := make([]waveView, 0, len(waves))
	for _, wave := range waves {
		wv = append(wv, toWaveView(wave))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session": toSessionView(sess),
		"waves":   wv,
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.deps.Pyramids.StartSession(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(sess))
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual stop"
	}
	sess, err := s.deps.Pyramids.StopSession(r.Context(), id, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(sess))
}

func (s *Server) handleAdjustSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req adjustSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.deps.Pyramids.AdjustSession(r.Context(), id, pyramid.AdjustParams{
		DistancePct:   req.DistancePct,
		MaxWaves:      req.MaxWaves,
		IsolatedFund:  req.IsolatedFund,
		TPPct:         req.TPPct,
		TimeoutMin:    req.TimeoutMin,
		GapMin:        req.GapMin,
		PipMultiplier: req.PipMultiplier,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(sess))
}

// handleCheckTP forces an immediate take-profit evaluation. The body may pin
// a price; a zero or absent price asks the live quote.
func (s *Server) handleCheckTP(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	triggered, sess, err := s.deps.Pyramids.CheckTP(r.Context(), id, req.Price)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"triggered": triggered,
		"session":   toSessionView(sess),
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Pyramids.Delete(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Pyramids.ClearCompleted(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": n})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Pyramids.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	byStatus := make(map[string]int, len(sum.ByStatus))
	for k, v := range sum.ByStatus {
		byStatus[string(k)] = v
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":         sum.Total,
		"by_status":     byStatus,
		"active_fund":   sum.ActiveFund,
		"total_cost":    sum.TotalCost,
		"flagged_count": sum.FlaggedCount,
	})
}
