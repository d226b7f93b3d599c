package server

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/core"
)

// defaultReviewer attributes dashboard actions that omit reviewed_by. The
// store requires a non-empty reviewer on every resolution.
const defaultReviewer = "dashboard"

type reviewRequest struct {
	Note       string `json:"note"`
	Reason     string `json:"reason"`
	ReviewedBy string `json:"reviewed_by"`
}

type pendingView struct {
	ID            int64              `json:"id"`
	ClientOrderID string             `json:"client_order_id"`
	Symbol        string             `json:"symbol"`
	Side          core.Side          `json:"side"`
	OrderType     core.OrderType     `json:"order_type"`
	Quantity      decimal.Decimal    `json:"quantity"`
	Price         decimal.Decimal    `json:"price"`
	StopPrice     decimal.Decimal    `json:"stop_price"`
	Source        core.OrderSource   `json:"source"`
	SourceRef     string             `json:"source_ref,omitempty"`
	StrategyName  string             `json:"strategy_name,omitempty"`
	Status        core.PendingStatus `json:"status"`
	RiskNote      string             `json:"risk_note,omitempty"`
	Note          string             `json:"note,omitempty"`
	ErrorNote     string             `json:"error_note,omitempty"`
	AttemptCount  int                `json:"attempt_count,omitempty"`
	RequestedBy   string             `json:"requested_by,omitempty"`
	ReviewedBy    string             `json:"reviewed_by,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	ReviewedAt    *time.Time         `json:"reviewed_at,omitempty"`
	OrderID       int64              `json:"order_id,omitempty"`
}

func toPendingView(p *core.PendingOrder) pendingView {
	v := pendingView{
		ID:            p.ID,
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Side:          p.Side,
		OrderType:     p.OrderType,
		Quantity:      p.Quantity,
		Price:         p.Price,
		StopPrice:     p.StopPrice,
		Source:        p.Source,
		SourceRef:     p.SourceRef,
		StrategyName:  p.StrategyName,
		Status:        p.Status,
		RiskNote:      p.RiskNote,
		Note:          p.Note,
		ErrorNote:     p.ErrorNote,
		AttemptCount:  p.AttemptCount,
		RequestedBy:   p.RequestedBy,
		ReviewedBy:    p.ReviewedBy,
		CreatedAt:     p.CreatedAt,
		OrderID:       p.OrderID,
	}
	if !p.ReviewedAt.IsZero() {
		t := p.ReviewedAt
		v.ReviewedAt = &t
	}
	return v
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := core.PendingFilter{
		Status: core.PendingStatus(q.Get("status")),
		Symbol: q.Get("symbol"),
		Source: core.OrderSource(q.Get("source")),
	}
	pendings, err := s.deps.Queue.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]pendingView, 0, len(pendings))
	for _, p := range pendings {
		out = append(out, toPendingView(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": out, "count": len(out)})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req reviewRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ReviewedBy == "" {
		req.ReviewedBy = defaultReviewer
	}
	p, err := s.deps.Queue.Approve(r.Context(), id, req.ReviewedBy, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPendingView(p))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req reviewRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ReviewedBy == "" {
		req.ReviewedBy = defaultReviewer
	}
	p, err := s.deps.Queue.Reject(r.Context(), id, req.ReviewedBy, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPendingView(p))
}
