package server

import (
	"fmt"
	"net/http"

	"github.com/KaisukaTran/findmy-fm/internal/intake"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
)

type importRow struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	Price         string `json:"price"`
}

type importRequest struct {
	RequestedBy string      `json:"requested_by"`
	Rows        []importRow `json:"rows"`
}

type importSkip struct {
	Row   int    `json:"row"`
	Error string `json:"error"`
}

// handleImportOrders queues a batch of purchase-order sheet rows. Bad rows
// come back in skipped with their 1-based sheet position; the batch itself
// succeeds as long as the store held up.
func (s *Server) handleImportOrders(w http.ResponseWriter, r *http.Request) {
	if s.deps.Importer == nil {
		s.writeError(w, r, fmt.Errorf("%w: sheet import is not enabled", apperrors.ErrValidation))
		return
	}

	var req importRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(req.Rows) == 0 {
		s.writeError(w, r, fmt.Errorf("%w: rows must not be empty", apperrors.ErrValidation))
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = defaultReviewer
	}

	rows := make([]intake.Row, 0, len(req.Rows))
	for _, row := range req.Rows {
		rows = append(rows, intake.Row{
			ClientOrderID: row.ClientOrderID,
			Symbol:        row.Symbol,
			Side:          row.Side,
			Qty:           row.Qty,
			Price:         row.Price,
		})
	}

	result, err := s.deps.Importer.Import(r.Context(), req.RequestedBy, rows)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	queued := make([]pendingView, 0, len(result.Queued))
	for _, p := range result.Queued {
		queued = append(queued, toPendingView(p))
	}
	skipped := make([]importSkip, 0, len(result.Skipped))
	for _, sk := range result.Skipped {
		skipped = append(skipped, importSkip{Row: sk.Row, Error: sk.Err.Error()})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queued":  queued,
		"skipped": skipped,
	})
}
