// Package intake normalizes spreadsheet purchase-order rows into order
// intents and queues them for approval. Parsing the workbook itself happens
// upstream; this package receives rows as text cells.
package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	"github.com/KaisukaTran/findmy-fm/pkg/cli"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
)

// SheetName is the workbook sheet the import reads.
const SheetName = "purchase order"

// Row is one data line from the purchase-order sheet, cells still as text.
type Row struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Qty           string
	Price         string
}

// RowError ties a skipped row to its 1-based sheet position. The header
// occupies row 1, so the first data row reports as row 2.
type RowError struct {
	Row int
	Err error
}

func (e RowError) Error() string { return fmt.Sprintf("row %d: %v", e.Row, e.Err) }

// Result summarizes one batch import.
type Result struct {
	Queued  []*core.PendingOrder
	Skipped []RowError
}

// Importer turns sheet rows into approval-queue entries.
type Importer struct {
	queue  core.IApprovalQueue
	logger core.ILogger
}

func NewImporter(queue core.IApprovalQueue, logger core.ILogger) *Importer {
	return &Importer{
		queue:  queue,
		logger: logger.WithField("component", "sheet_intake"),
	}
}

// Import queues every parseable row as a limit order at the sheet price.
// Bad rows are skipped and reported with their sheet row number; the batch
// continues. Only a store-level failure aborts the batch early.
func (im *Importer) Import(ctx context.Context, requestedBy string, rows []Row) (*Result, error) {
	result := &Result{}
	for i, row := range rows {
		rowNum := i + 2 // header is row 1

		intent, err := normalizeRow(row)
		if err != nil {
			result.Skipped = append(result.Skipped, RowError{Row: rowNum, Err: err})
			im.logger.Warn("skipping sheet row", "row", rowNum, "error", err)
			continue
		}
		intent.RequestedBy = requestedBy

		queued, err := im.queue.Queue(ctx, intent)
		if err != nil {
			if errors.Is(err, apperrors.ErrValidation) {
				result.Skipped = append(result.Skipped, RowError{Row: rowNum, Err: err})
				im.logger.Warn("skipping sheet row", "row", rowNum, "error", err)
				continue
			}
			return result, fmt.Errorf("row %d: %w", rowNum, err)
		}
		result.Queued = append(result.Queued, queued)
	}

	im.logger.Info("sheet import finished",
		"rows", len(rows), "queued", len(result.Queued), "skipped", len(result.Skipped))
	return result, nil
}

func normalizeRow(row Row) (core.OrderIntent, error) {
	var intent core.OrderIntent

	clientID := strings.TrimSpace(row.ClientOrderID)
	if clientID == "" {
		return intent, errors.New("client_order_id is required")
	}
	if err := cli.ValidateInput(clientID); err != nil {
		return intent, fmt.Errorf("client_order_id: %v", err)
	}

	symbol := strings.ToUpper(strings.TrimSpace(row.Symbol))
	if symbol == "" {
		return intent, errors.New("symbol is required")
	}
	if err := cli.ValidateSymbol(symbol); err != nil {
		return intent, err
	}

	side, err := ParseSide(row.Side)
	if err != nil {
		return intent, err
	}

	qty, err := decimal.NewFromString(strings.TrimSpace(row.Qty))
	if err != nil {
		return intent, fmt.Errorf("invalid quantity %q", row.Qty)
	}
	if !qty.IsPositive() {
		return intent, fmt.Errorf("quantity %s must be positive", qty)
	}

	price, err := decimal.NewFromString(strings.TrimSpace(row.Price))
	if err != nil {
		return intent, fmt.Errorf("invalid price %q", row.Price)
	}
	if !price.IsPositive() {
		return intent, fmt.Errorf("price %s must be positive", price)
	}

	return core.OrderIntent{
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          side,
		OrderType:     core.OrderTypeLimit,
		Quantity:      qty,
		Price:         price,
		Source:        core.SourceSpreadsheet,
		SourceRef:     "sheet:" + clientID,
	}, nil
}

// ParseSide maps a sheet side token to a side. Recognized tokens are
// BUY/SELL and the localized MUA/BÁN, case-insensitive; empty defaults
// to BUY.
func ParseSide(token string) (core.Side, error) {
	switch strings.ToUpper(strings.TrimSpace(token)) {
	case "", "BUY", "MUA":
		return core.SideBuy, nil
	case "SELL", "BÁN":
		return core.SideSell, nil
	default:
		return "", fmt.Errorf("unrecognized side %q", token)
	}
}
