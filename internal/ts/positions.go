package ts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"

	"github.com/shopspring/decimal"
)

const positionCols = `symbol, quantity, avg_entry_price, total_cost, realized_pnl, updated_at`

func scanPosition(row rowScanner) (*core.Position, error) {
	var p core.Position
	err := row.Scan(&p.Symbol, &p.Quantity, &p.AvgEntryPrice, &p.TotalCost,
		&p.RealizedPnL, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func zeroPosition(symbol string) *core.Position {
	return &core.Position{
		Symbol:        symbol,
		Quantity:      decimal.Zero,
		AvgEntryPrice: decimal.Zero,
		TotalCost:     decimal.Zero,
		RealizedPnL:   decimal.Zero,
	}
}

func (s *Store) loadPositionTx(ctx context.Context, tx *sql.Tx, symbol string) (*core.Position, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE symbol = ?`, symbol)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return zeroPosition(symbol), nil
	}
	return p, err
}

func (s *Store) savePositionTx(ctx context.Context, tx *sql.Tx, p *core.Position) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO positions (symbol, quantity, avg_entry_price, total_cost, realized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			quantity = excluded.quantity,
			avg_entry_price = excluded.avg_entry_price,
			total_cost = excluded.total_cost,
			realized_pnl = excluded.realized_pnl,
			updated_at = excluded.updated_at`,
		p.Symbol, p.Quantity, p.AvgEntryPrice, p.TotalCost, p.RealizedPnL, p.UpdatedAt.UTC())
	return err
}

// GetPosition returns the aggregate for a symbol. A symbol that never traded
// reports a flat zero position rather than an error.
func (s *Store) GetPosition(ctx context.Context, symbol string) (*core.Position, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionCols+` FROM positions WHERE symbol = ?`, symbol)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return zeroPosition(symbol), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get position: %v", apperrors.ErrStoreError, err)
	}
	return p, nil
}

// ListPositions returns every tracked position, flat ones included.
func (s *Store) ListPositions(ctx context.Context) ([]*core.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+positionCols+` FROM positions ORDER BY symbol ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: list positions: %v", apperrors.ErrStoreError, err)
	}
	defer rows.Close()

	var positions []*core.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan position: %v", apperrors.ErrStoreError, err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// TotalRealizedPnL sums realized pnl across all positions. Summation happens
// in Go because SQLite would coerce the TEXT decimals to floats.
func (s *Store) TotalRealizedPnL(ctx context.Context) (decimal.Decimal, error) {
	positions, err := s.ListPositions(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, p := range positions {
		total = total.Add(p.RealizedPnL)
	}
	return total, nil
}

// RealizedPnLSince sums position-level realized amounts recorded at or after
// the given instant. The risk engine's daily-loss window reads this.
func (s *Store) RealizedPnLSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT amount FROM realized_events WHERE realized_at >= ?`, since.UTC())
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: realized since: %v", apperrors.ErrStoreError, err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount decimal.Decimal
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, fmt.Errorf("%w: scan realized amount: %v", apperrors.ErrStoreError, err)
		}
		total = total.Add(amount)
	}
	return total, rows.Err()
}
