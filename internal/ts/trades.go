package ts

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"

	"github.com/shopspring/decimal"
)

const tradeCols = `id, entry_order_id, exit_order_id, symbol, side, status,
	entry_qty, entry_price, entry_time, exit_qty, exit_price, exit_time,
	current_qty, strategy_code`

func scanTrade(row rowScanner) (*core.Trade, error) {
	var (
		t         core.Trade
		entryTime sql.NullTime
		exitTime  sql.NullTime
	)
	err := row.Scan(&t.ID, &t.EntryOrderID, &t.ExitOrderID, &t.Symbol, &t.Side,
		&t.Status, &t.EntryQty, &t.EntryPrice, &entryTime, &t.ExitQty,
		&t.ExitPrice, &exitTime, &t.CurrentQty, &t.StrategyCode)
	if err != nil {
		return nil, err
	}
	t.EntryTime = timeOf(entryTime)
	t.ExitTime = timeOf(exitTime)
	return &t, nil
}

// applyEntryTx folds a BUY fill into the trade keyed by its order, creating
// the trade and its pnl row on the first fill.
func (s *Store) applyEntryTx(ctx context.Context, tx *sql.Tx, o *core.Order, f *core.Fill) (*core.Trade, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+tradeCols+` FROM trades WHERE entry_order_id = ?`, o.ID)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		t = &core.Trade{
			EntryOrderID: o.ID,
			Symbol:       o.Symbol,
			Side:         o.Side,
			Status:       core.TradeStatusOpen,
			EntryQty:     f.FillQty,
			EntryPrice:   f.EffectivePrice,
			EntryTime:    f.FilledAt,
			ExitQty:      decimal.Zero,
			ExitPrice:    decimal.Zero,
			CurrentQty:   f.FillQty,
			StrategyCode: o.StrategyName,
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO trades
				(entry_order_id, exit_order_id, symbol, side, status, entry_qty,
				 entry_price, entry_time, exit_qty, exit_price, exit_time,
				 current_qty, strategy_code)
			VALUES (?, 0, ?, ?, ?, ?, ?, ?, '0', '0', NULL, ?, ?)`,
			t.EntryOrderID, t.Symbol, t.Side, t.Status, t.EntryQty,
			t.EntryPrice, t.EntryTime.UTC(), t.CurrentQty, t.StrategyCode)
		if err != nil {
			return nil, err
		}
		if t.ID, err = res.LastInsertId(); err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trade_pnl (trade_id, total_fees, updated_at) VALUES (?, ?, ?)`,
			t.ID, f.Fees, f.FilledAt.UTC())
		return t, err
	}
	if err != nil {
		return nil, err
	}

	// Later entry fills of the same order extend the trade with a weighted
	// entry price.
	newEntryQty := t.EntryQty.Add(f.FillQty)
	t.EntryPrice = t.EntryQty.Mul(t.EntryPrice).Add(f.FillQty.Mul(f.EffectivePrice)).Div(newEntryQty)
	t.EntryQty = newEntryQty
	t.CurrentQty = t.CurrentQty.Add(f.FillQty)
	if _, err := tx.ExecContext(ctx, `
		UPDATE trades SET entry_qty = ?, entry_price = ?, current_qty = ? WHERE id = ?`,
		t.EntryQty, t.EntryPrice, t.CurrentQty, t.ID); err != nil {
		return nil, err
	}

	var fees decimal.Decimal
	if err := tx.QueryRowContext(ctx, `SELECT total_fees FROM trade_pnl WHERE trade_id = ?`, t.ID).Scan(&fees); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE trade_pnl SET total_fees = ?, updated_at = ? WHERE trade_id = ?`,
		fees.Add(f.Fees), f.FilledAt.UTC(), t.ID)
	return t, err
}

// applyExitTx distributes a SELL fill across open trades for the symbol,
// oldest entry first, recomputing each touched trade's pnl.
func (s *Store) applyExitTx(ctx context.Context, tx *sql.Tx, o *core.Order, f *core.Fill) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+tradeCols+` FROM trades
		WHERE symbol = ? AND status IN (?, ?)
		ORDER BY entry_time ASC, id ASC`,
		o.Symbol, core.TradeStatusOpen, core.TradeStatusPartial)
	if err != nil {
		return err
	}
	var open []*core.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			rows.Close()
			return err
		}
		open = append(open, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	remaining := f.FillQty
	for _, t := range open {
		if !remaining.IsPositive() {
			break
		}
		closeQty := decimal.Min(t.CurrentQty, remaining)
		if !closeQty.IsPositive() {
			continue
		}
		feeShare := f.Fees
		if !f.FillQty.Equal(closeQty) {
			feeShare = f.Fees.Mul(closeQty).Div(f.FillQty)
		}

		newExitQty := t.ExitQty.Add(closeQty)
		t.ExitPrice = t.ExitQty.Mul(t.ExitPrice).Add(closeQty.Mul(f.EffectivePrice)).Div(newExitQty)
		t.ExitQty = newExitQty
		t.CurrentQty = t.CurrentQty.Sub(closeQty)
		t.ExitOrderID = o.ID
		t.ExitTime = f.FilledAt
		if t.CurrentQty.IsZero() {
			t.Status = core.TradeStatusClosed
		} else {
			t.Status = core.TradeStatusPartial
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE trades
			SET exit_order_id = ?, status = ?, exit_qty = ?, exit_price = ?,
			    exit_time = ?, current_qty = ?
			WHERE id = ?`,
			t.ExitOrderID, t.Status, t.ExitQty, t.ExitPrice,
			t.ExitTime.UTC(), t.CurrentQty, t.ID); err != nil {
			return err
		}
		if err := s.recomputeTradePnLTx(ctx, tx, t, feeShare); err != nil {
			return err
		}
		remaining = remaining.Sub(closeQty)
	}

	if remaining.IsPositive() {
		// Execution already validated the position, so an unmatched exit
		// means the trade projection drifted from the facts.
		s.logger.Error("sell fill exceeds open trades, projection drift",
			"symbol", o.Symbol, "order_id", o.ID, "unmatched_qty", remaining.String())
	}
	return nil
}

// recomputeTradePnLTx rewrites the derived pnl row for a trade after an exit.
func (s *Store) recomputeTradePnLTx(ctx context.Context, tx *sql.Tx, t *core.Trade, feeShare decimal.Decimal) error {
	var fees decimal.Decimal
	if err := tx.QueryRowContext(ctx, `SELECT total_fees FROM trade_pnl WHERE trade_id = ?`, t.ID).Scan(&fees); err != nil {
		return err
	}
	fees = fees.Add(feeShare)

	costBasis := t.EntryQty.Mul(t.EntryPrice)
	gross := t.ExitPrice.Sub(t.EntryPrice).Mul(t.ExitQty)
	if t.Side == core.SideSell {
		gross = gross.Neg()
	}
	net := gross.Sub(fees)
	returnPct := decimal.Zero
	if costBasis.IsPositive() {
		returnPct = net.Div(costBasis).Mul(decimal.NewFromInt(100))
	}
	realized := decimal.Zero
	if t.ExitQty.IsPositive() {
		realized = net
	}
	durationS := int64(0)
	if !t.ExitTime.IsZero() && !t.EntryTime.IsZero() {
		durationS = int64(t.ExitTime.Sub(t.EntryTime).Seconds())
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE trade_pnl
		SET gross_pnl = ?, total_fees = ?, net_pnl = ?, return_pct = ?,
		    realized_pnl = ?, duration_s = ?, updated_at = ?
		WHERE trade_id = ?`,
		gross, fees, net, returnPct, realized, durationS, t.ExitTime.UTC(), t.ID)
	return err
}

// OpenTrade records the entry side of a trade for a filled order. ApplyFill
// calls this for BUY fills; it is exposed for rebuilds and manual projection.
func (s *Store) OpenTrade(ctx context.Context, o *core.Order, f *core.Fill) (*core.Trade, error) {
	var t *core.Trade
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		t, err = s.applyEntryTx(ctx, tx, o, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open trade: %v", apperrors.ErrStoreError, err)
	}
	return t, nil
}

// GetTrade returns one trade by id.
func (s *Store) GetTrade(ctx context.Context, id int64) (*core.Trade, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tradeCols+` FROM trades WHERE id = ?`, id)
	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, notFound("trade", id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get trade: %v", apperrors.ErrStoreError, err)
	}
	return t, nil
}

// ListTrades returns trades matching the filters, newest first.
func (s *Store) ListTrades(ctx context.Context, symbol string, status core.TradeStatus, limit int) ([]*core.Trade, error) {
	query := `SELECT ` + tradeCols + ` FROM trades WHERE 1=1`
	args := []interface{}{}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list trades: %v", apperrors.ErrStoreError, err)
	}
	defer rows.Close()

	var trades []*core.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan trade: %v", apperrors.ErrStoreError, err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetTradePnL returns the derived pnl snapshot for a trade.
func (s *Store) GetTradePnL(ctx context.Context, tradeID int64) (*core.TradePnL, error) {
	p := &core.TradePnL{TradeID: tradeID}
	err := s.db.QueryRowContext(ctx, `
		SELECT gross_pnl, total_fees, net_pnl, return_pct, realized_pnl,
		       unrealized_pnl, duration_s
		FROM trade_pnl WHERE trade_id = ?`, tradeID).
		Scan(&p.GrossPnL, &p.TotalFees, &p.NetPnL, &p.ReturnPct,
			&p.RealizedPnL, &p.UnrealizedPnL, &p.DurationS)
	if err == sql.ErrNoRows {
		return nil, notFound("trade pnl", tradeID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get trade pnl: %v", apperrors.ErrStoreError, err)
	}
	return p, nil
}
