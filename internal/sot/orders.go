package sot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"

	"github.com/shopspring/decimal"
)

const orderCols = `id, client_order_id, symbol, side, order_type, qty, remaining_qty,
	price, stop_price, status, source, source_ref, strategy_name, maker,
	maker_fee_rate, taker_fee_rate, latency_ms, submitted_at, executed_at,
	created_at, updated_at`

func scanOrder(row rowScanner) (*core.Order, error) {
	var (
		o           core.Order
		maker       int
		submittedAt sql.NullTime
		executedAt  sql.NullTime
	)
	err := row.Scan(&o.ID, &o.ClientOrderID, &o.Symbol, &o.Side, &o.OrderType,
		&o.Qty, &o.RemainingQty, &o.Price, &o.StopPrice, &o.Status, &o.Source,
		&o.SourceRef, &o.StrategyName, &maker, &o.MakerFeeRate, &o.TakerFeeRate,
		&o.LatencyMs, &submittedAt, &executedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Maker = maker == 1
	o.SubmittedAt = timeOf(submittedAt)
	o.ExecutedAt = timeOf(executedAt)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

// AppendOrder inserts an order fact together with its CREATED event.
// Idempotent on client_order_id: a duplicate insert returns the existing row.
func (s *Store) AppendOrder(ctx context.Context, o *core.Order) (*core.Order, error) {
	if o.ClientOrderID == "" {
		return nil, fmt.Errorf("%w: client_order_id is required", apperrors.ErrValidation)
	}
	if o.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", apperrors.ErrValidation)
	}
	if !o.Qty.IsPositive() {
		return nil, fmt.Errorf("%w: qty must be positive", apperrors.ErrValidation)
	}

	if o.Status == "" {
		o.Status = core.OrderStatusNew
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	if o.RemainingQty.IsZero() && o.Status == core.OrderStatusNew {
		o.RemainingQty = o.Qty
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO orders
				(client_order_id, symbol, side, order_type, qty, remaining_qty,
				 price, stop_price, status, source, source_ref, strategy_name,
				 maker, maker_fee_rate, taker_fee_rate, latency_ms,
				 submitted_at, executed_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ClientOrderID, o.Symbol, o.Side, o.OrderType, o.Qty, o.RemainingQty,
			o.Price, o.StopPrice, o.Status, o.Source, o.SourceRef, o.StrategyName,
			boolToInt(o.Maker), o.MakerFeeRate, o.TakerFeeRate, o.LatencyMs,
			nullTime(o.SubmittedAt), nullTime(o.ExecutedAt), o.CreatedAt.UTC(), o.UpdatedAt.UTC())
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read order id: %w", err)
		}
		o.ID = id

		payload, _ := json.Marshal(map[string]string{
			"symbol": o.Symbol,
			"side":   string(o.Side),
			"qty":    o.Qty.String(),
		})
		_, err = tx.ExecContext(ctx, `
			INSERT INTO order_events (order_id, event_type, event_time, payload)
			VALUES (?, ?, ?, ?)`,
			o.ID, core.EventCreated, o.CreatedAt.UTC(), string(payload))
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.GetOrderByClientID(ctx, o.ClientOrderID)
			if getErr != nil {
				return nil, fmt.Errorf("%w: duplicate lookup failed: %v", apperrors.ErrStoreError, getErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("%w: append order: %v", apperrors.ErrStoreError, err)
	}
	return o, nil
}

// UpdateOrderStatus moves an order along the status lattice with a
// compare-and-set on the expected current status.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, from, to core.OrderStatus, remainingQty decimal.Decimal, executedAt time.Time) error {
	if !core.CanTransition(from, to) {
		return fmt.Errorf("%w: order %d %s -> %s", apperrors.ErrIllegalTransition, orderID, from, to)
	}

	updatedAt := executedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = ?, remaining_qty = ?,
			    executed_at = COALESCE(?, executed_at), updated_at = ?
			WHERE id = ? AND status = ?`,
			to, remainingQty, nullTime(executedAt), updatedAt.UTC(), orderID, from)
		if err != nil {
			return fmt.Errorf("%w: update order status: %v", apperrors.ErrStoreError, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("%w: rows affected: %v", apperrors.ErrStoreError, err)
		}
		if n == 0 {
			var current core.OrderStatus
			err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, orderID).Scan(&current)
			if err == sql.ErrNoRows {
				return notFound("order", orderID)
			}
			if err != nil {
				return fmt.Errorf("%w: status lookup: %v", apperrors.ErrStoreError, err)
			}
			return fmt.Errorf("%w: order %d is %s, expected %s", apperrors.ErrStaleState, orderID, current, from)
		}
		return nil
	})
}

// AppendEvent appends one lifecycle event for an order.
func (s *Store) AppendEvent(ctx context.Context, orderID int64, eventType core.EventType, payload string) (*core.OrderEvent, error) {
	ev := &core.OrderEvent{
		OrderID:   orderID,
		EventType: eventType,
		EventTime: time.Now().UTC(),
		Payload:   payload,
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = ?`, orderID).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return notFound("order", orderID)
			}
			return err
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO order_events (order_id, event_type, event_time, payload)
			VALUES (?, ?, ?, ?)`,
			ev.OrderID, ev.EventType, ev.EventTime, ev.Payload)
		if err != nil {
			return err
		}
		ev.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: append event: %v", apperrors.ErrStoreError, err)
	}
	return ev, nil
}

type fillPayload struct {
	FillQty        string `json:"fill_qty"`
	FillPrice      string `json:"fill_price"`
	EffectivePrice string `json:"effective_price"`
	Fees           string `json:"fees"`
	Slippage       string `json:"slippage"`
	RemainingQty   string `json:"remaining_qty"`
}

// AppendFill records one fill atomically: the fill row, the order status
// move, the PARTIAL_FILL or FILL event, and the per-order cost and pnl
// aggregates all commit together.
func (s *Store) AppendFill(ctx context.Context, f *core.Fill, remainingQty decimal.Decimal, status core.OrderStatus, realized decimal.Decimal) (*core.Fill, error) {
	if status != core.OrderStatusPartiallyFilled && status != core.OrderStatusFilled {
		return nil, fmt.Errorf("%w: fill must move order to PARTIALLY_FILLED or FILLED, got %s", apperrors.ErrIllegalTransition, status)
	}
	if f.FilledAt.IsZero() {
		f.FilledAt = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current core.OrderStatus
		err := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = ?`, f.OrderID).Scan(&current)
		if err == sql.ErrNoRows {
			return notFound("order", f.OrderID)
		}
		if err != nil {
			return err
		}
		if !core.CanTransition(current, status) {
			return fmt.Errorf("%w: order %d %s -> %s", apperrors.ErrIllegalTransition, f.OrderID, current, status)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO order_fills
				(order_id, fill_qty, fill_price, effective_price, fees, slippage_amount, liquidity, filled_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.OrderID, f.FillQty, f.FillPrice, f.EffectivePrice, f.Fees,
			f.SlippageAmount, f.Liquidity, f.FilledAt.UTC())
		if err != nil {
			return err
		}
		if f.ID, err = res.LastInsertId(); err != nil {
			return err
		}

		upd, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = ?, remaining_qty = ?, executed_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			status, remainingQty, f.FilledAt.UTC(), f.FilledAt.UTC(), f.OrderID, current)
		if err != nil {
			return err
		}
		if n, err := upd.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: order %d changed during fill", apperrors.ErrStaleState, f.OrderID)
		}

		eventType := core.EventPartialFill
		if status == core.OrderStatusFilled {
			eventType = core.EventFill
		}
		payload, _ := json.Marshal(fillPayload{
			FillQty:        f.FillQty.String(),
			FillPrice:      f.FillPrice.String(),
			EffectivePrice: f.EffectivePrice.String(),
			Fees:           f.Fees.String(),
			Slippage:       f.SlippageAmount.String(),
			RemainingQty:   remainingQty.String(),
		})
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_events (order_id, event_type, event_time, payload)
			VALUES (?, ?, ?, ?)`,
			f.OrderID, eventType, f.FilledAt.UTC(), string(payload)); err != nil {
			return err
		}

		// Aggregates are read-modify-write; the serializable tx keeps them exact.
		totalFees := decimal.Zero
		err = tx.QueryRowContext(ctx, `SELECT total_fees FROM order_costs WHERE order_id = ?`, f.OrderID).Scan(&totalFees)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		totalFees = totalFees.Add(f.Fees)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_costs (order_id, total_fees, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(order_id) DO UPDATE SET total_fees = excluded.total_fees, updated_at = excluded.updated_at`,
			f.OrderID, totalFees, f.FilledAt.UTC()); err != nil {
			return err
		}

		realizedTotal := decimal.Zero
		costBasis := decimal.Zero
		err = tx.QueryRowContext(ctx, `SELECT realized_pnl, cost_basis FROM order_pnl WHERE order_id = ?`, f.OrderID).
			Scan(&realizedTotal, &costBasis)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
		realizedTotal = realizedTotal.Add(realized)
		costBasis = costBasis.Add(f.FillQty.Mul(f.EffectivePrice))
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_pnl (order_id, realized_pnl, cost_basis, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(order_id) DO UPDATE SET realized_pnl = excluded.realized_pnl, cost_basis = excluded.cost_basis, updated_at = excluded.updated_at`,
			f.OrderID, realizedTotal, costBasis, f.FilledAt.UTC()); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) ||
			errors.Is(err, apperrors.ErrIllegalTransition) ||
			errors.Is(err, apperrors.ErrStaleState) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: append fill: %v", apperrors.ErrStoreError, err)
	}
	return f, nil
}

// GetOrder returns an order by id.
func (s *Store) GetOrder(ctx context.Context, id int64) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, notFound("order", id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get order: %v", apperrors.ErrStoreError, err)
	}
	return o, nil
}

// GetOrderByClientID returns an order by its client_order_id.
func (s *Store) GetOrderByClientID(ctx context.Context, clientOrderID string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderCols+` FROM orders WHERE client_order_id = ?`, clientOrderID)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: order %q", apperrors.ErrNotFound, clientOrderID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get order by client id: %v", apperrors.ErrStoreError, err)
	}
	return o, nil
}

// ListOrders returns orders matching the filter, newest first.
func (s *Store) ListOrders(ctx context.Context, f core.OrderFilter) ([]*core.Order, error) {
	query := `SELECT ` + orderCols + ` FROM orders WHERE 1=1`
	args := []interface{}{}
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.OrderType != "" {
		query += ` AND order_type = ?`
		args = append(args, f.OrderType)
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list orders: %v", apperrors.ErrStoreError, err)
	}
	defer rows.Close()

	var orders []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan order: %v", apperrors.ErrStoreError, err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListEvents returns the event log for an order in append order.
func (s *Store) ListEvents(ctx context.Context, orderID int64) ([]*core.OrderEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, event_type, event_time, payload
		FROM order_events WHERE order_id = ? ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: list events: %v", apperrors.ErrStoreError, err)
	}
	defer rows.Close()

	var events []*core.OrderEvent
	for rows.Next() {
		var ev core.OrderEvent
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.EventType, &ev.EventTime, &ev.Payload); err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", apperrors.ErrStoreError, err)
		}
		ev.EventTime = ev.EventTime.UTC()
		events = append(events, &ev)
	}
	return events, rows.Err()
}

const fillCols = `id, order_id, fill_qty, fill_price, effective_price, fees, slippage_amount, liquidity, filled_at`

func scanFill(row rowScanner) (*core.Fill, error) {
	var f core.Fill
	err := row.Scan(&f.ID, &f.OrderID, &f.FillQty, &f.FillPrice, &f.EffectivePrice,
		&f.Fees, &f.SlippageAmount, &f.Liquidity, &f.FilledAt)
	if err != nil {
		return nil, err
	}
	f.FilledAt = f.FilledAt.UTC()
	return &f, nil
}

// ListFills returns the fills for an order in append order.
func (s *Store) ListFills(ctx context.Context, orderID int64) ([]*core.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fillCols+` FROM order_fills WHERE order_id = ? ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: list fills: %v", apperrors.ErrStoreError, err)
	}
	defer rows.Close()
	return collectFills(rows)
}

// ListFillsSince returns all fills at or after the given instant, in append
// order. Used for derived-store rebuilds and daily loss windows.
func (s *Store) ListFillsSince(ctx context.Context, since time.Time) ([]*core.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+fillCols+` FROM order_fills WHERE filled_at >= ? ORDER BY id ASC`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: list fills since: %v", apperrors.ErrStoreError, err)
	}
	defer rows.Close()
	return collectFills(rows)
}

func collectFills(rows *sql.Rows) ([]*core.Fill, error) {
	var fills []*core.Fill
	for rows.Next() {
		f, err := scanFill(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan fill: %v", apperrors.ErrStoreError, err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// GetOrderCost returns the fee aggregate for an order. An order with no
// fills yet reports zero fees.
func (s *Store) GetOrderCost(ctx context.Context, orderID int64) (*core.OrderCost, error) {
	c := &core.OrderCost{OrderID: orderID, TotalFees: decimal.Zero}
	err := s.db.QueryRowContext(ctx, `
		SELECT total_fees, updated_at FROM order_costs WHERE order_id = ?`, orderID).
		Scan(&c.TotalFees, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		if _, err := s.GetOrder(ctx, orderID); err != nil {
			return nil, err
		}
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get order cost: %v", apperrors.ErrStoreError, err)
	}
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

// GetOrderPnL returns the realized pnl aggregate for an order. An order with
// no fills yet reports zero.
func (s *Store) GetOrderPnL(ctx context.Context, orderID int64) (*core.OrderPnL, error) {
	p := &core.OrderPnL{OrderID: orderID, RealizedPnL: decimal.Zero, CostBasis: decimal.Zero}
	err := s.db.QueryRowContext(ctx, `
		SELECT realized_pnl, cost_basis, updated_at FROM order_pnl WHERE order_id = ?`, orderID).
		Scan(&p.RealizedPnL, &p.CostBasis, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		if _, err := s.GetOrder(ctx, orderID); err != nil {
			return nil, err
		}
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get order pnl: %v", apperrors.ErrStoreError, err)
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}
