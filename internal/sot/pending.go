package sot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
)

const pendingCols = `id, client_order_id, symbol, side, order_type, quantity,
	price, stop_price, source, source_ref, strategy_name, confidence, status,
	risk_note, note, error_note, attempt_count, requested_by, reviewed_by,
	created_at, reviewed_at, order_id`

func scanPending(row rowScanner) (*core.PendingOrder, error) {
	var (
		p          core.PendingOrder
		sourceRef  sql.NullString
		reviewedAt sql.NullTime
	)
	err := row.Scan(&p.ID, &p.ClientOrderID, &p.Symbol, &p.Side, &p.OrderType,
		&p.Quantity, &p.Price, &p.StopPrice, &p.Source, &sourceRef,
		&p.StrategyName, &p.Confidence, &p.Status, &p.RiskNote, &p.Note,
		&p.ErrorNote, &p.AttemptCount, &p.RequestedBy, &p.ReviewedBy,
		&p.CreatedAt, &reviewedAt, &p.OrderID)
	if err != nil {
		return nil, err
	}
	p.SourceRef = strOf(sourceRef)
	p.ReviewedAt = timeOf(reviewedAt)
	p.CreatedAt = p.CreatedAt.UTC()
	return &p, nil
}

// QueuePending persists an approval-queue entry. Idempotent on
// (source, source_ref): re-queuing the same external reference returns the
// row created the first time.
func (s *Store) QueuePending(ctx context.Context, p *core.PendingOrder) (*core.PendingOrder, error) {
	if p.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", apperrors.ErrValidation)
	}
	if p.Quantity.IsNegative() {
		// Zero is allowed: an entry whose sizing failed to resolve still
		// queues for review, carrying the failure in its risk note.
		return nil, fmt.Errorf("%w: quantity must not be negative", apperrors.ErrValidation)
	}
	if p.Status == "" {
		p.Status = core.PendingStatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO pending_orders
				(client_order_id, symbol, side, order_type, quantity, price, stop_price,
				 source, source_ref, strategy_name, confidence, status, risk_note,
				 note, error_note, attempt_count, requested_by, reviewed_by,
				 created_at, reviewed_at, order_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ClientOrderID, p.Symbol, p.Side, p.OrderType, p.Quantity, p.Price,
			p.StopPrice, p.Source, nullStr(p.SourceRef), p.StrategyName,
			p.Confidence, p.Status, p.RiskNote, p.Note, p.ErrorNote,
			p.AttemptCount, p.RequestedBy, p.ReviewedBy, p.CreatedAt.UTC(),
			nullTime(p.ReviewedAt), p.OrderID)
		if err != nil {
			return err
		}
		p.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if isUniqueViolation(err) && p.SourceRef != "" {
			existing, getErr := s.GetPendingBySourceRef(ctx, p.Source, p.SourceRef)
			if getErr != nil {
				return nil, fmt.Errorf("%w: duplicate lookup failed: %v", apperrors.ErrStoreError, getErr)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("%w: queue pending: %v", apperrors.ErrStoreError, err)
	}
	return p, nil
}

// GetPendingBySourceRef finds the pending entry a producer already queued for
// the given (source, ref) pair. Used to keep enqueueing idempotent.
func (s *Store) GetPendingBySourceRef(ctx context.Context, source core.OrderSource, ref string) (*core.PendingOrder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pendingCols+` FROM pending_orders WHERE source = ? AND source_ref = ?`,
		source, ref)
	p, err := scanPending(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: pending %s/%s", apperrors.ErrNotFound, source, ref)
	}
	return p, err
}

// MarkPending moves a pending order through the review state machine with a
// compare-and-set on its current status. Moving back to PENDING clears the
// reviewer fields so a failed execution can be re-approved cleanly.
func (s *Store) MarkPending(ctx context.Context, id int64, status core.PendingStatus, reviewer, note string) (*core.PendingOrder, error) {
	var out *core.PendingOrder
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+pendingCols+` FROM pending_orders WHERE id = ?`, id)
		current, err := scanPending(row)
		if err == sql.ErrNoRows {
			return notFound("pending order", id)
		}
		if err != nil {
			return err
		}
		if !core.CanTransitionPending(current.Status, status) {
			return fmt.Errorf("%w: pending %d %s -> %s", apperrors.ErrIllegalTransition, id, current.Status, status)
		}

		var res sql.Result
		if status == core.PendingStatusPending {
			res, err = tx.ExecContext(ctx, `
				UPDATE pending_orders
				SET status = ?, reviewed_by = '', reviewed_at = NULL
				WHERE id = ? AND status = ?`,
				status, id, current.Status)
		} else {
			reviewedAt := time.Now().UTC()
			if note != "" {
				res, err = tx.ExecContext(ctx, `
					UPDATE pending_orders
					SET status = ?, reviewed_by = ?, reviewed_at = ?, note = ?
					WHERE id = ? AND status = ?`,
					status, reviewer, reviewedAt, note, id, current.Status)
			} else {
				res, err = tx.ExecContext(ctx, `
					UPDATE pending_orders
					SET status = ?, reviewed_by = ?, reviewed_at = ?
					WHERE id = ? AND status = ?`,
					status, reviewer, reviewedAt, id, current.Status)
			}
		}
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: pending %d changed during review", apperrors.ErrStaleState, id)
		}

		row = tx.QueryRowContext(ctx, `SELECT `+pendingCols+` FROM pending_orders WHERE id = ?`, id)
		out, err = scanPending(row)
		return err
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) ||
			errors.Is(err, apperrors.ErrIllegalTransition) ||
			errors.Is(err, apperrors.ErrStaleState) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: mark pending: %v", apperrors.ErrStoreError, err)
	}
	return out, nil
}

// MarkPendingExecuted finalizes an APPROVED entry once its order exists.
func (s *Store) MarkPendingExecuted(ctx context.Context, id int64, orderID int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_orders SET status = ?, order_id = ?
			WHERE id = ? AND status = ?`,
			core.PendingStatusExecuted, orderID, id, core.PendingStatusApproved)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var current core.PendingStatus
			err := tx.QueryRowContext(ctx, `SELECT status FROM pending_orders WHERE id = ?`, id).Scan(&current)
			if err == sql.ErrNoRows {
				return notFound("pending order", id)
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: pending %d is %s, expected APPROVED", apperrors.ErrStaleState, id, current)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrStaleState) {
			return err
		}
		return fmt.Errorf("%w: mark pending executed: %v", apperrors.ErrStoreError, err)
	}
	return nil
}

// RecordPendingFailure notes an execution failure and bumps the attempt
// counter. The status is left for the caller to roll back via MarkPending.
func (s *Store) RecordPendingFailure(ctx context.Context, id int64, errNote string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pending_orders SET error_note = ?, attempt_count = attempt_count + 1
			WHERE id = ?`, errNote, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("pending order", id)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: record pending failure: %v", apperrors.ErrStoreError, err)
	}
	return nil
}

// GetPending returns one approval-queue entry.
func (s *Store) GetPending(ctx context.Context, id int64) (*core.PendingOrder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pendingCols+` FROM pending_orders WHERE id = ?`, id)
	p, err := scanPending(row)
	if err == sql.ErrNoRows {
		return nil, notFound("pending order", id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get pending: %v", apperrors.ErrStoreError, err)
	}
	return p, nil
}

// ListPending returns queue entries matching the filter, oldest first so the
// review surface works through the queue in arrival order.
func (s *Store) ListPending(ctx context.Context, f core.PendingFilter) ([]*core.PendingOrder, error) {
	query := `SELECT ` + pendingCols + ` FROM pending_orders WHERE 1=1`
	args := []interface{}{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if f.Source != "" {
		query += ` AND source = ?`
		args = append(args, f.Source)
	}
	if !f.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, f.Until.UTC())
	}
	query += ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list pending: %v", apperrors.ErrStoreError, err)
	}
	defer rows.Close()

	var pending []*core.PendingOrder
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan pending: %v", apperrors.ErrStoreError, err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// CountPending returns how many entries still await review.
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pending_orders WHERE status = ?`, core.PendingStatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count pending: %v", apperrors.ErrStoreError, err)
	}
	return n, nil
}
