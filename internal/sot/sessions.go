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

const sessionCols = `id, symbol, entry_price, distance_pct, max_waves,
	isolated_fund, tp_pct, timeout_min, gap_min, pip_multiplier, status,
	stop_reason, fund_flagged, current_wave, total_filled_qty, total_cost,
	avg_price, created_by, note, created_at, started_at, last_fill_at,
	last_queued_at, completed_at`

func scanSession(row rowScanner) (*core.PyramidSession, error) {
	var (
		s            core.PyramidSession
		fundFlagged  int
		startedAt    sql.NullTime
		lastFillAt   sql.NullTime
		lastQueuedAt sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(&s.ID, &s.Symbol, &s.EntryPrice, &s.DistancePct, &s.MaxWaves,
		&s.IsolatedFund, &s.TPPct, &s.TimeoutMin, &s.GapMin, &s.PipMultiplier,
		&s.Status, &s.StopReason, &fundFlagged, &s.CurrentWave, &s.TotalFilledQty,
		&s.TotalCost, &s.AvgPrice, &s.CreatedBy, &s.Note, &s.CreatedAt,
		&startedAt, &lastFillAt, &lastQueuedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	s.FundFlagged = fundFlagged == 1
	s.StartedAt = timeOf(startedAt)
	s.LastFillAt = timeOf(lastFillAt)
	s.LastQueuedAt = timeOf(lastQueuedAt)
	s.CompletedAt = timeOf(completedAt)
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}

// SaveSession persists a new pyramid session and returns it with its id set.
func (s *Store) SaveSession(ctx context.Context, sess *core.PyramidSession) (*core.PyramidSession, error) {
	if sess.Symbol == "" {
		return nil, fmt.Errorf("%w: symbol is required", apperrors.ErrValidation)
	}
	if !sess.EntryPrice.IsPositive() {
		return nil, fmt.Errorf("%w: entry price must be positive", apperrors.ErrValidation)
	}
	if sess.MaxWaves <= 0 {
		return nil, fmt.Errorf("%w: max waves must be positive", apperrors.ErrValidation)
	}
	if !sess.IsolatedFund.IsPositive() {
		return nil, fmt.Errorf("%w: isolated fund must be positive", apperrors.ErrValidation)
	}
	if sess.Status == "" {
		sess.Status = core.SessionStatusPending
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO pyramid_sessions
				(symbol, entry_price, distance_pct, max_waves, isolated_fund,
				 tp_pct, timeout_min, gap_min, pip_multiplier, status, stop_reason,
				 fund_flagged, current_wave, total_filled_qty, total_cost, avg_price,
				 created_by, note, created_at, started_at, last_fill_at,
				 last_queued_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.Symbol, sess.EntryPrice, sess.DistancePct, sess.MaxWaves,
			sess.IsolatedFund, sess.TPPct, sess.TimeoutMin, sess.GapMin,
			sess.PipMultiplier, sess.Status, sess.StopReason,
			boolToInt(sess.FundFlagged), sess.CurrentWave, sess.TotalFilledQty,
			sess.TotalCost, sess.AvgPrice, sess.CreatedBy, sess.Note,
			sess.CreatedAt.UTC(), nullTime(sess.StartedAt), nullTime(sess.LastFillAt),
			nullTime(sess.LastQueuedAt), nullTime(sess.CompletedAt))
		if err != nil {
			return err
		}
		sess.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: save session: %v", apperrors.ErrStoreError, err)
	}
	return sess, nil
}

// UpdateSession rewrites the mutable session state by id.
func (s *Store) UpdateSession(ctx context.Context, sess *core.PyramidSession) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pyramid_sessions
			SET status = ?, stop_reason = ?, fund_flagged = ?, current_wave = ?,
			    total_filled_qty = ?, total_cost = ?, avg_price = ?, note = ?,
			    started_at = ?, last_fill_at = ?, last_queued_at = ?, completed_at = ?
			WHERE id = ?`,
			sess.Status, sess.StopReason, boolToInt(sess.FundFlagged),
			sess.CurrentWave, sess.TotalFilledQty, sess.TotalCost, sess.AvgPrice,
			sess.Note, nullTime(sess.StartedAt), nullTime(sess.LastFillAt),
			nullTime(sess.LastQueuedAt), nullTime(sess.CompletedAt), sess.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("session", sess.ID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: update session: %v", apperrors.ErrStoreError, err)
	}
	return nil
}

// GetSession returns one pyramid session by id.
func (s *Store) GetSession(ctx context.Context, id int64) (*core.PyramidSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM pyramid_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, notFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", apperrors.ErrStoreError, err)
	}
	return sess, nil
}

// ListSessions returns sessions matching the filter, newest first.
func (s *Store) ListSessions(ctx context.Context, f core.SessionFilter) ([]*core.PyramidSession, error) {
	query := `SELECT ` + sessionCols + ` FROM pyramid_sessions WHERE 1=1`
	args := []interface{}{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	query += ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", apperrors.ErrStoreError, err)
	}
	defer rows.Close()

	var sessions []*core.PyramidSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan session: %v", apperrors.ErrStoreError, err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session together with its waves.
func (s *Store) DeleteSession(ctx context.Context, id int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pyramid_waves WHERE session_id = ?`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM pyramid_sessions WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("session", id)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: delete session: %v", apperrors.ErrStoreError, err)
	}
	return nil
}

const waveCols = `id, session_id, wave_num, target_qty, target_price, status,
	filled_qty, filled_price, filled_at, pending_order_id`

func scanWave(row rowScanner) (*core.PyramidWave, error) {
	var (
		w        core.PyramidWave
		filledAt sql.NullTime
	)
	err := row.Scan(&w.ID, &w.SessionID, &w.WaveNum, &w.TargetQty, &w.TargetPrice,
		&w.Status, &w.FilledQty, &w.FilledPrice, &filledAt, &w.PendingOrderID)
	if err != nil {
		return nil, err
	}
	w.FilledAt = timeOf(filledAt)
	return &w, nil
}

// SaveWave inserts a wave row, or refreshes the targets of an existing
// (session_id, wave_num) row while leaving its fill state alone. Rebuilding
// a ladder therefore never clobbers waves that already filled.
func (s *Store) SaveWave(ctx context.Context, w *core.PyramidWave) (*core.PyramidWave, error) {
	if w.SessionID == 0 {
		return nil, fmt.Errorf("%w: wave session id is required", apperrors.ErrValidation)
	}
	if w.WaveNum < 0 {
		return nil, fmt.Errorf("%w: wave number must not be negative", apperrors.ErrValidation)
	}
	if w.Status == "" {
		w.Status = core.WaveStatusPending
	}

	var out *core.PyramidWave
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pyramid_waves
				(session_id, wave_num, target_qty, target_price, status,
				 filled_qty, filled_price, filled_at, pending_order_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id, wave_num) DO UPDATE SET
				target_qty = excluded.target_qty,
				target_price = excluded.target_price`,
			w.SessionID, w.WaveNum, w.TargetQty, w.TargetPrice, w.Status,
			w.FilledQty, w.FilledPrice, nullTime(w.FilledAt), w.PendingOrderID)
		if err != nil {
			return err
		}
		row := tx.QueryRowContext(ctx, `
			SELECT `+waveCols+` FROM pyramid_waves WHERE session_id = ? AND wave_num = ?`,
			w.SessionID, w.WaveNum)
		out, err = scanWave(row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: save wave: %v", apperrors.ErrStoreError, err)
	}
	return out, nil
}

// UpdateWave rewrites a wave by id.
func (s *Store) UpdateWave(ctx context.Context, w *core.PyramidWave) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE pyramid_waves
			SET target_qty = ?, target_price = ?, status = ?, filled_qty = ?,
			    filled_price = ?, filled_at = ?, pending_order_id = ?
			WHERE id = ?`,
			w.TargetQty, w.TargetPrice, w.Status, w.FilledQty, w.FilledPrice,
			nullTime(w.FilledAt), w.PendingOrderID, w.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("wave", w.ID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: update wave: %v", apperrors.ErrStoreError, err)
	}
	return nil
}

// ListWaves returns a session's ladder in wave order.
func (s *Store) ListWaves(ctx context.Context, sessionID int64) ([]*core.PyramidWave, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+waveCols+` FROM pyramid_waves WHERE session_id = ? ORDER BY wave_num ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: list waves: %v", apperrors.ErrStoreError, err)
	}
	defer rows.Close()

	var waves []*core.PyramidWave
	for rows.Next() {
		w, err := scanWave(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan wave: %v", apperrors.ErrStoreError, err)
		}
		waves = append(waves, w)
	}
	return waves, rows.Err()
}
