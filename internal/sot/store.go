// Package sot implements the source-of-truth store: append-only order facts
// (orders, events, fills, per-order costs and pnl), the pending approval
// queue, and pyramid session persistence. Everything lives in one SQLite
// database so related writes commit atomically.
package sot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
	"github.com/KaisukaTran/findmy-fm/pkg/retry"

	"github.com/mattn/go-sqlite3"
)

// Options configures the store connection.
type Options struct {
	Path         string
	MaxOpenConns int
	MaxIdleConns int
	BusyTimeout  time.Duration
}

// Store is the SQLite-backed ISOTStore implementation.
type Store struct {
	db     *sql.DB
	logger core.ILogger
}

var _ core.ISOTStore = (*Store)(nil)

// New opens (or creates) the database at opts.Path, applies the schema and
// returns a ready store.
func New(opts Options, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	busyMs := int64(5000)
	if opts.BusyTimeout > 0 {
		busyMs = opts.BusyTimeout.Milliseconds()
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.WithField("component", "sot_store"),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the connection is still usable. Health checks call this.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside a serializable transaction, retrying on SQLITE_BUSY.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, retry.DefaultPolicy, isBusy, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// isBusy reports whether the error is a transient SQLite lock.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// isUniqueViolation reports whether the error is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nullTime maps zero times to NULL.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// timeOf unwraps a nullable column back to a zero time.
func timeOf(nt sql.NullTime) time.Time {
	if nt.Valid {
		return nt.Time.UTC()
	}
	return time.Time{}
}

// nullStr maps empty strings to NULL. Used for source_ref so the partial
// unique index only sees real references.
func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func strOf(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func notFound(what string, id int64) error {
	return fmt.Errorf("%w: %s %d", apperrors.ErrNotFound, what, id)
}
