package apperrors

import "errors"

// Core error taxonomy. Handlers classify with errors.Is and map to
// HTTP status codes at the API boundary.
var (
	ErrValidation             = errors.New("validation failed")
	ErrStaleState             = errors.New("stale state")
	ErrInsufficientPosition   = errors.New("insufficient position")
	ErrRiskViolation          = errors.New("risk violation")
	ErrPriceSourceUnavailable = errors.New("price source unavailable")
	ErrStoreError             = errors.New("store error")
	ErrInternal               = errors.New("internal invariant violation")
)

// Store-level errors
var (
	ErrNotFound               = errors.New("not found")
	ErrDuplicateClientOrderID = errors.New("duplicate client order id")
	ErrDuplicateSourceRef     = errors.New("duplicate source ref")
	ErrIllegalTransition      = errors.New("illegal status transition")
	ErrAppendOnly             = errors.New("append-only row may not change")
)

// IsInternal reports whether err signals a broken invariant rather than
// a recoverable failure: the status lattice was violated or an
// append-only row changed. Writes stop until an operator intervenes.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrAppendOnly)
}

// Lifecycle errors
var (
	ErrOrderNotCancellable   = errors.New("order not cancellable")
	ErrSessionNotAdjustable  = errors.New("session not adjustable")
	ErrSessionNotStartable   = errors.New("session not startable")
	ErrExecutionPaused       = errors.New("execution paused")
	ErrShuttingDown          = errors.New("shutting down")
	ErrQuantityUnresolvable  = errors.New("quantity unresolvable")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
)
