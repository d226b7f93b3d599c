// Package approval implements the human gate between order producers and the
// execution engine. Every intent lands in the SOT store as a pending row
// annotated with risk findings; a reviewer approves or rejects it, and an
// approval hands the row to the executor.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	"github.com/KaisukaTran/findmy-fm/pkg/cli"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
	"github.com/KaisukaTran/findmy-fm/pkg/telemetry"
)

// Service queues order intents for review and resolves them. Risk findings
// annotate the pending row but never block queueing; the reviewer decides.
type Service struct {
	store    core.ISOTStore
	risk     core.IRiskEngine
	executor core.IExecutionEngine
	source   core.IPriceSource
	clock    core.IClock
	logger   core.ILogger

	mu         sync.RWMutex
	onQueued   []func(*core.PendingOrder)
	onResolved []func(core.PendingResolved)

	tracer          trace.Tracer
	queuedCounter   metric.Int64Counter
	resolvedCounter metric.Int64Counter
}

var _ core.IApprovalQueue = (*Service)(nil)

// NewService creates the approval pipeline over the given stores and engines.
func NewService(store core.ISOTStore, risk core.IRiskEngine, executor core.IExecutionEngine, source core.IPriceSource, clock core.IClock, logger core.ILogger) *Service {
	meter := telemetry.GetMeter("approval-queue")
	queuedCounter, _ := meter.Int64Counter("pending_queued_total",
		metric.WithDescription("Total order intents queued for approval"))
	resolvedCounter, _ := meter.Int64Counter("pending_resolved_total",
		metric.WithDescription("Total pending orders resolved by a reviewer"))

	return &Service{
		store:           store,
		risk:            risk,
		executor:        executor,
		source:          source,
		clock:           clock,
		logger:          logger.WithField("component", "approval_queue"),
		tracer:          telemetry.GetTracer("approval-queue"),
		queuedCounter:   queuedCounter,
		resolvedCounter: resolvedCounter,
	}
}

// OnQueued registers a callback fired after a new pending row is persisted.
// Duplicate intents returning an existing row do not fire it.
func (s *Service) OnQueued(cb func(*core.PendingOrder)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onQueued = append(s.onQueued, cb)
}

// OnResolved registers a callback fired after a reviewer resolves an entry.
func (s *Service) OnResolved(cb func(core.PendingResolved)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onResolved = append(s.onResolved, cb)
}

// Queue validates an intent, resolves its quantity, annotates it with risk
// findings and persists it for review. Idempotent on (source, source_ref):
// re-queueing the same ref returns the existing row without emitting anything.
func (s *Service) Queue(ctx context.Context, intent core.OrderIntent) (*core.PendingOrder, error) {
	ctx, span := s.tracer.Start(ctx, "approval.queue")
	defer span.End()

	if err := normalizeIntent(&intent); err != nil {
		return nil, err
	}

	if intent.SourceRef != "" {
		existing, err := s.store.GetPendingBySourceRef(ctx, intent.Source, intent.SourceRef)
		if err == nil {
			s.logger.Debug("source ref already queued, returning existing entry",
				"source", intent.Source, "source_ref", intent.SourceRef, "pending_id", existing.ID)
			return existing, nil
		}
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, err
		}
	}

	var notes []string
	qty := intent.Quantity
	if qty.IsZero() {
		resolved, err := s.risk.ResolveQty(ctx, intent.Symbol, intent.Pips)
		if err != nil {
			if !errors.Is(err, apperrors.ErrValidation) {
				return nil, err
			}
			// Unresolvable sizing is surfaced to the reviewer, not swallowed.
			notes = append(notes, err.Error())
		} else {
			qty = resolved
		}
	}

	price := intent.Price
	if price.IsZero() && intent.OrderType == core.OrderTypeStopLoss {
		// A stop with no limit price is checked at the stop level.
		price = intent.StopPrice
	}
	if price.IsZero() {
		if quote, err := s.source.CurrentPrice(ctx, intent.Symbol); err == nil {
			price = quote.Price
		} else {
			notes = append(notes, "risk checks skipped: no reference price")
		}
	}

	if qty.IsPositive() && price.IsPositive() {
		result, err := s.risk.CheckAll(ctx, intent.Symbol, intent.Side, qty, price)
		if err != nil {
			return nil, err
		}
		notes = append(notes, result.Violations...)
	}

	p := &core.PendingOrder{
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		OrderType:     intent.OrderType,
		Quantity:      qty,
		Price:         intent.Price,
		StopPrice:     intent.StopPrice,
		Source:        intent.Source,
		SourceRef:     intent.SourceRef,
		StrategyName:  intent.StrategyName,
		Confidence:    intent.Confidence,
		Status:        core.PendingStatusPending,
		RiskNote:      strings.Join(notes, "; "),
		Note:          intent.Note,
		RequestedBy:   intent.RequestedBy,
		CreatedAt:     s.clock.Now().UTC(),
	}
	queued, err := s.store.QueuePending(ctx, p)
	if err != nil {
		return nil, err
	}

	s.queuedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("source", string(queued.Source))))
	s.refreshGauge(ctx)
	s.logger.Info("pending order queued",
		"pending_id", queued.ID,
		"symbol", queued.Symbol,
		"side", queued.Side,
		"order_type", queued.OrderType,
		"qty", queued.Quantity.String(),
		"source", queued.Source,
		"risk_note", queued.RiskNote)
	s.emitQueued(queued)
	return queued, nil
}

// Approve moves PENDING to APPROVED with a compare-and-set, then hands the
// entry to the execution engine. If execution fails the entry rolls back to
// PENDING with the error attached so the reviewer can retry or reject.
func (s *Service) Approve(ctx context.Context, id int64, reviewer, note string) (*core.PendingOrder, error) {
	ctx, span := s.tracer.Start(ctx, "approval.approve")
	defer span.End()

	if err := checkReviewer(reviewer, note); err != nil {
		return nil, err
	}

	approved, err := s.store.MarkPending(ctx, id, core.PendingStatusApproved, reviewer, note)
	if err != nil {
		return nil, err
	}

	order, err := s.executor.Submit(ctx, approved)
	if err != nil {
		s.rollback(ctx, id, err)
		s.logger.Warn("approved order failed to execute, rolled back to pending",
			"pending_id", id, "reviewer", reviewer, "error", err)
		return nil, fmt.Errorf("execute pending %d: %w", id, err)
	}

	if err := s.store.MarkPendingExecuted(ctx, id, order.ID); err != nil {
		// The order exists; only the pending bookkeeping is behind.
		s.logger.Error("order placed but pending state update failed",
			"pending_id", id, "order_id", order.ID, "error", err)
		return nil, err
	}

	final, err := s.store.GetPending(ctx, id)
	if err != nil {
		return nil, err
	}

	s.resolvedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(core.ResolvedExecuted))))
	s.refreshGauge(ctx)
	s.logger.Info("pending order approved and executed",
		"pending_id", id, "order_id", order.ID, "reviewer", reviewer)
	s.emitResolved(core.PendingResolved{
		Pending:    final,
		Outcome:    core.ResolvedExecuted,
		Reviewer:   reviewer,
		Note:       note,
		ResolvedAt: s.clock.Now().UTC(),
	})
	return final, nil
}

// Reject moves PENDING to REJECTED with a compare-and-set. Subscribers see
// the resolution, which is how a pyramid session learns its wave was refused.
func (s *Service) Reject(ctx context.Context, id int64, reviewer, reason string) (*core.PendingOrder, error) {
	ctx, span := s.tracer.Start(ctx, "approval.reject")
	defer span.End()

	if err := checkReviewer(reviewer, reason); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, fmt.Errorf("%w: rejection requires a reason", apperrors.ErrValidation)
	}

	rejected, err := s.store.MarkPending(ctx, id, core.PendingStatusRejected, reviewer, reason)
	if err != nil {
		return nil, err
	}

	s.resolvedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(core.ResolvedRejected))))
	s.refreshGauge(ctx)
	s.logger.Info("pending order rejected",
		"pending_id", id, "reviewer", reviewer, "reason", reason, "source", rejected.Source)
	s.emitResolved(core.PendingResolved{
		Pending:    rejected,
		Outcome:    core.ResolvedRejected,
		Reviewer:   reviewer,
		Note:       reason,
		ResolvedAt: s.clock.Now().UTC(),
	})
	return rejected, nil
}

// List returns pending entries matching the filter, newest first.
func (s *Service) List(ctx context.Context, f core.PendingFilter) ([]*core.PendingOrder, error) {
	return s.store.ListPending(ctx, f)
}

func (s *Service) rollback(ctx context.Context, id int64, cause error) {
	if _, err := s.store.MarkPending(ctx, id, core.PendingStatusPending, "", ""); err != nil {
		s.logger.Error("rollback to pending failed", "pending_id", id, "error", err)
		return
	}
	if err := s.store.RecordPendingFailure(ctx, id, cause.Error()); err != nil {
		s.logger.Error("recording execution failure failed", "pending_id", id, "error", err)
	}
}

func (s *Service) emitQueued(p *core.PendingOrder) {
	s.mu.RLock()
	cbs := make([]func(*core.PendingOrder), len(s.onQueued))
	copy(cbs, s.onQueued)
	s.mu.RUnlock()
	for _, cb := range cbs {
		go cb(p)
	}
}

func (s *Service) emitResolved(ev core.PendingResolved) {
	s.mu.RLock()
	cbs := make([]func(core.PendingResolved), len(s.onResolved))
	copy(cbs, s.onResolved)
	s.mu.RUnlock()
	for _, cb := range cbs {
		go cb(ev)
	}
}

func (s *Service) refreshGauge(ctx context.Context) {
	if n, err := s.store.CountPending(ctx); err == nil {
		telemetry.GetGlobalMetrics().SetPendingApprovals(n)
	}
}

func normalizeIntent(intent *core.OrderIntent) error {
	if err := cli.ValidateSymbol(intent.Symbol); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	if intent.Side != core.SideBuy && intent.Side != core.SideSell {
		return fmt.Errorf("%w: side must be BUY or SELL, got %q", apperrors.ErrValidation, intent.Side)
	}
	if intent.OrderType == "" {
		intent.OrderType = core.OrderTypeMarket
	}
	switch intent.OrderType {
	case core.OrderTypeMarket, core.OrderTypeLimit, core.OrderTypeStopLoss:
	default:
		return fmt.Errorf("%w: unknown order type %q", apperrors.ErrValidation, intent.OrderType)
	}
	if intent.Source == "" {
		intent.Source = core.SourceSpreadsheet
	}
	if intent.Quantity.IsNegative() {
		return fmt.Errorf("%w: quantity must not be negative", apperrors.ErrValidation)
	}
	if intent.Quantity.IsZero() && intent.Pips <= 0 {
		return fmt.Errorf("%w: either quantity or pips is required", apperrors.ErrValidation)
	}
	if intent.OrderType == core.OrderTypeLimit && !intent.Price.IsPositive() {
		return fmt.Errorf("%w: limit orders require a positive price", apperrors.ErrValidation)
	}
	if intent.OrderType == core.OrderTypeStopLoss && !intent.StopPrice.IsPositive() {
		return fmt.Errorf("%w: stop orders require a positive stop price", apperrors.ErrValidation)
	}
	if intent.Confidence.IsNegative() || intent.Confidence.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: confidence must be within [0, 1]", apperrors.ErrValidation)
	}
	for _, field := range []string{intent.ClientOrderID, intent.SourceRef, intent.StrategyName, intent.RequestedBy, intent.Note} {
		if field == "" {
			continue
		}
		if err := cli.ValidateInput(field); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
	}
	return nil
}

func checkReviewer(reviewer, freeText string) error {
	if reviewer == "" {
		return fmt.Errorf("%w: reviewer is required", apperrors.ErrValidation)
	}
	if err := cli.ValidateInput(reviewer); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	if freeText != "" {
		if err := cli.ValidateInput(freeText); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
	}
	return nil
}
