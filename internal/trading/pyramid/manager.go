package pyramid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	"github.com/KaisukaTran/findmy-fm/pkg/cli"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
	"github.com/KaisukaTran/findmy-fm/pkg/telemetry"
	"github.com/KaisukaTran/findmy-fm/pkg/tradingutils"
)

// Manager owns session and wave lifecycle. All state lives in the SOT store,
// so a restart resumes sessions from where the last process left them; the
// mutex serializes mutations between the fill hook, the timer, and HTTP
// callers.
type Manager struct {
	store    core.ISOTStore
	queue    core.IApprovalQueue
	executor core.IExecutionEngine
	source   core.IPriceSource
	clock    core.IClock
	logger   core.ILogger
	interval time.Duration

	mu sync.Mutex

	changeMu sync.RWMutex
	onChange []func(*core.PyramidSession)

	runMu   sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func NewManager(interval time.Duration, store core.ISOTStore, queue core.IApprovalQueue, executor core.IExecutionEngine, source core.IPriceSource, clock core.IClock, logger core.ILogger) *Manager {
	return &Manager{
		store:    store,
		queue:    queue,
		executor: executor,
		source:   source,
		clock:    clock,
		logger:   logger.WithField("component", "pyramid_manager"),
		interval: interval,
	}
}

// OnSessionChange registers a callback invoked after a session mutation is
// persisted. Callbacks run on the mutating goroutine and must not block.
func (m *Manager) OnSessionChange(cb func(*core.PyramidSession)) {
	m.changeMu.Lock()
	defer m.changeMu.Unlock()
	m.onChange = append(m.onChange, cb)
}

func (m *Manager) notifySession(sess *core.PyramidSession) {
	m.changeMu.RLock()
	cbs := make([]func(*core.PyramidSession), len(m.onChange))
	copy(cbs, m.onChange)
	m.changeMu.RUnlock()

	snapshot := *sess
	for _, cb := range cbs {
		cb(&snapshot)
	}
}

// SessionParams describes a new session.
type SessionParams struct {
	Symbol        string
	EntryPrice    decimal.Decimal
	DistancePct   decimal.Decimal
	MaxWaves      int
	IsolatedFund  decimal.Decimal
	TPPct         decimal.Decimal
	TimeoutMin    decimal.Decimal
	GapMin        decimal.Decimal
	PipMultiplier decimal.Decimal
	CreatedBy     string
	Note          string
}

func (p SessionParams) validate() error {
	if err := cli.ValidateSymbol(p.Symbol); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
	}
	if !p.EntryPrice.IsPositive() {
		return fmt.Errorf("%w: entry price must be positive", apperrors.ErrValidation)
	}
	if !p.DistancePct.IsPositive() || p.DistancePct.GreaterThanOrEqual(decimal.NewFromInt(100)) {
		return fmt.Errorf("%w: distance_pct must be within (0, 100)", apperrors.ErrValidation)
	}
	if p.MaxWaves < 1 {
		return fmt.Errorf("%w: max_waves must be at least 1", apperrors.ErrValidation)
	}
	if !p.IsolatedFund.IsPositive() {
		return fmt.Errorf("%w: isolated fund must be positive", apperrors.ErrValidation)
	}
	if !p.TPPct.IsPositive() {
		return fmt.Errorf("%w: tp_pct must be positive", apperrors.ErrValidation)
	}
	if p.TimeoutMin.IsNegative() {
		return fmt.Errorf("%w: timeout_min must not be negative", apperrors.ErrValidation)
	}
	if p.GapMin.IsNegative() {
		return fmt.Errorf("%w: gap_min must not be negative", apperrors.ErrValidation)
	}
	if !p.PipMultiplier.IsPositive() {
		return fmt.Errorf("%w: pip_multiplier must be positive", apperrors.ErrValidation)
	}
	for _, field := range []string{p.CreatedBy, p.Note} {
		if field == "" {
			continue
		}
		if err := cli.ValidateInput(field); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
	}
	return nil
}

// AdjustParams carries the PATCH surface; nil fields are left unchanged.
// Entry price and symbol are fixed at create time.
type AdjustParams struct {
	DistancePct   *decimal.Decimal
	MaxWaves      *int
	IsolatedFund  *decimal.Decimal
	TPPct         *decimal.Decimal
	TimeoutMin    *decimal.Decimal
	GapMin        *decimal.Decimal
	PipMultiplier *decimal.Decimal
}

// CreateSession persists a PENDING session and its full wave ladder. A ladder
// whose estimated cost exceeds the isolated fund is created anyway, flagged
// for the reviewer.
func (m *Manager) CreateSession(ctx context.Context, params SessionParams) (*core.PyramidSession, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	info, err := m.source.ExchangeInfo(ctx, params.Symbol)
	if err != nil {
		return nil, err
	}

	sess := &core.PyramidSession{
		Symbol:        params.Symbol,
		EntryPrice:    params.EntryPrice,
		DistancePct:   params.DistancePct,
		MaxWaves:      params.MaxWaves,
		IsolatedFund:  params.IsolatedFund,
		TPPct:         params.TPPct,
		TimeoutMin:    params.TimeoutMin,
		GapMin:        params.GapMin,
		PipMultiplier: params.PipMultiplier,
		Status:        core.SessionStatusPending,
		CreatedBy:     params.CreatedBy,
		Note:          params.Note,
		CreatedAt:     m.clock.Now().UTC(),
	}
	estimated := EstimatedCost(sess, info)
	sess.FundFlagged = estimated.GreaterThan(sess.IsolatedFund)

	saved, err := m.store.SaveSession(ctx, sess)
	if err != nil {
		return nil, err
	}
	for _, w := range Ladder(saved, info) {
		wave := w
		if _, err := m.store.SaveWave(ctx, &wave); err != nil {
			return nil, err
		}
	}

	m.logger.Info("pyramid session created",
		"session_id", saved.ID,
		"symbol", saved.Symbol,
		"entry_price", saved.EntryPrice.String(),
		"max_waves", saved.MaxWaves,
		"estimated_cost", estimated.String(),
		"isolated_fund", saved.IsolatedFund.String(),
		"fund_flagged", saved.FundFlagged)
	m.notifySession(saved)
	return saved, nil
}

// StartSession activates a PENDING session and queues wave 0.
func (m *Manager) StartSession(ctx context.Context, id int64) (*core.PyramidSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != core.SessionStatusPending {
		return nil, fmt.Errorf("%w: session %d is %s", apperrors.ErrSessionNotStartable, id, sess.Status)
	}

	waves, err := m.store.ListWaves(ctx, id)
	if err != nil {
		return nil, err
	}
	first := findWave(waves, 0)
	if first == nil {
		return nil, fmt.Errorf("%w: session %d has no wave 0", apperrors.ErrInternal, id)
	}

	if err := m.enqueueWave(ctx, sess, first); err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	sess.Status = core.SessionStatusActive
	sess.StartedAt = now
	sess.CurrentWave = 0
	sess.LastQueuedAt = now
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.Info("pyramid session started", "session_id", id, "symbol", sess.Symbol)
	m.refreshActiveGauge(ctx, sess.Symbol)
	m.notifySession(sess)
	return sess, nil
}

// StopSession halts an ACTIVE session and cancels its outstanding wave.
func (m *Manager) StopSession(ctx context.Context, id int64, reason string) (*core.PyramidSession, error) {
	if reason != "" {
		if err := cli.ValidateInput(reason); err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != core.SessionStatusActive {
		return nil, fmt.Errorf("%w: session %d is %s", apperrors.ErrIllegalTransition, id, sess.Status)
	}

	if err := m.cancelOutstandingLocked(ctx, sess, "session stopped"); err != nil {
		return nil, err
	}

	sess.Status = core.SessionStatusStopped
	sess.StopReason = reason
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.Info("pyramid session stopped", "session_id", id, "reason", reason)
	m.refreshActiveGauge(ctx, sess.Symbol)
	m.notifySession(sess)
	return sess, nil
}

// AdjustSession reshapes the unfilled part of the ladder. Filled waves are
// immutable facts and a QUEUED wave keeps the targets its live order carries.
func (m *Manager) AdjustSession(ctx context.Context, id int64, params AdjustParams) (*core.PyramidSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != core.SessionStatusPending && sess.Status != core.SessionStatusActive {
		return nil, fmt.Errorf("%w: session %d is %s", apperrors.ErrSessionNotAdjustable, id, sess.Status)
	}

	if params.DistancePct != nil {
		sess.DistancePct = *params.DistancePct
	}
	if params.MaxWaves != nil {
		sess.MaxWaves = *params.MaxWaves
	}
	if params.IsolatedFund != nil {
		sess.IsolatedFund = *params.IsolatedFund
	}
	if params.TPPct != nil {
		sess.TPPct = *params.TPPct
	}
	if params.TimeoutMin != nil {
		sess.TimeoutMin = *params.TimeoutMin
	}
	if params.GapMin != nil {
		sess.GapMin = *params.GapMin
	}
	if params.PipMultiplier != nil {
		sess.PipMultiplier = *params.PipMultiplier
	}
	if err := (SessionParams{
		Symbol:        sess.Symbol,
		EntryPrice:    sess.EntryPrice,
		DistancePct:   sess.DistancePct,
		MaxWaves:      sess.MaxWaves,
		IsolatedFund:  sess.IsolatedFund,
		TPPct:         sess.TPPct,
		TimeoutMin:    sess.TimeoutMin,
		GapMin:        sess.GapMin,
		PipMultiplier: sess.PipMultiplier,
	}).validate(); err != nil {
		return nil, err
	}

	info, err := m.source.ExchangeInfo(ctx, sess.Symbol)
	if err != nil {
		return nil, err
	}
	if err := m.reshapeLadder(ctx, sess, info); err != nil {
		return nil, err
	}

	sess.FundFlagged = EstimatedCost(sess, info).GreaterThan(sess.IsolatedFund)
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.Info("pyramid session adjusted", "session_id", id, "max_waves", sess.MaxWaves)
	m.notifySession(sess)
	return sess, nil
}

func (m *Manager) reshapeLadder(ctx context.Context, sess *core.PyramidSession, info core.SymbolInfo) error {
	waves, err := m.store.ListWaves(ctx, sess.ID)
	if err != nil {
		return err
	}
	byNum := make(map[int]*core.PyramidWave, len(waves))
	for _, w := range waves {
		byNum[w.WaveNum] = w
	}

	for n := 0; n < sess.MaxWaves; n++ {
		qty := WaveTargetQty(sess.PipMultiplier, info.MinQty, info.StepSize, n)
		price := WaveTargetPrice(sess.EntryPrice, sess.DistancePct, n, info.PriceStep)

		w, ok := byNum[n]
		switch {
		case !ok:
			if _, err := m.store.SaveWave(ctx, &core.PyramidWave{
				SessionID:   sess.ID,
				WaveNum:     n,
				TargetQty:   qty,
				TargetPrice: price,
				Status:      core.WaveStatusPending,
			}); err != nil {
				return err
			}
		case w.Status == core.WaveStatusPending, w.Status == core.WaveStatusCancelled:
			w.TargetQty = qty
			w.TargetPrice = price
			w.Status = core.WaveStatusPending
			if err := m.store.UpdateWave(ctx, w); err != nil {
				return err
			}
		}
	}

	// Trimmed tail: waves past the new count that never queued are cancelled.
	for n, w := range byNum {
		if n >= sess.MaxWaves && w.Status == core.WaveStatusPending {
			w.Status = core.WaveStatusCancelled
			if err := m.store.UpdateWave(ctx, w); err != nil {
				return err
			}
		}
	}
	return nil
}

// CheckTP evaluates the take-profit condition. A zero currentPrice asks the
// price source. On trigger the session queues a market sell of everything
// accumulated and moves to TP_TRIGGERED.
func (m *Manager) CheckTP(ctx context.Context, id int64, currentPrice decimal.Decimal) (bool, *core.PyramidSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return false, nil, err
	}
	if currentPrice.IsZero() {
		quote, err := m.source.CurrentPrice(ctx, sess.Symbol)
		if err != nil {
			return false, sess, err
		}
		currentPrice = quote.Price
	}
	triggered, err := m.checkTPLocked(ctx, sess, currentPrice)
	return triggered, sess, err
}

// checkTPLocked fires the take-profit exit when the current price reaches
// avg_price * (1 + tp_pct/100). Caller holds m.mu.
func (m *Manager) checkTPLocked(ctx context.Context, sess *core.PyramidSession, currentPrice decimal.Decimal) (bool, error) {
	if sess.Status != core.SessionStatusActive || !sess.TotalFilledQty.IsPositive() {
		return false, nil
	}
	threshold := TPThreshold(sess.AvgPrice, sess.TPPct)
	if currentPrice.LessThan(threshold) {
		return false, nil
	}

	if err := m.cancelOutstandingLocked(ctx, sess, "take profit triggered"); err != nil {
		return false, err
	}

	intent := core.OrderIntent{
		Symbol:       sess.Symbol,
		Side:         core.SideSell,
		OrderType:    core.OrderTypeMarket,
		Quantity:     sess.TotalFilledQty,
		Source:       core.SourcePyramid,
		SourceRef:    core.PyramidTPRef(sess.ID),
		StrategyName: "kss_pyramid",
		RequestedBy:  sess.CreatedBy,
		Note:         "take profit trigger",
	}
	if _, err := m.queue.Queue(ctx, intent); err != nil {
		// Status stays ACTIVE so the next check retries the enqueue.
		return false, err
	}

	sess.Status = core.SessionStatusTPTriggered
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return false, err
	}

	m.logger.Info("take profit triggered",
		"session_id", sess.ID,
		"avg_price", sess.AvgPrice.String(),
		"threshold", threshold.String(),
		"current_price", currentPrice.String(),
		"sell_qty", sess.TotalFilledQty.String())
	m.refreshActiveGauge(ctx, sess.Symbol)
	m.notifySession(sess)
	return true, nil
}

// Delete removes a session and its waves. Running sessions must stop first.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == core.SessionStatusActive || sess.Status == core.SessionStatusTPTriggered {
		return fmt.Errorf("%w: stop session %d before deleting (status %s)", apperrors.ErrValidation, id, sess.Status)
	}
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	m.logger.Info("pyramid session deleted", "session_id", id)
	return nil
}

// ClearCompleted prunes every terminal session. Returns how many were removed.
func (m *Manager) ClearCompleted(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, err := m.store.ListSessions(ctx, core.SessionFilter{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sess := range sessions {
		if !sess.Status.Terminal() {
			continue
		}
		if err := m.store.DeleteSession(ctx, sess.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("cleared completed pyramid sessions", "count", removed)
	}
	return removed, nil
}

// Summary aggregates sessions for the dashboard.
type Summary struct {
	Total        int
	ByStatus     map[core.SessionStatus]int
	ActiveFund   decimal.Decimal
	TotalCost    decimal.Decimal
	FlaggedCount int
}

func (m *Manager) Summary(ctx context.Context) (*Summary, error) {
	sessions, err := m.store.ListSessions(ctx, core.SessionFilter{})
	if err != nil {
		return nil, err
	}
	out := &Summary{
		ByStatus:   make(map[core.SessionStatus]int),
		ActiveFund: decimal.Zero,
		TotalCost:  decimal.Zero,
	}
	for _, sess := range sessions {
		out.Total++
		out.ByStatus[sess.Status]++
		out.TotalCost = out.TotalCost.Add(sess.TotalCost)
		if !sess.Status.Terminal() {
			out.ActiveFund = out.ActiveFund.Add(sess.IsolatedFund)
		}
		if sess.FundFlagged {
			out.FlaggedCount++
		}
	}
	return out, nil
}

// GetSession returns one session with its ladder.
func (m *Manager) GetSession(ctx context.Context, id int64) (*core.PyramidSession, []*core.PyramidWave, error) {
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	waves, err := m.store.ListWaves(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return sess, waves, nil
}

// ListSessions passes the filter through to the store.
func (m *Manager) ListSessions(ctx context.Context, f core.SessionFilter) ([]*core.PyramidSession, error) {
	return m.store.ListSessions(ctx, f)
}

// HandleFill is the coordinator hook. Wave fills accumulate into the session
// and advance the ladder; the take-profit fill completes the session.
func (m *Manager) HandleFill(ctx context.Context, ev core.FillEvent) error {
	ref, ok := core.ParsePyramidRef(ev.Order.SourceRef)
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(ctx, ref.SessionID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			m.logger.Warn("fill references unknown pyramid session",
				"session_id", ref.SessionID, "order_id", ev.Order.ID)
			return nil
		}
		return err
	}

	if ref.IsTP {
		return m.applyTPFill(ctx, sess, ev)
	}
	return m.applyWaveFill(ctx, sess, ref.WaveNum, ev)
}

func (m *Manager) applyTPFill(ctx context.Context, sess *core.PyramidSession, ev core.FillEvent) error {
	if sess.Status != core.SessionStatusTPTriggered {
		m.logger.Debug("ignoring take-profit fill", "session_id", sess.ID, "status", string(sess.Status))
		return nil
	}
	// Wait for the sell to fill completely before closing the session.
	if ev.Order.Status != core.OrderStatusFilled {
		return nil
	}

	sess.Status = core.SessionStatusCompleted
	sess.CompletedAt = ev.Fill.FilledAt
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return err
	}

	m.logger.Info("pyramid session completed",
		"session_id", sess.ID,
		"exit_price", ev.Fill.EffectivePrice.String(),
		"qty", sess.TotalFilledQty.String(),
		"avg_entry", sess.AvgPrice.String())
	m.notifySession(sess)
	return nil
}

func (m *Manager) applyWaveFill(ctx context.Context, sess *core.PyramidSession, waveNum int, ev core.FillEvent) error {
	if sess.Status.Terminal() {
		m.logger.Debug("ignoring fill for terminal session",
			"session_id", sess.ID, "status", string(sess.Status), "wave", waveNum)
		return nil
	}

	fill := ev.Fill
	cost := fill.FillQty.Mul(fill.EffectivePrice).Add(fill.Fees)
	sess.TotalFilledQty = sess.TotalFilledQty.Add(fill.FillQty)
	sess.TotalCost = sess.TotalCost.Add(cost)
	sess.AvgPrice = sess.TotalCost.Div(sess.TotalFilledQty)
	sess.LastFillAt = fill.FilledAt

	waves, err := m.store.ListWaves(ctx, sess.ID)
	if err != nil {
		return err
	}
	w := findWave(waves, waveNum)
	if w == nil {
		m.logger.Warn("fill references unknown wave", "session_id", sess.ID, "wave", waveNum)
	} else {
		w.FilledPrice = tradingutils.WeightedAvg(w.FilledQty, w.FilledPrice, fill.FillQty, fill.EffectivePrice)
		w.FilledQty = w.FilledQty.Add(fill.FillQty)
		if w.FilledQty.GreaterThanOrEqual(w.TargetQty) {
			w.Status = core.WaveStatusFilled
			w.FilledAt = fill.FilledAt
		}
		if err := m.store.UpdateWave(ctx, w); err != nil {
			return err
		}
	}

	if w != nil && w.Status == core.WaveStatusFilled {
		if err := m.advanceLadderLocked(ctx, sess, waves, waveNum); err != nil {
			return err
		}
	}

	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return err
	}

	m.logger.Info("pyramid wave fill applied",
		"session_id", sess.ID,
		"wave", waveNum,
		"fill_qty", fill.FillQty.String(),
		"total_qty", sess.TotalFilledQty.String(),
		"avg_price", sess.AvgPrice.String())
	m.notifySession(sess)

	// Take-profit check rides on the freshest quote; skipped when unavailable.
	if quote, err := m.source.CurrentPrice(ctx, sess.Symbol); err == nil {
		if _, err := m.checkTPLocked(ctx, sess, quote.Price); err != nil {
			m.logger.Warn("take-profit check failed", "session_id", sess.ID, "error", err)
		}
	} else {
		m.logger.Debug("take-profit check skipped", "session_id", sess.ID, "error", err)
	}
	return nil
}

// advanceLadderLocked queues the next wave when the gap has elapsed; otherwise
// the pyramid timer picks it up at last_wave_queued_at + gap_min.
func (m *Manager) advanceLadderLocked(ctx context.Context, sess *core.PyramidSession, waves []*core.PyramidWave, filledNum int) error {
	next := filledNum + 1
	if next >= sess.MaxWaves {
		return nil
	}
	nw := findWave(waves, next)
	if nw == nil || nw.Status != core.WaveStatusPending {
		return nil
	}

	now := m.clock.Now().UTC()
	gap := minutesToDuration(sess.GapMin)
	if now.Sub(sess.LastQueuedAt) < gap {
		m.logger.Debug("wave enqueue deferred",
			"session_id", sess.ID,
			"wave", next,
			"due_at", sess.LastQueuedAt.Add(gap).Format(time.RFC3339))
		return nil
	}

	if err := m.enqueueWave(ctx, sess, nw); err != nil {
		return err
	}
	sess.CurrentWave = next
	sess.LastQueuedAt = now
	return nil
}

// HandleResolution reacts to approval-queue outcomes. A rejected wave stops
// the whole session; the reviewer's reason is preserved on it.
func (m *Manager) HandleResolution(ev core.PendingResolved) {
	if ev.Outcome != core.ResolvedRejected || ev.Pending == nil {
		return
	}
	if ev.Pending.Source != core.SourcePyramid {
		return
	}
	ref, ok := core.ParsePyramidRef(ev.Pending.SourceRef)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	sess, err := m.store.GetSession(ctx, ref.SessionID)
	if err != nil {
		m.logger.Error("rejection hook could not load session",
			"session_id", ref.SessionID, "error", err)
		return
	}

	if ref.IsTP {
		if sess.Status != core.SessionStatusTPTriggered {
			return
		}
	} else if sess.Status != core.SessionStatusActive {
		return
	}

	if !ref.IsTP {
		waves, err := m.store.ListWaves(ctx, sess.ID)
		if err != nil {
			m.logger.Error("rejection hook could not load waves", "session_id", sess.ID, "error", err)
			return
		}
		if w := findWave(waves, ref.WaveNum); w != nil && w.Status == core.WaveStatusQueued {
			w.Status = core.WaveStatusCancelled
			if err := m.store.UpdateWave(ctx, w); err != nil {
				m.logger.Error("rejection hook could not cancel wave",
					"session_id", sess.ID, "wave", ref.WaveNum, "error", err)
				return
			}
		}
	}

	sess.Status = core.SessionStatusStopped
	sess.StopReason = "rejected_by_user:" + ev.Note
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		m.logger.Error("rejection hook could not stop session", "session_id", sess.ID, "error", err)
		return
	}

	m.logger.Warn("pyramid session stopped by rejection",
		"session_id", sess.ID, "wave", ref.WaveNum, "reason", ev.Note)
	m.refreshActiveGauge(ctx, sess.Symbol)
	m.notifySession(sess)
}

// enqueueWave queues one wave as a BUY LIMIT at its target. Re-queueing after
// a crash converges on the existing entry via the (source, source_ref) key.
func (m *Manager) enqueueWave(ctx context.Context, sess *core.PyramidSession, w *core.PyramidWave) error {
	intent := core.OrderIntent{
		Symbol:       sess.Symbol,
		Side:         core.SideBuy,
		OrderType:    core.OrderTypeLimit,
		Quantity:     w.TargetQty,
		Price:        w.TargetPrice,
		Source:       core.SourcePyramid,
		SourceRef:    core.PyramidWaveRef(sess.ID, w.WaveNum),
		StrategyName: "kss_pyramid",
		RequestedBy:  sess.CreatedBy,
	}
	p, err := m.queue.Queue(ctx, intent)
	if err != nil {
		return fmt.Errorf("enqueue wave %d of session %d: %w", w.WaveNum, sess.ID, err)
	}

	w.Status = core.WaveStatusQueued
	w.PendingOrderID = p.ID
	if err := m.store.UpdateWave(ctx, w); err != nil {
		return err
	}

	m.logger.Info("pyramid wave queued",
		"session_id", sess.ID,
		"wave", w.WaveNum,
		"target_qty", w.TargetQty.String(),
		"target_price", w.TargetPrice.String(),
		"pending_id", p.ID)
	return nil
}

// cancelOutstandingLocked withdraws any QUEUED wave: an unreviewed pending
// entry is rejected, an executed one has its order cancelled. Races with a
// concurrent fill or review are tolerated. Caller holds m.mu.
func (m *Manager) cancelOutstandingLocked(ctx context.Context, sess *core.PyramidSession, reason string) error {
	waves, err := m.store.ListWaves(ctx, sess.ID)
	if err != nil {
		return err
	}
	for _, w := range waves {
		if w.Status != core.WaveStatusQueued {
			continue
		}
		m.withdrawWaveOrder(ctx, sess, w, reason)
		w.Status = core.WaveStatusCancelled
		if err := m.store.UpdateWave(ctx, w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) withdrawWaveOrder(ctx context.Context, sess *core.PyramidSession, w *core.PyramidWave, reason string) {
	if w.PendingOrderID == 0 {
		return
	}
	p, err := m.store.GetPending(ctx, w.PendingOrderID)
	if err != nil {
		m.logger.Warn("could not load wave pending entry",
			"session_id", sess.ID, "wave", w.WaveNum, "pending_id", w.PendingOrderID, "error", err)
		return
	}
	switch p.Status {
	case core.PendingStatusPending:
		if _, err := m.queue.Reject(ctx, p.ID, "system", reason); err != nil {
			m.logger.Debug("wave pending entry already resolved",
				"session_id", sess.ID, "wave", w.WaveNum, "error", err)
		}
	case core.PendingStatusExecuted:
		if p.OrderID == 0 {
			return
		}
		if err := m.executor.Cancel(ctx, p.OrderID, reason); err != nil {
			m.logger.Debug("wave order not cancellable",
				"session_id", sess.ID, "wave", w.WaveNum, "order_id", p.OrderID, "error", err)
		}
	}
}

func (m *Manager) refreshActiveGauge(ctx context.Context, symbol string) {
	active, err := m.store.ListSessions(ctx, core.SessionFilter{
		Status: core.SessionStatusActive,
		Symbol: symbol,
	})
	if err != nil {
		return
	}
	telemetry.GetGlobalMetrics().SetSessionsActive(symbol, int64(len(active)))
}

func findWave(waves []*core.PyramidWave, num int) *core.PyramidWave {
	for _, w := range waves {
		if w.WaveNum == num {
			return w
		}
	}
	return nil
}

func minutesToDuration(min decimal.Decimal) time.Duration {
	return time.Duration(min.Mul(decimal.NewFromInt(int64(time.Minute))).IntPart())
}
