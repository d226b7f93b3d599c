package pyramid

import (
	"context"
	"time"

	"github.com/KaisukaTran/findmy-fm/internal/core"
)

// Start launches the session timer. Active sessions found in the store are
// picked up as-is, which is how a restarted process resumes ladders the
// previous one left mid-flight.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.started {
		return nil
	}

	active, err := m.store.ListSessions(ctx, core.SessionFilter{Status: core.SessionStatusActive})
	if err != nil {
		return err
	}
	if len(active) > 0 {
		m.logger.Info("resuming pyramid sessions", "count", len(active))
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runTimer(runCtx)
	}()
	m.started = true
	m.logger.Info("pyramid manager started", "timer_interval", m.interval.String())
	return nil
}

// Stop halts the timer and waits for an in-flight tick to finish.
func (m *Manager) Stop() error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.started {
		return nil
	}
	m.cancel()
	m.wg.Wait()
	m.started = false
	m.logger.Info("pyramid manager stopped")
	return nil
}

func (m *Manager) runTimer(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick reviews every active session once: sessions past their fill timeout
// are stopped, and waves whose gap delay has elapsed since the last enqueue
// are queued. The fill hook handles the no-delay path; the timer only exists
// for work that had to wait.
func (m *Manager) Tick(ctx context.Context) {
	sessions, err := m.store.ListSessions(ctx, core.SessionFilter{Status: core.SessionStatusActive})
	if err != nil {
		m.logger.Error("pyramid tick could not list sessions", "error", err)
		return
	}
	for _, sess := range sessions {
		if ctx.Err() != nil {
			return
		}
		if err := m.reviewSession(ctx, sess.ID); err != nil {
			m.logger.Error("pyramid tick failed for session", "session_id", sess.ID, "error", err)
		}
	}
}

func (m *Manager) reviewSession(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Refetch under the lock: a fill or stop may have landed since listing.
	sess, err := m.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != core.SessionStatusActive {
		return nil
	}

	waves, err := m.store.ListWaves(ctx, sess.ID)
	if err != nil {
		return err
	}
	hasQueued := false
	for _, w := range waves {
		if w.Status == core.WaveStatusQueued {
			hasQueued = true
			break
		}
	}
	if hasQueued {
		return nil
	}

	now := m.clock.Now().UTC()

	if sess.TimeoutMin.IsPositive() {
		baseline := sess.LastFillAt
		if baseline.IsZero() {
			baseline = sess.StartedAt
		}
		if !baseline.IsZero() && now.Sub(baseline) > minutesToDuration(sess.TimeoutMin) {
			return m.timeoutSessionLocked(ctx, sess, baseline)
		}
	}

	// Deferred enqueue: the current wave filled but the gap had not elapsed
	// when the fill hook ran.
	current := findWave(waves, sess.CurrentWave)
	if current == nil || current.Status != core.WaveStatusFilled {
		return nil
	}
	next := sess.CurrentWave + 1
	if next >= sess.MaxWaves {
		return nil
	}
	nw := findWave(waves, next)
	if nw == nil || nw.Status != core.WaveStatusPending {
		return nil
	}
	if now.Sub(sess.LastQueuedAt) < minutesToDuration(sess.GapMin) {
		return nil
	}

	if err := m.enqueueWave(ctx, sess, nw); err != nil {
		return err
	}
	sess.CurrentWave = next
	sess.LastQueuedAt = now
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	m.notifySession(sess)
	return nil
}

func (m *Manager) timeoutSessionLocked(ctx context.Context, sess *core.PyramidSession, baseline time.Time) error {
	if err := m.cancelOutstandingLocked(ctx, sess, "session timeout"); err != nil {
		return err
	}
	sess.Status = core.SessionStatusTimeout
	sess.StopReason = "no fills since " + baseline.UTC().Format(time.RFC3339)
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	m.logger.Warn("pyramid session timed out",
		"session_id", sess.ID,
		"last_fill_at", baseline.UTC().Format(time.RFC3339),
		"timeout_min", sess.TimeoutMin.String())
	m.refreshActiveGauge(ctx, sess.Symbol)
	m.notifySession(sess)
	return nil
}
