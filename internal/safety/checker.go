// Package safety runs preflight checks between config load and engine
// start. A failed check refuses startup; nothing here runs on the trading
// path.
package safety

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/config"
	"github.com/KaisukaTran/findmy-fm/internal/core"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
	"github.com/KaisukaTran/findmy-fm/pkg/tradingutils"
)

type Checker struct {
	logger core.ILogger
}

func NewChecker(logger core.ILogger) *Checker {
	return &Checker{logger: logger.WithField("component", "safety_checker")}
}

// CheckExecutionConfig validates the paper execution knobs. Violations are
// config errors: the process should exit rather than trade with them.
func (c *Checker) CheckExecutionConfig(cfg config.ExecutionConfig) error {
	if cfg.DefaultFillPct <= 0 || cfg.DefaultFillPct > 1 {
		return fmt.Errorf("%w: default_fill_pct must be in (0, 1], got %v", apperrors.ErrValidation, cfg.DefaultFillPct)
	}
	if cfg.DefaultSlippagePct < 0 || cfg.DefaultSlippagePct >= 100 {
		return fmt.Errorf("%w: default_slippage_pct must be in [0, 100), got %v", apperrors.ErrValidation, cfg.DefaultSlippagePct)
	}
	if cfg.DefaultMakerFee < 0 || cfg.DefaultMakerFee >= 1 {
		return fmt.Errorf("%w: default_maker_fee must be in [0, 1), got %v", apperrors.ErrValidation, cfg.DefaultMakerFee)
	}
	if cfg.DefaultTakerFee < 0 || cfg.DefaultTakerFee >= 1 {
		return fmt.Errorf("%w: default_taker_fee must be in [0, 1), got %v", apperrors.ErrValidation, cfg.DefaultTakerFee)
	}
	if cfg.DefaultLatencyMs < 0 || cfg.RandomLatencyMs < 0 {
		return fmt.Errorf("%w: latency settings must not be negative", apperrors.ErrValidation)
	}
	if cfg.StopScanIntervalMs <= 0 {
		return fmt.Errorf("%w: stop_scan_interval_ms must be positive, got %d", apperrors.ErrValidation, cfg.StopScanIntervalMs)
	}

	if cfg.DefaultSlippagePct > 5 {
		c.logger.Warn("slippage above 5% is unusual for paper fills", "default_slippage_pct", cfg.DefaultSlippagePct)
	}
	return nil
}

// CheckSymbols confirms every configured symbol has resolvable lot-size
// metadata and a reachable price, and that the pip quantity lands on the
// step grid.
func (c *Checker) CheckSymbols(ctx context.Context, source core.IPriceSource, symbols []string, pipMultiplier decimal.Decimal) error {
	if !pipMultiplier.IsPositive() {
		return fmt.Errorf("%w: pip_multiplier must be positive, got %s", apperrors.ErrValidation, pipMultiplier)
	}

	for _, symbol := range symbols {
		info, err := source.ExchangeInfo(ctx, symbol)
		if err != nil {
			return fmt.Errorf("%w: no exchange metadata for %s: %v", apperrors.ErrValidation, symbol, err)
		}
		if !info.MinQty.IsPositive() || !info.StepSize.IsPositive() {
			return fmt.Errorf("%w: %s needs positive min_qty and step_size", apperrors.ErrValidation, symbol)
		}
		if info.MaxQty.IsPositive() && info.MaxQty.LessThan(info.MinQty) {
			return fmt.Errorf("%w: %s max_qty %s below min_qty %s", apperrors.ErrValidation, symbol, info.MaxQty, info.MinQty)
		}
		if !info.PriceStep.IsPositive() {
			return fmt.Errorf("%w: %s needs a positive price_step", apperrors.ErrValidation, symbol)
		}

		pip := pipMultiplier.Mul(info.MinQty)
		onGrid := tradingutils.RoundToStep(pip, info.StepSize)
		if !onGrid.GreaterThanOrEqual(info.MinQty) {
			return fmt.Errorf("%w: pip quantity %s for %s not resolvable on step %s (min %s)",
				apperrors.ErrValidation, pip, symbol, info.StepSize, info.MinQty)
		}

		quote, err := source.CurrentPrice(ctx, symbol)
		if err != nil {
			c.logger.Warn("price source unreachable during preflight, stop scans will skip until it recovers",
				"symbol", symbol, "error", err)
		} else if !quote.Price.IsPositive() {
			return fmt.Errorf("%w: %s quoted a non-positive price %s", apperrors.ErrValidation, symbol, quote.Price)
		}

		c.logger.Info("symbol preflight passed",
			"symbol", symbol, "min_qty", info.MinQty.String(), "step_size", info.StepSize.String())
	}
	return nil
}

// CheckSessionFunding verifies that every ACTIVE session can still pay for
// its unfilled waves. PENDING sessions only warn: the reviewer already saw
// the flag and start is the gate that matters.
func (c *Checker) CheckSessionFunding(ctx context.Context, store core.ISOTStore) error {
	sessions, err := store.ListSessions(ctx, core.SessionFilter{})
	if err != nil {
		return fmt.Errorf("list sessions for preflight: %w", err)
	}

	for _, sess := range sessions {
		if sess.Status.Terminal() {
			continue
		}
		waves, err := store.ListWaves(ctx, sess.ID)
		if err != nil {
			return fmt.Errorf("list waves for session %d: %w", sess.ID, err)
		}

		outstanding := decimal.Zero
		for _, w := range waves {
			if w.Status == core.WaveStatusPending || w.Status == core.WaveStatusQueued {
				outstanding = outstanding.Add(w.TargetQty.Mul(w.TargetPrice))
			}
		}

		remaining := sess.RemainingFund()
		if outstanding.GreaterThan(remaining) {
			if sess.Status == core.SessionStatusActive {
				return fmt.Errorf("%w: active session %d needs %s for remaining waves but only %s of the isolated fund is left",
					apperrors.ErrValidation, sess.ID, outstanding, remaining)
			}
			c.logger.Warn("session ladder exceeds isolated fund",
				"session_id", sess.ID, "status", string(sess.Status),
				"outstanding_cost", outstanding.String(), "remaining_fund", remaining.String())
		}
	}
	return nil
}

// RunAll is the startup entrypoint: execution config, symbol metadata, then
// session funding.
func (c *Checker) RunAll(ctx context.Context, cfg *config.Config, source core.IPriceSource, store core.ISOTStore) error {
	c.logger.Info("running preflight checks")

	if err := c.CheckExecutionConfig(cfg.Execution); err != nil {
		return err
	}

	symbols := make([]string, 0, len(cfg.Symbols))
	for symbol := range cfg.Symbols {
		symbols = append(symbols, symbol)
	}
	pipMult := decimal.NewFromFloat(cfg.Risk.PipMultiplier)
	if err := c.CheckSymbols(ctx, source, symbols, pipMult); err != nil {
		return err
	}

	if err := c.CheckSessionFunding(ctx, store); err != nil {
		return err
	}

	c.logger.Info("preflight checks passed", "symbols", len(symbols))
	return nil
}
