// Package risk runs pre-trade checks. Checks are pure functions of a frozen
// read view; violations annotate the pending order for the human reviewer
// and never block queuing.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/KaisukaTran/findmy-fm/internal/config"
	"github.com/KaisukaTran/findmy-fm/internal/core"
	apperrors "github.com/KaisukaTran/findmy-fm/pkg/errors"
	"github.com/KaisukaTran/findmy-fm/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// PortfolioView is the frozen read surface the checks consume. The TS store
// satisfies it.
type PortfolioView interface {
	GetPosition(ctx context.Context, symbol string) (*core.Position, error)
	RealizedPnLSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

// Engine implements IRiskEngine over exchange metadata and a portfolio view.
type Engine struct {
	pipMultiplier  decimal.Decimal
	maxPositionPct decimal.Decimal
	maxDailyPct    decimal.Decimal
	equity         decimal.Decimal
	source         core.IPriceSource
	view           PortfolioView
	clock          core.IClock
	logger         core.ILogger
}

var _ core.IRiskEngine = (*Engine)(nil)

// NewEngine builds a risk engine from validated config.
func NewEngine(cfg config.RiskConfig, source core.IPriceSource, view PortfolioView, clock core.IClock, logger core.ILogger) *Engine {
	return &Engine{
		pipMultiplier:  decimal.NewFromFloat(cfg.PipMultiplier),
		maxPositionPct: decimal.NewFromFloat(cfg.MaxPositionSizePct),
		maxDailyPct:    decimal.NewFromFloat(cfg.MaxDailyLossPct),
		equity:         decimal.NewFromFloat(cfg.Equity),
		source:         source,
		view:           view,
		clock:          clock,
		logger:         logger.WithField("component", "risk_engine"),
	}
}

// ResolveQty turns a pip count into an order quantity on the symbol's step
// grid: pips x pip_multiplier x min_qty, snapped down to the step. A result
// outside [min_qty, max_qty] is an error the queue stores as the risk note.
func (e *Engine) ResolveQty(ctx context.Context, symbol string, pips int) (decimal.Decimal, error) {
	if pips <= 0 {
		return decimal.Zero, fmt.Errorf("%w: pips must be positive, got %d", apperrors.ErrValidation, pips)
	}

	info, err := e.source.ExchangeInfo(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("exchange info for %s: %w", symbol, err)
	}

	raw := decimal.NewFromInt(int64(pips)).Mul(e.pipMultiplier).Mul(info.MinQty)
	qty := tradingutils.RoundToStep(raw, info.StepSize)

	if qty.LessThan(info.MinQty) {
		return decimal.Zero, fmt.Errorf("%w: resolved qty %s below min %s for %s",
			apperrors.ErrValidation, qty, info.MinQty, symbol)
	}
	if !info.MaxQty.IsZero() && qty.GreaterThan(info.MaxQty) {
		return decimal.Zero, fmt.Errorf("%w: resolved qty %s above max %s for %s",
			apperrors.ErrValidation, qty, info.MaxQty, symbol)
	}
	return qty, nil
}

// CheckAll runs the position-size and daily-loss checks and aggregates their
// violations. A store failure is an error; a failed check is not.
func (e *Engine) CheckAll(ctx context.Context, symbol string, side core.Side, qty, price decimal.Decimal) (core.RiskResult, error) {
	var violations []string

	if side == core.SideBuy {
		v, err := e.checkPositionSize(ctx, symbol, qty, price)
		if err != nil {
			return core.RiskResult{}, err
		}
		if v != "" {
			violations = append(violations, v)
		}
	}

	v, err := e.checkDailyLoss(ctx)
	if err != nil {
		return core.RiskResult{}, err
	}
	if v != "" {
		violations = append(violations, v)
	}

	return core.RiskResult{Passed: len(violations) == 0, Violations: violations}, nil
}

// checkPositionSize compares the post-trade exposure share of equity against
// the configured ceiling. Current holdings are marked at the proposed price
// so both sides of the ratio use the same mark.
func (e *Engine) checkPositionSize(ctx context.Context, symbol string, qty, price decimal.Decimal) (string, error) {
	pos, err := e.view.GetPosition(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("position view for %s: %w", symbol, err)
	}

	exposure := pos.Quantity.Add(qty).Mul(price)
	pct := exposure.Div(e.equity).Mul(decimal.NewFromInt(100))
	if pct.GreaterThan(e.maxPositionPct) {
		return fmt.Sprintf("position %s%% exceeds max %s%%",
			pct.StringFixed(1), e.maxPositionPct.StringFixed(1)), nil
	}
	return "", nil
}

// checkDailyLoss compares today's realized loss share of equity against the
// configured ceiling. Today starts at midnight UTC.
func (e *Engine) checkDailyLoss(ctx context.Context) (string, error) {
	now := e.clock.Now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	realized, err := e.view.RealizedPnLSince(ctx, midnight)
	if err != nil {
		return "", fmt.Errorf("realized pnl window: %w", err)
	}
	if !realized.IsNegative() {
		return "", nil
	}

	lossPct := realized.Neg().Div(e.equity).Mul(decimal.NewFromInt(100))
	if lossPct.GreaterThan(e.maxDailyPct) {
		return fmt.Sprintf("daily loss %s%% exceeds max %s%%",
			lossPct.StringFixed(1), e.maxDailyPct.StringFixed(1)), nil
	}
	return "", nil
}
