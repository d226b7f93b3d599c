// Package pyramid runs KSS DCA sessions: a ladder of buy waves stepping down
// from an entry price, each wave gated by the approval queue, with a
// take-profit exit once the average entry is beaten by the configured margin.
package pyramid

import (
	"github.com/shopspring/decimal"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	"github.com/KaisukaTran/findmy-fm/pkg/tradingutils"
)

var one = decimal.NewFromInt(1)

// WaveTargetQty sizes wave n as (n+1) pips, snapped down to the lot step.
// One pip is pip_multiplier times the symbol's minimum quantity.
func WaveTargetQty(pipMultiplier, minQty, stepSize decimal.Decimal, n int) decimal.Decimal {
	pip := pipMultiplier.Mul(minQty)
	qty := pip.Mul(decimal.NewFromInt(int64(n + 1)))
	if stepSize.IsPositive() {
		qty = tradingutils.RoundToStep(qty, stepSize)
	}
	return qty
}

// WaveTargetPrice places wave n at entry * (1 - distance_pct/100)^n,
// quantized to the symbol's price step.
func WaveTargetPrice(entryPrice, distancePct decimal.Decimal, n int, priceStep decimal.Decimal) decimal.Decimal {
	factor := one.Sub(tradingutils.Pct(distancePct))
	raw := entryPrice.Mul(factor.Pow(decimal.NewFromInt(int64(n))))
	if priceStep.IsPositive() {
		return tradingutils.RoundToStepNearest(raw, priceStep)
	}
	return tradingutils.RoundPrice(raw)
}

// Ladder computes the full wave plan for a session.
func Ladder(sess *core.PyramidSession, info core.SymbolInfo) []core.PyramidWave {
	waves := make([]core.PyramidWave, 0, sess.MaxWaves)
	for n := 0; n < sess.MaxWaves; n++ {
		waves = append(waves, core.PyramidWave{
			SessionID:   sess.ID,
			WaveNum:     n,
			TargetQty:   WaveTargetQty(sess.PipMultiplier, info.MinQty, info.StepSize, n),
			TargetPrice: WaveTargetPrice(sess.EntryPrice, sess.DistancePct, n, info.PriceStep),
			Status:      core.WaveStatusPending,
		})
	}
	return waves
}

// EstimatedCost is the capital the full ladder would commit if every wave
// filled at its target. Compared against the isolated fund at create time.
func EstimatedCost(sess *core.PyramidSession, info core.SymbolInfo) decimal.Decimal {
	total := decimal.Zero
	for n := 0; n < sess.MaxWaves; n++ {
		qty := WaveTargetQty(sess.PipMultiplier, info.MinQty, info.StepSize, n)
		price := WaveTargetPrice(sess.EntryPrice, sess.DistancePct, n, info.PriceStep)
		total = total.Add(qty.Mul(price))
	}
	return total
}

// TPThreshold is the price at which a session takes profit.
func TPThreshold(avgPrice, tpPct decimal.Decimal) decimal.Decimal {
	return avgPrice.Mul(one.Add(tradingutils.Pct(tpPct)))
}
