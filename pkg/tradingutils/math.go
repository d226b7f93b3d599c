package tradingutils

import (
	"github.com/shopspring/decimal"
)

// RoundToStep snaps a quantity down to the exchange step grid.
// A zero step returns the value unchanged.
func RoundToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	steps := value.Div(step).Floor()
	return steps.Mul(step)
}

// RoundToStepNearest snaps a value to the nearest step using banker's rounding
// on the step multiple. Used where the grid point may be above the raw value.
func RoundToStepNearest(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return value
	}
	steps := value.Div(step).RoundBank(0)
	return steps.Mul(step)
}

// ClampQty bounds a quantity into [min, max]. A zero max means unbounded above.
func ClampQty(qty, min, max decimal.Decimal) decimal.Decimal {
	if qty.LessThan(min) {
		return min
	}
	if !max.IsZero() && qty.GreaterThan(max) {
		return max
	}
	return qty
}

// OnStepGrid reports whether qty is an exact multiple of step within tolerance.
func OnStepGrid(qty, step, tolerance decimal.Decimal) bool {
	if step.IsZero() {
		return true
	}
	remainder := qty.Mod(step)
	return remainder.LessThanOrEqual(tolerance) || step.Sub(remainder).LessThanOrEqual(tolerance)
}

// PricePrecision derives display precision from price magnitude:
// >= 10000 -> 2 decimals, >= 100 -> 4, below -> 6.
func PricePrecision(price decimal.Decimal) int32 {
	switch {
	case price.GreaterThanOrEqual(decimal.NewFromInt(10000)):
		return 2
	case price.GreaterThanOrEqual(decimal.NewFromInt(100)):
		return 4
	default:
		return 6
	}
}

// RoundPrice rounds a price to the precision implied by its magnitude.
func RoundPrice(price decimal.Decimal) decimal.Decimal {
	return price.Round(PricePrecision(price))
}

// Pct converts a percent figure (e.g. 2.5) into its fractional form (0.025).
func Pct(pct decimal.Decimal) decimal.Decimal {
	return pct.Div(decimal.NewFromInt(100))
}

// BpsAmount converts basis points applied to a price into an absolute amount.
func BpsAmount(price, bps decimal.Decimal) decimal.Decimal {
	return price.Mul(bps).Div(decimal.NewFromInt(10000))
}

// Notional returns price * qty.
func Notional(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty)
}

// ReturnPct computes net / basis * 100, zero when basis is zero.
func ReturnPct(net, basis decimal.Decimal) decimal.Decimal {
	if basis.IsZero() {
		return decimal.Zero
	}
	return net.Div(basis).Mul(decimal.NewFromInt(100))
}

// WeightedAvg recomputes an average entry price after adding qty at price to
// an existing (oldQty, oldAvg) lot. Returns oldAvg when nothing is added.
func WeightedAvg(oldQty, oldAvg, qty, price decimal.Decimal) decimal.Decimal {
	newQty := oldQty.Add(qty)
	if newQty.IsZero() {
		return decimal.Zero
	}
	return oldQty.Mul(oldAvg).Add(qty.Mul(price)).Div(newQty)
}
