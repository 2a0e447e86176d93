// Package backtester provides the deterministic bar-replay engine, the
// simulated futures account and performance metrics.
package backtester

import (
	"math"

	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/shopspring/decimal"
)

// SlippageModel returns the fractional price degradation for a fill. A buy
// fills at price*(1+rate), a sell at price*(1-rate). Implementations must be
// pure functions of their inputs.
type SlippageModel interface {
	Rate(quantity decimal.Decimal, bar types.Bar) decimal.Decimal
}

// FixedSlippage applies the same fractional rate to every fill.
type FixedSlippage struct {
	rate decimal.Decimal
}

// NewFixedSlippage creates a fixed model from a fractional rate,
// e.g. 0.0005 for 5 bps.
func NewFixedSlippage(rate decimal.Decimal) *FixedSlippage {
	return &FixedSlippage{rate: rate}
}

// Rate implements SlippageModel.
func (f *FixedSlippage) Rate(_ decimal.Decimal, _ types.Bar) decimal.Decimal {
	return f.rate
}

var maxSlippageRate = decimal.NewFromFloat(0.05)

// VolumeWeightedSlippage adds square-root market impact on top of a base
// rate: rate = base + impactFactor * sqrt(quantity / barVolume). The rate is
// capped at 5% so a thin bar cannot produce absurd fills.
type VolumeWeightedSlippage struct {
	base         decimal.Decimal
	impactFactor decimal.Decimal
}

// NewVolumeWeightedSlippage creates a volume-weighted model. base is a
// fractional rate; impactFactor scales the square-root participation term.
func NewVolumeWeightedSlippage(base, impactFactor decimal.Decimal) *VolumeWeightedSlippage {
	return &VolumeWeightedSlippage{base: base, impactFactor: impactFactor}
}

// Rate implements SlippageModel.
func (v *VolumeWeightedSlippage) Rate(quantity decimal.Decimal, bar types.Bar) decimal.Decimal {
	rate := v.base
	if bar.Volume.IsPositive() && quantity.IsPositive() {
		participation, _ := quantity.Div(bar.Volume).Float64()
		impact := v.impactFactor.Mul(decimal.NewFromFloat(math.Sqrt(participation)))
		rate = rate.Add(impact)
	}
	if rate.GreaterThan(maxSlippageRate) {
		return maxSlippageRate
	}
	return rate
}
