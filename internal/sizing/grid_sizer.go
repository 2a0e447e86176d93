// Package sizing provides position sizing for the grid strategy.
// The risk budget is spread evenly across grid levels, with order size
// shrinking as more levels fill.
package sizing

import (
	"github.com/shopspring/decimal"
)

var (
	half  = decimal.NewFromFloat(0.5)
	tenth = decimal.NewFromFloat(0.1)
	unit  = decimal.NewFromInt(1)
)

// GridSizer sizes grid entries from a total risk budget.
type GridSizer struct {
	maxPositionFraction decimal.Decimal
	gridLevels          int
}

// NewGridSizer creates a sizer. maxPositionFraction is the total capital
// fraction spread across gridLevels per-side levels.
func NewGridSizer(maxPositionFraction decimal.Decimal, gridLevels int) *GridSizer {
	if gridLevels < 1 {
		gridLevels = 1
	}
	return &GridSizer{
		maxPositionFraction: maxPositionFraction,
		gridLevels:          gridLevels,
	}
}

// BaseFraction returns maxPositionFraction / gridLevels.
func (s *GridSizer) BaseFraction() decimal.Decimal {
	return s.maxPositionFraction.Div(decimal.NewFromInt(int64(s.gridLevels)))
}

// AdjustedFraction applies the diminishing-size rule:
// base * max(0.5, 1 - positionCount*0.1). The 50% floor guarantees fills
// deep into the grid never shrink to zero.
func (s *GridSizer) AdjustedFraction(positionCount int) decimal.Decimal {
	factor := unit.Sub(tenth.Mul(decimal.NewFromInt(int64(positionCount))))
	if factor.LessThan(half) {
		factor = half
	}
	return s.BaseFraction().Mul(factor)
}

// Quantity converts the adjusted capital fraction into an order quantity at
// the given price. Returns zero when price is not positive.
func (s *GridSizer) Quantity(equity, price decimal.Decimal, positionCount int) decimal.Decimal {
	if !price.IsPositive() {
		return decimal.Zero
	}
	return equity.Mul(s.AdjustedFraction(positionCount)).Div(price)
}
