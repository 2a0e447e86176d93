package backtester

import (
	"math"
	"time"

	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/shopspring/decimal"
)

// MetricsCalculator derives performance metrics from trades and the per-bar
// equity curve. All ratios annualize with the bar count per year of the
// run's timeframe, not a hardcoded daily factor.
type MetricsCalculator struct{}

// NewMetricsCalculator creates a calculator.
func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{}
}

// Calculate computes the full metrics set. With no trades the result is all
// zeros: win rate 0, profit factor 0, not an error. Trade statistics count
// closing fills only (entries realize nothing), so win rate divides winning
// trades by closed trades, not by TotalTrades, which includes entries that
// can neither win nor lose.
func (mc *MetricsCalculator) Calculate(
	trades []types.Trade,
	equityCurve []types.EquityCurvePoint,
	initialCapital decimal.Decimal,
	timeframe types.Timeframe,
) *types.PerformanceMetrics {
	metrics := &types.PerformanceMetrics{}
	metrics.TotalTrades = len(trades)

	var closed int
	for _, trade := range trades {
		if trade.Reason == types.ReasonGridEntry {
			continue
		}
		closed++

		switch {
		case trade.PnL.IsPositive():
			metrics.WinningTrades++
			metrics.GrossProfit = metrics.GrossProfit.Add(trade.PnL)
			if trade.PnL.GreaterThan(metrics.LargestWin) {
				metrics.LargestWin = trade.PnL
			}
		case trade.PnL.IsNegative():
			metrics.LosingTrades++
			loss := trade.PnL.Abs()
			metrics.GrossLoss = metrics.GrossLoss.Add(loss)
			if loss.GreaterThan(metrics.LargestLoss) {
				metrics.LargestLoss = loss
			}
		}
	}

	if closed > 0 {
		metrics.WinRate = decimal.NewFromInt(int64(metrics.WinningTrades)).
			Div(decimal.NewFromInt(int64(closed)))
	}
	if metrics.WinningTrades > 0 {
		metrics.AvgWin = metrics.GrossProfit.Div(decimal.NewFromInt(int64(metrics.WinningTrades)))
	}
	if metrics.LosingTrades > 0 {
		metrics.AvgLoss = metrics.GrossLoss.Div(decimal.NewFromInt(int64(metrics.LosingTrades)))
	}

	switch {
	case metrics.GrossLoss.IsPositive():
		metrics.ProfitFactor = metrics.GrossProfit.Div(metrics.GrossLoss)
	case metrics.GrossProfit.IsPositive():
		metrics.ProfitFactorInf = true
	}

	// Expectancy per closed trade: winRate*avgWin - lossRate*avgLoss.
	if closed > 0 {
		lossRate := one.Sub(metrics.WinRate)
		metrics.Expectancy = metrics.WinRate.Mul(metrics.AvgWin).
			Sub(lossRate.Mul(metrics.AvgLoss))
	}

	if len(equityCurve) > 0 && initialCapital.IsPositive() {
		final := equityCurve[len(equityCurve)-1].Equity
		metrics.TotalReturn = final.Sub(initialCapital).Div(initialCapital)
	}

	returns := barReturns(equityCurve)
	barsPerYear := timeframe.BarsPerYear()

	if len(returns) > 0 {
		metrics.AnnualizedReturn = decimal.NewFromFloat(mean(returns) * barsPerYear)
	}
	if len(returns) > 1 {
		if sd := stdDev(returns); sd > 0 {
			metrics.SharpeRatio = decimal.NewFromFloat(mean(returns) / sd * math.Sqrt(barsPerYear))
		}
		if dd := downsideDeviation(returns); dd > 0 {
			metrics.SortinoRatio = decimal.NewFromFloat(mean(returns) / dd * math.Sqrt(barsPerYear))
		}
	}

	metrics.MaxDrawdown, metrics.MaxDrawdownDate = maxDrawdown(equityCurve)
	if metrics.MaxDrawdown.IsPositive() {
		metrics.CalmarRatio = metrics.AnnualizedReturn.Div(metrics.MaxDrawdown)
	}

	return metrics
}

// barReturns converts the equity curve into per-bar fractional returns.
func barReturns(equityCurve []types.EquityCurvePoint) []float64 {
	if len(equityCurve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(equityCurve)-1)
	for i := 1; i < len(equityCurve); i++ {
		prev := equityCurve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		r, _ := equityCurve[i].Equity.Sub(prev).Div(prev).Float64()
		returns = append(returns, r)
	}
	return returns
}

// maxDrawdown scans the curve for the deepest fractional peak-to-trough
// drop and the timestamp it bottomed.
func maxDrawdown(equityCurve []types.EquityCurvePoint) (decimal.Decimal, time.Time) {
	if len(equityCurve) == 0 {
		return decimal.Zero, time.Time{}
	}

	var maxDD decimal.Decimal
	var maxDDDate time.Time
	peak := equityCurve[0].Equity

	for _, point := range equityCurve {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
		}
		if peak.IsPositive() {
			dd := peak.Sub(point.Equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
				maxDDDate = point.Timestamp
			}
		}
	}
	return maxDD, maxDDDate
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSquares float64
	for _, v := range values {
		diff := v - m
		sumSquares += diff * diff
	}
	return math.Sqrt(sumSquares / float64(len(values)-1))
}

// downsideDeviation is the standard deviation of negative returns only.
func downsideDeviation(returns []float64) float64 {
	var negative []float64
	for _, r := range returns {
		if r < 0 {
			negative = append(negative, r)
		}
	}
	return stdDev(negative)
}
