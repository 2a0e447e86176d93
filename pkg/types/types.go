// Package types provides shared type definitions for the grid trading core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// PositionSide represents long, short or flat exposure
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
	PositionSideFlat  PositionSide = "flat"
)

// Regime classifies the prevailing market trend direction
type Regime string

const (
	RegimeBullish Regime = "bullish"
	RegimeBearish Regime = "bearish"
	RegimeRanging Regime = "ranging"
	RegimeUnset   Regime = "unset"
)

// GridMode is the grid policy derived from the current regime
type GridMode string

const (
	GridModeDisabled      GridMode = "disabled"
	GridModeLongOnly      GridMode = "long_only"
	GridModeShortOnly     GridMode = "short_only"
	GridModeBidirectional GridMode = "bidirectional"
)

// IntentReason explains why the strategy emitted an order intent
type IntentReason string

const (
	ReasonGridEntry IntentReason = "grid_entry"
	ReasonStopLoss  IntentReason = "stop_loss"
	ReasonRiskLimit IntentReason = "risk_limit"
	ReasonFlatten   IntentReason = "flatten"
)

// Timeframe represents trading timeframes
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar interval for the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	}
	return time.Hour
}

// BarsPerYear returns the annualization factor for return series at this
// timeframe, used by Sharpe/Sortino/Calmar.
func (tf Timeframe) BarsPerYear() float64 {
	return (365 * 24 * time.Hour).Hours() / tf.Duration().Hours()
}

// Bar represents a single immutable OHLCV record
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Symbol    string          `json:"symbol"`
	Timeframe Timeframe       `json:"timeframe"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// OrderIntent is an ephemeral instruction produced by a strategy and
// consumed by the execution layer. Price zero means market.
type OrderIntent struct {
	Symbol   string          `json:"symbol"`
	Side     OrderSide       `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price,omitempty"`
	Reason   IntentReason    `json:"reason"`
}

// Position represents the single open position per symbol (non-hedging)
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	CurrentPrice  decimal.Decimal `json:"currentPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	OpenedAt      time.Time       `json:"openedAt"`
}

// Trade represents an executed simulated fill
type Trade struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Slippage   decimal.Decimal `json:"slippage"`
	PnL        decimal.Decimal `json:"pnl"`
	Reason     IntentReason    `json:"reason"`
	ExecutedAt time.Time       `json:"executedAt"`
}

// EquityCurvePoint represents a point on the equity curve, one per bar
type EquityCurvePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
	Cash      decimal.Decimal `json:"cash"`
	Drawdown  decimal.Decimal `json:"drawdown"`
}

// PerformanceMetrics represents backtest performance metrics.
// ProfitFactorInf is set when there are gross wins but no gross losses;
// ProfitFactor is left zero in that case so the struct stays serializable.
type PerformanceMetrics struct {
	TotalReturn      decimal.Decimal `json:"totalReturn"`
	AnnualizedReturn decimal.Decimal `json:"annualizedReturn"`
	SharpeRatio      decimal.Decimal `json:"sharpeRatio"`
	SortinoRatio     decimal.Decimal `json:"sortinoRatio"`
	CalmarRatio      decimal.Decimal `json:"calmarRatio"`
	MaxDrawdown      decimal.Decimal `json:"maxDrawdown"`
	MaxDrawdownDate  time.Time       `json:"maxDrawdownDate"`
	WinRate          decimal.Decimal `json:"winRate"`
	ProfitFactor     decimal.Decimal `json:"profitFactor"`
	ProfitFactorInf  bool            `json:"profitFactorInf"`
	Expectancy       decimal.Decimal `json:"expectancy"`
	TotalTrades      int             `json:"totalTrades"`
	WinningTrades    int             `json:"winningTrades"`
	LosingTrades     int             `json:"losingTrades"`
	AvgWin           decimal.Decimal `json:"avgWin"`
	AvgLoss          decimal.Decimal `json:"avgLoss"`
	LargestWin       decimal.Decimal `json:"largestWin"`
	LargestLoss      decimal.Decimal `json:"largestLoss"`
	GrossProfit      decimal.Decimal `json:"grossProfit"`
	GrossLoss        decimal.Decimal `json:"grossLoss"`
}

// BacktestResult represents the results of one backtest run. The engine
// owns it exclusively until Run returns; after that it is immutable.
type BacktestResult struct {
	ID            string              `json:"id"`
	Config        *BacktestConfig     `json:"config"`
	Metrics       *PerformanceMetrics `json:"metrics"`
	EquityCurve   []EquityCurvePoint  `json:"equityCurve"`
	Trades        []Trade             `json:"trades"`
	BarsProcessed int                 `json:"barsProcessed"`
	FinalEquity   decimal.Decimal     `json:"finalEquity"`
}

// BacktestProgress represents the progress of a running backtest
type BacktestProgress struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`   // "running", "completed", "failed"
	Progress       float64         `json:"progress"` // 0-100
	BarsProcessed  int             `json:"barsProcessed"`
	TotalBars      int             `json:"totalBars"`
	CurrentDate    time.Time       `json:"currentDate"`
	TradesExecuted int             `json:"tradesExecuted"`
	CurrentEquity  decimal.Decimal `json:"currentEquity"`
	Error          string          `json:"error,omitempty"`
}
