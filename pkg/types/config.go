// Package types provides configuration types for the grid trading core.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// FillTiming selects which price a simulated fill executes at.
type FillTiming string

const (
	FillAtClose    FillTiming = "close"
	FillAtNextOpen FillTiming = "next_open"
)

// GridConfig holds the grid strategy parameters. Values are assumed to be
// range-checked by the caller; Validate re-checks the fatal ones.
type GridConfig struct {
	Symbol              string          `json:"symbol"`
	ATRWindow           int             `json:"atrWindow"`           // default 14
	ATRMultiplier       decimal.Decimal `json:"atrMultiplier"`       // grid spacing = ATR * this, default 0.75
	GridLevels          int             `json:"gridLevels"`          // levels per side, default 5
	DisplacementFactor  decimal.Decimal `json:"displacementFactor"`  // rebuild when |price-ref| > ATR * this, default 0.5
	StopMultiplier      decimal.Decimal `json:"stopMultiplier"`      // stop distance = ATR * this, default 2.0
	MaxPositionFraction decimal.Decimal `json:"maxPositionFraction"` // total capital fraction across all levels
	MaxExposureFraction decimal.Decimal `json:"maxExposureFraction"` // force-close ceiling as fraction of equity
}

// DefaultGridConfig returns the documented strategy defaults.
func DefaultGridConfig(symbol string) GridConfig {
	return GridConfig{
		Symbol:              symbol,
		ATRWindow:           14,
		ATRMultiplier:       decimal.NewFromFloat(0.75),
		GridLevels:          5,
		DisplacementFactor:  decimal.NewFromFloat(0.5),
		StopMultiplier:      decimal.NewFromFloat(2.0),
		MaxPositionFraction: decimal.NewFromFloat(0.5),
		MaxExposureFraction: decimal.NewFromFloat(1.0),
	}
}

// Validate checks the grid parameters.
func (c *GridConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("grid config: symbol is required")
	}
	if c.ATRWindow < 1 {
		return fmt.Errorf("grid config: atr window must be >= 1, got %d", c.ATRWindow)
	}
	if c.GridLevels < 1 {
		return fmt.Errorf("grid config: grid levels must be >= 1, got %d", c.GridLevels)
	}
	if !c.ATRMultiplier.IsPositive() {
		return fmt.Errorf("grid config: atr multiplier must be > 0")
	}
	if !c.StopMultiplier.IsPositive() {
		return fmt.Errorf("grid config: stop multiplier must be > 0")
	}
	if !c.MaxPositionFraction.IsPositive() {
		return fmt.Errorf("grid config: max position fraction must be > 0")
	}
	return nil
}

// BacktestConfig represents the configuration for a backtest run
type BacktestConfig struct {
	ID             string          `json:"id"`
	Strategy       string          `json:"strategy"`
	Symbol         string          `json:"symbol"`
	StartDate      time.Time       `json:"startDate"`
	EndDate        time.Time       `json:"endDate"`
	Timeframe      Timeframe       `json:"timeframe"`
	InitialCapital decimal.Decimal `json:"initialCapital"`
	Commission     decimal.Decimal `json:"commission"` // fractional, e.g. 0.001
	Slippage       decimal.Decimal `json:"slippage"`   // fractional, e.g. 0.0005
	Leverage       decimal.Decimal `json:"leverage"`
	FillTiming     FillTiming      `json:"fillTiming"`
	Grid           GridConfig      `json:"grid"`
}

var one = decimal.NewFromInt(1)

// Validate checks the parameters that make a run impossible to start.
func (c *BacktestConfig) Validate() error {
	if !c.InitialCapital.IsPositive() {
		return fmt.Errorf("initial capital must be positive, got %s", c.InitialCapital)
	}
	if c.Commission.IsNegative() || c.Commission.GreaterThanOrEqual(one) {
		return fmt.Errorf("commission must be in [0, 1), got %s", c.Commission)
	}
	if c.Slippage.IsNegative() || c.Slippage.GreaterThanOrEqual(one) {
		return fmt.Errorf("slippage must be in [0, 1), got %s", c.Slippage)
	}
	if !c.EndDate.After(c.StartDate) {
		return fmt.Errorf("end date %s must be after start date %s", c.EndDate, c.StartDate)
	}
	if c.Leverage.IsNegative() {
		return fmt.Errorf("leverage must be >= 0, got %s", c.Leverage)
	}
	return c.Grid.Validate()
}

// ServerConfig represents API server configuration
type ServerConfig struct {
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	WebSocketPath  string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout    time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	EnableMetrics  bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
	MaxConnections int           `json:"maxConnections" mapstructure:"max_connections"`
}

// DataConfig represents data storage configuration
type DataConfig struct {
	DataDir string `json:"dataDir" mapstructure:"data_dir"`
}
