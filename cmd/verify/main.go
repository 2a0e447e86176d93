// Package main provides a determinism harness: it replays the same grid
// backtest several times and fails if any run's metrics hash diverges.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gridlab/gridtrader/internal/backtester"
	"github.com/gridlab/gridtrader/internal/data"
	"github.com/gridlab/gridtrader/internal/strategy"
	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type syntheticSource struct {
	bars []types.Bar
}

func (s *syntheticSource) LoadBars(_ context.Context, _ string, _ types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	var out []types.Bar
	for _, bar := range s.bars {
		if !bar.Timestamp.Before(start) && !bar.Timestamp.After(end) {
			out = append(out, bar)
		}
	}
	return out, nil
}

func (s *syntheticSource) Symbols() []string { return []string{s.bars[0].Symbol} }

func (s *syntheticSource) Range(string) (time.Time, time.Time, error) {
	return s.bars[0].Timestamp, s.bars[len(s.bars)-1].Timestamp, nil
}

func main() {
	symbol := flag.String("symbol", "BTC/USDT", "Symbol to replay")
	barCount := flag.Int("bars", 2000, "Number of synthetic bars")
	runs := flag.Int("runs", 5, "Number of repeated runs")
	logLevel := flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flag.Parse()

	logger := setupLogger(*logLevel)
	defer logger.Sync()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Duration(*barCount-1) * time.Hour)
	bars := data.GenerateSyntheticBars(*symbol, types.Timeframe1h, start, end, decimal.NewFromInt(50000))
	source := &syntheticSource{bars: bars}

	cfg := &types.BacktestConfig{
		Strategy:       "atr_grid",
		Symbol:         *symbol,
		StartDate:      start,
		EndDate:        end,
		Timeframe:      types.Timeframe1h,
		InitialCapital: decimal.NewFromInt(100000),
		Commission:     decimal.NewFromFloat(0.001),
		Slippage:       decimal.NewFromFloat(0.0005),
		Leverage:       decimal.NewFromInt(1),
		FillTiming:     types.FillAtClose,
		Grid:           types.DefaultGridConfig(*symbol),
	}

	validator := backtester.NewValidator()
	results := make([]*types.BacktestResult, 0, *runs)

	for i := 0; i < *runs; i++ {
		runCfg := *cfg
		runCfg.ID = fmt.Sprintf("verify-%d", i)

		engine := backtester.NewEngine(logger, source, backtester.NewFixedSlippage(cfg.Slippage))
		result, err := engine.Run(context.Background(), &runCfg, func(modes strategy.ModeSource) (strategy.Strategy, error) {
			return strategy.NewGridStrategy(logger, cfg.Grid, modes), nil
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "run %d failed: %v\n", i, err)
			os.Exit(1)
		}

		hash := validator.CalculateHash(result)
		fmt.Printf("run %d: bars=%d trades=%d finalEquity=%s hash=%s\n",
			i, result.BarsProcessed, len(result.Trades), result.FinalEquity.StringFixed(2), hash)
		results = append(results, result)
	}

	if report := validator.ValidateRuns(results); !report.AllIdentical {
		fmt.Fprintf(os.Stderr, "NON-DETERMINISTIC: %s\n", report.Divergence())
		os.Exit(1)
	}
	fmt.Printf("deterministic: %d runs produced identical metrics\n", *runs)
}

func setupLogger(level string) *zap.Logger {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		lvl = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	config := zap.NewProductionConfig()
	config.Level = lvl
	config.Encoding = "console"

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
