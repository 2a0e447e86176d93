package backtester

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gridlab/gridtrader/internal/clock"
	"github.com/gridlab/gridtrader/internal/indicators"
	"github.com/gridlab/gridtrader/internal/regime"
	"github.com/gridlab/gridtrader/internal/strategy"
	"github.com/gridlab/gridtrader/pkg/types"
	"go.uber.org/zap"
)

// InvalidConfigError means the run could not start: the configuration
// fails validation. Nothing was executed.
type InvalidConfigError struct {
	Err error
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid backtest config: %v", e.Err)
}

func (e *InvalidConfigError) Unwrap() error { return e.Err }

// DataUnavailableError means the requested bar range could not be served:
// missing, empty, or malformed data.
type DataUnavailableError struct {
	Symbol string
	Err    error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("data unavailable for %s: %v", e.Symbol, e.Err)
}

func (e *DataUnavailableError) Unwrap() error { return e.Err }

// DataSource serves historical bars for replay.
type DataSource interface {
	LoadBars(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error)
	Symbols() []string
	Range(symbol string) (start, end time.Time, err error)
}

// StrategyBuilder constructs a fresh strategy wired to the run's regime
// state. Each run gets its own instance.
type StrategyBuilder func(modes strategy.ModeSource) (strategy.Strategy, error)

const progressInterval = 1000 // bars between progress updates

// Engine replays historical bars through a strategy, single-threaded and in
// ascending timestamp order. Identical inputs produce identical outputs:
// the loop touches no wall clock, no map iteration feeding results, and no
// randomness outside trade IDs (which never enter metrics).
type Engine struct {
	logger        *zap.Logger
	source        DataSource
	slippage      SlippageModel
	atrMethod     indicators.Method
	classifierCfg regime.ClassifierConfig

	running   atomic.Bool
	cancelled atomic.Bool

	mu       sync.RWMutex
	progress types.BacktestProgress

	progressCh chan types.BacktestProgress
}

// NewEngine creates an engine. slippage applies to every fill; ATR uses
// Wilder smoothing.
func NewEngine(logger *zap.Logger, source DataSource, slippage SlippageModel) *Engine {
	return &Engine{
		logger:        logger,
		source:        source,
		slippage:      slippage,
		atrMethod:     indicators.MethodWilder,
		classifierCfg: regime.DefaultClassifierConfig(),
		progressCh:    make(chan types.BacktestProgress, 100),
	}
}

// ProgressChan returns the channel progress updates are published on.
// Updates are dropped, never blocked on, when the channel is full.
func (e *Engine) ProgressChan() <-chan types.BacktestProgress {
	return e.progressCh
}

// GetProgress returns a snapshot of the latest progress.
func (e *Engine) GetProgress() types.BacktestProgress {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.progress
}

// Cancel requests a running backtest to stop at the next bar boundary.
func (e *Engine) Cancel() {
	e.cancelled.Store(true)
}

// Run executes one backtest. It validates the config, loads and checks the
// bar range, then replays every bar through the strategy built by build.
// Any position still open after the last bar is liquidated at its close so
// every entry has a realized outcome.
func (e *Engine) Run(ctx context.Context, cfg *types.BacktestConfig, build StrategyBuilder) (*types.BacktestResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("backtest already running")
	}
	defer e.running.Store(false)
	e.cancelled.Store(false)

	if err := cfg.Validate(); err != nil {
		return nil, &InvalidConfigError{Err: err}
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.FillTiming == "" {
		cfg.FillTiming = types.FillAtClose
	}

	bars, err := e.loadBars(ctx, cfg)
	if err != nil {
		return nil, err
	}

	e.logger.Info("starting backtest",
		zap.String("id", cfg.ID),
		zap.String("symbol", cfg.Symbol),
		zap.Int("bars", len(bars)),
		zap.String("timeframe", string(cfg.Timeframe)),
	)

	atr := indicators.ATR(bars, cfg.Grid.ATRWindow, e.atrMethod)
	regimes := regime.NewClassifier(e.classifierCfg).ClassifySeries(bars)
	manager := regime.NewManager(e.logger)

	strat, err := build(manager)
	if err != nil {
		return nil, fmt.Errorf("building strategy: %w", err)
	}
	strat.Reset()

	clk := clock.New(e.logger, bars[0].Timestamp)
	account := NewAccount(cfg.Symbol, cfg.InitialCapital, cfg.Leverage)
	executor := NewExecutor(e.logger, cfg.Commission, e.slippage)

	trades := make([]types.Trade, 0)
	equityCurve := make([]types.EquityCurvePoint, 0, len(bars))
	var pending []types.OrderIntent

	for i, bar := range bars {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if e.cancelled.Load() {
			return nil, fmt.Errorf("backtest %s cancelled", cfg.ID)
		}

		if err := clk.AdvanceTo(bar.Timestamp); err != nil {
			return nil, &DataUnavailableError{Symbol: cfg.Symbol, Err: err}
		}

		// Deferred fills from the previous bar execute at this open.
		if len(pending) > 0 {
			trades = append(trades, executor.Execute(pending, bar.Open, bar, account)...)
			pending = nil
		}

		account.MarkToMarket(bar.Close)
		manager.SetRegime(regimes[i])

		atrValue, atrOK := atr.Value(i)
		intents := strat.OnBar(strategy.BarContext{
			Bar:      bar,
			ATR:      atrValue,
			ATRValid: atrOK,
			Position: account.Position(),
			Equity:   account.Equity(),
		})

		if cfg.FillTiming == types.FillAtNextOpen {
			// Final-bar intents have no next open; the liquidation below
			// settles whatever position remains.
			if i < len(bars)-1 {
				pending = intents
			}
		} else if len(intents) > 0 {
			trades = append(trades, executor.Execute(intents, bar.Close, bar, account)...)
			account.MarkToMarket(bar.Close)
		}

		if i == len(bars)-1 {
			if trade, ok := executor.Liquidate(account, bar.Close, bar.Timestamp); ok {
				trades = append(trades, trade)
				account.MarkToMarket(bar.Close)
			}
		}

		equityCurve = append(equityCurve, types.EquityCurvePoint{
			Timestamp: bar.Timestamp,
			Equity:    account.Equity(),
			Cash:      account.Cash(),
			Drawdown:  account.Drawdown(),
		})

		if (i+1)%progressInterval == 0 || i == len(bars)-1 {
			e.publishProgress(cfg.ID, "running", i+1, len(bars), bar.Timestamp, len(trades), account)
		}
	}

	metrics := NewMetricsCalculator().Calculate(trades, equityCurve, cfg.InitialCapital, cfg.Timeframe)

	result := &types.BacktestResult{
		ID:            cfg.ID,
		Config:        cfg,
		Metrics:       metrics,
		EquityCurve:   equityCurve,
		Trades:        trades,
		BarsProcessed: len(bars),
		FinalEquity:   account.Equity(),
	}

	e.publishProgress(cfg.ID, "completed", len(bars), len(bars), bars[len(bars)-1].Timestamp, len(trades), account)

	e.logger.Info("backtest completed",
		zap.String("id", cfg.ID),
		zap.Int("trades", len(trades)),
		zap.String("finalEquity", result.FinalEquity.String()),
		zap.String("totalReturn", metrics.TotalReturn.String()),
	)

	return result, nil
}

// loadBars fetches the configured range and rejects out-of-order data.
func (e *Engine) loadBars(ctx context.Context, cfg *types.BacktestConfig) ([]types.Bar, error) {
	bars, err := e.source.LoadBars(ctx, cfg.Symbol, cfg.Timeframe, cfg.StartDate, cfg.EndDate)
	if err != nil {
		return nil, &DataUnavailableError{Symbol: cfg.Symbol, Err: err}
	}
	if len(bars) == 0 {
		return nil, &DataUnavailableError{Symbol: cfg.Symbol, Err: fmt.Errorf("no bars in [%s, %s]", cfg.StartDate, cfg.EndDate)}
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].Timestamp.After(bars[i-1].Timestamp) {
			return nil, &DataUnavailableError{
				Symbol: cfg.Symbol,
				Err:    fmt.Errorf("bars out of order at %s", bars[i].Timestamp),
			}
		}
	}
	return bars, nil
}

func (e *Engine) publishProgress(id, status string, done, total int, current time.Time, tradeCount int, account *Account) {
	update := types.BacktestProgress{
		ID:             id,
		Status:         status,
		Progress:       float64(done) / float64(total) * 100,
		BarsProcessed:  done,
		TotalBars:      total,
		CurrentDate:    current,
		TradesExecuted: tradeCount,
		CurrentEquity:  account.Equity(),
	}

	e.mu.Lock()
	e.progress = update
	e.mu.Unlock()

	select {
	case e.progressCh <- update:
	default:
	}
}
