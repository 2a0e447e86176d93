package strategy

import (
	"sort"

	"github.com/gridlab/gridtrader/internal/sizing"
	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const atrGateWindow = 20

var (
	gateLowFactor  = decimal.NewFromFloat(0.5)
	gateHighFactor = decimal.NewFromFloat(1.5)
)

// GridLevel is one resting entry price. Levels are regenerated atomically
// from a single reference price + ATR pair; a consumed level stays consumed
// until the next rebuild.
type GridLevel struct {
	Side     types.OrderSide
	Price    decimal.Decimal
	Rank     int // distance index 1..N from the reference price
	Consumed bool
}

// GridStrategy is the ATR grid state machine. It keeps grid levels, a view
// of the open position, and risk limits; it consumes bars and emits order
// intents. Not safe for concurrent use; one instance per run.
type GridStrategy struct {
	logger *zap.Logger
	cfg    types.GridConfig
	sizer  *sizing.GridSizer
	modes  ModeSource

	hasRef         bool
	referencePrice decimal.Decimal
	spacing        decimal.Decimal
	buyLevels      []GridLevel
	sellLevels     []GridLevel
	positionCount  int
	atrWindow      []decimal.Decimal // trailing ATR samples for the activation gate
}

// NewGridStrategy creates a grid strategy. modes supplies the grid policy
// for each bar; cfg is assumed range-checked.
func NewGridStrategy(logger *zap.Logger, cfg types.GridConfig, modes ModeSource) *GridStrategy {
	return &GridStrategy{
		logger: logger,
		cfg:    cfg,
		sizer:  sizing.NewGridSizer(cfg.MaxPositionFraction, cfg.GridLevels),
		modes:  modes,
	}
}

// Name implements Strategy.
func (g *GridStrategy) Name() string { return "atr_grid" }

// RegisterGrid registers the grid strategy factory under its canonical name.
func RegisterGrid(r *Registry, logger *zap.Logger) error {
	return r.Register("atr_grid", func(cfg types.GridConfig, modes ModeSource) (Strategy, error) {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return NewGridStrategy(logger, cfg, modes), nil
	})
}

// Reset clears all state back to the initial no-reference, flat condition.
func (g *GridStrategy) Reset() {
	g.hasRef = false
	g.referencePrice = decimal.Zero
	g.spacing = decimal.Zero
	g.buyLevels = nil
	g.sellLevels = nil
	g.positionCount = 0
	g.atrWindow = nil
}

// OnBar runs one full strategy step: risk exits first (always), then grid
// maintenance and entries behind the activation gate. A bar that emits an
// exit emits nothing else: the exit leaves the account flat once filled,
// and an entry sized against the pre-exit position would re-close or flip
// it.
func (g *GridStrategy) OnBar(ctx BarContext) []types.OrderIntent {
	// Risk management runs every bar regardless of the activation gate.
	exits := g.checkRiskExits(ctx)

	// A malformed ATR makes grid build and activation no-ops for this bar.
	if !ctx.ATRValid || !ctx.ATR.IsPositive() {
		return exits
	}

	g.recordATR(ctx.ATR)
	g.maybeRebuild(ctx.Bar.Close, ctx.ATR)

	if len(exits) > 0 {
		return exits
	}

	mode := g.modes.CurrentGridMode()
	if mode == types.GridModeDisabled || !g.atrWithinGate(ctx.ATR) {
		return nil
	}

	return g.checkEntries(ctx, mode)
}

// recordATR appends to the trailing gate window, keeping the last 20.
func (g *GridStrategy) recordATR(atr decimal.Decimal) {
	g.atrWindow = append(g.atrWindow, atr)
	if len(g.atrWindow) > atrGateWindow {
		g.atrWindow = g.atrWindow[len(g.atrWindow)-atrGateWindow:]
	}
}

// maybeRebuild regenerates all levels when the reference is unset or price
// has displaced more than ATR * displacement factor from it. The
// replacement is atomic: no partial level updates.
func (g *GridStrategy) maybeRebuild(price, atr decimal.Decimal) {
	if g.hasRef {
		threshold := atr.Mul(g.cfg.DisplacementFactor)
		if price.Sub(g.referencePrice).Abs().LessThanOrEqual(threshold) {
			return
		}
	}

	spacing := atr.Mul(g.cfg.ATRMultiplier)
	buys := make([]GridLevel, g.cfg.GridLevels)
	sells := make([]GridLevel, g.cfg.GridLevels)
	for i := 1; i <= g.cfg.GridLevels; i++ {
		offset := spacing.Mul(decimal.NewFromInt(int64(i)))
		buys[i-1] = GridLevel{Side: types.OrderSideBuy, Price: price.Sub(offset), Rank: i}
		sells[i-1] = GridLevel{Side: types.OrderSideSell, Price: price.Add(offset), Rank: i}
	}

	g.referencePrice = price
	g.hasRef = true
	g.spacing = spacing
	g.buyLevels = buys
	g.sellLevels = sells

	g.logger.Debug("grid rebuilt",
		zap.String("reference", price.String()),
		zap.String("spacing", spacing.String()),
		zap.Int("levels", g.cfg.GridLevels),
	)
}

// atrWithinGate filters abnormally quiet or volatile regimes: the current
// ATR must sit inside [P25*0.5, P75*1.5] of the trailing window. With fewer
// than 20 samples all available samples are used; at least one is required.
func (g *GridStrategy) atrWithinGate(atr decimal.Decimal) bool {
	if len(g.atrWindow) == 0 {
		return false
	}

	sorted := make([]decimal.Decimal, len(g.atrWindow))
	copy(sorted, g.atrWindow)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	p25 := percentile(sorted, 25)
	p75 := percentile(sorted, 75)

	low := p25.Mul(gateLowFactor)
	high := p75.Mul(gateHighFactor)
	return atr.GreaterThanOrEqual(low) && atr.LessThanOrEqual(high)
}

// percentile uses nearest-rank on an already sorted slice.
func percentile(sorted []decimal.Decimal, pct int) decimal.Decimal {
	if len(sorted) == 0 {
		return decimal.Zero
	}
	idx := (pct*len(sorted) + 99) / 100
	if idx < 1 {
		idx = 1
	}
	if idx > len(sorted) {
		idx = len(sorted)
	}
	return sorted[idx-1]
}

// checkEntries scans for a touched, unconsumed level on each permitted
// side. At most one entry per side per bar; the level closest to the
// reference wins. Opening against an existing opposite position emits a
// flatten intent first; the account never holds both sides.
func (g *GridStrategy) checkEntries(ctx BarContext, mode types.GridMode) []types.OrderIntent {
	var intents []types.OrderIntent
	price := ctx.Bar.Close

	if mode == types.GridModeLongOnly || mode == types.GridModeBidirectional {
		if ctx.Position.Side != types.PositionSideLong {
			if level := g.touchedLevel(g.buyLevels, price, true); level != nil {
				entry := g.entryIntents(ctx, types.OrderSideBuy, level)
				intents = append(intents, entry...)
			}
		}
	}

	if mode == types.GridModeShortOnly || mode == types.GridModeBidirectional {
		if ctx.Position.Side != types.PositionSideShort {
			if level := g.touchedLevel(g.sellLevels, price, false); level != nil {
				entry := g.entryIntents(ctx, types.OrderSideSell, level)
				intents = append(intents, entry...)
			}
		}
	}

	return intents
}

// touchedLevel returns the lowest-rank unconsumed level the price has
// crossed: price <= level for buys, price >= level for sells.
func (g *GridStrategy) touchedLevel(levels []GridLevel, price decimal.Decimal, buy bool) *GridLevel {
	for i := range levels {
		level := &levels[i]
		if level.Consumed {
			continue
		}
		if buy && price.LessThanOrEqual(level.Price) {
			return level
		}
		if !buy && price.GreaterThanOrEqual(level.Price) {
			return level
		}
	}
	return nil
}

// entryIntents sizes and emits one grid entry, flattening an opposite
// position first. A flatten is a full close, so the entry after it sizes
// from a fresh position count. Zero-size intents are dropped silently and
// leave the level untouched.
func (g *GridStrategy) entryIntents(ctx BarContext, side types.OrderSide, level *GridLevel) []types.OrderIntent {
	flattening := ctx.Position.Side != types.PositionSideFlat && ctx.Position.Quantity.IsPositive()

	count := g.positionCount
	if flattening {
		count = 0
	}

	qty := g.sizer.Quantity(ctx.Equity, ctx.Bar.Close, count)
	if !qty.IsPositive() {
		return nil
	}

	var intents []types.OrderIntent

	if flattening {
		intents = append(intents, types.OrderIntent{
			Symbol:   g.cfg.Symbol,
			Side:     closingSide(ctx.Position.Side),
			Quantity: ctx.Position.Quantity,
			Reason:   types.ReasonFlatten,
		})
	}

	intents = append(intents, types.OrderIntent{
		Symbol:   g.cfg.Symbol,
		Side:     side,
		Quantity: qty,
		Reason:   types.ReasonGridEntry,
	})

	level.Consumed = true
	g.positionCount = count + 1

	g.logger.Debug("grid entry",
		zap.String("side", string(side)),
		zap.Int("rank", level.Rank),
		zap.String("level", level.Price.String()),
		zap.String("quantity", qty.String()),
	)

	return intents
}

// checkRiskExits evaluates the stop-loss and the exposure ceiling. The
// stop distance is ATR * stopMultiplier measured from the position's entry
// price: a long closes when price <= entry - distance, a short when
// price >= entry + distance. The exposure ceiling is a fixed fraction of
// current equity; exceeding it force-closes and resets the position count.
func (g *GridStrategy) checkRiskExits(ctx BarContext) []types.OrderIntent {
	pos := ctx.Position
	if pos.Side == types.PositionSideFlat || !pos.Quantity.IsPositive() {
		return nil
	}

	price := ctx.Bar.Close

	// Exposure ceiling check does not depend on ATR.
	exposure := pos.Quantity.Mul(price)
	ceiling := ctx.Equity.Mul(g.cfg.MaxExposureFraction)
	if exposure.GreaterThan(ceiling) {
		g.positionCount = 0
		g.logger.Info("position ceiling breached, force closing",
			zap.String("exposure", exposure.String()),
			zap.String("ceiling", ceiling.String()),
		)
		return []types.OrderIntent{{
			Symbol:   g.cfg.Symbol,
			Side:     closingSide(pos.Side),
			Quantity: pos.Quantity,
			Reason:   types.ReasonRiskLimit,
		}}
	}

	if !ctx.ATRValid || !ctx.ATR.IsPositive() {
		return nil
	}

	distance := ctx.ATR.Mul(g.cfg.StopMultiplier)
	stopped := false
	switch pos.Side {
	case types.PositionSideLong:
		stopped = price.LessThanOrEqual(pos.EntryPrice.Sub(distance))
	case types.PositionSideShort:
		stopped = price.GreaterThanOrEqual(pos.EntryPrice.Add(distance))
	}
	if !stopped {
		return nil
	}

	g.positionCount = 0
	g.logger.Info("stop loss triggered",
		zap.String("side", string(pos.Side)),
		zap.String("entry", pos.EntryPrice.String()),
		zap.String("price", price.String()),
		zap.String("distance", distance.String()),
	)
	return []types.OrderIntent{{
		Symbol:   g.cfg.Symbol,
		Side:     closingSide(pos.Side),
		Quantity: pos.Quantity,
		Reason:   types.ReasonStopLoss,
	}}
}

func closingSide(side types.PositionSide) types.OrderSide {
	if side == types.PositionSideLong {
		return types.OrderSideSell
	}
	return types.OrderSideBuy
}

// ReferencePrice returns the current reference price and whether it is set.
func (g *GridStrategy) ReferencePrice() (decimal.Decimal, bool) {
	return g.referencePrice, g.hasRef
}

// Spacing returns the current grid spacing.
func (g *GridStrategy) Spacing() decimal.Decimal { return g.spacing }

// BuyLevels returns a copy of the current buy levels.
func (g *GridStrategy) BuyLevels() []GridLevel {
	out := make([]GridLevel, len(g.buyLevels))
	copy(out, g.buyLevels)
	return out
}

// SellLevels returns a copy of the current sell levels.
func (g *GridStrategy) SellLevels() []GridLevel {
	out := make([]GridLevel, len(g.sellLevels))
	copy(out, g.sellLevels)
	return out
}

// PositionCount returns the number of grid entries since the last reset.
func (g *GridStrategy) PositionCount() int { return g.positionCount }
