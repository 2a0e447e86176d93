package strategy_test

import (
	"testing"
	"time"

	"github.com/gridlab/gridtrader/internal/strategy"
	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type fixedMode struct {
	mode types.GridMode
}

func (f *fixedMode) CurrentGridMode() types.GridMode { return f.mode }

func gridConfig() types.GridConfig {
	return types.DefaultGridConfig("BTC/USDT")
}

func barCtx(price, atr float64, pos types.Position, equity float64) strategy.BarContext {
	p := decimal.NewFromFloat(price)
	return strategy.BarContext{
		Bar: types.Bar{
			Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Symbol:    "BTC/USDT",
			Timeframe: types.Timeframe1h,
			Open:      p,
			High:      p,
			Low:       p,
			Close:     p,
			Volume:    decimal.NewFromInt(1),
		},
		ATR:      decimal.NewFromFloat(atr),
		ATRValid: atr > 0,
		Position: pos,
		Equity:   decimal.NewFromFloat(equity),
	}
}

func flat() types.Position {
	return types.Position{Symbol: "BTC/USDT", Side: types.PositionSideFlat}
}

func TestGridBuildExactLevels(t *testing.T) {
	g := strategy.NewGridStrategy(zap.NewNop(), gridConfig(), &fixedMode{types.GridModeBidirectional})

	g.OnBar(barCtx(50000, 100, flat(), 10000))

	ref, ok := g.ReferencePrice()
	if !ok || !ref.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("reference price incorrect: %s (set=%v)", ref, ok)
	}
	if !g.Spacing().Equal(decimal.NewFromInt(75)) {
		t.Errorf("spacing incorrect: %s", g.Spacing())
	}

	wantBuys := []int64{49925, 49850, 49775, 49700, 49625}
	wantSells := []int64{50075, 50150, 50225, 50300, 50375}

	buys := g.BuyLevels()
	sells := g.SellLevels()
	if len(buys) != 5 || len(sells) != 5 {
		t.Fatalf("level counts incorrect: %d buys, %d sells", len(buys), len(sells))
	}
	for i := range wantBuys {
		if !buys[i].Price.Equal(decimal.NewFromInt(wantBuys[i])) {
			t.Errorf("buy level %d incorrect: %s", i+1, buys[i].Price)
		}
		if buys[i].Rank != i+1 {
			t.Errorf("buy level %d rank incorrect: %d", i+1, buys[i].Rank)
		}
		if !sells[i].Price.Equal(decimal.NewFromInt(wantSells[i])) {
			t.Errorf("sell level %d incorrect: %s", i+1, sells[i].Price)
		}
	}
}

func TestRebuildIdempotentWithinDisplacement(t *testing.T) {
	g := strategy.NewGridStrategy(zap.NewNop(), gridConfig(), &fixedMode{types.GridModeBidirectional})

	g.OnBar(barCtx(50000, 100, flat(), 10000))
	ref1, _ := g.ReferencePrice()
	buys1 := g.BuyLevels()

	// Displacement threshold is ATR*0.5 = 50; stay inside it repeatedly.
	for _, price := range []float64{50030, 49960, 50049, 50000} {
		g.OnBar(barCtx(price, 100, flat(), 10000))
	}

	ref2, _ := g.ReferencePrice()
	buys2 := g.BuyLevels()
	if !ref1.Equal(ref2) {
		t.Errorf("reference moved inside displacement threshold: %s -> %s", ref1, ref2)
	}
	for i := range buys1 {
		if !buys1[i].Price.Equal(buys2[i].Price) {
			t.Errorf("buy level %d changed inside threshold", i+1)
		}
	}
}

func TestRebuildOnDisplacement(t *testing.T) {
	g := strategy.NewGridStrategy(zap.NewNop(), gridConfig(), &fixedMode{types.GridModeBidirectional})

	g.OnBar(barCtx(50000, 100, flat(), 10000))
	g.OnBar(barCtx(50060, 100, flat(), 10000)) // 60 > 50 threshold

	ref, _ := g.ReferencePrice()
	if !ref.Equal(decimal.NewFromInt(50060)) {
		t.Errorf("reference not rebuilt on displacement: %s", ref)
	}
	buys := g.BuyLevels()
	if !buys[0].Price.Equal(decimal.NewFromFloat(49985)) { // 50060 - 75
		t.Errorf("levels not regenerated from new reference: %s", buys[0].Price)
	}
}

func TestLongEntryOnBuyLevelTouch(t *testing.T) {
	g := strategy.NewGridStrategy(zap.NewNop(), gridConfig(), &fixedMode{types.GridModeLongOnly})

	g.OnBar(barCtx(50000, 100, flat(), 10000))

	// Above every buy level: nothing to do.
	intents := g.OnBar(barCtx(49960, 100, flat(), 10000))
	if len(intents) != 0 {
		t.Fatalf("entry fired above all buy levels: %+v", intents)
	}

	// With default spacing (75) the first level sits beyond the displacement
	// threshold (50), so a touch would rebuild first. Tighten the multiplier
	// so the touch lands inside the threshold.
	cfg := gridConfig()
	cfg.ATRMultiplier = decimal.NewFromFloat(0.4) // spacing 40 < threshold 50
	g2 := strategy.NewGridStrategy(zap.NewNop(), cfg, &fixedMode{types.GridModeLongOnly})
	g2.OnBar(barCtx(50000, 100, flat(), 10000))

	intents = g2.OnBar(barCtx(49955, 100, flat(), 10000)) // touches 49960 level
	if len(intents) != 1 {
		t.Fatalf("expected 1 entry intent, got %d", len(intents))
	}
	if intents[0].Side != types.OrderSideBuy || intents[0].Reason != types.ReasonGridEntry {
		t.Errorf("intent incorrect: %+v", intents[0])
	}
	// base fraction 0.1, count 0 => qty = 10000*0.1/49955.
	wantQty := decimal.NewFromInt(1000).Div(decimal.NewFromFloat(49955))
	if !intents[0].Quantity.Equal(wantQty) {
		t.Errorf("entry quantity incorrect: %s want %s", intents[0].Quantity, wantQty)
	}
	if g2.PositionCount() != 1 {
		t.Errorf("position count not incremented: %d", g2.PositionCount())
	}
	if !g2.BuyLevels()[0].Consumed {
		t.Error("touched level not marked consumed")
	}

	// Same touch again while long: guard against adding to a long.
	long := types.Position{
		Symbol:     "BTC/USDT",
		Side:       types.PositionSideLong,
		Quantity:   wantQty,
		EntryPrice: decimal.NewFromFloat(49955),
	}
	intents = g2.OnBar(barCtx(49955, 100, long, 10000))
	if len(intents) != 0 {
		t.Errorf("entry fired while already long: %+v", intents)
	}
}

func TestShortEntrySymmetric(t *testing.T) {
	cfg := gridConfig()
	cfg.ATRMultiplier = decimal.NewFromFloat(0.4)
	g := strategy.NewGridStrategy(zap.NewNop(), cfg, &fixedMode{types.GridModeShortOnly})

	g.OnBar(barCtx(50000, 100, flat(), 10000))
	intents := g.OnBar(barCtx(50045, 100, flat(), 10000)) // touches 50040 sell level

	if len(intents) != 1 || intents[0].Side != types.OrderSideSell {
		t.Fatalf("expected one sell intent, got %+v", intents)
	}
	if !g.SellLevels()[0].Consumed {
		t.Error("sell level not consumed")
	}
}

func TestOppositeEntryFlattensFirst(t *testing.T) {
	cfg := gridConfig()
	cfg.ATRMultiplier = decimal.NewFromFloat(0.4)
	g := strategy.NewGridStrategy(zap.NewNop(), cfg, &fixedMode{types.GridModeBidirectional})

	g.OnBar(barCtx(50000, 100, flat(), 10000))

	short := types.Position{
		Symbol:     "BTC/USDT",
		Side:       types.PositionSideShort,
		Quantity:   decimal.NewFromFloat(0.02),
		EntryPrice: decimal.NewFromInt(50000),
	}
	intents := g.OnBar(barCtx(49955, 100, short, 10000))

	if len(intents) != 2 {
		t.Fatalf("expected flatten + entry, got %d intents: %+v", len(intents), intents)
	}
	if intents[0].Reason != types.ReasonFlatten || intents[0].Side != types.OrderSideBuy {
		t.Errorf("first intent should flatten the short: %+v", intents[0])
	}
	if !intents[0].Quantity.Equal(short.Quantity) {
		t.Errorf("flatten quantity incorrect: %s", intents[0].Quantity)
	}
	if intents[1].Reason != types.ReasonGridEntry || intents[1].Side != types.OrderSideBuy {
		t.Errorf("second intent should be the grid entry: %+v", intents[1])
	}
}

func TestDisabledModeIsInert(t *testing.T) {
	g := strategy.NewGridStrategy(zap.NewNop(), gridConfig(), &fixedMode{types.GridModeDisabled})

	g.OnBar(barCtx(50000, 100, flat(), 10000))
	intents := g.OnBar(barCtx(49000, 100, flat(), 10000))
	if len(intents) != 0 {
		t.Errorf("disabled grid emitted intents: %+v", intents)
	}
}

func TestActivationGateFiltersAbnormalATR(t *testing.T) {
	cfg := gridConfig()
	cfg.ATRMultiplier = decimal.NewFromFloat(0.4)
	g := strategy.NewGridStrategy(zap.NewNop(), cfg, &fixedMode{types.GridModeLongOnly})

	// Build a stable ATR window around 100.
	for i := 0; i < 20; i++ {
		g.OnBar(barCtx(50000, 100, flat(), 10000))
	}

	// An ATR spike far above P75*1.5 must suppress entries even when a
	// level is touched. The bar also rebuilds the grid, which is allowed.
	intents := g.OnBar(barCtx(49955, 1000, flat(), 10000))
	if len(intents) != 0 {
		t.Errorf("gate failed to suppress entries on volatility spike: %+v", intents)
	}

	// Abnormally quiet: ATR far below P25*0.5.
	intents = g.OnBar(barCtx(49955, 1, flat(), 10000))
	if len(intents) != 0 {
		t.Errorf("gate failed to suppress entries on volatility collapse: %+v", intents)
	}
}

func TestInvalidATRSkipsBar(t *testing.T) {
	g := strategy.NewGridStrategy(zap.NewNop(), gridConfig(), &fixedMode{types.GridModeBidirectional})

	intents := g.OnBar(barCtx(50000, 0, flat(), 10000)) // ATRValid=false
	if len(intents) != 0 {
		t.Errorf("intents emitted with invalid ATR: %+v", intents)
	}
	if _, ok := g.ReferencePrice(); ok {
		t.Error("grid built with invalid ATR")
	}
}

func TestStopLossMeasuredFromEntryPrice(t *testing.T) {
	g := strategy.NewGridStrategy(zap.NewNop(), gridConfig(), &fixedMode{types.GridModeLongOnly})

	long := types.Position{
		Symbol:     "BTC/USDT",
		Side:       types.PositionSideLong,
		Quantity:   decimal.NewFromFloat(0.02),
		EntryPrice: decimal.NewFromInt(50000),
	}

	// Stop distance = 100 * 2.0 = 200 below entry. Price above the stop:
	// no exit.
	intents := g.OnBar(barCtx(49850, 100, long, 10000))
	for _, in := range intents {
		if in.Reason == types.ReasonStopLoss {
			t.Fatalf("stop fired above the stop price: %+v", in)
		}
	}

	// At entry - distance the stop fires.
	intents = g.OnBar(barCtx(49800, 100, long, 10000))
	found := false
	for _, in := range intents {
		if in.Reason == types.ReasonStopLoss {
			found = true
			if in.Side != types.OrderSideSell || !in.Quantity.Equal(long.Quantity) {
				t.Errorf("stop intent incorrect: %+v", in)
			}
		}
	}
	if !found {
		t.Error("stop loss did not fire at entry - ATR*stopMultiplier")
	}
}

func TestShortStopLoss(t *testing.T) {
	g := strategy.NewGridStrategy(zap.NewNop(), gridConfig(), &fixedMode{types.GridModeShortOnly})

	short := types.Position{
		Symbol:     "BTC/USDT",
		Side:       types.PositionSideShort,
		Quantity:   decimal.NewFromFloat(0.02),
		EntryPrice: decimal.NewFromInt(50000),
	}

	intents := g.OnBar(barCtx(50200, 100, short, 10000))
	found := false
	for _, in := range intents {
		if in.Reason == types.ReasonStopLoss && in.Side == types.OrderSideBuy {
			found = true
		}
	}
	if !found {
		t.Error("short stop loss did not fire at entry + ATR*stopMultiplier")
	}
}

func TestRiskExitSuppressesSameBarEntries(t *testing.T) {
	cfg := gridConfig()
	cfg.ATRMultiplier = decimal.NewFromFloat(0.4)
	cfg.MaxExposureFraction = decimal.NewFromFloat(0.2)
	g := strategy.NewGridStrategy(zap.NewNop(), cfg, &fixedMode{types.GridModeBidirectional})

	g.OnBar(barCtx(50000, 150, flat(), 10000)) // sell level 1 at 50060

	// Price touches the sell level on the same bar the ceiling is breached
	// (exposure 0.1*50075 > 10000*0.2). Only the risk close may come out:
	// a flatten or entry on top of it would act on an already-flat account
	// and open an unintended opposite position.
	long := types.Position{
		Symbol:     "BTC/USDT",
		Side:       types.PositionSideLong,
		Quantity:   decimal.NewFromFloat(0.1),
		EntryPrice: decimal.NewFromInt(50000),
	}
	intents := g.OnBar(barCtx(50075, 150, long, 10000))

	if len(intents) != 1 {
		t.Fatalf("exit bar emitted %d intents, want 1: %+v", len(intents), intents)
	}
	if intents[0].Reason != types.ReasonRiskLimit || intents[0].Side != types.OrderSideSell {
		t.Errorf("exit intent incorrect: %+v", intents[0])
	}
	if !intents[0].Quantity.Equal(long.Quantity) {
		t.Errorf("exit quantity %s, want the full position %s", intents[0].Quantity, long.Quantity)
	}
}

func TestStopLossSuppressesSameBarEntries(t *testing.T) {
	cfg := gridConfig()
	cfg.ATRMultiplier = decimal.NewFromFloat(0.4)
	g := strategy.NewGridStrategy(zap.NewNop(), cfg, &fixedMode{types.GridModeBidirectional})

	g.OnBar(barCtx(50000, 100, flat(), 10000)) // buy level 1 at 49960

	// The stop (entry 50150 - 200 = 49950) and the buy level are both
	// crossed at 49950; only the stop may fire.
	long := types.Position{
		Symbol:     "BTC/USDT",
		Side:       types.PositionSideLong,
		Quantity:   decimal.NewFromFloat(0.02),
		EntryPrice: decimal.NewFromInt(50150),
	}
	intents := g.OnBar(barCtx(49950, 100, long, 10000))

	if len(intents) != 1 || intents[0].Reason != types.ReasonStopLoss {
		t.Fatalf("stop bar emitted wrong intents: %+v", intents)
	}
}

func TestFlipResetsPositionCount(t *testing.T) {
	cfg := gridConfig()
	cfg.ATRMultiplier = decimal.NewFromFloat(0.4)
	g := strategy.NewGridStrategy(zap.NewNop(), cfg, &fixedMode{types.GridModeBidirectional})

	g.OnBar(barCtx(50000, 100, flat(), 10000))

	intents := g.OnBar(barCtx(50045, 100, flat(), 10000)) // sell entry at level 50040
	if len(intents) != 1 || intents[0].Side != types.OrderSideSell {
		t.Fatalf("expected one sell entry, got %+v", intents)
	}
	if g.PositionCount() != 1 {
		t.Fatalf("position count after first entry: %d", g.PositionCount())
	}

	// A buy-level touch while short flattens and flips. The flatten is a
	// full close, so the new entry sizes from a fresh count: base fraction
	// 0.1, not 0.1*0.9.
	short := types.Position{
		Symbol:     "BTC/USDT",
		Side:       types.PositionSideShort,
		Quantity:   intents[0].Quantity,
		EntryPrice: decimal.NewFromFloat(50045),
	}
	intents = g.OnBar(barCtx(49955, 100, short, 10000))
	if len(intents) != 2 {
		t.Fatalf("expected flatten + entry, got %+v", intents)
	}
	wantQty := decimal.NewFromInt(1000).Div(decimal.NewFromFloat(49955))
	if !intents[1].Quantity.Equal(wantQty) {
		t.Errorf("post-flip entry quantity %s, want %s", intents[1].Quantity, wantQty)
	}
	if g.PositionCount() != 1 {
		t.Errorf("position count after flip: %d, want 1", g.PositionCount())
	}
}

func TestExposureCeilingForceCloses(t *testing.T) {
	cfg := gridConfig()
	cfg.MaxExposureFraction = decimal.NewFromFloat(0.2)
	g := strategy.NewGridStrategy(zap.NewNop(), cfg, &fixedMode{types.GridModeLongOnly})

	// Exposure = 0.1 * 50000 = 5000 > 10000 * 0.2 = 2000.
	long := types.Position{
		Symbol:     "BTC/USDT",
		Side:       types.PositionSideLong,
		Quantity:   decimal.NewFromFloat(0.1),
		EntryPrice: decimal.NewFromInt(50000),
	}
	intents := g.OnBar(barCtx(50000, 100, long, 10000))

	if len(intents) == 0 || intents[0].Reason != types.ReasonRiskLimit {
		t.Fatalf("ceiling breach not force-closed: %+v", intents)
	}
	if g.PositionCount() != 0 {
		t.Errorf("position count not reset after risk close: %d", g.PositionCount())
	}
}

func TestZeroSizeIntentsDropped(t *testing.T) {
	cfg := gridConfig()
	cfg.ATRMultiplier = decimal.NewFromFloat(0.4)
	g := strategy.NewGridStrategy(zap.NewNop(), cfg, &fixedMode{types.GridModeLongOnly})

	g.OnBar(barCtx(50000, 100, flat(), 0)) // zero equity -> zero size
	intents := g.OnBar(barCtx(49955, 100, flat(), 0))

	if len(intents) != 0 {
		t.Errorf("zero-size intent emitted: %+v", intents)
	}
	if g.BuyLevels()[0].Consumed {
		t.Error("level consumed despite dropped intent")
	}
	if g.PositionCount() != 0 {
		t.Error("position count incremented despite dropped intent")
	}
}

func TestResetClearsState(t *testing.T) {
	g := strategy.NewGridStrategy(zap.NewNop(), gridConfig(), &fixedMode{types.GridModeBidirectional})

	g.OnBar(barCtx(50000, 100, flat(), 10000))
	g.Reset()

	if _, ok := g.ReferencePrice(); ok {
		t.Error("reference price survived Reset")
	}
	if len(g.BuyLevels()) != 0 || len(g.SellLevels()) != 0 {
		t.Error("levels survived Reset")
	}
	if g.PositionCount() != 0 {
		t.Error("position count survived Reset")
	}
}
