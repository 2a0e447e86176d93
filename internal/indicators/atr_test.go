package indicators_test

import (
	"testing"
	"time"

	"github.com/gridlab/gridtrader/internal/indicators"
	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/shopspring/decimal"
)

func makeBars(hlc [][3]float64) []types.Bar {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, len(hlc))
	for i, v := range hlc {
		bars[i] = types.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Symbol:    "BTC/USDT",
			Timeframe: types.Timeframe1h,
			Open:      decimal.NewFromFloat(v[2]),
			High:      decimal.NewFromFloat(v[0]),
			Low:       decimal.NewFromFloat(v[1]),
			Close:     decimal.NewFromFloat(v[2]),
			Volume:    decimal.NewFromInt(100),
		}
	}
	return bars
}

func TestTrueRangeUsesGaps(t *testing.T) {
	bar := types.Bar{
		High:  decimal.NewFromInt(105),
		Low:   decimal.NewFromInt(100),
		Close: decimal.NewFromInt(102),
	}

	// Previous close far below: gap dominates high-low.
	tr := indicators.TrueRange(bar, decimal.NewFromInt(90))
	if !tr.Equal(decimal.NewFromInt(15)) {
		t.Errorf("TR with gap up incorrect: %s", tr)
	}

	// Previous close far above: low-prevClose dominates.
	tr = indicators.TrueRange(bar, decimal.NewFromInt(120))
	if !tr.Equal(decimal.NewFromInt(20)) {
		t.Errorf("TR with gap down incorrect: %s", tr)
	}

	// Previous close inside the bar: plain range.
	tr = indicators.TrueRange(bar, decimal.NewFromInt(103))
	if !tr.Equal(decimal.NewFromInt(5)) {
		t.Errorf("TR inside bar incorrect: %s", tr)
	}
}

func TestATRWarmup(t *testing.T) {
	// Constant range of 10 per bar.
	rows := make([][3]float64, 20)
	for i := range rows {
		rows[i] = [3]float64{105, 95, 100}
	}
	bars := makeBars(rows)

	atr := indicators.ATR(bars, 14, indicators.MethodSimple)

	for i := 0; i < 13; i++ {
		if _, ok := atr.Value(i); ok {
			t.Errorf("ATR defined before warmup at index %d", i)
		}
	}
	for i := 13; i < 20; i++ {
		v, ok := atr.Value(i)
		if !ok {
			t.Fatalf("ATR undefined after warmup at index %d", i)
		}
		if !v.Equal(decimal.NewFromInt(10)) {
			t.Errorf("ATR at %d incorrect: %s", i, v)
		}
	}
}

func TestATRSimpleKnownWindow(t *testing.T) {
	// Window of 3 with distinct ranges: 10, 6, 8, 4.
	bars := makeBars([][3]float64{
		{110, 100, 105},
		{108, 102, 104},
		{109, 101, 103},
		{105, 101, 102},
	})

	atr := indicators.ATR(bars, 3, indicators.MethodSimple)

	// TRs: bar0 = 10, bar1 = max(6,|108-105|,|102-105|)=6,
	// bar2 = max(8,|109-104|,|101-104|)=8, bar3 = max(4,|105-103|,|101-103|)=4.
	v, ok := atr.Value(2)
	if !ok {
		t.Fatal("ATR[2] should be defined")
	}
	if !v.Equal(decimal.NewFromInt(8)) { // (10+6+8)/3
		t.Errorf("ATR[2] incorrect: %s", v)
	}

	v, ok = atr.Value(3)
	if !ok {
		t.Fatal("ATR[3] should be defined")
	}
	if !v.Equal(decimal.NewFromInt(6)) { // (6+8+4)/3
		t.Errorf("ATR[3] incorrect: %s", v)
	}
}

func TestATRWilderSmoothing(t *testing.T) {
	rows := make([][3]float64, 16)
	for i := range rows {
		rows[i] = [3]float64{105, 95, 100}
	}
	// One wide bar after the seed window.
	rows[14] = [3]float64{120, 90, 100}
	bars := makeBars(rows)

	atr := indicators.ATR(bars, 14, indicators.MethodWilder)

	seed, ok := atr.Value(13)
	if !ok || !seed.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("Wilder seed incorrect: %s (ok=%v)", seed, ok)
	}

	// Next value: (10*13 + 30) / 14.
	v, ok := atr.Value(14)
	if !ok {
		t.Fatal("ATR[14] should be defined")
	}
	want := decimal.NewFromInt(160).Div(decimal.NewFromInt(14))
	if !v.Equal(want) {
		t.Errorf("Wilder ATR incorrect: got %s want %s", v, want)
	}
}

func TestATRIsPure(t *testing.T) {
	rows := make([][3]float64, 30)
	for i := range rows {
		rows[i] = [3]float64{105 + float64(i), 95 + float64(i), 100 + float64(i)}
	}
	bars := makeBars(rows)

	first := indicators.ATR(bars, 14, indicators.MethodWilder)
	second := indicators.ATR(bars, 14, indicators.MethodWilder)

	for i := 0; i < first.Len(); i++ {
		a, okA := first.Value(i)
		b, okB := second.Value(i)
		if okA != okB || !a.Equal(b) {
			t.Fatalf("ATR not reproducible at index %d: %s vs %s", i, a, b)
		}
	}
}

func TestEMASeededWithSMA(t *testing.T) {
	values := []decimal.Decimal{
		decimal.NewFromInt(1),
		decimal.NewFromInt(2),
		decimal.NewFromInt(3),
		decimal.NewFromInt(4),
	}

	ema := indicators.EMA(values, 3)

	if _, ok := ema.Value(1); ok {
		t.Error("EMA defined before warmup")
	}
	seed, ok := ema.Value(2)
	if !ok || !seed.Equal(decimal.NewFromInt(2)) {
		t.Errorf("EMA seed incorrect: %s", seed)
	}
	// alpha = 0.5: 4*0.5 + 2*0.5 = 3
	v, _ := ema.Value(3)
	if !v.Equal(decimal.NewFromInt(3)) {
		t.Errorf("EMA step incorrect: %s", v)
	}
}
