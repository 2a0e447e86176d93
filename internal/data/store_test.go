package data

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return store
}

func hourlyBars(n int, start time.Time) []types.Bar {
	bars := make([]types.Bar, n)
	for i := range bars {
		price := decimal.NewFromInt(int64(50000 + i))
		bars[i] = types.Bar{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Symbol:    "BTC/USDT",
			Timeframe: types.Timeframe1h,
			Open:      price,
			High:      price.Add(decimal.NewFromInt(10)),
			Low:       price.Sub(decimal.NewFromInt(10)),
			Close:     price,
			Volume:    decimal.NewFromInt(100),
		}
	}
	return bars
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := hourlyBars(48, start)

	if err := store.SaveBars("BTC/USDT", types.Timeframe1h, bars); err != nil {
		t.Fatalf("SaveBars failed: %v", err)
	}

	loaded, err := store.LoadBars(context.Background(), "BTC/USDT", types.Timeframe1h, start, start.Add(47*time.Hour))
	if err != nil {
		t.Fatalf("LoadBars failed: %v", err)
	}
	if len(loaded) != 48 {
		t.Fatalf("loaded %d bars, want 48", len(loaded))
	}
	if !loaded[0].Close.Equal(bars[0].Close) || !loaded[47].Close.Equal(bars[47].Close) {
		t.Error("loaded bars do not match saved bars")
	}
}

func TestLoadBarsRangeFilter(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.SaveBars("BTC/USDT", types.Timeframe1h, hourlyBars(24, start)); err != nil {
		t.Fatalf("SaveBars failed: %v", err)
	}

	loaded, err := store.LoadBars(context.Background(), "BTC/USDT", types.Timeframe1h,
		start.Add(5*time.Hour), start.Add(9*time.Hour))
	if err != nil {
		t.Fatalf("LoadBars failed: %v", err)
	}
	if len(loaded) != 5 {
		t.Fatalf("range filter returned %d bars, want 5", len(loaded))
	}
	if !loaded[0].Timestamp.Equal(start.Add(5 * time.Hour)) {
		t.Errorf("first bar at %s", loaded[0].Timestamp)
	}
}

func TestSaveRejectsGappedSeries(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := hourlyBars(24, start)

	// Remove one bar in the middle to create a one-hour hole.
	gapped := append(append([]types.Bar{}, bars[:10]...), bars[11:]...)

	err := store.SaveBars("BTC/USDT", types.Timeframe1h, gapped)
	var gapErr *GapError
	if !errors.As(err, &gapErr) {
		t.Fatalf("expected GapError, got %v", err)
	}
	if !gapErr.Expected.Equal(start.Add(10 * time.Hour)) {
		t.Errorf("gap reported at %s, want %s", gapErr.Expected, start.Add(10*time.Hour))
	}
}

func TestLoadMissingSymbol(t *testing.T) {
	store := newTestStore(t)

	_, err := store.LoadBars(context.Background(), "ETH/USDT", types.Timeframe1h,
		time.Now().Add(-time.Hour), time.Now())
	if err == nil {
		t.Fatal("loading a missing symbol succeeded")
	}
}

func TestSymbolsAndRange(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := store.SaveBars("ETH/USDT", types.Timeframe1h, hourlyBars(10, start)); err != nil {
		t.Fatalf("SaveBars failed: %v", err)
	}
	if err := store.SaveBars("BTC/USDT", types.Timeframe1h, hourlyBars(10, start)); err != nil {
		t.Fatalf("SaveBars failed: %v", err)
	}

	symbols := store.Symbols()
	if len(symbols) != 2 || symbols[0] != "BTC/USDT" || symbols[1] != "ETH/USDT" {
		t.Errorf("symbols not sorted: %v", symbols)
	}

	first, last, err := store.Range("BTC/USDT")
	if err != nil {
		t.Fatalf("Range failed: %v", err)
	}
	if !first.Equal(start) || !last.Equal(start.Add(9*time.Hour)) {
		t.Errorf("range [%s, %s]", first, last)
	}
}

func TestSyntheticBarsAreDeterministic(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(99 * time.Hour)
	price := decimal.NewFromInt(50000)

	a := GenerateSyntheticBars("BTC/USDT", types.Timeframe1h, start, end, price)
	b := GenerateSyntheticBars("BTC/USDT", types.Timeframe1h, start, end, price)

	if len(a) != 100 || len(b) != 100 {
		t.Fatalf("generated %d and %d bars, want 100", len(a), len(b))
	}
	for i := range a {
		if !a[i].Close.Equal(b[i].Close) || !a[i].Volume.Equal(b[i].Volume) {
			t.Fatalf("generation diverged at bar %d", i)
		}
	}

	// Different symbols walk differently.
	c := GenerateSyntheticBars("ETH/USDT", types.Timeframe1h, start, end, price)
	if a[50].Close.Equal(c[50].Close) {
		t.Error("different symbols produced the same walk")
	}
}

func TestSyntheticBarsSurviveStoreValidation(t *testing.T) {
	store := newTestStore(t)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	bars := GenerateSyntheticBars("BTC/USDT", types.Timeframe1h, start, start.Add(499*time.Hour), decimal.NewFromInt(50000))
	if err := store.SaveBars("BTC/USDT", types.Timeframe1h, bars); err != nil {
		t.Fatalf("synthetic series failed validation: %v", err)
	}
}
