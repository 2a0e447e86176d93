package data

import (
	"time"

	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/shopspring/decimal"
)

// lcg is a small linear congruential generator. Synthetic series must be a
// pure function of the seed so replays of generated data stay reproducible.
type lcg struct {
	state uint64
}

func (g *lcg) next() float64 {
	g.state = g.state*6364136223846793005 + 1442695040888963407
	return float64(g.state>>11) / float64(1<<53)
}

// seedFor derives a stable seed from a symbol (FNV-1a).
func seedFor(symbol string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(symbol); i++ {
		h ^= uint64(symbol[i])
		h *= 1099511628211
	}
	return h
}

// GenerateSyntheticBars produces a gap-free random-walk bar series for
// [start, end] at the timeframe's interval. The walk is seeded from the
// symbol: the same arguments always yield the same bars.
func GenerateSyntheticBars(symbol string, timeframe types.Timeframe, start, end time.Time, startPrice decimal.Decimal) []types.Bar {
	interval := timeframe.Duration()
	rng := &lcg{state: seedFor(symbol)}

	var bars []types.Bar
	price, _ := startPrice.Float64()

	for current := start; !current.After(end); current = current.Add(interval) {
		change := (rng.next() - 0.5) * 0.02 * price
		open := price
		price += change
		close := price

		hi := open
		if close > hi {
			hi = close
		}
		lo := open
		if close < lo {
			lo = close
		}
		high := hi * (1 + rng.next()*0.005)
		low := lo * (1 - rng.next()*0.005)
		volume := 100 + rng.next()*1000

		bars = append(bars, types.Bar{
			Timestamp: current,
			Symbol:    symbol,
			Timeframe: timeframe,
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(high),
			Low:       decimal.NewFromFloat(low),
			Close:     decimal.NewFromFloat(close),
			Volume:    decimal.NewFromFloat(volume),
		})
	}
	return bars
}
