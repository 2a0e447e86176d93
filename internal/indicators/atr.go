// Package indicators provides the indicator calculations the grid core
// depends on. ATR is the primary input; SMA/EMA are small pass-throughs to
// the standard formulas used by the regime classifier.
package indicators

import (
	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/shopspring/decimal"
)

// Method selects the ATR smoothing.
type Method string

const (
	MethodSimple Method = "simple" // SMA of true range
	MethodWilder Method = "wilder" // RMA (Wilder smoothing)
)

// Series is an indicator output aligned index-for-index to its input bars.
// Values before the warmup window are marked invalid; callers must treat an
// invalid value as "no signal".
type Series struct {
	values []decimal.Decimal
	valid  []bool
}

// Len returns the series length.
func (s Series) Len() int { return len(s.values) }

// Value returns the value at i and whether it is defined.
func (s Series) Value(i int) (decimal.Decimal, bool) {
	if i < 0 || i >= len(s.values) {
		return decimal.Zero, false
	}
	return s.values[i], s.valid[i]
}

// Last returns the most recent value and whether it is defined.
func (s Series) Last() (decimal.Decimal, bool) {
	return s.Value(len(s.values) - 1)
}

// TrueRange computes max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(bar types.Bar, prevClose decimal.Decimal) decimal.Decimal {
	tr := bar.High.Sub(bar.Low)
	if hc := bar.High.Sub(prevClose).Abs(); hc.GreaterThan(tr) {
		tr = hc
	}
	if lc := bar.Low.Sub(prevClose).Abs(); lc.GreaterThan(tr) {
		tr = lc
	}
	return tr
}

// ATR computes the Average True Range over a rolling window. It is a pure
// function of the supplied bars and holds no state between calls. The first
// window-1 outputs are invalid; the first bar's true range is high-low
// since no previous close exists.
func ATR(bars []types.Bar, window int, method Method) Series {
	n := len(bars)
	s := Series{
		values: make([]decimal.Decimal, n),
		valid:  make([]bool, n),
	}
	if window < 1 || n == 0 {
		return s
	}

	trs := make([]decimal.Decimal, n)
	for i, bar := range bars {
		if i == 0 {
			trs[i] = bar.High.Sub(bar.Low)
			continue
		}
		trs[i] = TrueRange(bar, bars[i-1].Close)
	}

	w := decimal.NewFromInt(int64(window))

	switch method {
	case MethodWilder:
		// Seed with the SMA of the first window true ranges, then smooth:
		// atr = (prev*(w-1) + tr) / w.
		if n < window {
			return s
		}
		sum := decimal.Zero
		for i := 0; i < window; i++ {
			sum = sum.Add(trs[i])
		}
		prev := sum.Div(w)
		s.values[window-1] = prev
		s.valid[window-1] = true
		wMinus1 := w.Sub(decimal.NewFromInt(1))
		for i := window; i < n; i++ {
			prev = prev.Mul(wMinus1).Add(trs[i]).Div(w)
			s.values[i] = prev
			s.valid[i] = true
		}
	default: // MethodSimple
		sum := decimal.Zero
		for i := 0; i < n; i++ {
			sum = sum.Add(trs[i])
			if i >= window {
				sum = sum.Sub(trs[i-window])
			}
			if i >= window-1 {
				s.values[i] = sum.Div(w)
				s.valid[i] = true
			}
		}
	}

	return s
}

// SMA computes a simple moving average of the values.
func SMA(values []decimal.Decimal, window int) Series {
	n := len(values)
	s := Series{
		values: make([]decimal.Decimal, n),
		valid:  make([]bool, n),
	}
	if window < 1 {
		return s
	}
	w := decimal.NewFromInt(int64(window))
	sum := decimal.Zero
	for i := 0; i < n; i++ {
		sum = sum.Add(values[i])
		if i >= window {
			sum = sum.Sub(values[i-window])
		}
		if i >= window-1 {
			s.values[i] = sum.Div(w)
			s.valid[i] = true
		}
	}
	return s
}

// EMA computes an exponential moving average seeded with the SMA of the
// first window values.
func EMA(values []decimal.Decimal, window int) Series {
	n := len(values)
	s := Series{
		values: make([]decimal.Decimal, n),
		valid:  make([]bool, n),
	}
	if window < 1 || n < window {
		return s
	}

	sum := decimal.Zero
	for i := 0; i < window; i++ {
		sum = sum.Add(values[i])
	}
	prev := sum.Div(decimal.NewFromInt(int64(window)))
	s.values[window-1] = prev
	s.valid[window-1] = true

	// alpha = 2 / (window + 1)
	alpha := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(window + 1)))
	oneMinusAlpha := decimal.NewFromInt(1).Sub(alpha)
	for i := window; i < n; i++ {
		prev = values[i].Mul(alpha).Add(prev.Mul(oneMinusAlpha))
		s.values[i] = prev
		s.valid[i] = true
	}
	return s
}

// Closes extracts the close series from bars.
func Closes(bars []types.Bar) []decimal.Decimal {
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
