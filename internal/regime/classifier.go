package regime

import (
	"github.com/gridlab/gridtrader/internal/indicators"
	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/shopspring/decimal"
)

// ClassifierConfig configures the rule-based classifier.
type ClassifierConfig struct {
	FastWindow     int             // fast EMA window
	SlowWindow     int             // slow EMA window
	TrendThreshold decimal.Decimal // |fast-slow|/slow above which a trend is called
}

// DefaultClassifierConfig returns sensible defaults.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		FastWindow:     20,
		SlowWindow:     50,
		TrendThreshold: decimal.NewFromFloat(0.01),
	}
}

// Classifier is an optional rule-based regime source. It feeds a Manager;
// the strategy never talks to it directly.
type Classifier struct {
	cfg ClassifierConfig
}

// NewClassifier creates a classifier.
func NewClassifier(cfg ClassifierConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify derives a regime from the EMA fast/slow distance on the supplied
// bars. Returns RegimeUnset while either EMA is still warming up.
func (c *Classifier) Classify(bars []types.Bar) types.Regime {
	regimes := c.ClassifySeries(bars)
	if len(regimes) == 0 {
		return types.RegimeUnset
	}
	return regimes[len(regimes)-1]
}

// ClassifySeries classifies every bar in one pass, computing each EMA once.
// Output is aligned index-for-index with bars.
func (c *Classifier) ClassifySeries(bars []types.Bar) []types.Regime {
	closes := indicators.Closes(bars)
	fast := indicators.EMA(closes, c.cfg.FastWindow)
	slow := indicators.EMA(closes, c.cfg.SlowWindow)

	regimes := make([]types.Regime, len(bars))
	for i := range bars {
		regimes[i] = c.classifyAt(fast, slow, i)
	}
	return regimes
}

func (c *Classifier) classifyAt(fast, slow indicators.Series, i int) types.Regime {
	f, okF := fast.Value(i)
	s, okS := slow.Value(i)
	if !okF || !okS || s.IsZero() {
		return types.RegimeUnset
	}

	distance := f.Sub(s).Div(s)
	switch {
	case distance.GreaterThan(c.cfg.TrendThreshold):
		return types.RegimeBullish
	case distance.LessThan(c.cfg.TrendThreshold.Neg()):
		return types.RegimeBearish
	default:
		return types.RegimeRanging
	}
}
