package backtester

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/shopspring/decimal"
)

// hashPrecision is the decimal places metrics are rounded to before
// hashing. Differences beyond it are float noise, not nondeterminism.
const hashPrecision = 10

// Validator checks that repeated runs of the same configuration produce
// identical results. A zero tolerance demands exact equality; a positive
// tolerance lets numeric metrics differ by at most that much.
type Validator struct {
	tolerance decimal.Decimal
}

// NewValidator creates an exact-match validator.
func NewValidator() *Validator {
	return &Validator{}
}

// NewValidatorWithTolerance creates a validator that accepts numeric
// differences up to tolerance. Non-numeric fields still compare exactly.
func NewValidatorWithTolerance(tolerance decimal.Decimal) *Validator {
	return &Validator{tolerance: tolerance}
}

// RunDivergence names one divergent pair of runs and their differing
// metrics.
type RunDivergence struct {
	A     int
	B     int
	Diffs []string
}

// RunsReport summarizes a repeated-run comparison: the hash of every run
// and every pairwise divergence found.
type RunsReport struct {
	AllIdentical bool
	Hashes       []string
	Divergences  []RunDivergence
}

// Divergence renders every divergent pair, empty when all runs match.
func (r RunsReport) Divergence() string {
	if r.AllIdentical {
		return ""
	}
	parts := make([]string, 0, len(r.Divergences))
	for _, d := range r.Divergences {
		parts = append(parts, fmt.Sprintf("runs %d/%d: %s", d.A, d.B, strings.Join(d.Diffs, "; ")))
	}
	return strings.Join(parts, " | ")
}

// metricsFingerprint flattens the result into name -> canonical value.
// Decimals are rounded to hashPrecision places; keys iterate sorted, never
// in map order.
func metricsFingerprint(result *types.BacktestResult) map[string]string {
	m := result.Metrics
	d := func(v decimal.Decimal) string { return v.Round(hashPrecision).String() }

	return map[string]string{
		"annualized_return": d(m.AnnualizedReturn),
		"avg_loss":          d(m.AvgLoss),
		"avg_win":           d(m.AvgWin),
		"bars_processed":    strconv.Itoa(result.BarsProcessed),
		"calmar_ratio":      d(m.CalmarRatio),
		"expectancy":        d(m.Expectancy),
		"final_equity":      d(result.FinalEquity),
		"gross_loss":        d(m.GrossLoss),
		"gross_profit":      d(m.GrossProfit),
		"largest_loss":      d(m.LargestLoss),
		"largest_win":       d(m.LargestWin),
		"losing_trades":     strconv.Itoa(m.LosingTrades),
		"max_drawdown":      d(m.MaxDrawdown),
		"profit_factor":     d(m.ProfitFactor),
		"profit_factor_inf": strconv.FormatBool(m.ProfitFactorInf),
		"sharpe_ratio":      d(m.SharpeRatio),
		"sortino_ratio":     d(m.SortinoRatio),
		"total_return":      d(m.TotalReturn),
		"total_trades":      strconv.Itoa(m.TotalTrades),
		"win_rate":          d(m.WinRate),
		"winning_trades":    strconv.Itoa(m.WinningTrades),
	}
}

// CalculateHash returns the SHA-256 hex digest of the result's canonical
// metrics fingerprint.
func (v *Validator) CalculateHash(result *types.BacktestResult) string {
	fp := metricsFingerprint(result)

	keys := make([]string, 0, len(fp))
	for k := range fp {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fp[k])
		b.WriteByte('\n')
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Validate compares two results field by field. It returns whether they
// match within the tolerance and, when they do not, the names of every
// differing metric.
func (v *Validator) Validate(a, b *types.BacktestResult) (bool, []string) {
	fpA := metricsFingerprint(a)
	fpB := metricsFingerprint(b)

	keys := make([]string, 0, len(fpA))
	for k := range fpA {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var diffs []string
	for _, k := range keys {
		if v.valuesMatch(fpA[k], fpB[k]) {
			continue
		}
		diffs = append(diffs, fmt.Sprintf("%s: %s != %s", k, fpA[k], fpB[k]))
	}
	if len(a.Trades) != len(b.Trades) {
		diffs = append(diffs, fmt.Sprintf("trade count: %d != %d", len(a.Trades), len(b.Trades)))
	}

	return len(diffs) == 0, diffs
}

// valuesMatch compares canonical values exactly first, then within the
// tolerance when both parse as numbers.
func (v *Validator) valuesMatch(a, b string) bool {
	if a == b {
		return true
	}
	if !v.tolerance.IsPositive() {
		return false
	}
	da, errA := decimal.NewFromString(a)
	db, errB := decimal.NewFromString(b)
	if errA != nil || errB != nil {
		return false
	}
	return da.Sub(db).Abs().LessThanOrEqual(v.tolerance)
}

// ValidateRuns compares every pair of results and reports each run's hash
// along with every pairwise divergence.
func (v *Validator) ValidateRuns(results []*types.BacktestResult) RunsReport {
	report := RunsReport{AllIdentical: true}
	for _, result := range results {
		report.Hashes = append(report.Hashes, v.CalculateHash(result))
	}

	for i := 0; i < len(results); i++ {
		for j := i + 1; j < len(results); j++ {
			if ok, diffs := v.Validate(results[i], results[j]); !ok {
				report.AllIdentical = false
				report.Divergences = append(report.Divergences, RunDivergence{A: i, B: j, Diffs: diffs})
			}
		}
	}
	return report
}
