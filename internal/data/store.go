// Package data provides historical bar storage and loading for replay.
package data

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gridlab/gridtrader/pkg/types"
	"go.uber.org/zap"
)

// GapError reports a hole in a bar series: the next bar did not arrive at
// the expected interval.
type GapError struct {
	Symbol   string
	Expected time.Time
	Actual   time.Time
}

func (e *GapError) Error() string {
	return fmt.Sprintf("gap in %s bars: expected %s, got %s", e.Symbol, e.Expected, e.Actual)
}

// Store serves historical bars from JSON files, one file per
// symbol/timeframe pair, with an in-memory cache. Loaded series are
// validated: timestamps strictly increasing and gap-free at the
// timeframe's interval.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.Bar
	metadata map[string]*SymbolMetadata
}

// SymbolMetadata describes the available range for a symbol.
type SymbolMetadata struct {
	Symbol    string          `json:"symbol"`
	Timeframe types.Timeframe `json:"timeframe"`
	StartDate time.Time       `json:"startDate"`
	EndDate   time.Time       `json:"endDate"`
	BarCount  int             `json:"barCount"`
}

// NewStore creates a store over dataDir, creating the directory if needed.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	s := &Store{
		logger:   logger,
		dataDir:  dataDir,
		cache:    make(map[string][]types.Bar),
		metadata: make(map[string]*SymbolMetadata),
	}
	if err := s.loadMetadata(); err != nil {
		logger.Warn("failed to load metadata", zap.Error(err))
	}
	return s, nil
}

// LoadBars returns the bars for symbol in [start, end], inclusive. The
// series is validated before it is served; a malformed file is an error,
// never silently patched.
func (s *Store) LoadBars(ctx context.Context, symbol string, timeframe types.Timeframe, start, end time.Time) ([]types.Bar, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	bars, err := s.loadSeries(symbol, timeframe)
	if err != nil {
		return nil, err
	}
	return filterRange(bars, start, end), nil
}

// Symbols returns every symbol with stored data, sorted.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	symbols := make([]string, 0, len(s.metadata))
	for symbol := range s.metadata {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// Range returns the stored date range for a symbol.
func (s *Store) Range(symbol string) (time.Time, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.metadata[symbol]
	if !ok {
		return time.Time{}, time.Time{}, fmt.Errorf("no data for symbol %s", symbol)
	}
	return meta.StartDate, meta.EndDate, nil
}

// SaveBars validates and persists a bar series, replacing any existing
// series for the pair.
func (s *Store) SaveBars(symbol string, timeframe types.Timeframe, bars []types.Bar) error {
	if err := validateSeries(symbol, timeframe, bars); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	payload, err := json.MarshalIndent(bars, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling bars: %w", err)
	}
	if err := os.WriteFile(s.seriesPath(symbol, timeframe), payload, 0o644); err != nil {
		return fmt.Errorf("writing bars: %w", err)
	}

	s.cache[cacheKey(symbol, timeframe)] = bars
	if len(bars) > 0 {
		s.metadata[symbol] = &SymbolMetadata{
			Symbol:    symbol,
			Timeframe: timeframe,
			StartDate: bars[0].Timestamp,
			EndDate:   bars[len(bars)-1].Timestamp,
			BarCount:  len(bars),
		}
	}
	if err := s.saveMetadata(); err != nil {
		s.logger.Warn("failed to save metadata", zap.Error(err))
	}
	return nil
}

// ClearCache drops all cached series.
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string][]types.Bar)
}

func (s *Store) loadSeries(symbol string, timeframe types.Timeframe) ([]types.Bar, error) {
	key := cacheKey(symbol, timeframe)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	payload, err := os.ReadFile(s.seriesPath(symbol, timeframe))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no stored bars for %s %s", symbol, timeframe)
		}
		return nil, fmt.Errorf("reading bars: %w", err)
	}

	var bars []types.Bar
	if err := json.Unmarshal(payload, &bars); err != nil {
		return nil, fmt.Errorf("parsing bars for %s: %w", symbol, err)
	}
	if err := validateSeries(symbol, timeframe, bars); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[key] = bars
	s.mu.Unlock()

	s.logger.Debug("loaded bar series",
		zap.String("symbol", symbol),
		zap.String("timeframe", string(timeframe)),
		zap.Int("bars", len(bars)),
	)
	return bars, nil
}

// validateSeries enforces strictly increasing, gap-free timestamps.
func validateSeries(symbol string, timeframe types.Timeframe, bars []types.Bar) error {
	interval := timeframe.Duration()
	for i := 1; i < len(bars); i++ {
		expected := bars[i-1].Timestamp.Add(interval)
		if !bars[i].Timestamp.Equal(expected) {
			return &GapError{Symbol: symbol, Expected: expected, Actual: bars[i].Timestamp}
		}
	}
	return nil
}

func filterRange(bars []types.Bar, start, end time.Time) []types.Bar {
	// Series are sorted, so binary search both edges.
	lo := sort.Search(len(bars), func(i int) bool {
		return !bars[i].Timestamp.Before(start)
	})
	hi := sort.Search(len(bars), func(i int) bool {
		return bars[i].Timestamp.After(end)
	})
	if lo >= hi {
		return nil
	}
	return bars[lo:hi]
}

func cacheKey(symbol string, timeframe types.Timeframe) string {
	return symbol + "_" + string(timeframe)
}

func (s *Store) seriesPath(symbol string, timeframe types.Timeframe) string {
	safe := strings.ReplaceAll(symbol, "/", "-")
	return filepath.Join(s.dataDir, fmt.Sprintf("%s_%s.json", safe, timeframe))
}

const metadataFile = "metadata.json"

func (s *Store) loadMetadata() error {
	payload, err := os.ReadFile(filepath.Join(s.dataDir, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(payload, &s.metadata)
}

func (s *Store) saveMetadata() error {
	payload, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, metadataFile), payload, 0o644)
}
