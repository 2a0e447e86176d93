// Package strategy provides the trading strategy contract and the grid
// strategy state machine.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gridlab/gridtrader/pkg/types"
	"github.com/shopspring/decimal"
)

// BarContext is everything a strategy may consult for one bar. The engine
// builds it; strategies hold no reference to engine internals.
type BarContext struct {
	Bar      types.Bar
	ATR      decimal.Decimal
	ATRValid bool
	Position types.Position
	Equity   decimal.Decimal
}

// Strategy consumes bars in ascending timestamp order and emits order
// intents. Implementations must be deterministic: identical bar sequences
// produce identical intents.
type Strategy interface {
	Name() string
	OnBar(ctx BarContext) []types.OrderIntent
	Reset()
}

// ModeSource is the only read contract the grid strategy has on regime
// state: "give me today's mode".
type ModeSource interface {
	CurrentGridMode() types.GridMode
}

// Factory constructs a fresh strategy instance for one run, wired to that
// run's grid parameters and regime state. Independent runs must not share
// instances.
type Factory func(cfg types.GridConfig, modes ModeSource) (Strategy, error)

// Registry is a typed mapping from strategy identifier to factory,
// validated at registration time.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register validates and stores a factory under name.
func (r *Registry) Register(name string, factory Factory) error {
	if name == "" {
		return fmt.Errorf("strategy name is required")
	}
	if factory == nil {
		return fmt.Errorf("strategy %q: factory is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("strategy %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Create instantiates a registered strategy.
func (r *Registry) Create(name string, cfg types.GridConfig, modes ModeSource) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return factory(cfg, modes)
}

// List returns registered strategy names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
