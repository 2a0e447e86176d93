package clock

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TimeGetter reports a component's current view of time.
type TimeGetter func() time.Time

// Controller composes one clock with named component time getters and can
// assert they are all synchronized. It is a test-harness invariant, not
// part of strategy logic.
type Controller struct {
	mu      sync.RWMutex
	logger  *zap.Logger
	clock   *Clock
	getters map[string]TimeGetter
}

// NewController creates a controller for the given clock.
func NewController(logger *zap.Logger, c *Clock) *Controller {
	return &Controller{
		logger:  logger,
		clock:   c,
		getters: make(map[string]TimeGetter),
	}
}

// Register attaches a named component's time getter.
func (tc *Controller) Register(name string, getter TimeGetter) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.getters[name] = getter
}

// Clock returns the composed clock.
func (tc *Controller) Clock() *Clock {
	return tc.clock
}

// AssertSynchronized reports whether the clock and every registered
// component see a single unique time. On divergence it returns false and
// the per-component times observed.
func (tc *Controller) AssertSynchronized() (bool, map[string]time.Time) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	observed := make(map[string]time.Time, len(tc.getters)+1)
	reference := tc.clock.Now()
	observed["clock"] = reference

	synced := true

	// Deterministic iteration for stable log output.
	names := make([]string, 0, len(tc.getters))
	for name := range tc.getters {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		t := tc.getters[name]()
		observed[name] = t
		if !t.Equal(reference) {
			synced = false
		}
	}

	if !synced {
		tc.logger.Warn("components report divergent times",
			zap.Time("clock", reference),
			zap.Int("components", len(names)),
		)
	}

	return synced, observed
}
