// Package regime holds the current market regime and derives the grid mode
// policy the strategy trades under. Classification itself (human input or
// rule-based) happens outside the core: the strategy only reads
// CurrentRegime and CurrentGridMode.
package regime

import (
	"sync"

	"github.com/gridlab/gridtrader/pkg/types"
	"go.uber.org/zap"
)

// modeFor is the fixed regime -> grid mode mapping. It is enforced
// consistently for the life of a run.
func modeFor(r types.Regime) types.GridMode {
	switch r {
	case types.RegimeRanging:
		return types.GridModeBidirectional
	case types.RegimeBullish:
		return types.GridModeLongOnly
	case types.RegimeBearish:
		return types.GridModeShortOnly
	default:
		return types.GridModeDisabled
	}
}

// Manager holds the current regime and answers "give me today's mode".
type Manager struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	current  types.Regime
	override types.GridMode
	hasOvr   bool
}

// NewManager creates a manager with no regime set (mode disabled).
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:  logger,
		current: types.RegimeUnset,
	}
}

// SetRegime updates the current regime classification.
func (m *Manager) SetRegime(r types.Regime) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r != m.current {
		m.logger.Info("regime changed",
			zap.String("from", string(m.current)),
			zap.String("to", string(r)),
		)
	}
	m.current = r
}

// SetOverride forces a grid mode regardless of regime (human override).
func (m *Manager) SetOverride(mode types.GridMode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.override = mode
	m.hasOvr = true
	m.logger.Info("grid mode override set", zap.String("mode", string(mode)))
}

// ClearOverride returns control to the regime mapping.
func (m *Manager) ClearOverride() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasOvr = false
}

// CurrentRegime returns the current regime classification.
func (m *Manager) CurrentRegime() types.Regime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CurrentGridMode returns the grid mode the strategy must trade under.
func (m *Manager) CurrentGridMode() types.GridMode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.hasOvr {
		return m.override
	}
	return modeFor(m.current)
}
