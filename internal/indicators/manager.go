package indicators

import "scalpcore/internal/types"

// Manager owns one Block per active symbol. It is not safe for concurrent
// use; callers (the engine supervisor) are expected to own it from the
// single dispatch loop per the engine's concurrency model.
type Manager struct {
	blocks map[string]*Block
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{blocks: make(map[string]*Block)}
}

// Add installs a fresh block for symbol if one does not already exist.
func (m *Manager) Add(symbol string) {
	if _, ok := m.blocks[symbol]; ok {
		return
	}
	m.blocks[symbol] = NewBlock(symbol)
}

// Remove discards a symbol's indicator state.
func (m *Manager) Remove(symbol string) {
	delete(m.blocks, symbol)
}

// Update folds a tick into its symbol's block, adding the block first if the
// symbol was not already tracked.
func (m *Manager) Update(t types.Tick) {
	b, ok := m.blocks[t.Symbol]
	if !ok {
		b = NewBlock(t.Symbol)
		m.blocks[t.Symbol] = b
	}
	b.Update(t)
}

// Snapshot returns the current feature set for symbol, or NotReady.
func (m *Manager) Snapshot(symbol string, currentVolume float64) (types.Features, bool) {
	b, ok := m.blocks[symbol]
	if !ok {
		return types.Features{}, false
	}
	return b.Snapshot(currentVolume)
}

// Ready reports whether symbol's indicators have completed warm-up.
func (m *Manager) Ready(symbol string) bool {
	b, ok := m.blocks[symbol]
	return ok && b.Ready()
}

// Block exposes the raw block for callers needing direct access (e.g. to
// feed a liquidation print).
func (m *Manager) Block(symbol string) (*Block, bool) {
	b, ok := m.blocks[symbol]
	return b, ok
}
