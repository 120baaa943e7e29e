package pool

import (
	"log/slog"
	"sync"

	"github.com/basket/go-loom/internal/engine"
)

// Manager keys pools by engine id, creating them on demand.
type Manager struct {
	mu     sync.Mutex
	pools  map[string]*Pool
	cfg    Config
	logger *slog.Logger
}

// NewManager builds a manager whose pools default to cfg.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		pools:  make(map[string]*Pool),
		cfg:    cfg,
		logger: cfg.Logger.With("component", "pool_manager"),
	}
}

// GetPool returns the engine's pool, creating it with the manager defaults
// on first use.
func (m *Manager) GetPool(eng engine.Engine) *Pool {
	return m.GetPoolWith(eng, m.cfg)
}

// GetPoolWith is GetPool with an explicit config for a newly created pool.
// An existing pool keeps its original config.
func (m *Manager) GetPoolWith(eng engine.Engine, cfg Config) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[eng.ID()]; ok {
		return p
	}
	p := New(eng, cfg)
	m.pools[eng.ID()] = p
	m.logger.Debug("pool created", "engine_id", eng.ID())
	return p
}

// Lookup returns the engine's pool without creating one.
func (m *Manager) Lookup(engineID string) (*Pool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[engineID]
	return p, ok
}

// RemovePool disposes and forgets the engine's pool.
func (m *Manager) RemovePool(engineID string) bool {
	m.mu.Lock()
	p, ok := m.pools[engineID]
	delete(m.pools, engineID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	p.Dispose()
	return true
}

// GetAllStats snapshots every pool keyed by engine id.
func (m *Manager) GetAllStats() map[string]Stats {
	m.mu.Lock()
	pools := make(map[string]*Pool, len(m.pools))
	for id, p := range m.pools {
		pools[id] = p
	}
	m.mu.Unlock()

	out := make(map[string]Stats, len(pools))
	for id, p := range pools {
		out[id] = p.Stats()
	}
	return out
}

// ClearAll clears idle sessions from every pool and returns the total
// removed.
func (m *Manager) ClearAll() int {
	total := 0
	for _, p := range m.snapshot() {
		total += p.Clear(true)
	}
	return total
}

// WarmupAll warms every pool in parallel and returns the first error.
func (m *Manager) WarmupAll() error {
	pools := m.snapshot()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, p := range pools {
		wg.Add(1)
		go func(p *Pool) {
			defer wg.Done()
			if err := p.Warmup(); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()
	return firstErr
}

// Dispose disposes every pool and forgets them all.
func (m *Manager) Dispose() {
	m.mu.Lock()
	pools := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Dispose()
	}
}

func (m *Manager) snapshot() []*Pool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		out = append(out, p)
	}
	return out
}

var (
	defaultManager   *Manager
	defaultManagerMu sync.Mutex
)

// DefaultManager returns the process-wide pool manager, creating it on
// first use.
func DefaultManager() *Manager {
	defaultManagerMu.Lock()
	defer defaultManagerMu.Unlock()
	if defaultManager == nil {
		defaultManager = NewManager(Config{})
	}
	return defaultManager
}

// ResetDefaultManager discards the process-wide manager so tests start
// clean. Existing pools are disposed.
func ResetDefaultManager() {
	defaultManagerMu.Lock()
	m := defaultManager
	defaultManager = nil
	defaultManagerMu.Unlock()
	if m != nil {
		m.Dispose()
	}
}
