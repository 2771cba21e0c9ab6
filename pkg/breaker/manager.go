package breaker

import (
	"sync"

	"github.com/dispatchkit/dispatchkit/internal/clock"
	"github.com/dispatchkit/dispatchkit/pkg/model"
)

// Manager owns one Breaker per origin, created lazily on first use.
type Manager struct {
	cfg   Config
	clock clock.Clock

	mu       sync.RWMutex
	breakers map[model.Origin]*Breaker
}

// NewManager builds a Manager applying cfg to every origin it creates.
func NewManager(cfg Config, c clock.Clock) *Manager {
	return &Manager{cfg: cfg, clock: c, breakers: make(map[model.Origin]*Breaker)}
}

// GetOrCreate returns the Breaker for origin, creating it if absent.
func (m *Manager) GetOrCreate(origin model.Origin) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[origin]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[origin]; ok {
		return b
	}
	b = New(m.cfg, m.clock)
	m.breakers[origin] = b
	return b
}

// Get returns the existing Breaker for origin, if any.
func (m *Manager) Get(origin model.Origin) (*Breaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.breakers[origin]
	return b, ok
}

// Remove deletes a breaker, e.g. after a long idle period.
func (m *Manager) Remove(origin model.Origin) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, origin)
}

// List returns every origin the manager currently tracks.
func (m *Manager) List() []model.Origin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	origins := make([]model.Origin, 0, len(m.breakers))
	for o := range m.breakers {
		origins = append(origins, o)
	}
	return origins
}

// Stats is a point-in-time view of one origin's breaker for reporting.
type Stats struct {
	Origin model.Origin
	State  State
	Counts Counts
}

// Snapshot returns Stats for every tracked origin.
func (m *Manager) Snapshot() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.breakers))
	for o, b := range m.breakers {
		out = append(out, Stats{Origin: o, State: b.State(), Counts: b.Counts()})
	}
	return out
}
