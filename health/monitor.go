package health

import (
	"slices"
	"sync"
	"time"
)

// Reporter is anything that can describe its own health
type Reporter interface {
	Health() Status
}

// Monitor tracks the latest status per component. Registered reporters are
// asked for a fresh status on every aggregation.
type Monitor struct {
	mu        sync.RWMutex
	statuses  map[string]Status
	reporters map[string]Reporter
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{
		statuses:  make(map[string]Status),
		reporters: make(map[string]Reporter),
	}
}

// Register polls r for the status of name, replacing an earlier reporter
func (m *Monitor) Register(name string, r Reporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reporters[name] = r
}

// Update records status for name
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[name] = status
}

// Get returns the latest status for name
func (m *Monitor) Get(name string) (Status, bool) {
	m.collect()
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[name]
	return s, ok
}

// Remove forgets name
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.reporters, name)
}

// Names returns the monitored component names, sorted
func (m *Monitor) Names() []string {
	m.collect()
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.statuses))
	for name := range m.statuses {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// AggregateHealth polls reporters and aggregates every status under system
func (m *Monitor) AggregateHealth(system string) Status {
	names := m.Names()
	m.mu.RLock()
	defer m.mu.RUnlock()
	subs := make([]Status, 0, len(names))
	for _, name := range names {
		subs = append(subs, m.statuses[name])
	}
	return Aggregate(system, subs)
}

func (m *Monitor) collect() {
	m.mu.RLock()
	reporters := make(map[string]Reporter, len(m.reporters))
	for name, r := range m.reporters {
		reporters[name] = r
	}
	m.mu.RUnlock()

	// Health() may take component locks; call it without holding ours.
	for name, r := range reporters {
		m.Update(name, r.Health())
	}
}
