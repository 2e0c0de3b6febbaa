// Package health aggregates liveness checks from the daemon's backing
// services for the HTTP health endpoint.
package health

import (
	"sync"

	"ticker_daemon/internal/core"
)

// CheckFunc probes one dependency. A nil return means healthy.
type CheckFunc func() error

// Manager aggregates named liveness checks: the cache backend, the
// configuration store, and the exchange handlers register here.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewManager creates an empty Manager.
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]CheckFunc)}
	if logger != nil {
		m.logger = logger.WithField("component", "health_manager")
	}
	return m
}

// Register adds or replaces the check for a component.
func (m *Manager) Register(component string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Deregister removes the check for a component.
func (m *Manager) Deregister(component string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, component)
}

// Status runs every check and returns a per-component verdict.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string, len(m.checks))
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for component, check := range m.checks {
		if err := check(); err != nil {
			if m.logger != nil {
				m.logger.Warn("health check failing", "component", component, "error", err)
			}
			return false
		}
	}
	return true
}
