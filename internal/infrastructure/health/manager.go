// Package health aggregates liveness checks from the running components.
package health

import (
	"sync"
	"volharvester/internal/core"
)

// CheckFunc reports nil when the component is healthy.
type CheckFunc func() error

// HealthManager collects named checks and evaluates them on demand.
type HealthManager struct {
	logger core.ILogger

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealthManager builds a manager. logger may be nil in tests.
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{checks: make(map[string]CheckFunc)}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register adds or replaces the check for component.
func (hm *HealthManager) Register(component string, check CheckFunc) {
	hm.mu.Lock()
	hm.checks[component] = check
	hm.mu.Unlock()
}

// GetStatus runs every check and returns a per-component verdict.
func (hm *HealthManager) GetStatus() map[string]string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := make(map[string]string, len(hm.checks))
	for component, check := range hm.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy reports whether every registered check passes.
func (hm *HealthManager) IsHealthy() bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	for _, check := range hm.checks {
		if check() != nil {
			return false
		}
	}
	return true
}
