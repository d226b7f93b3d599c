// Package health aggregates per-component liveness checks for the /health
// endpoint.
package health

import (
	"sync"

	"github.com/KaisukaTran/findmy-fm/internal/core"
)

// HealthManager fans a health poll out to registered component checks.
// Probes run outside the lock, so a slow check never blocks registration.
type HealthManager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
}

var _ core.IHealthMonitor = (*HealthManager)(nil)

// NewHealthManager builds an empty manager. A nil logger is accepted for
// tests; unhealthy probes are then simply not logged.
func NewHealthManager(logger core.ILogger) *HealthManager {
	hm := &HealthManager{checks: make(map[string]func() error)}
	if logger != nil {
		hm.logger = logger.WithField("component", "health_manager")
	}
	return hm
}

// Register installs or replaces the check for a component. A nil error from
// the check means healthy.
func (hm *HealthManager) Register(component string, check func() error) {
	hm.mu.Lock()
	hm.checks[component] = check
	hm.mu.Unlock()
}

func (hm *HealthManager) snapshot() map[string]func() error {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	out := make(map[string]func() error, len(hm.checks))
	for name, check := range hm.checks {
		out[name] = check
	}
	return out
}

// GetStatus probes every registered component and reports one line each.
func (hm *HealthManager) GetStatus() map[string]string {
	status := make(map[string]string)
	for name, check := range hm.snapshot() {
		if err := check(); err != nil {
			status[name] = "Unhealthy: " + err.Error()
			if hm.logger != nil {
				hm.logger.Warn("component unhealthy", "check", name, "error", err)
			}
			continue
		}
		status[name] = "Healthy"
	}
	return status
}

// IsHealthy reports whether every registered check passes. No checks means
// healthy: the manager only judges what components told it to watch.
func (hm *HealthManager) IsHealthy() bool {
	for _, check := range hm.snapshot() {
		if check() != nil {
			return false
		}
	}
	return true
}
