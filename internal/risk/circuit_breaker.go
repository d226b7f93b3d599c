package risk

import (
	"sync"
	"time"

	"github.com/KaisukaTran/findmy-fm/internal/core"
	"github.com/KaisukaTran/findmy-fm/pkg/telemetry"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

type CircuitConfig struct {
	MaxConsecutiveFailures int
	CooldownPeriod         time.Duration
}

// CircuitBreaker trips after repeated failures on any single key (a fan-out
// stage, a store, a price source) and auto-resets after the cooldown. The
// coordinator stops dispatching while tripped.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       CircuitState
	config      CircuitConfig
	failures    map[string]int
	trippedKey  string
	lastTripped time.Time
}

var _ core.ICircuitBreaker = (*CircuitBreaker)(nil)

func NewCircuitBreaker(config CircuitConfig) *CircuitBreaker {
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = 5
	}
	return &CircuitBreaker{
		state:    CircuitClosed,
		config:   config,
		failures: make(map[string]int),
	}
}

// RecordFailure counts a consecutive failure for key and trips the breaker
// once the key crosses the threshold.
func (cb *CircuitBreaker) RecordFailure(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures[key]++
	if cb.state == CircuitClosed && cb.failures[key] >= cb.config.MaxConsecutiveFailures {
		cb.trip(key)
	}
}

// RecordSuccess clears the consecutive-failure count for key.
func (cb *CircuitBreaker) RecordSuccess(key string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	delete(cb.failures, key)
}

func (cb *CircuitBreaker) trip(key string) {
	cb.state = CircuitOpen
	cb.trippedKey = key
	cb.lastTripped = time.Now()

	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(key, true)
}

func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		// Auto-reset after cooldown when one is configured
		if cb.config.CooldownPeriod > 0 && time.Since(cb.lastTripped) > cb.config.CooldownPeriod {
			cb.reset()
			return false
		}
		return true
	}
	return false
}

// TrippedBy returns the key that tripped the breaker, empty when closed.
func (cb *CircuitBreaker) TrippedBy() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitOpen {
		return ""
	}
	return cb.trippedKey
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.reset()
}

func (cb *CircuitBreaker) reset() {
	cb.state = CircuitClosed
	cb.failures = make(map[string]int)

	if cb.trippedKey != "" {
		telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(cb.trippedKey, false)
		cb.trippedKey = ""
	}
}
