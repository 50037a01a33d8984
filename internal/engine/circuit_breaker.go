package engine

import (
	"sync"
	"time"

	"github.com/rendis/autocraft/pkg/schema"
)

// CircuitState represents the state of a capability circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // calls pass through
	CircuitOpen                         // capability considered unavailable
	CircuitHalfOpen                     // probing after cooldown
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures when a failing capability is escalated.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `json:"failure_threshold"`
	// Cooldown is how long an open circuit rejects calls before probing again.
	Cooldown time.Duration `json:"cooldown"`
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int `json:"half_open_max"`
}

// DefaultCircuitBreakerConfig tolerates a handful of flaky captures in a row.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailure         time.Time
	halfOpenCalls       int
}

// CircuitBreakerRegistry keeps one breaker per capability. It outlives a
// single run so a capability that just went down is rejected immediately
// by the next run until its cooldown elapses.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry. Non-positive config values
// fall back to the defaults.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil if the capability may be called, or a
// CAPABILITY_UNAVAILABLE error while its circuit is open.
func (r *CircuitBreakerRegistry) AllowRequest(capability string) error {
	cb := r.get(capability)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailure)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenCalls = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCapabilityUnavailable,
			"%s capability unavailable after %d consecutive failures", capability, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"capability":           capability,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if cb.halfOpenCalls >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCapabilityUnavailable,
				"%s capability is being probed, retry later", capability)
		}
		cb.halfOpenCalls++
	}
	return nil
}

// RecordSuccess closes the capability's circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(capability string) {
	cb := r.get(capability)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenCalls = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failed call and returns the resulting state.
// A failed probe reopens the circuit straight away.
func (r *CircuitBreakerRegistry) RecordFailure(capability string) CircuitState {
	cb := r.get(capability)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailure = r.now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the capability's state, moving an open circuit whose
// cooldown has elapsed to half-open.
func (r *CircuitBreakerRegistry) GetState(capability string) CircuitState {
	cb := r.get(capability)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailure) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenCalls = 0
	}
	return cb.state
}

// Stats returns diagnostic information for every known capability.
func (r *CircuitBreakerRegistry) Stats() map[string]map[string]any {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make(map[string]map[string]any, len(names))
	for _, name := range names {
		cb := r.get(name)
		cb.mu.Lock()
		out[name] = map[string]any{
			"state":                cb.state.String(),
			"consecutive_failures": cb.consecutiveFailures,
			"failure_threshold":    r.config.FailureThreshold,
		}
		cb.mu.Unlock()
	}
	return out
}

func (r *CircuitBreakerRegistry) get(capability string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[capability]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[capability] = cb
	}
	return cb
}
