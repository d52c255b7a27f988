package engine

import (
	"sync"
	"time"

	"github.com/rendis/onboard/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
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

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuitBreaker tracks failure state for a single collaborator.
type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              CircuitBreakerConfig
}

// CircuitBreakerRegistry manages per-collaborator circuit breakers. Breakers
// are shared across process instances: five collaborators, five breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
	}
}

// AllowRequest checks whether a request to the given collaborator is allowed.
// Returns nil if allowed, or an OnboardError with code CIRCUIT_OPEN if not.
// An open circuit counts as a collaborator failure and takes the fallback
// path without issuing the call.
func (r *CircuitBreakerRegistry) AllowRequest(collaborator string) error {
	cb := r.getOrCreate(collaborator)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		// Check if cooldown has elapsed.
		if time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request counts as the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for collaborator %q: %d consecutive failures, cooldown remaining",
			collaborator, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"collaborator":         collaborator,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
				"cooldown_remaining":   (cb.config.Cooldown - time.Since(cb.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= cb.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for collaborator %q: max test requests reached", collaborator)
		}
		cb.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess records a successful call to the collaborator.
func (r *CircuitBreakerRegistry) RecordSuccess(collaborator string) {
	cb := r.getOrCreate(collaborator)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure records a failed call to the collaborator.
// Returns the new circuit state.
func (r *CircuitBreakerRegistry) RecordFailure(collaborator string) CircuitState {
	cb := r.getOrCreate(collaborator)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()

	if cb.state == CircuitHalfOpen {
		// Any failure in half-open reopens the circuit.
		cb.state = CircuitOpen
		return CircuitOpen
	}

	if cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		return CircuitOpen
	}

	return cb.state
}

// GetState returns the current state of the circuit for a collaborator.
func (r *CircuitBreakerRegistry) GetState(collaborator string) CircuitState {
	cb := r.getOrCreate(collaborator)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	// Check for automatic transition from open to half-open.
	if cb.state == CircuitOpen && time.Since(cb.lastFailureTime) >= cb.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}

	return cb.state
}

// GetStats returns diagnostic information about a circuit breaker.
func (r *CircuitBreakerRegistry) GetStats(collaborator string) map[string]any {
	cb := r.getOrCreate(collaborator)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"collaborator":         collaborator,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    cb.config.FailureThreshold,
		"cooldown":             cb.config.Cooldown.String(),
	}
}

// Stats returns diagnostics for every breaker the registry has seen.
func (r *CircuitBreakerRegistry) Stats() map[string]map[string]any {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()

	out := make(map[string]map[string]any, len(names))
	for _, name := range names {
		out[name] = r.GetStats(name)
	}
	return out
}

func (r *CircuitBreakerRegistry) getOrCreate(collaborator string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[collaborator]
	if !ok {
		cb = &circuitBreaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[collaborator] = cb
	}
	return cb
}
