package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// CircuitState represents the state of a step's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // processor is called
	CircuitOpen                         // processor is skipped, fallback runs
	CircuitHalfOpen                     // one probe call allowed
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

// CircuitBreakerConfig configures the per-step circuit breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive processor failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = def.HalfOpenMax
	}
	return c
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per processor, keyed by
// "<workflow type>/<step>".
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry; zero config fields take defaults.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config.withDefaults(),
		now:      time.Now,
	}
}

// BreakerKey builds the registry key for a workflow step.
func BreakerKey(workflowType, step string) string {
	return workflowType + "/" + step
}

// AllowRequest returns nil when the processor behind key may be called, or a
// CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(key string) error {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this call is the first probe
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for %s after %d consecutive failures", key, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"processor":            key,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for %s: probe already in flight", key)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit for key.
func (r *CircuitBreakerRegistry) RecordSuccess(key string) {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a processor failure and returns the resulting state.
func (r *CircuitBreakerRegistry) RecordFailure(key string) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the current state for key.
func (r *CircuitBreakerRegistry) GetState(key string) CircuitState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// BreakerStats is a diagnostic snapshot of one breaker.
type BreakerStats struct {
	Processor           string `json:"processor"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	Cooldown            string `json:"cooldown"`
}

// Stats returns a snapshot of every breaker that has seen traffic, sorted by key.
func (r *CircuitBreakerRegistry) Stats() []BreakerStats {
	r.mu.Lock()
	keys := make([]string, 0, len(r.breakers))
	for k := range r.breakers {
		keys = append(keys, k)
	}
	r.mu.Unlock()
	sort.Strings(keys)

	out := make([]BreakerStats, 0, len(keys))
	for _, k := range keys {
		state := r.GetState(k)
		cb := r.getOrCreate(k)
		cb.mu.Lock()
		out = append(out, BreakerStats{
			Processor:           k,
			State:               state.String(),
			ConsecutiveFailures: cb.consecutiveFailures,
			FailureThreshold:    r.config.FailureThreshold,
			Cooldown:            r.config.Cooldown.String(),
		})
		cb.mu.Unlock()
	}
	return out
}

func (r *CircuitBreakerRegistry) getOrCreate(key string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[key] = cb
	}
	return cb
}
