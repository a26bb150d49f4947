package scheduler

import (
	"sync"
	"time"

	"github.com/stagehand-run/stagehand/pkg/schema"
)

// CircuitState represents the state of the persistence circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // store failing, polling suspended
	CircuitHalfOpen                     // probing recovery
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

// BreakerConfig configures the persistence circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive store failures before
	// the circuit opens.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe.
	Cooldown time.Duration
}

// DefaultBreakerConfig returns the defaults used when config is zero.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// StoreBreaker guards the scheduler's store access. When the store fails
// repeatedly the breaker opens and the scheduler degrades: it keeps ticking
// but dispatches nothing until a probe succeeds. Executions never see a
// half-written record because nothing runs while the circuit is open.
type StoreBreaker struct {
	mu              sync.Mutex
	state           CircuitState
	failures        int
	lastFailureTime time.Time
	config          BreakerConfig
}

func NewStoreBreaker(config BreakerConfig) *StoreBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultBreakerConfig().Cooldown
	}
	return &StoreBreaker{config: config}
}

// Allow reports whether a store access may proceed. While open it returns a
// STORE_CIRCUIT_OPEN error until the cooldown elapses, then admits a single
// probe in half-open state.
func (b *StoreBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed, CircuitHalfOpen:
		return nil

	case CircuitOpen:
		if time.Since(b.lastFailureTime) >= b.config.Cooldown {
			b.state = CircuitHalfOpen
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeStoreOpen,
			"persistence circuit open: %d consecutive store failures", b.failures).
			WithDetails(map[string]any{
				"consecutive_failures": b.failures,
				"cooldown_remaining":   (b.config.Cooldown - time.Since(b.lastFailureTime)).String(),
			})
	}
	return nil
}

// RecordSuccess closes the circuit.
func (b *StoreBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = CircuitClosed
}

// RecordFailure counts a store failure and returns the new state. A failure
// during half-open reopens immediately.
func (b *StoreBreaker) RecordFailure() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureTime = time.Now()

	if b.state == CircuitHalfOpen || b.failures >= b.config.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

// State returns the current circuit state, applying the open-to-half-open
// cooldown transition.
func (b *StoreBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && time.Since(b.lastFailureTime) >= b.config.Cooldown {
		b.state = CircuitHalfOpen
	}
	return b.state
}
