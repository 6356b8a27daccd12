package main

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the circuit state
func (cs CircuitState) String() string {
	switch cs {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards calls to one upstream service.
type CircuitBreaker struct {
	name             string
	maxFailures      int
	timeout          time.Duration
	halfOpenMaxCalls int
	now              func() time.Time

	mutex         sync.Mutex
	state         CircuitState
	failures      int
	lastFailure   time.Time
	successCount  int
	halfOpenCalls int
}

// NewCircuitBreaker creates a closed breaker that opens after maxFailures
// consecutive failures and probes again once timeout has elapsed.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	halfOpen := cfg.HalfOpenMaxCalls
	if halfOpen <= 0 {
		halfOpen = 1
	}
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		name:             name,
		maxFailures:      maxFailures,
		timeout:          cfg.Timeout,
		halfOpenMaxCalls: halfOpen,
		now:              time.Now,
		state:            StateClosed,
	}
}

// Call executes fn with circuit breaker protection. fn runs without the lock held,
// so a slow upstream never blocks GetStats.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn()
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.lastFailure) <= cb.timeout {
			return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
		}
		cb.setState(StateHalfOpen)
	}

	if cb.state == StateHalfOpen {
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
		}
		cb.halfOpenCalls++
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailure = cb.now()

		if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
			cb.setState(StateOpen)
		}
		return
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.halfOpenMaxCalls {
			cb.setState(StateClosed)
		}
	}
}

// setState must be called with the mutex held.
func (cb *CircuitBreaker) setState(state CircuitState) {
	if cb.state == state {
		return
	}
	from := cb.state
	cb.state = state
	cb.successCount = 0
	cb.halfOpenCalls = 0

	GetLogger().LogCircuitBreaker(cb.name, from.String(), state.String(), cb.failures)
	GetMetricsCollector().RecordCircuitBreakerStateChange(cb.name, state.String())
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return map[string]interface{}{
		"name":            cb.name,
		"state":           cb.state.String(),
		"failures":        cb.failures,
		"max_failures":    cb.maxFailures,
		"timeout_seconds": cb.timeout.Seconds(),
		"last_failure":    cb.lastFailure,
		"success_count":   cb.successCount,
	}
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.setState(StateClosed)
	cb.failures = 0
	cb.lastFailure = time.Time{}
}
