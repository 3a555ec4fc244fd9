package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit
	FailureThreshold int
	// SuccessThreshold is the number of successes needed to close the circuit from half-open
	SuccessThreshold int
	// Timeout is the duration the circuit stays open before transitioning to half-open
	Timeout time.Duration
	// MaxRequests is the max number of requests allowed through in half-open state
	MaxRequests int
	// IsFailure decides which errors count against the circuit. Nil counts every error.
	IsFailure func(error) bool
	// OnStateChange is called with the lock released after every transition.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxRequests:      3,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mu               sync.Mutex
	state            CircuitState
	failures         int
	successes        int
	halfOpenRequests int
	lastFailure      time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given name and config
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  CircuitClosed,
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState reports an open circuit whose timeout elapsed as half-open (must hold lock)
func (cb *CircuitBreaker) currentState() CircuitState {
	if cb.state == CircuitOpen && time.Since(cb.lastFailure) >= cb.config.Timeout {
		return CircuitHalfOpen
	}
	return cb.state
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeRequest(); err != nil {
		return err
	}
	err := fn()
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	from := cb.state
	var err error
	switch cb.currentState() {
	case CircuitOpen:
		err = ErrCircuitOpen
	case CircuitHalfOpen:
		if cb.state == CircuitOpen {
			cb.state = CircuitHalfOpen
			cb.halfOpenRequests = 0
			cb.successes = 0
		}
		if cb.halfOpenRequests >= cb.config.MaxRequests {
			err = ErrCircuitOpen
		} else {
			cb.halfOpenRequests++
		}
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return err
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	from := cb.state
	if err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err)) {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.successes = 0
	cb.lastFailure = time.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = CircuitOpen
		}
	case CircuitHalfOpen:
		// Any failure in half-open reopens the circuit
		cb.state = CircuitOpen
		cb.halfOpenRequests = 0
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.state = CircuitClosed
			cb.failures = 0
			cb.successes = 0
			cb.halfOpenRequests = 0
		}
	}
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if from != to && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
}

// Reset resets the circuit breaker to its initial state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenRequests = 0
	cb.mu.Unlock()
	cb.notify(from, CircuitClosed)
}

// Snapshot is a point-in-time view of the breaker for status endpoints.
type Snapshot struct {
	Name        string    `json:"name"`
	State       string    `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitempty"`
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:        cb.name,
		State:       cb.currentState().String(),
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
	}
}
