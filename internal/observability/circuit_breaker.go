package observability

import (
	"log/slog"
	"sync"
	"time"
)

// CircuitBreakerState is one of closed/open/half-open.
type CircuitBreakerState int

const (
	// StateClosed indicates the circuit is closed and operations are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen indicates the circuit is open and operations are blocked for a timeout period.
	StateOpen
	// StateHalfOpen indicates a trial state where limited operations are allowed to test recovery.
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
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

// CircuitBreaker guards a repeatedly-invoked collaborator (here, one
// evaluator inside an engine run) from being retried indefinitely once it
// starts failing.
type CircuitBreaker struct {
	mu sync.Mutex

	maxFailures      int
	timeout          time.Duration
	successThreshold float64

	state           CircuitBreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// NewCircuitBreaker constructs a closed CircuitBreaker.
func NewCircuitBreaker(maxFailures int, timeout time.Duration, successThreshold float64) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:      maxFailures,
		timeout:          timeout,
		successThreshold: successThreshold,
		state:            StateClosed,
	}
}

// CanExecute reports whether a new call should be attempted. An open
// breaker whose cooldown has elapsed moves to half-open and allows a trial
// call.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.timeout {
			cb.state = StateHalfOpen
			cb.failureCount = 0
			cb.successCount = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call. Enough half-open successes close
// the breaker again.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++

	if cb.state == StateHalfOpen {
		if cb.successCount >= int(float64(cb.successCount+cb.failureCount)*cb.successThreshold) {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	}
}

// RecordFailure records a failed call. maxFailures failures recorded while
// closed open the breaker (successes in between do not reset the count);
// any half-open failure reopens it immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.maxFailures {
			cb.state = StateOpen
			slog.Warn("circuit breaker opened", slog.Int("failure_count", cb.failureCount))
		}
	case StateHalfOpen:
		cb.state = StateOpen
		slog.Warn("circuit breaker reopened after half-open failure")
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset returns the breaker to the closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.lastFailureTime = time.Time{}
}
