package observability

import (
	"testing"
	"time"
)

func TestCircuitBreakerState_String(t *testing.T) {
	cases := []struct {
		state    CircuitBreakerState
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{CircuitBreakerState(99), "unknown"},
	}

	for _, tt := range cases {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("String() = %q, want %q", got, tt.expected)
		}
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Minute, 0.5)

	if !cb.CanExecute() {
		t.Fatal("expected closed breaker to allow execution")
	}

	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Fatal("one failure should not open the breaker")
	}

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatal("expected breaker to open after maxFailures")
	}
	if cb.CanExecute() {
		t.Fatal("open breaker must block execution before timeout")
	}
}

func TestCircuitBreaker_HalfOpenAfterTimeoutThenRecloses(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, 0.5)
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatal("expected open after single failure with maxFailures=1")
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.CanExecute() {
		t.Fatal("expected half-open breaker to allow a trial call")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.GetState())
	}

	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %v, want closed after half-open success", cb.GetState())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond, 0.5)
	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)
	if !cb.CanExecute() {
		t.Fatal("expected trial call after timeout")
	}

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatal("expected breaker to reopen after half-open failure")
	}
}

func TestCircuitBreaker_ResetReturnsToClosed(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute, 0.5)
	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.GetState() != StateClosed {
		t.Fatal("expected closed after Reset")
	}
	if !cb.CanExecute() {
		t.Fatal("expected reset breaker to allow execution")
	}
}
