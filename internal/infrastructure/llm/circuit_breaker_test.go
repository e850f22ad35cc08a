package llm

import (
	"testing"
	"time"
)

func TestCircuitBreaker_Transitions(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	if !cb.Allow() || cb.State() != CircuitClosed {
		t.Fatal("expected closed breaker to allow")
	}

	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Fatal("one failure must not trip")
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen || cb.Allow() {
		t.Fatal("expected open breaker to reject")
	}

	now = now.Add(time.Minute)
	if !cb.Allow() || cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open probe, got %s", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatal("failed probe must reopen")
	}

	now = now.Add(time.Minute)
	cb.Allow()
	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Fatalf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Second)
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Fatal("success should reset the failure count")
	}
}
