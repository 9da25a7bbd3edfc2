package recovery

import (
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.IsOpen() {
			t.Fatalf("breaker open after %d failures, threshold is 3", i+1)
		}
	}
	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("breaker should open at threshold")
	}
	if b.Allow() {
		t.Fatal("open breaker should deny attempts before reset time")
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	b := NewCircuitBreaker(2, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure()
	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("breaker should be open")
	}

	// Before reset time: denied.
	if b.Allow() {
		t.Fatal("should deny before reset time")
	}

	// After reset time: exactly one probe allowed.
	now = now.Add(61 * time.Second)
	if !b.Allow() {
		t.Fatal("half-open probe should be allowed after reset time")
	}
	if b.Allow() {
		t.Fatal("only one half-open probe is permitted")
	}

	// Probe success resets fully.
	b.RecordSuccess()
	if b.IsOpen() {
		t.Fatal("successful probe should close the breaker")
	}
	if b.Failures() != 0 {
		t.Fatalf("failures = %d, want 0 after probe success", b.Failures())
	}
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	b := NewCircuitBreaker(2, time.Minute)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure()
	b.RecordFailure()
	now = now.Add(61 * time.Second)
	if !b.Allow() {
		t.Fatal("probe should be allowed")
	}
	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("failed probe should keep the breaker open")
	}
	if b.Allow() {
		t.Fatal("reset clock should restart after failed probe")
	}
}

func TestCircuitBreaker_SuccessDecrements(t *testing.T) {
	b := NewCircuitBreaker(5, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	if got := b.Failures(); got != 1 {
		t.Fatalf("failures = %d, want 1", got)
	}
	b.RecordSuccess()
	if b.IsOpen() {
		t.Fatal("breaker should be closed at zero failures")
	}
}
