package recovery

import (
	"sync"
	"time"
)

// CircuitBreaker suppresses retries after runaway consecutive failures.
// Closed -> open at threshold; after resetTime one half-open probe is
// allowed; a success while half-open (or enough successes while closed)
// fully resets it.
type CircuitBreaker struct {
	mu        sync.Mutex
	threshold int
	resetTime time.Duration

	failures    int
	lastFailure time.Time
	isOpen      bool
	openedAt    time.Time
	probing     bool

	now func() time.Time
}

func NewCircuitBreaker(threshold int, resetTime time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		resetTime: resetTime,
		now:       time.Now,
	}
}

// Allow reports whether an attempt may proceed. While open it permits a
// single half-open probe once resetTime has elapsed.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.isOpen {
		return true
	}
	if b.now().Sub(b.openedAt) >= b.resetTime && !b.probing {
		b.probing = true
		return true
	}
	return false
}

// RecordFailure counts a failure and opens the breaker at the threshold.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	if b.probing {
		// Half-open probe failed: stay open and restart the reset clock.
		b.probing = false
		b.openedAt = b.now()
		return
	}
	if b.failures >= b.threshold {
		b.isOpen = true
		b.openedAt = b.now()
	}
}

// RecordSuccess decrements the failure count. A success while half-open,
// or the count reaching zero, closes the breaker fully.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.probing {
		b.probing = false
		b.isOpen = false
		b.failures = 0
		return
	}
	if b.failures > 0 {
		b.failures--
	}
	if b.failures == 0 {
		b.isOpen = false
	}
}

// IsOpen reports whether the breaker is currently open.
func (b *CircuitBreaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isOpen
}

// Failures returns the current consecutive-failure count.
func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
