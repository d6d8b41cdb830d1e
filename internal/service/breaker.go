package service

import (
	"time"

	"crypsync/internal/domain"
)

// CircuitBreaker stops upstream calls after consecutive failures.
// It is not safe for concurrent use; PriceService guards it with its mutex.
type CircuitBreaker struct {
	threshold   int
	resetWindow time.Duration

	failures int
	open     bool
	reopenAt time.Time
}

func NewCircuitBreaker(threshold int, resetWindow time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{threshold: threshold, resetWindow: resetWindow}
}

// Allow reports whether an upstream call may be made at now. An open circuit
// whose reset window has elapsed goes half-open: failures are cleared, the
// circuit closes and the call is allowed.
func (b *CircuitBreaker) Allow(now time.Time) (allowed, halfOpened bool) {
	if !b.open {
		return true, false
	}
	if now.Before(b.reopenAt) {
		return false, false
	}
	b.failures = 0
	b.open = false
	b.reopenAt = time.Time{}
	return true, true
}

// RecordSuccess clears the failure count.
func (b *CircuitBreaker) RecordSuccess() {
	b.failures = 0
}

// RecordFailure counts a failed call and opens the circuit at the threshold.
// Reports whether this failure opened it.
func (b *CircuitBreaker) RecordFailure(now time.Time) bool {
	b.failures++
	if b.open || b.failures < b.threshold {
		return false
	}
	b.open = true
	b.reopenAt = now.Add(b.resetWindow)
	return true
}

// State returns a copy of the breaker state.
func (b *CircuitBreaker) State() domain.CircuitState {
	st := domain.CircuitState{
		ConsecutiveFailures: b.failures,
		Open:                b.open,
	}
	if b.open {
		reopen := b.reopenAt
		st.ReopenAt = &reopen
	}
	return st
}
