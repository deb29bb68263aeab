// Package circuitbreaker gates repeated retries of operations that are prone
// to correlated, bursty failure: a sort worker that just OOM-killed is likely
// to OOM-kill again immediately on retry, and a downloader collaborator that
// just refused a shard is likely to refuse the next one too. Both the
// orchestrator's sort-worker retry path and its downloader re-request path
// hold one of these per failure class.
package circuitbreaker

import (
	"sync"
	"time"
)

// timeNow allows mocking time.Now for testing purposes.
//
//nolint:gochecknoglobals
var timeNow = time.Now

// SetTimeNow sets the time function for the package and returns a function to
// restore it. Intended for testing only.
func SetTimeNow(f func() time.Time) func() {
	original := timeNow
	timeNow = f

	return func() { timeNow = original }
}

const (
	// DefaultThreshold is the default number of consecutive failures before
	// the circuit breaker opens.
	DefaultThreshold = 5

	// DefaultTimeout is the default duration the circuit breaker stays open
	// before attempting to close again.
	DefaultTimeout = 1 * time.Minute
)

// CircuitBreaker tracks consecutive failures for one retryable operation
// class and opens once a threshold is reached, so the orchestrator stops
// burning W_sort_effective capacity on a worker that is going to keep
// OOM-killing until memory pressure subsides.
type CircuitBreaker struct {
	mu sync.Mutex

	failureCount int
	threshold    int
	timeout      time.Duration
	openedAt     time.Time
}

// New creates a new circuit breaker.
func New(threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
	}
}

// RecordFailure increments the failure count.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++

	if cb.failureCount >= cb.threshold {
		cb.openedAt = timeNow()
	}
}

// RecordSuccess records a success, resetting the failure count and closing
// the circuit if it was open or half-open.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.openedAt = time.Time{}
}

// AllowRequest reports whether a retry should be attempted, handling the
// state transition from open to half-open.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.openedAt.IsZero() {
		return true
	}

	if timeNow().Sub(cb.openedAt) >= cb.timeout {
		// Half-open: allow exactly one request through by resetting openedAt,
		// so concurrent retries don't all pile through at once. The failure
		// count is preserved; a failing attempt re-opens the circuit
		// immediately via RecordFailure, a succeeding one closes it via
		// RecordSuccess.
		cb.openedAt = timeNow()

		return true
	}

	return false
}

// IsOpen returns true if the circuit breaker is currently blocking requests.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.openedAt.IsZero() {
		return false
	}

	return timeNow().Sub(cb.openedAt) < cb.timeout
}

// ForceOpen forces the circuit breaker into an open state, for degraded-mode
// initialization (e.g. starting ingest with MemAvailable already below the
// sort-worker floor).
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = cb.threshold
	cb.openedAt = timeNow()
}
