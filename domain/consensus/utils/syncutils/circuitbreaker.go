package syncutils

import (
	"sync"
	"time"
)

// CircuitBreaker guards an operation (e.g. "network", "consensus",
// "health" per spec section 4.10) that should fail fast after
// repeated failures rather than keep retrying into a cascading
// failure. Its state is a small mutex-guarded struct, not a decorator,
// per Design Note §9.
type CircuitBreaker struct {
	mu           sync.Mutex
	failures     int
	lastFailure  time.Time
	threshold    int
	resetTimeout time.Duration
}

// NewCircuitBreaker constructs a CircuitBreaker that opens after
// threshold consecutive failures and half-opens resetTimeout after the
// last failure.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, resetTimeout: resetTimeout}
}

// Allow reports whether an operation may proceed: true if the breaker
// is closed, or half-open (resetTimeout has elapsed since the last
// failure, so one trial attempt is allowed through).
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures < c.threshold {
		return true
	}
	return time.Since(c.lastFailure) >= c.resetTimeout
}

// RecordSuccess resets the failure count, closing the breaker.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
}

// RecordFailure increments the failure count and stamps the time of
// failure used to compute the half-open window.
func (c *CircuitBreaker) RecordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	c.lastFailure = time.Now()
}

// IsOpen reports whether the breaker is currently tripped (failures at
// or above threshold and the reset window has not yet elapsed).
func (c *CircuitBreaker) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures >= c.threshold && time.Since(c.lastFailure) < c.resetTimeout
}
