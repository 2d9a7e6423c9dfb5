package circuitbreaker

import (
	"sync"
	"time"

	"github.com/fluxfill-hq/fluxfiller/pkg/metrics"
)

// CircuitBreaker guards a settlement venue against repeated execution
// failures. After threshold failures inside the window the circuit
// trips and submissions are skipped until the reset timeout passes.
type CircuitBreaker struct {
	venue         string
	enabled       bool
	failureCount  int
	failureWindow time.Duration
	failThreshold int
	resetTimeout  time.Duration
	lastFailure   time.Time
	tripped       bool
	tripTime      time.Time
	mu            sync.Mutex
}

// NewCircuitBreaker creates a circuit breaker for the named venue.
func NewCircuitBreaker(venue string, enabled bool, threshold int, window, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		venue:         venue,
		enabled:       enabled,
		failThreshold: threshold,
		failureWindow: window,
		resetTimeout:  resetTimeout,
	}
}

// RecordFailure records a failure and trips the circuit if the
// threshold is exceeded. Returns true while the circuit is open.
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	// If the circuit is already tripped, check if it's time to try again
	if cb.tripped {
		if time.Since(cb.tripTime) > cb.resetTimeout {
			cb.tripped = false
			cb.failureCount = 0
			metrics.CircuitBreakerOpen.WithLabelValues(cb.venue).Set(0)
		} else {
			return true // Still tripped
		}
	}

	// Reset failure count if outside window
	if time.Since(cb.lastFailure) > cb.failureWindow {
		cb.failureCount = 0
	}

	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.failThreshold {
		cb.tripped = true
		cb.tripTime = now
		metrics.CircuitBreakerOpen.WithLabelValues(cb.venue).Set(1)
		return true
	}

	return false
}

// IsOpen returns true if the circuit is open (tripped).
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	// If tripped but reset timeout has passed, try again
	if cb.tripped && time.Since(cb.tripTime) > cb.resetTimeout {
		cb.tripped = false
		cb.failureCount = 0
		metrics.CircuitBreakerOpen.WithLabelValues(cb.venue).Set(0)
		return false
	}

	return cb.tripped
}

// Reset manually resets the circuit breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.tripped = false
	cb.failureCount = 0
	metrics.CircuitBreakerOpen.WithLabelValues(cb.venue).Set(0)
}

// Venue returns the venue this breaker protects.
func (cb *CircuitBreaker) Venue() string {
	return cb.venue
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() (failureCount int, lastFailure time.Time, failureWindow time.Duration, failThreshold int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount, cb.lastFailure, cb.failureWindow, cb.failThreshold
}

// IsEnabled returns true if the circuit breaker is enabled.
func (cb *CircuitBreaker) IsEnabled() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.enabled
}
