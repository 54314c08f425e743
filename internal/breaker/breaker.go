// Copyright 2025 James Ross

// Package breaker implements a sliding-window circuit breaker: once the
// failure rate over the trailing window crosses a threshold, callers are
// told to back off until a cooldown elapses, then exactly one probe call
// decides whether to resume or stay tripped.
package breaker

import (
	"sync"
	"time"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

// outcome is one recorded Record call, timestamped so it can age out of
// the sliding window.
type outcome struct {
	at      time.Time
	success bool
}

// CircuitBreaker tracks a rolling window of outcomes and gates callers
// via Allow/Record, the same pattern a backend-facing loop uses to stop
// hammering a dependency that has started failing.
type CircuitBreaker struct {
	mu sync.Mutex

	window           time.Duration
	cooldownPeriod   time.Duration
	failureThreshold float64
	minSamples       int

	state         State
	since         time.Time
	history       []outcome
	probeInFlight bool
}

// New builds a breaker closed from the start. window bounds how far back
// Record's failure-rate calculation looks; cooldownPeriod is how long an
// Open breaker waits before allowing a single HalfOpen probe;
// failureThreshold is the fraction of failures (0..1) that trips it;
// minSamples is the smallest window population the rate calculation
// trusts — below it, a breaker in Closed stays Closed regardless of rate.
func New(window, cooldownPeriod time.Duration, failureThreshold float64, minSamples int) *CircuitBreaker {
	return &CircuitBreaker{
		window:           window,
		cooldownPeriod:   cooldownPeriod,
		failureThreshold: failureThreshold,
		minSamples:       minSamples,
		state:            Closed,
		since:            time.Now(),
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether the caller should proceed with its next unit of
// work. Closed always allows; Open allows nothing until cooldownPeriod
// has elapsed, at which point it flips to HalfOpen and grants exactly
// one probe; a HalfOpen breaker with a probe already outstanding denies
// every other caller until that probe's Record call resolves it.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Open:
		if time.Since(cb.since) < cb.cooldownPeriod {
			return false
		}
		cb.transitionTo(HalfOpen)
		cb.probeInFlight = true
		return true
	case HalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return true
	}
}

// Record reports the outcome of one unit of work the caller was allowed
// to attempt. A HalfOpen probe resolves immediately on its own result;
// a Closed breaker trips only once minSamples have accumulated and the
// windowed failure rate reaches failureThreshold.
func (cb *CircuitBreaker) Record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.recordOutcome(now, success)

	if cb.state == HalfOpen {
		cb.probeInFlight = false
		if success {
			cb.transitionTo(Closed)
		} else {
			cb.transitionTo(Open)
		}
		return
	}

	if cb.state != Closed {
		return
	}
	if total := len(cb.history); total >= cb.minSamples && cb.failureRate() >= cb.failureThreshold {
		cb.transitionTo(Open)
	}
}

// recordOutcome appends the latest result and drops anything that has
// aged out of window.
func (cb *CircuitBreaker) recordOutcome(now time.Time, success bool) {
	cutoff := now.Add(-cb.window)
	kept := cb.history[:0]
	for _, o := range cb.history {
		if o.at.After(cutoff) {
			kept = append(kept, o)
		}
	}
	cb.history = append(kept, outcome{at: now, success: success})
}

// failureRate is the fraction of cb.history that recorded a failure.
func (cb *CircuitBreaker) failureRate() float64 {
	if len(cb.history) == 0 {
		return 0
	}
	failures := 0
	for _, o := range cb.history {
		if !o.success {
			failures++
		}
	}
	return float64(failures) / float64(len(cb.history))
}

func (cb *CircuitBreaker) transitionTo(s State) {
	cb.state = s
	cb.since = time.Now()
}
