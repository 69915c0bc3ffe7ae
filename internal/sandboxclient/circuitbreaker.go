package sandboxclient

import (
	"sync"
	"time"

	"github.com/mcpbox/mcpbox/internal/domainerr"
)

// breakerState is the circuit breaker's three-state lattice.
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// circuitBreaker guards calls to the sandbox service. All state transitions
// happen under mu; reset() acquires the same mutex, matching the
// single-owner invariant "Circuit breaker state".
type circuitBreaker struct {
	mu                  sync.Mutex
	state               breakerState
	consecutiveFailures int
	openedAt            time.Time

	failureThreshold int
	openDuration     time.Duration
}

func newCircuitBreaker() *circuitBreaker {
	return &circuitBreaker{
		failureThreshold: 5,
		openDuration:     60 * time.Second,
	}
}

// Allow reports whether a call may proceed, transitioning open→half-open
// once openDuration has elapsed. The caller that flips the state gets the
// single half-open probe; everyone else is refused until it resolves.
func (b *circuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		if time.Since(b.openedAt) >= b.openDuration {
			b.state = stateHalfOpen
			return nil
		}
		return domainerr.New(domainerr.KindUpstreamUnavailable, "sandbox circuit breaker is open")
	case stateHalfOpen:
		return domainerr.New(domainerr.KindUpstreamUnavailable, "sandbox circuit breaker is probing")
	default:
		return nil
	}
}

// RecordSuccess closes the breaker from any state.
func (b *circuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.consecutiveFailures = 0
}

// RecordFailure increments the failure count and opens the breaker once
// the threshold is reached, or immediately re-opens from half-open.
func (b *circuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.state = stateOpen
		b.openedAt = time.Now()
		return
	}

	b.consecutiveFailures++
	if b.consecutiveFailures >= b.failureThreshold {
		b.state = stateOpen
		b.openedAt = time.Now()
	}
}

// Reset forces the breaker back to closed, the only way to short-circuit
// back from outside.
func (b *circuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.consecutiveFailures = 0
}
