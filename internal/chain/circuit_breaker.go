package chain

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the circuit breaker state.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal: dispatches flow through
	CircuitOpen                         // Tripped: dispatches fail immediately
	CircuitHalfOpen                     // Probe: one dispatch allowed to test recovery
)

// CircuitBreaker stops dispatching to a downstream tool after repeated
// failures. An open circuit still yields a failed ToolResult for each
// reference routed to that tool.
type CircuitBreaker struct {
	mu        sync.Mutex
	tools     map[string]*toolCircuit
	threshold int
	window    time.Duration
}

type toolCircuit struct {
	failures      []time.Time
	state         CircuitState
	openedAt      time.Time
	probeInFlight bool
}

// NewCircuitBreaker creates a circuit breaker.
// threshold: failures in window that trip the circuit (default 5).
// window: sliding window, also the open duration (default 60s).
func NewCircuitBreaker(threshold int, window time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 60 * time.Second
	}
	return &CircuitBreaker{
		tools:     make(map[string]*toolCircuit),
		threshold: threshold,
		window:    window,
	}
}

// Check returns nil if a dispatch to tool may proceed. In half-open state it
// admits a single probe.
func (cb *CircuitBreaker) Check(tool string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	tc, ok := cb.tools[tool]
	if !ok {
		return nil
	}

	switch tc.state {
	case CircuitOpen:
		if time.Since(tc.openedAt) > cb.window {
			tc.state = CircuitHalfOpen
			tc.probeInFlight = true
			return nil
		}
		return fmt.Errorf("circuit-open: %s suspended after repeated failures", tool)
	case CircuitHalfOpen:
		if tc.probeInFlight {
			return fmt.Errorf("circuit-open: probe already in progress for %s", tool)
		}
		tc.probeInFlight = true
	}
	return nil
}

// RecordFailure records a failed dispatch. A failed half-open probe reopens
// the circuit immediately.
func (cb *CircuitBreaker) RecordFailure(tool string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	tc, ok := cb.tools[tool]
	if !ok {
		tc = &toolCircuit{}
		cb.tools[tool] = tc
	}

	now := time.Now()
	if tc.state == CircuitHalfOpen {
		tc.state = CircuitOpen
		tc.openedAt = now
		tc.probeInFlight = false
		return
	}

	tc.failures = append(filterAfter(tc.failures, now.Add(-cb.window)), now)
	if len(tc.failures) >= cb.threshold {
		tc.state = CircuitOpen
		tc.openedAt = now
	}
}

// RecordSuccess closes a half-open circuit.
func (cb *CircuitBreaker) RecordSuccess(tool string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	tc, ok := cb.tools[tool]
	if !ok {
		return
	}
	if tc.state == CircuitHalfOpen {
		tc.state = CircuitClosed
		tc.failures = nil
		tc.probeInFlight = false
	}
}

// Reset closes the circuit for tool (operator override).
func (cb *CircuitBreaker) Reset(tool string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	delete(cb.tools, tool)
}

// State returns the current circuit state for tool.
func (cb *CircuitBreaker) State(tool string) CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	tc, ok := cb.tools[tool]
	if !ok {
		return CircuitClosed
	}
	return tc.state
}
