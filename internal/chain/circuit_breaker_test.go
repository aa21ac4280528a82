package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 60*time.Second)

	for i := 0; i < 3; i++ {
		cb.RecordFailure("web_access.get_content")
	}

	err := cb.Check("web_access.get_content")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "circuit-open")
	assert.Equal(t, CircuitOpen, cb.State("web_access.get_content"))
}

func TestCircuitBreaker_ClosedBeforeThreshold(t *testing.T) {
	cb := NewCircuitBreaker(3, 60*time.Second)

	cb.RecordFailure("image.analyze")
	cb.RecordFailure("image.analyze")

	assert.NoError(t, cb.Check("image.analyze"))
	assert.Equal(t, CircuitClosed, cb.State("image.analyze"))
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	cb.RecordFailure("tool")
	cb.RecordFailure("tool")
	assert.Error(t, cb.Check("tool"))

	time.Sleep(60 * time.Millisecond)

	assert.NoError(t, cb.Check("tool"), "first check after window admits a probe")
	assert.Equal(t, CircuitHalfOpen, cb.State("tool"))
	assert.Error(t, cb.Check("tool"), "second probe is refused while the first is in flight")

	cb.RecordSuccess("tool")
	assert.Equal(t, CircuitClosed, cb.State("tool"))
	assert.NoError(t, cb.Check("tool"))
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(2, 50*time.Millisecond)
	cb.RecordFailure("tool")
	cb.RecordFailure("tool")

	time.Sleep(60 * time.Millisecond)
	_ = cb.Check("tool")

	cb.RecordFailure("tool")
	assert.Equal(t, CircuitOpen, cb.State("tool"))
	assert.Error(t, cb.Check("tool"))
}

func TestCircuitBreaker_ResetAndIsolation(t *testing.T) {
	cb := NewCircuitBreaker(2, 60*time.Second)
	cb.RecordFailure("bad")
	cb.RecordFailure("bad")

	assert.Error(t, cb.Check("bad"))
	assert.NoError(t, cb.Check("good"))

	cb.Reset("bad")
	assert.NoError(t, cb.Check("bad"))
	assert.Equal(t, CircuitClosed, cb.State("bad"))
}
