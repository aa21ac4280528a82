package chain

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ToolFailureTracker counts dispatch failures per downstream tool. Crossing
// the threshold inside the window logs one operator warning; it never changes
// what gets dispatched.
type ToolFailureTracker struct {
	mu        sync.Mutex
	tools     map[string]*toolFailureRecord
	threshold int
	window    time.Duration
}

type toolFailureRecord struct {
	failures []time.Time
	alerted  bool
}

// NewToolFailureTracker creates a tracker.
// threshold <= 0 defaults to 10; window <= 0 defaults to 5 minutes.
func NewToolFailureTracker(threshold int, window time.Duration) *ToolFailureTracker {
	if threshold <= 0 {
		threshold = 10
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &ToolFailureTracker{
		tools:     make(map[string]*toolFailureRecord),
		threshold: threshold,
		window:    window,
	}
}

// RecordToolFailure records a failed dispatch to toolName.
// Returns true if the alert threshold was just crossed.
func (t *ToolFailureTracker) RecordToolFailure(toolName, errMsg string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.tools[toolName]
	if !ok {
		rec = &toolFailureRecord{}
		t.tools[toolName] = rec
	}

	now := time.Now()
	rec.failures = append(filterAfter(rec.failures, now.Add(-t.window)), now)

	if len(rec.failures) >= t.threshold && !rec.alerted {
		rec.alerted = true
		log.Warn().
			Str("tool", toolName).
			Str("last_error", errMsg).
			Int("failure_count", len(rec.failures)).
			Dur("window", t.window).
			Msg("tool_failure_threshold_exceeded")
		return true
	}

	// Window slid below the threshold; allow a fresh alert.
	if len(rec.failures) < t.threshold {
		rec.alerted = false
	}
	return false
}

// FailureCount returns the failures recorded for toolName within the window.
func (t *ToolFailureTracker) FailureCount(toolName string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.tools[toolName]
	if !ok {
		return 0
	}
	return len(filterAfter(rec.failures, time.Now().Add(-t.window)))
}

func filterAfter(times []time.Time, cutoff time.Time) []time.Time {
	var result []time.Time
	for _, t := range times {
		if t.After(cutoff) {
			result = append(result, t)
		}
	}
	return result
}
