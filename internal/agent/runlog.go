// internal/agent/runlog.go
package agent

import (
	"sync"

	"github.com/helmsman-ai/helmsman/api/schemas"
)

// RunLog is the append-only record of everything the engine attempted.
// Entries are never mutated or reordered after insertion; readers always see
// results in the order the attempts happened.
type RunLog struct {
	mu      sync.RWMutex
	entries []schemas.ExecutionResult
}

// NewRunLog creates an empty log.
func NewRunLog() *RunLog {
	return &RunLog{}
}

// Append records one attempt result.
func (r *RunLog) Append(result schemas.ExecutionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, result)
}

// Entries returns a copy of all recorded results in insertion order.
func (r *RunLog) Entries() []schemas.ExecutionResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]schemas.ExecutionResult, len(r.entries))
	copy(out, r.entries)
	return out
}

// Len returns the number of recorded results.
func (r *RunLog) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ForAction returns the recorded attempts for a single action, in order.
func (r *RunLog) ForAction(actionID string) []schemas.ExecutionResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []schemas.ExecutionResult
	for _, e := range r.entries {
		if e.ActionID == actionID {
			out = append(out, e)
		}
	}
	return out
}
