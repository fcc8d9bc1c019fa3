package schemas

import "time"

// ResultStatus classifies the outcome of a single action attempt.
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailed  ResultStatus = "failed"
	// ResultSkipped marks actions the engine never attempted because an
	// earlier action in the same plan exhausted its retry budget.
	ResultSkipped ResultStatus = "skipped"
)

// PageObservation is a structural snapshot of the live page, taken before and
// after each action so effect predicates have something concrete to compare.
type PageObservation struct {
	URL        string    `json:"url"`
	Title      string    `json:"title"`
	DOMSummary string    `json:"dom_summary"`
	ObservedAt time.Time `json:"observed_at"`
}

// ExecutionResult records one attempt of one action. Attempt is 1-based; the
// engine appends one result per attempt, so a persistently failing action with
// a retry budget of two produces exactly three results.
type ExecutionResult struct {
	ActionID  string           `json:"action_id"`
	Kind      ActionKind       `json:"kind"`
	Attempt   int              `json:"attempt"`
	Status    ResultStatus     `json:"status"`
	ErrorCode ErrorCode        `json:"error_code,omitempty"`
	Error     string           `json:"error,omitempty"`
	Before    *PageObservation `json:"before,omitempty"`
	After     *PageObservation `json:"after,omitempty"`
	// Extracted carries the element text captured when a text_contains
	// verification succeeds, so the user sees what was actually read.
	Extracted string        `json:"extracted,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Timestamp time.Time     `json:"timestamp"`
}
