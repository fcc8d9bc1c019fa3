package schemas

import "errors"

// ErrorCode is a stable, machine-readable classification of execution
// failures. Codes feed retry decisions and user-facing explanations.
type ErrorCode string

const (
	CodeElementNotFound ErrorCode = "ELEMENT_NOT_FOUND"
	CodeTimeout         ErrorCode = "TIMEOUT_ERROR"
	CodeNavigation      ErrorCode = "NAVIGATION_ERROR"
	CodeEffectNotMet    ErrorCode = "EFFECT_NOT_MET"
	CodeCancelled       ErrorCode = "CANCELLED"
	CodeUnknown         ErrorCode = "UNKNOWN_ERROR"
)

// Sentinel errors shared across the planner and the LLM transport. They live
// here so the agent package can classify transport failures without importing
// the client implementation.
var (
	// ErrRateLimited signals the language model rejected the request for
	// quota reasons after retries were exhausted.
	ErrRateLimited = errors.New("language model rate limited")
	// ErrServiceUnavailable signals the language model could not be reached
	// at all. Conversation state must be left untouched when it surfaces.
	ErrServiceUnavailable = errors.New("language model unavailable")
	// ErrPlanUnparseable signals the model's output could not be coerced
	// into a valid plan even after repair and a single re-prompt.
	ErrPlanUnparseable = errors.New("model output is not a valid plan")
)
