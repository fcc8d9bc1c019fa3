package schemas

import "time"

// FeedbackKind distinguishes the three shapes of transcript entry the agent
// emits while working a turn.
type FeedbackKind string

const (
	// FeedbackMessage is conversational text addressed to the user.
	FeedbackMessage FeedbackKind = "message"
	// FeedbackStatus announces an agent state transition.
	FeedbackStatus FeedbackKind = "status"
	// FeedbackScreenshot carries a base64 PNG of the viewport.
	FeedbackScreenshot FeedbackKind = "screenshot"
)

// AgentState is the engine's lifecycle phase, reported via status events so
// front ends can render progress without polling.
type AgentState string

const (
	StateIdle          AgentState = "idle"
	StatePlanning      AgentState = "planning"
	StateExecuting     AgentState = "executing"
	StateVerifying     AgentState = "verifying"
	StateRetrying      AgentState = "retrying"
	StateAwaitingInput AgentState = "awaiting_input"
	StateCompleted     AgentState = "completed"
	StateFailed        AgentState = "failed"
)

// FeedbackEvent is one append-only entry in the run transcript. Events for a
// single turn are delivered in the order they were produced.
type FeedbackEvent struct {
	ID        string       `json:"id"`
	TurnID    string       `json:"turn_id,omitempty"`
	Kind      FeedbackKind `json:"kind"`
	State     AgentState   `json:"state,omitempty"`
	Text      string       `json:"text,omitempty"`
	ImageB64  string       `json:"image_b64,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}
