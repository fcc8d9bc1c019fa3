package schemas

import (
	"fmt"
	"time"
)

// Plan is the planner's full answer to one user utterance: a conversational
// response plus an ordered list of validated actions. A plan is immutable
// once built; re-planning produces a new plan.
type Plan struct {
	ID       string   `json:"id"`
	Goal     string   `json:"goal"`
	Response string   `json:"response"`
	Actions  []Action `json:"actions"`

	// AwaitingInput marks a plan that exists only to ask the user for the
	// slots listed in MissingSlots. Such plans never carry actions.
	AwaitingInput bool     `json:"awaiting_input,omitempty"`
	MissingSlots  []string `json:"missing_slots,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate enforces the structural invariants of a plan: every action must be
// individually valid, and a plan that asks for information carries no actions.
func (p *Plan) Validate() error {
	if p.AwaitingInput {
		if len(p.Actions) > 0 {
			return fmt.Errorf("plan awaiting input must not contain actions")
		}
		if len(p.MissingSlots) == 0 {
			return fmt.Errorf("plan awaiting input must name at least one missing slot")
		}
		return nil
	}
	for i := range p.Actions {
		if err := p.Actions[i].Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}
