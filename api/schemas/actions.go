package schemas

import (
	"fmt"
	"time"
)

// ActionKind is an enumeration of all browser operations the agent can plan.
// The set is closed: the planner rejects anything outside this vocabulary
// before it can reach the execution engine.
type ActionKind string

const (
	ActionNavigate   ActionKind = "navigate"   // Loads a URL.
	ActionClick      ActionKind = "click"      // Clicks an element.
	ActionType       ActionKind = "type"       // Types text into an input.
	ActionSelect     ActionKind = "select"     // Picks an option in a dropdown.
	ActionScroll     ActionKind = "scroll"     // Scrolls the page.
	ActionWaitFor    ActionKind = "wait_for"   // Waits until a condition holds.
	ActionScreenshot ActionKind = "screenshot" // Captures the current viewport.
)

// PredicateKind names the structured checks the engine can run against
// post-action page state. Verification is always DOM/URL based, never a pixel
// comparison; screenshots are for the user, predicates are for the machine.
type PredicateKind string

const (
	PredicateAlways             PredicateKind = "always"
	PredicateURLChanged         PredicateKind = "url_changed"
	PredicateDOMChanged         PredicateKind = "dom_changed"
	PredicateElementAppeared    PredicateKind = "element_appeared"
	PredicateElementDisappeared PredicateKind = "element_disappeared"
	PredicateTextContains       PredicateKind = "text_contains"
)

// EffectPredicate is the declared observable effect of an action. The engine
// polls it after execution to decide success or failure.
type EffectPredicate struct {
	Kind      PredicateKind `json:"kind"`
	Selector  string        `json:"selector,omitempty"`
	Substring string        `json:"substring,omitempty"`
}

// Validate checks that the predicate carries the parameters its kind requires.
func (p EffectPredicate) Validate() error {
	switch p.Kind {
	case PredicateAlways, PredicateURLChanged, PredicateDOMChanged:
		return nil
	case PredicateElementAppeared, PredicateElementDisappeared:
		if p.Selector == "" {
			return fmt.Errorf("predicate %s requires a selector", p.Kind)
		}
		return nil
	case PredicateTextContains:
		if p.Selector == "" {
			return fmt.Errorf("predicate %s requires a selector", p.Kind)
		}
		if p.Substring == "" {
			return fmt.Errorf("predicate %s requires a substring", p.Kind)
		}
		return nil
	case "":
		return fmt.Errorf("predicate kind is empty")
	default:
		return fmt.Errorf("unknown predicate kind: %s", p.Kind)
	}
}

// Action is a single, immutable browser operation decided by the planner. The
// Description is purely for transcript display; Target carries the URL for
// navigation and the CSS selector for element interactions.
type Action struct {
	ID          string          `json:"id,omitempty"`
	Kind        ActionKind      `json:"kind"`
	Target      string          `json:"target,omitempty"`
	Text        string          `json:"text,omitempty"`
	Direction   string          `json:"direction,omitempty"`
	Amount      int             `json:"amount,omitempty"`
	Description string          `json:"description,omitempty"`
	Expect      EffectPredicate `json:"expect,omitempty"`
	Timestamp   time.Time       `json:"timestamp,omitempty"`
}

// DefaultEffect returns the expected-effect predicate an action kind declares
// when the planner does not specify one explicitly.
func DefaultEffect(kind ActionKind, target string) EffectPredicate {
	switch kind {
	case ActionNavigate:
		return EffectPredicate{Kind: PredicateURLChanged}
	case ActionClick, ActionType, ActionSelect:
		// Clicks may navigate or mutate the DOM; both register as a DOM change
		// because the summary is rebuilt from the live page.
		return EffectPredicate{Kind: PredicateDOMChanged}
	default:
		return EffectPredicate{Kind: PredicateAlways}
	}
}

// Validate rejects actions with missing required parameters at construction
// time so they can never reach the execution engine. It also fills in the
// default expected effect when the planner omitted one.
func (a *Action) Validate() error {
	switch a.Kind {
	case ActionNavigate:
		if a.Target == "" {
			return fmt.Errorf("navigate requires a target URL")
		}
	case ActionClick:
		if a.Target == "" {
			return fmt.Errorf("click requires a target selector")
		}
	case ActionType:
		if a.Target == "" {
			return fmt.Errorf("type requires a target selector")
		}
		if a.Text == "" {
			return fmt.Errorf("type requires text")
		}
	case ActionSelect:
		if a.Target == "" {
			return fmt.Errorf("select requires a target selector")
		}
		if a.Text == "" {
			return fmt.Errorf("select requires an option value")
		}
	case ActionScroll:
		switch a.Direction {
		case "up", "down":
		case "":
			a.Direction = "down"
		default:
			return fmt.Errorf("scroll direction must be 'up' or 'down', got %q", a.Direction)
		}
		if a.Amount <= 0 {
			a.Amount = 600
		}
	case ActionWaitFor:
		if a.Expect.Kind == "" || a.Expect.Kind == PredicateAlways {
			return fmt.Errorf("wait_for requires an explicit condition")
		}
	case ActionScreenshot:
		// No parameters.
	case "":
		return fmt.Errorf("action kind is empty")
	default:
		return fmt.Errorf("unknown action kind: %s", a.Kind)
	}

	if a.Expect.Kind == "" {
		a.Expect = DefaultEffect(a.Kind, a.Target)
	}
	return a.Expect.Validate()
}

// Significant reports whether the engine should attach a fresh screenshot to
// the transcript after this action succeeds.
func (a Action) Significant() bool {
	switch a.Kind {
	case ActionNavigate, ActionClick, ActionType, ActionSelect:
		return true
	}
	return false
}
