// internal/agent/dialogue.go
package agent

import (
	"strings"
	"sync"
	"time"
)

// Turn is one utterance/response pair kept for prompt context.
type Turn struct {
	User      string
	Agent     string
	Timestamp time.Time
}

// Task is one unit of user intent on the task stack. A task pushed while
// another is in progress suspends the outer one; completing or abandoning the
// inner task resumes it.
type Task struct {
	ID        string
	Name      string
	Utterance string
	// PendingSlots lists required information, in asking order, that the
	// conversation has not yet supplied.
	PendingSlots []string
	StartedAt    time.Time
}

// DialogueState is the conversation's accumulated memory: filled slots, the
// task stack and a bounded history window. All methods are safe for
// concurrent use, though the engine serializes writes.
type DialogueState struct {
	mu sync.RWMutex

	slots   map[string]string
	stack   []*Task
	history []Turn

	historyWindow int
}

// NewDialogueState creates an empty conversation state. historyWindow bounds
// how many recent turns prompts may reference.
func NewDialogueState(historyWindow int) *DialogueState {
	if historyWindow <= 0 {
		historyWindow = 5
	}
	return &DialogueState{
		slots:         make(map[string]string),
		historyWindow: historyWindow,
	}
}

// MergeAnswer records a user-provided value for a slot. Merging the same
// answer twice leaves the state unchanged, so a retried merge is harmless.
func (d *DialogueState) MergeAnswer(slot, value string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.slots[slot] = value

	// The slot is no longer pending on any stacked task.
	for _, task := range d.stack {
		for i, pending := range task.PendingSlots {
			if pending == slot {
				task.PendingSlots = append(task.PendingSlots[:i], task.PendingSlots[i+1:]...)
				break
			}
		}
	}
}

// Slot returns a filled slot value.
func (d *DialogueState) Slot(name string) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.slots[name]
	return v, ok
}

// Slots returns a copy of all filled slots.
func (d *DialogueState) Slots() map[string]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]string, len(d.slots))
	for k, v := range d.slots {
		out[k] = v
	}
	return out
}

// PushTask suspends the current task (if any) and makes task the active one.
func (d *DialogueState) PushTask(task *Task) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stack = append(d.stack, task)
}

// PopTask removes and returns the active task. Returns nil when the stack is
// empty.
func (d *DialogueState) PopTask() *Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.stack) == 0 {
		return nil
	}
	task := d.stack[len(d.stack)-1]
	d.stack = d.stack[:len(d.stack)-1]
	return task
}

// CurrentTask returns the active task without removing it.
func (d *DialogueState) CurrentTask() *Task {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if len(d.stack) == 0 {
		return nil
	}
	return d.stack[len(d.stack)-1]
}

// StackDepth returns the number of tasks on the stack.
func (d *DialogueState) StackDepth() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.stack)
}

// RecordTurn appends an utterance/response pair to the history, discarding
// turns that fall outside the window.
func (d *DialogueState) RecordTurn(user, agent string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = append(d.history, Turn{User: user, Agent: agent, Timestamp: time.Now().UTC()})
	if len(d.history) > d.historyWindow {
		d.history = d.history[len(d.history)-d.historyWindow:]
	}
}

// History returns a copy of the retained turns, oldest first.
func (d *DialogueState) History() []Turn {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Turn, len(d.history))
	copy(out, d.history)
	return out
}

// FormatHistory renders the retained turns for prompt inclusion.
func (d *DialogueState) FormatHistory() string {
	turns := d.History()
	if len(turns) == 0 {
		return "(no prior conversation)"
	}
	var b strings.Builder
	for _, t := range turns {
		b.WriteString("User: ")
		b.WriteString(t.User)
		b.WriteByte('\n')
		if t.Agent != "" {
			b.WriteString("Agent: ")
			b.WriteString(t.Agent)
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
