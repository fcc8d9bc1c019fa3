// internal/agent/engine.go
package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/api/schemas"
	"github.com/helmsman-ai/helmsman/internal/browser/session"
	"github.com/helmsman-ai/helmsman/internal/config"
)

// Placeholders the planner is instructed to use for credentials. The engine
// substitutes the configured values at dispatch time so secrets never pass
// through the model or the transcript.
const (
	placeholderUsername = "{{site_username}}"
	placeholderPassword = "{{site_password}}"
)

// abandonPhrases are utterances that pop the current task instead of
// starting a new one.
var abandonPhrases = []string{"abandon", "never mind", "nevermind", "forget it", "cancel that"}

// Engine drives one conversation turn at a time: plan, execute, verify,
// report. It is the only writer of DialogueState and the RunLog; turns are
// serialized by an internal mutex so concurrent utterances queue rather than
// interleave.
type Engine struct {
	driver  schemas.BrowserDriver
	planner *Planner
	bus     *FeedbackBus
	state   *DialogueState
	runLog  *RunLog
	logger  *zap.Logger
	cfg     config.AgentConfig
	site    config.SiteConfig

	// turnMu serializes HandleUtterance; cancelMu guards the active turn's
	// cancel function so Cancel can fire from another goroutine.
	turnMu     sync.Mutex
	cancelMu   sync.Mutex
	turnCancel context.CancelFunc

	stateMu    sync.RWMutex
	agentState schemas.AgentState
}

// NewEngine wires the engine together. The feedback bus and dialogue state
// are owned by the engine but exposed for front ends to read.
func NewEngine(
	driver schemas.BrowserDriver,
	planner *Planner,
	bus *FeedbackBus,
	cfg config.AgentConfig,
	site config.SiteConfig,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		driver:     driver,
		planner:    planner,
		bus:        bus,
		state:      NewDialogueState(cfg.HistoryWindow),
		runLog:     NewRunLog(),
		logger:     logger.Named("engine"),
		cfg:        cfg,
		site:       site,
		agentState: schemas.StateIdle,
	}
}

// State returns the engine's current lifecycle phase.
func (e *Engine) State() schemas.AgentState {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.agentState
}

// Dialogue exposes the conversation state for front ends and tests.
func (e *Engine) Dialogue() *DialogueState { return e.state }

// RunLog exposes the append-only attempt record.
func (e *Engine) RunLog() *RunLog { return e.runLog }

// Cancel aborts the in-flight turn, if any. Safe to call from any goroutine;
// the engine notices within one verification poll interval.
func (e *Engine) Cancel() {
	e.cancelMu.Lock()
	defer e.cancelMu.Unlock()
	if e.turnCancel != nil {
		e.turnCancel()
	}
}

// HandleUtterance works one full conversation turn. It blocks until the turn
// reaches a terminal state; feedback streams over the bus while it runs.
func (e *Engine) HandleUtterance(ctx context.Context, utterance string) error {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	turnCtx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.turnCancel = cancel
	e.cancelMu.Unlock()
	defer func() {
		e.cancelMu.Lock()
		e.turnCancel = nil
		e.cancelMu.Unlock()
		cancel()
	}()

	turnID := uuid.New().String()
	utterance = strings.TrimSpace(utterance)
	e.logger.Info("Handling utterance.", zap.String("turn_id", turnID))

	if isAbandon(utterance) {
		return e.abandonCurrentTask(turnCtx, turnID, utterance)
	}

	// An utterance arriving while a task waits on input is the answer to the
	// first pending question, not a new request.
	if task := e.state.CurrentTask(); task != nil && len(task.PendingSlots) > 0 {
		return e.resumeWithAnswer(turnCtx, turnID, task, utterance)
	}

	return e.runTurn(turnCtx, turnID, utterance, utterance)
}

// resumeWithAnswer merges the answer into the slot being asked for and either
// asks the next question or resumes the suspended task.
func (e *Engine) resumeWithAnswer(ctx context.Context, turnID string, task *Task, answer string) error {
	slot := task.PendingSlots[0]
	e.state.MergeAnswer(slot, answer)
	e.logger.Debug("Merged answer into pending slot.", zap.String("slot", slot))

	if remaining := task.PendingSlots; len(remaining) > 0 {
		e.transition(ctx, turnID, schemas.StateAwaitingInput)
		question := askFor(remaining[0])
		e.postMessage(ctx, turnID, question)
		e.state.RecordTurn(answer, question)
		return nil
	}

	// Everything the task needed is now known; replan from the original
	// utterance with the enriched state.
	return e.runTurn(ctx, turnID, task.Utterance, answer)
}

// abandonCurrentTask pops the active task explicitly.
func (e *Engine) abandonCurrentTask(ctx context.Context, turnID, utterance string) error {
	task := e.state.PopTask()
	var reply string
	if task == nil {
		reply = "There is nothing in progress to abandon."
	} else {
		reply = fmt.Sprintf("Okay, I've dropped the %q task.", taskLabel(task))
		if outer := e.state.CurrentTask(); outer != nil {
			reply += fmt.Sprintf(" We were previously working on %q.", taskLabel(outer))
		}
	}
	e.transition(ctx, turnID, schemas.StateIdle)
	e.postMessage(ctx, turnID, reply)
	e.state.RecordTurn(utterance, reply)
	return nil
}

// runTurn plans and, when the plan carries actions, executes it.
func (e *Engine) runTurn(ctx context.Context, turnID, planningUtterance, spokenUtterance string) error {
	e.transition(ctx, turnID, schemas.StatePlanning)

	// Best-effort page snapshot for planning context. A fresh session has
	// nothing loaded, which is fine.
	obs, err := e.driver.Observe(ctx)
	if err != nil {
		e.logger.Debug("Pre-planning observation failed.", zap.Error(err))
		obs = nil
	}

	plan, err := e.planner.Plan(ctx, planningUtterance, e.state, obs)
	if err != nil {
		return e.handlePlanningFailure(ctx, turnID, err)
	}

	if plan.AwaitingInput {
		e.adoptAwaitingTask(planningUtterance, plan)
		e.transition(ctx, turnID, schemas.StateAwaitingInput)
		e.postMessage(ctx, turnID, plan.Response)
		e.state.RecordTurn(spokenUtterance, plan.Response)
		return nil
	}

	// A brand-new request becomes the active task; a resumed task is already
	// on the stack.
	if task := e.state.CurrentTask(); task == nil || task.Utterance != planningUtterance {
		e.state.PushTask(&Task{
			ID:        uuid.New().String(),
			Name:      plan.Goal,
			Utterance: planningUtterance,
			StartedAt: time.Now().UTC(),
		})
	}

	if plan.Response != "" {
		e.postMessage(ctx, turnID, plan.Response)
	}

	execErr := e.executePlan(ctx, turnID, plan)

	switch {
	case execErr == nil:
		e.state.PopTask()
		e.captureScreenshot(ctx, turnID)
		e.transition(ctx, turnID, schemas.StateCompleted)
		done := "Done. Let me know what you'd like next."
		if extracts := e.collectExtracts(plan); len(extracts) > 0 {
			done = fmt.Sprintf("Done. Here's what I found: %s", strings.Join(extracts, " | "))
		}
		e.postMessage(ctx, turnID, done)
		e.state.RecordTurn(spokenUtterance, plan.Response)
		e.transition(ctx, turnID, schemas.StateIdle)
		return nil

	case errors.Is(execErr, context.Canceled):
		// The stack is preserved so the user can resume or abandon.
		e.transition(ctx, turnID, schemas.StateFailed)
		e.postMessage(context.WithoutCancel(ctx), turnID, "Stopped. The task is paused where it was; say \"abandon\" to drop it.")
		e.state.RecordTurn(spokenUtterance, "(cancelled)")
		return execErr

	default:
		// Persistent failure: the task stays on the stack for inspection.
		e.transition(ctx, turnID, schemas.StateFailed)
		msg := fmt.Sprintf("I couldn't finish that: %v. The task is still open; say \"abandon\" to drop it.", execErr)
		e.postMessage(ctx, turnID, msg)
		e.state.RecordTurn(spokenUtterance, msg)
		return execErr
	}
}

// handlePlanningFailure reports planner errors without touching conversation
// state, so a transient outage is invisible to the dialogue history.
func (e *Engine) handlePlanningFailure(ctx context.Context, turnID string, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		e.transition(ctx, turnID, schemas.StateIdle)
		return err
	case errors.Is(err, schemas.ErrRateLimited), errors.Is(err, schemas.ErrServiceUnavailable):
		e.logger.Warn("Planner unavailable.", zap.Error(err))
		e.transition(ctx, turnID, schemas.StateIdle)
		e.postMessage(ctx, turnID, "The planning service is temporarily unavailable. Please try again shortly.")
		return err
	case errors.Is(err, schemas.ErrPlanUnparseable):
		e.logger.Warn("Plan unparseable after re-prompt.", zap.Error(err))
		e.transition(ctx, turnID, schemas.StateIdle)
		e.postMessage(ctx, turnID, "I couldn't work out a reliable plan for that. Could you rephrase?")
		return err
	default:
		e.transition(ctx, turnID, schemas.StateIdle)
		e.postMessage(ctx, turnID, "Something went wrong while planning. Please try again.")
		return err
	}
}

// adoptAwaitingTask pushes or updates the task that is waiting on input.
func (e *Engine) adoptAwaitingTask(utterance string, plan *schemas.Plan) {
	if task := e.state.CurrentTask(); task != nil && task.Utterance == utterance {
		task.PendingSlots = append([]string(nil), plan.MissingSlots...)
		return
	}
	e.state.PushTask(&Task{
		ID:           uuid.New().String(),
		Name:         plan.Goal,
		Utterance:    utterance,
		PendingSlots: append([]string(nil), plan.MissingSlots...),
		StartedAt:    time.Now().UTC(),
	})
}

// executePlan runs every action in order. Each action gets 1+RetryBudget
// attempts; exhausting them marks the remaining actions skipped and fails
// the plan.
func (e *Engine) executePlan(ctx context.Context, turnID string, plan *schemas.Plan) error {
	for i := range plan.Actions {
		action := &plan.Actions[i]

		if err := ctx.Err(); err != nil {
			e.skipRemaining(plan.Actions[i:])
			return err
		}

		e.transition(ctx, turnID, schemas.StateExecuting)
		if action.Description != "" {
			e.postMessage(ctx, turnID, action.Description)
		}

		if err := e.attemptAction(ctx, turnID, action); err != nil {
			e.skipRemaining(plan.Actions[i+1:])
			return err
		}

		if action.Significant() {
			e.captureScreenshot(ctx, turnID)
		}
	}
	return nil
}

// attemptAction dispatches and verifies one action, retrying on failure up
// to the configured budget. A persistently failing action leaves exactly
// 1+RetryBudget results in the run log.
func (e *Engine) attemptAction(ctx context.Context, turnID string, action *schemas.Action) error {
	maxAttempts := 1 + e.cfg.RetryBudget
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			e.transition(ctx, turnID, schemas.StateRetrying)
			e.logger.Info("Retrying action.",
				zap.String("action_id", action.ID),
				zap.String("kind", string(action.Kind)),
				zap.Int("attempt", attempt))
		}

		result := e.runAttempt(ctx, turnID, action, attempt)
		e.runLog.Append(result)

		if result.Status == schemas.ResultSuccess {
			return nil
		}
		lastErr = fmt.Errorf("%s: %s", result.ErrorCode, result.Error)

		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if result.ErrorCode == schemas.CodeCancelled {
			return context.Canceled
		}
	}

	return fmt.Errorf("action %s failed after %d attempts: %w", action.Kind, maxAttempts, lastErr)
}

// runAttempt performs one dispatch plus effect verification and records the
// before/after observations.
func (e *Engine) runAttempt(ctx context.Context, turnID string, action *schemas.Action, attempt int) schemas.ExecutionResult {
	start := time.Now()
	result := schemas.ExecutionResult{
		ActionID:  action.ID,
		Kind:      action.Kind,
		Attempt:   attempt,
		Timestamp: start.UTC(),
	}

	before, err := e.driver.Observe(ctx)
	if err != nil {
		e.logger.Debug("Before-observation failed.", zap.Error(err))
	}
	result.Before = before

	if err := e.dispatch(ctx, turnID, action); err != nil {
		result.Status = schemas.ResultFailed
		result.ErrorCode = session.ClassifyCode(err)
		result.Error = err.Error()
		result.Elapsed = time.Since(start)
		return result
	}

	e.transition(ctx, turnID, schemas.StateVerifying)
	after, err := e.verifyEffect(ctx, action.Expect, before)
	result.After = after
	result.Elapsed = time.Since(start)

	if err != nil {
		result.Status = schemas.ResultFailed
		result.ErrorCode = session.ClassifyCode(err)
		if result.ErrorCode == schemas.CodeUnknown || result.ErrorCode == schemas.CodeTimeout {
			result.ErrorCode = schemas.CodeEffectNotMet
		}
		result.Error = err.Error()
		return result
	}

	result.Status = schemas.ResultSuccess
	if action.Expect.Kind == schemas.PredicateTextContains {
		if text, terr := e.driver.TextContent(ctx, action.Expect.Selector); terr == nil {
			result.Extracted = strings.TrimSpace(text)
		}
	}
	return result
}

// dispatch routes a validated action to the browser driver.
func (e *Engine) dispatch(ctx context.Context, turnID string, action *schemas.Action) error {
	switch action.Kind {
	case schemas.ActionNavigate:
		return e.driver.Navigate(ctx, action.Target)
	case schemas.ActionClick:
		return e.driver.Click(ctx, action.Target)
	case schemas.ActionType:
		return e.driver.Type(ctx, action.Target, e.substituteCredentials(action.Text))
	case schemas.ActionSelect:
		return e.driver.Select(ctx, action.Target, action.Text)
	case schemas.ActionScroll:
		return e.driver.Scroll(ctx, action.Direction, action.Amount)
	case schemas.ActionWaitFor:
		// Pure verification; nothing to dispatch.
		return nil
	case schemas.ActionScreenshot:
		// The capture lands at the action's position in the plan.
		e.captureScreenshot(ctx, turnID)
		return nil
	default:
		return fmt.Errorf("unknown action kind: %s", action.Kind)
	}
}

// substituteCredentials expands the credential placeholders locally.
func (e *Engine) substituteCredentials(text string) string {
	if strings.Contains(text, placeholderUsername) {
		text = strings.ReplaceAll(text, placeholderUsername, e.site.Username)
	}
	if strings.Contains(text, placeholderPassword) {
		text = strings.ReplaceAll(text, placeholderPassword, e.site.Password)
	}
	return text
}

// verifyEffect polls the declared predicate until it holds or the verify
// timeout lapses. Cancellation is noticed within one poll interval.
func (e *Engine) verifyEffect(ctx context.Context, expect schemas.EffectPredicate, before *schemas.PageObservation) (*schemas.PageObservation, error) {
	deadline := time.Now().Add(e.cfg.VerifyTimeout)
	ticker := time.NewTicker(e.cfg.VerifyPollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		obs, holds, err := e.checkPredicate(ctx, expect, before)
		if err != nil {
			return obs, err
		}
		if holds {
			return obs, nil
		}
		if time.Now().After(deadline) {
			return obs, fmt.Errorf("expected effect %s did not hold within %v", expect.Kind, e.cfg.VerifyTimeout)
		}

		select {
		case <-ctx.Done():
			return obs, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

// checkPredicate evaluates the predicate once against the live page.
func (e *Engine) checkPredicate(ctx context.Context, expect schemas.EffectPredicate, before *schemas.PageObservation) (*schemas.PageObservation, bool, error) {
	switch expect.Kind {
	case schemas.PredicateAlways:
		obs, _ := e.driver.Observe(ctx)
		return obs, true, nil

	case schemas.PredicateURLChanged:
		obs, err := e.driver.Observe(ctx)
		if err != nil {
			return nil, false, err
		}
		return obs, before == nil || obs.URL != before.URL, nil

	case schemas.PredicateDOMChanged:
		obs, err := e.driver.Observe(ctx)
		if err != nil {
			return nil, false, err
		}
		changed := before == nil || obs.URL != before.URL || obs.DOMSummary != before.DOMSummary
		return obs, changed, nil

	case schemas.PredicateElementAppeared:
		exists, err := e.driver.Exists(ctx, expect.Selector)
		if err != nil {
			return nil, false, err
		}
		return nil, exists, nil

	case schemas.PredicateElementDisappeared:
		exists, err := e.driver.Exists(ctx, expect.Selector)
		if err != nil {
			return nil, false, err
		}
		return nil, !exists, nil

	case schemas.PredicateTextContains:
		text, err := e.driver.TextContent(ctx, expect.Selector)
		if err != nil {
			return nil, false, err
		}
		return nil, strings.Contains(text, expect.Substring), nil

	default:
		return nil, false, fmt.Errorf("unknown predicate kind: %s", expect.Kind)
	}
}

// collectExtracts gathers the text captured by successful text_contains
// verifications, in plan order.
func (e *Engine) collectExtracts(plan *schemas.Plan) []string {
	var out []string
	for i := range plan.Actions {
		for _, r := range e.runLog.ForAction(plan.Actions[i].ID) {
			if r.Status == schemas.ResultSuccess && r.Extracted != "" {
				out = append(out, r.Extracted)
			}
		}
	}
	return out
}

// skipRemaining records one skipped result per unattempted action so the run
// log accounts for the whole plan.
func (e *Engine) skipRemaining(actions []schemas.Action) {
	now := time.Now().UTC()
	for i := range actions {
		e.runLog.Append(schemas.ExecutionResult{
			ActionID:  actions[i].ID,
			Kind:      actions[i].Kind,
			Attempt:   1,
			Status:    schemas.ResultSkipped,
			Timestamp: now,
		})
	}
}

// captureScreenshot attaches a viewport capture to the transcript, best
// effort.
func (e *Engine) captureScreenshot(ctx context.Context, turnID string) {
	png, err := e.driver.Screenshot(ctx)
	if err != nil {
		e.logger.Debug("Screenshot failed.", zap.Error(err))
		return
	}
	e.post(ctx, schemas.FeedbackEvent{
		TurnID:   turnID,
		Kind:     schemas.FeedbackScreenshot,
		ImageB64: base64.StdEncoding.EncodeToString(png),
	})
}

// transition updates the lifecycle phase and announces it on the bus.
func (e *Engine) transition(ctx context.Context, turnID string, next schemas.AgentState) {
	e.stateMu.Lock()
	prev := e.agentState
	e.agentState = next
	e.stateMu.Unlock()

	if prev == next {
		return
	}
	e.logger.Debug("State transition.", zap.String("from", string(prev)), zap.String("to", string(next)))
	e.post(ctx, schemas.FeedbackEvent{
		TurnID: turnID,
		Kind:   schemas.FeedbackStatus,
		State:  next,
	})
}

func (e *Engine) postMessage(ctx context.Context, turnID, text string) {
	e.post(ctx, schemas.FeedbackEvent{
		TurnID: turnID,
		Kind:   schemas.FeedbackMessage,
		Text:   text,
	})
}

// post delivers an event without letting a cancelled turn swallow terminal
// feedback.
func (e *Engine) post(ctx context.Context, event schemas.FeedbackEvent) {
	postCtx := ctx
	if ctx.Err() != nil {
		postCtx = context.WithoutCancel(ctx)
	}
	if err := e.bus.Post(postCtx, event); err != nil {
		e.logger.Debug("Failed to post feedback event.", zap.Error(err))
	}
}

func isAbandon(utterance string) bool {
	lowered := strings.ToLower(strings.TrimSpace(utterance))
	for _, phrase := range abandonPhrases {
		if lowered == phrase {
			return true
		}
	}
	return false
}

func taskLabel(t *Task) string {
	if t.Name != "" {
		return t.Name
	}
	return t.Utterance
}
