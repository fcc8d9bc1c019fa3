package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/helmsman-ai/helmsman/api/schemas"
	"github.com/helmsman-ai/helmsman/internal/config"
)

// engineHarness wires an Engine to a fake driver, a scripted model, and a
// bus collector that acknowledges everything it receives.
type engineHarness struct {
	engine *Engine
	driver *fakeDriver
	llm    *scriptedLLM
	bus    *FeedbackBus

	mu      sync.Mutex
	events  []schemas.FeedbackEvent
	drained chan struct{}
}

func newEngineHarness(t *testing.T, llm *scriptedLLM, tasks []config.TaskSchema, mutate func(*config.AgentConfig)) *engineHarness {
	t.Helper()
	// Registered first so it runs after every other cleanup.
	t.Cleanup(func() { goleak.VerifyNone(t) })

	logger := zaptest.NewLogger(t)
	driver := newFakeDriver()

	agentCfg := config.AgentConfig{
		RetryBudget:        2,
		VerifyTimeout:      200 * time.Millisecond,
		VerifyPollInterval: 10 * time.Millisecond,
		HistoryWindow:      5,
		FeedbackQueueSize:  64,
	}
	if mutate != nil {
		mutate(&agentCfg)
	}

	llmCfg := config.LLMConfig{
		Provider:          "gemini",
		Model:             "gemini-2.5-flash",
		Temperature:       0.2,
		MaxTokens:         4096,
		RequestsPerMinute: 6000,
	}
	site := config.SiteConfig{Username: "portal-user", Password: "portal-pass"}

	planner := NewPlanner(llm, llmCfg, tasks, logger)
	bus := NewFeedbackBus(logger, agentCfg.FeedbackQueueSize)
	engine := NewEngine(driver, planner, bus, agentCfg, site, logger)

	h := &engineHarness{
		engine:  engine,
		driver:  driver,
		llm:     llm,
		bus:     bus,
		drained: make(chan struct{}),
	}

	events, _ := bus.Subscribe()
	go func() {
		defer close(h.drained)
		for ev := range events {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
			bus.Acknowledge(ev)
		}
	}()
	t.Cleanup(func() {
		bus.Shutdown()
		<-h.drained
	})

	return h
}

// finish shuts the bus down and returns every event posted during the test.
func (h *engineHarness) finish() []schemas.FeedbackEvent {
	h.bus.Shutdown()
	<-h.drained
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]schemas.FeedbackEvent, len(h.events))
	copy(out, h.events)
	return out
}

func messagesOf(events []schemas.FeedbackEvent) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == schemas.FeedbackMessage {
			out = append(out, ev.Text)
		}
	}
	return out
}

func statesOf(events []schemas.FeedbackEvent) []schemas.AgentState {
	var out []schemas.AgentState
	for _, ev := range events {
		if ev.Kind == schemas.FeedbackStatus {
			out = append(out, ev.State)
		}
	}
	return out
}

func screenshotsOf(events []schemas.FeedbackEvent) int {
	n := 0
	for _, ev := range events {
		if ev.Kind == schemas.FeedbackScreenshot {
			n++
		}
	}
	return n
}

func TestEngine_HappyPath(t *testing.T) {
	llm := &scriptedLLM{script: []scriptedReply{{text: validPlanJSON}}}
	h := newEngineHarness(t, llm, nil, nil)

	err := h.engine.HandleUtterance(context.Background(), "open example.com and log in")
	require.NoError(t, err)

	events := h.finish()

	assert.Equal(t, []string{
		"navigate:https://example.com",
		"screenshot",
		"click:#login",
		"screenshot",
		"screenshot",
	}, h.driver.callLog())

	assert.Equal(t, []schemas.AgentState{
		schemas.StatePlanning,
		schemas.StateExecuting,
		schemas.StateVerifying,
		schemas.StateExecuting,
		schemas.StateVerifying,
		schemas.StateCompleted,
		schemas.StateIdle,
	}, statesOf(events))

	msgs := messagesOf(events)
	require.Len(t, msgs, 4)
	assert.Equal(t, "Opening example.com now.", msgs[0])
	assert.Equal(t, "Open example.com", msgs[1])
	assert.Equal(t, "Click the login button", msgs[2])
	assert.Contains(t, msgs[3], "Done")

	assert.Equal(t, 3, screenshotsOf(events))

	entries := h.engine.RunLog().Entries()
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, schemas.ResultSuccess, e.Status)
		assert.Equal(t, 1, e.Attempt)
		require.NotNil(t, e.After)
	}
	assert.Equal(t, "https://example.com", entries[0].After.URL)

	assert.Equal(t, schemas.StateIdle, h.engine.State())
	assert.Equal(t, 0, h.engine.Dialogue().StackDepth(), "completed task must be popped")
	assert.Len(t, h.engine.Dialogue().History(), 1)
}

func TestEngine_SlotFillingConversation(t *testing.T) {
	tasks := []config.TaskSchema{{
		Name:          "send_email",
		Keywords:      []string{"send an email"},
		RequiredSlots: []string{"recipient", "subject", "body"},
	}}
	emailPlan := `{
  "goal": "send_email",
  "response": "Sending the email now.",
  "actions": [
    {"kind": "navigate", "target": "https://mail.example.com/compose", "description": "Open the compose form"},
    {"kind": "type", "target": "#to", "text": "ops@example.com", "description": "Fill the recipient"}
  ]
}`
	llm := &scriptedLLM{script: []scriptedReply{{text: emailPlan}}}
	h := newEngineHarness(t, llm, tasks, nil)
	ctx := context.Background()

	// Opening utterance matches the task schema: no model call, first question.
	require.NoError(t, h.engine.HandleUtterance(ctx, "please send an email for me"))
	assert.Equal(t, 0, llm.callCount())
	assert.Equal(t, schemas.StateAwaitingInput, h.engine.State())
	assert.Equal(t, 1, h.engine.Dialogue().StackDepth())

	// Each answer fills the slot being asked for and triggers the next question.
	require.NoError(t, h.engine.HandleUtterance(ctx, "ops@example.com"))
	assert.Equal(t, 0, llm.callCount())
	assert.Equal(t, schemas.StateAwaitingInput, h.engine.State())

	require.NoError(t, h.engine.HandleUtterance(ctx, "Weekly update"))
	assert.Equal(t, 0, llm.callCount())

	// The final answer completes the slots; the task resumes from its original
	// utterance with the merged facts.
	require.NoError(t, h.engine.HandleUtterance(ctx, "All systems green."))
	require.Equal(t, 1, llm.callCount())

	prompt := llm.prompt(0)
	assert.Contains(t, prompt, "please send an email for me")
	assert.Contains(t, prompt, "recipient: ops@example.com")
	assert.Contains(t, prompt, "subject: Weekly update")
	assert.Contains(t, prompt, "body: All systems green.")

	assert.Equal(t, schemas.StateIdle, h.engine.State())
	assert.Equal(t, 0, h.engine.Dialogue().StackDepth())

	events := h.finish()
	msgs := messagesOf(events)
	assert.Contains(t, msgs[0], "recipient")
	assert.Contains(t, msgs[1], "subject")
	assert.Contains(t, msgs[2], "body")
}

func TestEngine_RetryBudgetExhausted(t *testing.T) {
	clickPlan := `{
  "goal": "press button",
  "response": "Clicking it.",
  "actions": [{"kind": "click", "target": "#missing", "description": "Click the button"}]
}`
	llm := &scriptedLLM{script: []scriptedReply{{text: clickPlan}}}
	h := newEngineHarness(t, llm, nil, nil)
	h.driver.clickErrs = []error{
		notFoundErr("#missing"), notFoundErr("#missing"), notFoundErr("#missing"),
	}

	err := h.engine.HandleUtterance(context.Background(), "click the button")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")

	entries := h.engine.RunLog().Entries()
	require.Len(t, entries, 3, "a persistently failing action gets exactly 1+RetryBudget attempts")
	for i, e := range entries {
		assert.Equal(t, i+1, e.Attempt)
		assert.Equal(t, schemas.ResultFailed, e.Status)
		assert.Equal(t, schemas.CodeElementNotFound, e.ErrorCode)
	}

	events := h.finish()
	assert.Equal(t, []schemas.AgentState{
		schemas.StatePlanning,
		schemas.StateExecuting,
		schemas.StateRetrying,
		schemas.StateFailed,
	}, statesOf(events))

	// The failed task stays open for the user to resume or abandon.
	assert.Equal(t, schemas.StateFailed, h.engine.State())
	assert.Equal(t, 1, h.engine.Dialogue().StackDepth())

	msgs := messagesOf(events)
	assert.Contains(t, msgs[len(msgs)-1], "abandon")
}

func TestEngine_CancelMidExecution(t *testing.T) {
	llm := &scriptedLLM{script: []scriptedReply{{text: validPlanJSON}}}
	h := newEngineHarness(t, llm, nil, nil)
	h.driver.blockNavigate = true

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.engine.HandleUtterance(context.Background(), "open example.com and log in")
	}()

	select {
	case <-h.driver.navStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("navigation never started")
	}
	h.engine.Cancel()

	var err error
	select {
	case err = <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish after cancel")
	}
	assert.ErrorIs(t, err, context.Canceled)

	// The second action was never dispatched.
	for _, call := range h.driver.callLog() {
		assert.NotContains(t, call, "click")
	}

	entries := h.engine.RunLog().Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, schemas.ResultFailed, entries[0].Status)
	assert.Equal(t, schemas.CodeCancelled, entries[0].ErrorCode)
	assert.Equal(t, schemas.ResultSkipped, entries[1].Status)
	assert.Equal(t, schemas.ActionClick, entries[1].Kind)

	// The interrupted task is preserved for resumption.
	assert.Equal(t, schemas.StateFailed, h.engine.State())
	assert.Equal(t, 1, h.engine.Dialogue().StackDepth())

	msgs := messagesOf(h.finish())
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1], "Stopped")
}

func TestEngine_CancelDuringVerification(t *testing.T) {
	clickPlan := `{
  "goal": "press button",
  "response": "Clicking it.",
  "actions": [{"kind": "click", "target": "#stuck", "description": "Click the button"}]
}`
	llm := &scriptedLLM{script: []scriptedReply{{text: clickPlan}}}
	h := newEngineHarness(t, llm, nil, func(cfg *config.AgentConfig) {
		cfg.VerifyTimeout = 5 * time.Second
	})
	// The click dispatches fine but the page never changes, so the default
	// dom_changed effect keeps the engine polling until cancelled.
	h.driver.frozen = true

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.engine.HandleUtterance(context.Background(), "click the button")
	}()

	// Pre-planning and before-action observations account for two Observe
	// calls; three or more means the effect poll loop is running.
	require.Eventually(t, func() bool {
		return h.driver.observeCount() >= 3
	}, 2*time.Second, 5*time.Millisecond, "verification polling never started")

	atCancel := h.driver.observeCount()
	h.engine.Cancel()

	var err error
	select {
	case err = <-errCh:
	case <-time.After(time.Second):
		t.Fatal("turn did not stop after cancel")
	}
	assert.ErrorIs(t, err, context.Canceled)

	// At most the one check already in flight finishes; polling stops.
	assert.LessOrEqual(t, h.driver.observeCount(), atCancel+1,
		"no further page checks after cancel")

	entries := h.engine.RunLog().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, schemas.ResultFailed, entries[0].Status)
	assert.Equal(t, schemas.CodeCancelled, entries[0].ErrorCode)

	assert.Equal(t, schemas.StateFailed, h.engine.State())
	assert.Equal(t, 1, h.engine.Dialogue().StackDepth())

	msgs := messagesOf(h.finish())
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1], "Stopped")
}

func TestEngine_PlannerUnavailable(t *testing.T) {
	llm := &scriptedLLM{script: []scriptedReply{
		{err: fmt.Errorf("gemini: %w", schemas.ErrServiceUnavailable)},
	}}
	h := newEngineHarness(t, llm, nil, nil)

	err := h.engine.HandleUtterance(context.Background(), "open example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrServiceUnavailable)

	// A transient outage leaves no trace in the conversation.
	assert.Equal(t, schemas.StateIdle, h.engine.State())
	assert.Equal(t, 0, h.engine.Dialogue().StackDepth())
	assert.Empty(t, h.engine.Dialogue().History())

	msgs := messagesOf(h.finish())
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "temporarily unavailable")
}

func TestEngine_PlanUnparseable(t *testing.T) {
	llm := &scriptedLLM{script: []scriptedReply{
		{text: "no json"}, {text: "still no json"},
	}}
	h := newEngineHarness(t, llm, nil, nil)

	err := h.engine.HandleUtterance(context.Background(), "open example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, schemas.ErrPlanUnparseable)
	assert.Equal(t, schemas.StateIdle, h.engine.State())

	msgs := messagesOf(h.finish())
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "rephrase")
}

func TestEngine_EffectNotMet(t *testing.T) {
	clickPlan := `{
  "goal": "press button",
  "response": "Clicking it.",
  "actions": [{"kind": "click", "target": "#noop", "description": "Click the inert button"}]
}`
	llm := &scriptedLLM{script: []scriptedReply{{text: clickPlan}}}
	h := newEngineHarness(t, llm, nil, func(cfg *config.AgentConfig) {
		cfg.RetryBudget = 0
		cfg.VerifyTimeout = 50 * time.Millisecond
	})
	// The click dispatches fine but the page never changes, so the default
	// dom_changed effect cannot hold.
	h.driver.frozen = true

	err := h.engine.HandleUtterance(context.Background(), "click the button")
	require.Error(t, err)

	entries := h.engine.RunLog().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, schemas.ResultFailed, entries[0].Status)
	assert.Equal(t, schemas.CodeEffectNotMet, entries[0].ErrorCode)
	assert.Contains(t, entries[0].Error, "did not hold")

	h.finish()
}

func TestEngine_CredentialSubstitution(t *testing.T) {
	loginPlan := `{
  "goal": "log in",
  "response": "Logging in.",
  "actions": [
    {"kind": "type", "target": "#user", "text": "{{site_username}}", "description": "Fill the username"},
    {"kind": "type", "target": "#pass", "text": "{{site_password}}", "description": "Fill the password"}
  ]
}`
	llm := &scriptedLLM{script: []scriptedReply{{text: loginPlan}}}
	h := newEngineHarness(t, llm, nil, nil)

	require.NoError(t, h.engine.HandleUtterance(context.Background(), "log in to the portal"))

	calls := h.driver.callLog()
	assert.Contains(t, calls, "type:#user:portal-user")
	assert.Contains(t, calls, "type:#pass:portal-pass")

	// The model only ever sees the placeholders.
	assert.NotContains(t, llm.prompt(0), "portal-user")
	assert.NotContains(t, llm.prompt(0), "portal-pass")

	// The transcript carries placeholders too, never the secrets.
	for _, ev := range h.finish() {
		assert.NotContains(t, ev.Text, "portal-pass")
	}
}

func TestEngine_ExtractedTextSurfacesInCompletion(t *testing.T) {
	readPlan := `{
  "goal": "read the price",
  "response": "Reading the price.",
  "actions": [
    {"kind": "wait_for", "description": "Wait for the price to render",
     "expect": {"kind": "text_contains", "selector": "#price", "substring": "$"}}
  ]
}`
	llm := &scriptedLLM{script: []scriptedReply{{text: readPlan}}}
	h := newEngineHarness(t, llm, nil, nil)
	h.driver.texts["#price"] = "  $42.50  "

	require.NoError(t, h.engine.HandleUtterance(context.Background(), "what does it cost?"))

	entries := h.engine.RunLog().Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, schemas.ResultSuccess, entries[0].Status)
	assert.Equal(t, "$42.50", entries[0].Extracted)

	msgs := messagesOf(h.finish())
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	assert.Contains(t, last, "$42.50")
}

func TestEngine_ScreenshotActionCapturesInPlace(t *testing.T) {
	shotPlan := `{
  "goal": "document the page",
  "response": "Capturing it.",
  "actions": [
    {"kind": "navigate", "target": "https://example.com", "description": "Open example.com"},
    {"kind": "screenshot", "description": "Capture the landing page"},
    {"kind": "click", "target": "#login", "description": "Click the login button"}
  ]
}`
	llm := &scriptedLLM{script: []scriptedReply{{text: shotPlan}}}
	h := newEngineHarness(t, llm, nil, nil)

	require.NoError(t, h.engine.HandleUtterance(context.Background(), "open example.com and document it"))

	// The explicit capture lands between the navigate and the click, not at
	// the end of the turn.
	assert.Equal(t, []string{
		"navigate:https://example.com",
		"screenshot",
		"screenshot",
		"click:#login",
		"screenshot",
		"screenshot",
	}, h.driver.callLog())

	assert.Equal(t, 4, screenshotsOf(h.finish()))
}

func TestEngine_AbandonTask(t *testing.T) {
	llm := &scriptedLLM{}
	tasks := []config.TaskSchema{{
		Name:          "send_email",
		Keywords:      []string{"send an email"},
		RequiredSlots: []string{"recipient"},
	}}
	h := newEngineHarness(t, llm, tasks, nil)
	ctx := context.Background()

	require.NoError(t, h.engine.HandleUtterance(ctx, "send an email"))
	require.Equal(t, 1, h.engine.Dialogue().StackDepth())

	require.NoError(t, h.engine.HandleUtterance(ctx, "never mind"))
	assert.Equal(t, 0, h.engine.Dialogue().StackDepth())
	assert.Equal(t, schemas.StateIdle, h.engine.State())

	msgs := messagesOf(h.finish())
	require.NotEmpty(t, msgs)
	assert.Contains(t, msgs[len(msgs)-1], "dropped")
}

func TestEngine_AbandonWithNothingOpen(t *testing.T) {
	h := newEngineHarness(t, &scriptedLLM{}, nil, nil)

	require.NoError(t, h.engine.HandleUtterance(context.Background(), "forget it"))
	assert.Equal(t, schemas.StateIdle, h.engine.State())

	msgs := messagesOf(h.finish())
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "nothing in progress")
}

func TestEngine_AbandonResumesOuterTaskContext(t *testing.T) {
	h := newEngineHarness(t, &scriptedLLM{}, nil, nil)

	// Two suspended tasks stacked up, as after a nested request.
	h.engine.Dialogue().PushTask(&Task{ID: "t1", Name: "book travel", Utterance: "book travel"})
	h.engine.Dialogue().PushTask(&Task{ID: "t2", Name: "check weather", Utterance: "check weather"})

	require.NoError(t, h.engine.HandleUtterance(context.Background(), "abandon"))
	assert.Equal(t, 1, h.engine.Dialogue().StackDepth())
	require.NotNil(t, h.engine.Dialogue().CurrentTask())
	assert.Equal(t, "book travel", h.engine.Dialogue().CurrentTask().Name)

	msgs := messagesOf(h.finish())
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "check weather")
	assert.Contains(t, msgs[0], "book travel")
}

func TestEngine_NavigationErrorThenRecovery(t *testing.T) {
	llm := &scriptedLLM{script: []scriptedReply{{text: validPlanJSON}}}
	h := newEngineHarness(t, llm, nil, nil)
	// First attempt fails at the network level, the retry succeeds.
	h.driver.navigateErrs = []error{fmt.Errorf("page load error net::ERR_CONNECTION_REFUSED")}

	require.NoError(t, h.engine.HandleUtterance(context.Background(), "open example.com and log in"))

	attempts := h.engine.RunLog().Entries()
	require.Len(t, attempts, 3)
	assert.Equal(t, schemas.ResultFailed, attempts[0].Status)
	assert.Equal(t, schemas.ResultSuccess, attempts[1].Status)
	assert.Equal(t, 2, attempts[1].Attempt)
	assert.Equal(t, schemas.ResultSuccess, attempts[2].Status)

	assert.Equal(t, schemas.StateIdle, h.engine.State())
	h.finish()
}
