// internal/agent/planner.go
package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/helmsman-ai/helmsman/api/schemas"
	"github.com/helmsman-ai/helmsman/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// A regex to robustly extract a JSON object from a markdown code block.
var jsonBlockRegex = regexp.MustCompile(fmt.Sprintf("(?s)%s(?:json)?\\s*(.*?)\\s*%s", "```", "```"))

// planPayload is the wire shape the model is instructed to produce.
type planPayload struct {
	Goal         string           `json:"goal"`
	Response     string           `json:"response"`
	Actions      []schemas.Action `json:"actions"`
	RequiresInfo []string         `json:"requires_info"`
}

// Planner turns a user utterance plus conversation state into a validated
// action plan. It owns the model prompt, response parsing and repair; it
// never mutates DialogueState.
type Planner struct {
	llm     schemas.LLMClient
	limiter *rate.Limiter
	logger  *zap.Logger
	llmCfg  config.LLMConfig
	tasks   []config.TaskSchema
}

// NewPlanner creates a planner backed by the given model client.
func NewPlanner(llm schemas.LLMClient, llmCfg config.LLMConfig, tasks []config.TaskSchema, logger *zap.Logger) *Planner {
	rpm := llmCfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	return &Planner{
		llm:     llm,
		limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		logger:  logger.Named("planner"),
		llmCfg:  llmCfg,
		tasks:   tasks,
	}
}

// MatchTask returns the task schema whose keywords appear in the utterance,
// or nil when no declared task matches.
func (p *Planner) MatchTask(utterance string) *config.TaskSchema {
	lowered := strings.ToLower(utterance)
	for i := range p.tasks {
		for _, kw := range p.tasks[i].Keywords {
			if strings.Contains(lowered, strings.ToLower(kw)) {
				return &p.tasks[i]
			}
		}
	}
	return nil
}

// MissingSlots lists the schema's required slots the conversation has not
// filled, preserving the schema's declared order.
func MissingSlots(schema *config.TaskSchema, state *DialogueState) []string {
	var missing []string
	for _, slot := range schema.RequiredSlots {
		if _, ok := state.Slot(slot); !ok {
			missing = append(missing, slot)
		}
	}
	return missing
}

// Plan produces a plan for the utterance. Known tasks with unfilled required
// slots short-circuit to an awaiting-input plan without spending a model
// call. Unparseable model output triggers a single silent re-prompt before
// the error surfaces.
func (p *Planner) Plan(ctx context.Context, utterance string, state *DialogueState, obs *schemas.PageObservation) (*schemas.Plan, error) {
	if schema := p.MatchTask(utterance); schema != nil {
		if missing := MissingSlots(schema, state); len(missing) > 0 {
			p.logger.Debug("Task schema short-circuit: asking for missing information.",
				zap.String("task", schema.Name),
				zap.Strings("missing", missing))
			return &schemas.Plan{
				ID:            uuid.New().String(),
				Goal:          schema.Name,
				Response:      askFor(missing[0]),
				AwaitingInput: true,
				MissingSlots:  missing,
				CreatedAt:     time.Now().UTC(),
			}, nil
		}
	}

	prompt := p.buildUserPrompt(utterance, state, obs)

	raw, err := p.generate(ctx, prompt)
	if err != nil {
		return nil, err
	}

	plan, parseErr := p.parsePlanResponse(raw)
	if parseErr == nil {
		return plan, nil
	}

	// One silent re-prompt with the parse failure as a hint. The user never
	// sees the first malformed attempt.
	p.logger.Warn("Model produced an unusable plan, re-prompting once.", zap.Error(parseErr))
	retryPrompt := prompt + fmt.Sprintf(
		"\n\nYour previous reply could not be used (%v). Respond again with ONLY the JSON object, no prose.", parseErr)

	raw, err = p.generate(ctx, retryPrompt)
	if err != nil {
		return nil, err
	}
	plan, parseErr = p.parsePlanResponse(raw)
	if parseErr != nil {
		return nil, fmt.Errorf("%w: %v", schemas.ErrPlanUnparseable, parseErr)
	}
	return plan, nil
}

// generate waits for rate-limit headroom and performs one model call.
func (p *Planner) generate(ctx context.Context, prompt string) (string, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return p.llm.Generate(ctx, schemas.GenerationRequest{
		System:      p.systemPrompt(),
		Prompt:      prompt,
		Temperature: p.llmCfg.Temperature,
		MaxTokens:   p.llmCfg.MaxTokens,
	})
}

// systemPrompt constructs the core instruction set for the planner.
func (p *Planner) systemPrompt() string {
	basePrompt := `You are the planning mind of 'helmsman', a conversational browser automation agent.
You receive a user request, the recent conversation, known facts, and a summary of the current page.
You respond with a single JSON object describing how to carry the request out in a web browser.`

	return basePrompt + p.actionVocabularyPrompt() + p.responseContractPrompt()
}

// actionVocabularyPrompt returns the closed list of available actions.
func (p *Planner) actionVocabularyPrompt() string {
	return `

Available action kinds:
    - navigate: load a URL. (Params: target = absolute URL)
    - click: click an element. (Params: target = CSS selector)
    - type: type text into an input. (Params: target = CSS selector, text)
    - select: choose a dropdown option. (Params: target = CSS selector, text = option value)
    - scroll: scroll the page. (Params: direction = "up"|"down", amount = pixels)
    - wait_for: wait for a condition. (Params: expect, see below)
    - screenshot: capture the viewport. (No params)

Each action may declare an expected effect under "expect":
    {"kind": "url_changed"} | {"kind": "element_appeared", "selector": "..."} |
    {"kind": "element_disappeared", "selector": "..."} |
    {"kind": "text_contains", "selector": "...", "substring": "..."} | {"kind": "always"}
If you omit "expect", a sensible default is applied.`
}

// responseContractPrompt returns the JSON contract the model must follow.
func (p *Planner) responseContractPrompt() string {
	return `

Respond with a single JSON object:
{
  "goal": "<short name for what the user wants>",
  "response": "<conversational reply to show the user>",
  "actions": [ ... ],
  "requires_info": [ ... ]
}

Rules:
    - If you need information from the user before acting, list the missing items in "requires_info", ask for the first one in "response", and leave "actions" empty.
    - Use CSS selectors that appear plausible for the page summary you were given.
    - Never invent credentials. When a login form must be filled, use the literal placeholders {{site_username}} and {{site_password}} as the text; they are substituted locally.
    - Keep plans short. Prefer one navigate plus a handful of interactions.`
}

// buildUserPrompt assembles the per-turn context for the model.
func (p *Planner) buildUserPrompt(utterance string, state *DialogueState, obs *schemas.PageObservation) string {
	var b strings.Builder

	fmt.Fprintf(&b, "User request: %s\n\n", utterance)
	fmt.Fprintf(&b, "Recent conversation:\n%s\n\n", state.FormatHistory())

	slots := state.Slots()
	if len(slots) > 0 {
		b.WriteString("Known facts from this conversation:\n")
		for k, v := range slots {
			fmt.Fprintf(&b, "    %s: %s\n", k, v)
		}
		b.WriteByte('\n')
	}

	if obs != nil {
		fmt.Fprintf(&b, "Current page:\n    url: %s\n    title: %s\n", obs.URL, obs.Title)
		if obs.DOMSummary != "" {
			fmt.Fprintf(&b, "    summary:\n%s\n", indent(obs.DOMSummary, "        "))
		}
	} else {
		b.WriteString("Current page: (no page loaded yet)\n")
	}

	b.WriteString("\nDetermine the plan. Respond with a single JSON object.")
	return b.String()
}

// parsePlanResponse robustly extracts a plan from the model's reply, handling
// markdown code blocks, surrounding prose, and minor JSON damage.
func (p *Planner) parsePlanResponse(response string) (*schemas.Plan, error) {
	response = strings.TrimSpace(response)
	var jsonStringToParse string

	matches := jsonBlockRegex.FindStringSubmatch(response)
	if len(matches) > 1 {
		jsonStringToParse = strings.TrimSpace(matches[1])
	} else {
		firstBracket := strings.Index(response, "{")
		lastBracket := strings.LastIndex(response, "}")
		if firstBracket != -1 && lastBracket != -1 && lastBracket > firstBracket {
			jsonStringToParse = response[firstBracket : lastBracket+1]
		} else {
			jsonStringToParse = response
		}
	}

	if jsonStringToParse == "" {
		return nil, fmt.Errorf("could not find any JSON in the model response")
	}

	var payload planPayload
	if err := json.Unmarshal([]byte(jsonStringToParse), &payload); err != nil {
		// Models routinely emit almost-JSON: trailing commas, single quotes,
		// unquoted keys. Attempt a repair pass before giving up.
		repaired, repairErr := jsonrepair.JSONRepair(jsonStringToParse)
		if repairErr != nil {
			p.logger.Warn("Failed to repair model JSON",
				zap.String("extracted_json", jsonStringToParse),
				zap.Error(repairErr))
			return nil, fmt.Errorf("failed to unmarshal extracted JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal repaired JSON: %w", err)
		}
		p.logger.Debug("Recovered malformed model JSON via repair.")
	}

	return p.payloadToPlan(payload)
}

// payloadToPlan converts the wire payload into a validated plan.
func (p *Planner) payloadToPlan(payload planPayload) (*schemas.Plan, error) {
	plan := &schemas.Plan{
		ID:        uuid.New().String(),
		Goal:      payload.Goal,
		Response:  payload.Response,
		CreatedAt: time.Now().UTC(),
	}

	if len(payload.RequiresInfo) > 0 {
		plan.AwaitingInput = true
		plan.MissingSlots = payload.RequiresInfo
		if plan.Response == "" {
			plan.Response = askFor(payload.RequiresInfo[0])
		}
	} else {
		plan.Actions = payload.Actions
		for i := range plan.Actions {
			if plan.Actions[i].ID == "" {
				plan.Actions[i].ID = uuid.New().String()
			}
			plan.Actions[i].Timestamp = time.Now().UTC()
		}
	}

	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("model produced an invalid plan: %w", err)
	}
	return plan, nil
}

func askFor(slot string) string {
	return fmt.Sprintf("I need a bit more information first. What should the %s be?", strings.ReplaceAll(slot, "_", " "))
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
