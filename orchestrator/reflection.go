package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bububa/ljson"
	"github.com/effective-security/projectwise/catalog"
	"github.com/effective-security/projectwise/chatmodel"
	"github.com/effective-security/projectwise/memory"
	"github.com/effective-security/projectwise/pkg/llms"
	"github.com/effective-security/projectwise/pkg/llmutils"
	"github.com/effective-security/projectwise/pkg/metricskey"
	"github.com/effective-security/projectwise/tools"
	"github.com/effective-security/xlog"
	"github.com/tidwall/gjson"
)

// ReflectionState is the current phase of the reflection loop.
type ReflectionState string

const (
	StateActing        ReflectionState = "ACTING"
	StateCritiquing    ReflectionState = "CRITIQUING"
	StatePlanning      ReflectionState = "PLANNING"
	StateExecutingPlan ReflectionState = "EXECUTING_PLAN"
	StateFinalizing    ReflectionState = "FINALIZING"
)

const (
	DefaultMaxSteps     = 3
	DefaultFinalizeHops = 3

	maxPlanItems = 5
)

// Verdict is the critic's structured judgement of an interim answer.
type Verdict struct {
	Gaps           []string `json:"gaps,omitempty"`
	Risks          []string `json:"risks,omitempty"`
	CandidateTools []string `json:"candidate_tools,omitempty"`
	SuggestedSteps []string `json:"suggested_steps,omitempty"`
	Finalize       bool     `json:"finalize"`
}

// PlanArg is one planner-produced argument. Values are always strings
// and coerced lazily at execution time.
type PlanArg struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PlanItem is one planner-proposed tool call.
type PlanItem struct {
	Step int       `json:"step"`
	Tool string    `json:"tool"`
	Args []PlanArg `json:"args,omitempty"`
}

type planDocument struct {
	Items []PlanItem `json:"items"`
}

// LoopConfig holds the reflection loop settings.
type LoopConfig struct {
	MaxSteps     int
	FinalizeHops int
	HistoryLimit int
	MemoryLimit  int
}

// LoopOption configures the reflection loop.
type LoopOption func(*Loop)

func WithMaxSteps(n int) LoopOption {
	return func(l *Loop) { l.cfg.MaxSteps = n }
}

func WithFinalizeHops(n int) LoopOption {
	return func(l *Loop) { l.cfg.FinalizeHops = n }
}

// WithCritic sets a dedicated critic model; the engine's model is used
// by default.
func WithCritic(model llms.Model) LoopOption {
	return func(l *Loop) { l.critic = model }
}

// WithPlanner sets a dedicated planner model; the engine's model is
// used by default.
func WithPlanner(model llms.Model) LoopOption {
	return func(l *Loop) { l.planner = model }
}

// WithHistory attaches a conversation history store, used best-effort
// for briefing and for persisting finalized exchanges.
func WithHistory(history memory.History) LoopOption {
	return func(l *Loop) { l.history = history }
}

// WithSemantic attaches a semantic memory store, used best-effort.
func WithSemantic(semantic memory.Semantic) LoopOption {
	return func(l *Loop) { l.semantic = semantic }
}

// Loop wraps the call engine with a bounded actor/critic/planner
// cycle. One Run handles one user request and always terminates within
// the step and hop budgets.
type Loop struct {
	engine  *Engine
	critic  llms.Model
	planner llms.Model

	history  memory.History
	semantic memory.Semantic

	cfg LoopConfig
}

// NewLoop creates a reflection loop over a call engine.
func NewLoop(engine *Engine, opts ...LoopOption) *Loop {
	l := &Loop{
		engine:  engine,
		critic:  engine.model,
		planner: engine.model,
		cfg: LoopConfig{
			MaxSteps:     DefaultMaxSteps,
			FinalizeHops: DefaultFinalizeHops,
			HistoryLimit: 10,
			MemoryLimit:  3,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run handles one user request through the full
// ACTING/CRITIQUING/PLANNING/EXECUTING_PLAN cycle and finalizes with a
// bounded last call.
func (l *Loop) Run(ctx context.Context, userText string) (string, error) {
	userID := chatmodel.GetUserID(ctx)

	messages := make([]llms.Message, 0, 8)
	if l.engine.cfg.SystemPrompt != "" {
		messages = append(messages, llms.MessageFromTextParts(llms.RoleSystem, l.engine.cfg.SystemPrompt))
	}
	if briefing := l.brief(ctx, userID, userText); briefing != "" {
		messages = append(messages, llms.MessageFromTextParts(llms.RoleSystem, briefing))
	}
	messages = append(messages, llms.MessageFromTextParts(llms.RoleHuman, userText))

	var interim string
	for step := 0; step < l.cfg.MaxSteps; step++ {
		metricskey.StatsReflectionSteps.IncrCounter(1, string(StateActing))
		res, err := l.engine.run(ctx, userText, messages, l.engine.cfg.MaxHops)
		if err != nil {
			return "", err
		}
		messages = res.Messages
		interim = res.Content

		metricskey.StatsReflectionSteps.IncrCounter(1, string(StateCritiquing))
		verdict := l.critique(ctx, userText, interim)
		if verdict.Finalize || step == l.cfg.MaxSteps-1 {
			break
		}

		metricskey.StatsReflectionSteps.IncrCounter(1, string(StatePlanning))
		items := l.plan(ctx, userText, interim, verdict)

		metricskey.StatsReflectionSteps.IncrCounter(1, string(StateExecutingPlan))
		messages = l.executePlan(ctx, userText, items, messages)

		if guidance := critiqueGuidance(verdict); guidance != "" {
			messages = append(messages, llms.MessageFromTextParts(llms.RoleHuman, guidance))
		}
	}

	metricskey.StatsReflectionSteps.IncrCounter(1, string(StateFinalizing))
	final := l.finalize(ctx, userText, interim, messages)
	if final == "" {
		final = ApologyAnswer
	}

	l.persist(ctx, userID, userText, final)
	return final, nil
}

// brief assembles a context block from the history and semantic
// stores. Both are best-effort: failures are logged and skipped.
func (l *Loop) brief(ctx context.Context, userID, userText string) string {
	var b strings.Builder
	if l.history != nil {
		turns, err := l.history.GetRecent(ctx, userID, l.cfg.HistoryLimit)
		if err != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "failed_to_load_history",
				"user_id", userID,
				"err", err.Error(),
			)
		} else if len(turns) > 0 {
			b.WriteString("Recent conversation:\n")
			for _, turn := range turns {
				fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
			}
		}
	}
	if l.semantic != nil {
		snippets, err := l.semantic.Search(ctx, userID, userText, l.cfg.MemoryLimit)
		if err != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "failed_to_search_memory",
				"user_id", userID,
				"err", err.Error(),
			)
		} else if len(snippets) > 0 {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("Possibly relevant context from past conversations:\n")
			for _, snippet := range snippets {
				fmt.Fprintf(&b, "- %s\n", snippet.Text)
			}
		}
	}
	return b.String()
}

// critique asks the critic model for a structured verdict. Any failure
// yields an empty, non-finalizing verdict so the loop keeps iterating
// within its step budget.
func (l *Loop) critique(ctx context.Context, userText, interim string) Verdict {
	msgs := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, criticPrompt),
		llms.MessageFromTextParts(llms.RoleHuman,
			fmt.Sprintf("User request:\n%s\n\nInterim answer:\n%s", userText, interim)),
	}
	resp, err := l.critic.GenerateContent(ctx, msgs, llms.WithJSONMode(), llms.WithTemperature(0))
	if err != nil || len(resp.Choices) == 0 {
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "critic_call_failed",
			"err", errString(err),
		)
		return Verdict{}
	}
	return parseVerdict(resp.Choices[0].Content)
}

func parseVerdict(raw string) Verdict {
	cleaned := llmutils.CleanJSON([]byte(raw))
	var v Verdict
	if err := ljson.Unmarshal(cleaned, &v); err == nil {
		return v
	}
	// probe for the finalize flag on otherwise unusable output
	if res := gjson.GetBytes(cleaned, "finalize"); res.Exists() {
		return Verdict{Finalize: res.Bool()}
	}
	return Verdict{}
}

// plan asks the planner model for tool calls. If the first attempt
// yields nothing and the catalog is non-empty, it retries once with a
// stronger nudge; an empty plan is accepted after that.
func (l *Loop) plan(ctx context.Context, userText, interim string, verdict Verdict) []PlanItem {
	snap := l.engine.invoker.Snapshot()
	names := snap.Names()
	for _, tool := range l.engine.cfg.LocalTools {
		names = append(names, tool.Name())
	}

	request := fmt.Sprintf("Available tools: %s\n\nUser request:\n%s\n\nInterim answer:\n%s\n\nCritique:\n%s",
		strings.Join(names, ", "), userText, interim, llmutils.ToJSON(verdict))

	items := l.askPlanner(ctx, request)
	if len(items) == 0 && snap.Len() > 0 {
		metricskey.StatsPlannerRetries.IncrCounter(1, l.engine.cfg.Name)
		items = l.askPlanner(ctx, request+"\n\n"+plannerRetryNudge)
	}
	if len(items) > maxPlanItems {
		items = items[:maxPlanItems]
	}
	return items
}

func (l *Loop) askPlanner(ctx context.Context, request string) []PlanItem {
	msgs := []llms.Message{
		llms.MessageFromTextParts(llms.RoleSystem, plannerPrompt),
		llms.MessageFromTextParts(llms.RoleHuman, request),
	}
	resp, err := l.planner.GenerateContent(ctx, msgs, llms.WithJSONMode(), llms.WithTemperature(0))
	if err != nil || len(resp.Choices) == 0 {
		logger.ContextKV(ctx, xlog.WARNING,
			"status", "planner_call_failed",
			"err", errString(err),
		)
		return nil
	}
	return parsePlan(resp.Choices[0].Content)
}

func parsePlan(raw string) []PlanItem {
	cleaned := llmutils.CleanJSON([]byte(raw))
	var doc planDocument
	if err := ljson.Unmarshal(cleaned, &doc); err == nil && len(doc.Items) > 0 {
		return doc.Items
	}
	// some models answer with a bare array
	var items []PlanItem
	if err := ljson.Unmarshal(cleaned, &items); err == nil {
		return items
	}
	return nil
}

// executePlan runs planner-proposed calls outside the strict
// model-initiated protocol: outcomes are appended as plain observation
// turns, not paired tool turns. Items resolve against the local tools
// first, then the catalog snapshot. Unknown and guardrail-blocked
// tools are skipped with a log note, never retried.
func (l *Loop) executePlan(ctx context.Context, userText string, items []PlanItem, messages []llms.Message) []llms.Message {
	snap := l.engine.invoker.Snapshot()
	for _, item := range items {
		strArgs := make(map[string]string, len(item.Args))
		for _, arg := range item.Args {
			strArgs[arg.Key] = arg.Value
		}
		args := catalog.CoerceStringArgs(strArgs)

		if local, ok := l.engine.localTools[strings.ToLower(item.Tool)]; ok {
			messages = append(messages, llms.MessageFromTextParts(llms.RoleHuman,
				fmt.Sprintf("Observation from %s: %s", local.Name(), l.runLocal(ctx, local, args).JSON())))
			continue
		}

		entry, ok := snap.Get(item.Tool)
		if !ok {
			logger.ContextKV(ctx, xlog.INFO,
				"status", "plan_item_skipped",
				"reason", "unknown_tool",
				"tool", item.Tool,
			)
			continue
		}
		if !l.engine.gate.Allows(snap, item.Tool, userText) {
			metricskey.StatsToolCallsBlocked.IncrCounter(1, entry.Name)
			logger.ContextKV(ctx, xlog.INFO,
				"status", "plan_item_skipped",
				"reason", "guardrail_blocked",
				"tool", item.Tool,
			)
			continue
		}

		var outcome Outcome
		validated, err := entry.Validate(args)
		if err != nil {
			metricskey.StatsToolCallsInvalidArgs.IncrCounter(1, entry.Name)
			outcome = InvalidArgumentsOutcome(entry.Name, err)
		} else {
			outcome = l.engine.invokeRemote(ctx, entry.Name, validated)
		}

		messages = append(messages, llms.MessageFromTextParts(llms.RoleHuman,
			fmt.Sprintf("Observation from %s: %s", entry.Name, outcome.JSON())))
	}
	return messages
}

// runLocal executes one in-process tool with planner-coerced arguments.
func (l *Loop) runLocal(ctx context.Context, local tools.ITool, args map[string]any) Outcome {
	name := local.Name()
	started := time.Now()
	out, err := local.Call(ctx, llmutils.ToJSON(args))
	metricskey.PerfToolCall.MeasureSince(started, name)
	if err != nil {
		metricskey.StatsToolCallsFailed.IncrCounter(1, name)
		return ErrorOutcome(name, err)
	}
	metricskey.StatsToolCallsSucceeded.IncrCounter(1, name)
	return SuccessOutcome(json.RawMessage(out))
}

// finalize issues one last bounded engine run with an explicit
// "produce the final answer" instruction. The engine itself pairs and
// answers any tool invocations the model still emits, within the
// smaller finalize hop budget.
func (l *Loop) finalize(ctx context.Context, userText, interim string, messages []llms.Message) string {
	messages = append(messages, llms.MessageFromTextParts(llms.RoleHuman, finalizeInstruction))
	res, err := l.engine.run(ctx, userText, messages, l.cfg.FinalizeHops)
	if err != nil {
		logger.ContextKV(ctx, xlog.ERROR,
			"status", "finalize_failed",
			"err", err.Error(),
		)
		return interim
	}
	if res.Content == "" || res.Content == FallbackAnswer {
		return interim
	}
	return res.Content
}

// persist appends the finalized exchange to the memory stores,
// best-effort.
func (l *Loop) persist(ctx context.Context, userID, userText, final string) {
	now := time.Now()
	turns := []memory.Turn{
		{Role: llms.RoleHuman, Content: userText, CreatedAt: now},
		{Role: llms.RoleAI, Content: final, CreatedAt: now},
	}
	if l.history != nil {
		for _, turn := range turns {
			if err := l.history.Append(ctx, userID, turn); err != nil {
				logger.ContextKV(ctx, xlog.WARNING,
					"status", "failed_to_append_history",
					"user_id", userID,
					"err", err.Error(),
				)
				break
			}
		}
	}
	if l.semantic != nil {
		if err := l.semantic.Add(ctx, userID, turns); err != nil {
			logger.ContextKV(ctx, xlog.WARNING,
				"status", "failed_to_add_memory",
				"user_id", userID,
				"err", err.Error(),
			)
		}
	}
}

func critiqueGuidance(v Verdict) string {
	if len(v.Gaps) == 0 && len(v.Risks) == 0 && len(v.SuggestedSteps) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Reviewer feedback on your previous answer:\n")
	for _, gap := range v.Gaps {
		fmt.Fprintf(&b, "- gap: %s\n", gap)
	}
	for _, risk := range v.Risks {
		fmt.Fprintf(&b, "- risk: %s\n", risk)
	}
	for _, step := range v.SuggestedSteps {
		fmt.Fprintf(&b, "- next: %s\n", step)
	}
	b.WriteString("Address this feedback in your next answer.")
	return b.String()
}

func errString(err error) string {
	if err == nil {
		return "empty response"
	}
	return err.Error()
}
