package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/projectwise/catalog"
	"github.com/effective-security/projectwise/chatmodel"
	"github.com/effective-security/projectwise/guardrail"
	"github.com/effective-security/projectwise/pkg/llms"
	"github.com/effective-security/projectwise/pkg/llmutils"
	"github.com/effective-security/projectwise/pkg/metricskey"
	"github.com/effective-security/projectwise/pkg/schema"
	"github.com/effective-security/projectwise/tools"
	"github.com/effective-security/x/values"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/projectwise", "orchestrator")

const (
	DefaultMaxHops     = 8
	DefaultToolTimeout = 30 * time.Second

	// maxConsecutiveNotFound bounds runs where the model keeps asking
	// for tools that do not exist.
	maxConsecutiveNotFound = 3

	// FallbackAnswer is returned when the hop budget is exhausted and
	// no usable text was produced.
	FallbackAnswer = "I was unable to produce an answer for this request. Please try rephrasing it."
)

// Invoker is the narrow view of the registry connection the engine
// depends on. All call sites use this interface, never the concrete
// connection type.
type Invoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (json.RawMessage, error)
	Snapshot() *catalog.Snapshot
}

// Config holds the engine settings.
type Config struct {
	Name         string
	MaxHops      int
	ToolTimeout  time.Duration
	Convention   Convention
	SystemPrompt string
	LocalTools   []tools.ITool
}

// Option configures the engine.
type Option func(*Config)

func WithName(name string) Option {
	return func(c *Config) { c.Name = name }
}

func WithMaxHops(n int) Option {
	return func(c *Config) { c.MaxHops = n }
}

func WithToolTimeout(d time.Duration) Option {
	return func(c *Config) { c.ToolTimeout = d }
}

// WithConvention overrides the per-run convention heuristic.
func WithConvention(conv Convention) Option {
	return func(c *Config) { c.Convention = conv }
}

func WithSystemPrompt(prompt string) Option {
	return func(c *Config) { c.SystemPrompt = prompt }
}

// WithLocalTools registers in-process tools offered to the model
// alongside the registry catalog.
func WithLocalTools(list ...tools.ITool) Option {
	return func(c *Config) { c.LocalTools = append(c.LocalTools, list...) }
}

// Result is the outcome of one engine run.
type Result struct {
	Content   string
	Messages  []llms.Message
	ToolCalls int
}

// Engine drives the model/tool hop loop: it sends the conversation to
// the model, executes any tool invocations it emits, appends the
// paired results, and repeats until the model answers with text or the
// hop budget is exhausted.
type Engine struct {
	model   llms.Model
	invoker Invoker
	gate    *guardrail.Gate

	cfg        *Config
	localTools map[string]tools.ITool
}

// NewEngine creates a call engine over a model and a registry
// connection.
func NewEngine(model llms.Model, invoker Invoker, gate *guardrail.Gate, opts ...Option) (*Engine, error) {
	cfg := &Config{
		Name:        "engine",
		MaxHops:     DefaultMaxHops,
		ToolTimeout: DefaultToolTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if gate == nil {
		gate = guardrail.New(nil)
	}

	localTools := make(map[string]tools.ITool, len(cfg.LocalTools))
	for _, tool := range cfg.LocalTools {
		key := strings.ToLower(tool.Name())
		if _, ok := localTools[key]; ok {
			return nil, errors.Newf("duplicate local tool name: %q", tool.Name())
		}
		localTools[key] = tool
	}

	return &Engine{
		model:      model,
		invoker:    invoker,
		gate:       gate,
		cfg:        cfg,
		localTools: localTools,
	}, nil
}

// Run handles one user request: seeds the conversation with the system
// prompt and prior history, then drives the hop loop to an answer.
func (e *Engine) Run(ctx context.Context, userText string, history ...llms.Message) (*Result, error) {
	started := time.Now()
	defer metricskey.PerfChatRun.MeasureSince(started, chatmodel.GetUserID(ctx))

	messages := make([]llms.Message, 0, len(history)+2)
	if e.cfg.SystemPrompt != "" {
		messages = append(messages, llms.MessageFromTextParts(llms.RoleSystem, e.cfg.SystemPrompt))
	}
	messages = append(messages, history...)
	messages = append(messages, llms.MessageFromTextParts(llms.RoleHuman, userText))

	return e.run(ctx, userText, messages, e.cfg.MaxHops)
}

func (e *Engine) run(ctx context.Context, userText string, messages []llms.Message, maxHops int) (*Result, error) {
	conv := e.cfg.Convention
	if conv == "" {
		conv = ChooseConvention(e.model)
	}
	callOpts := e.callOptions()

	engineName := e.cfg.Name
	modelName := e.model.GetName()

	var bestText string
	totalCalls := 0
	consecutiveNotFound := 0
	synthesizedIDs := 0

	for hop := 0; hop < maxHops; hop++ {
		// The wire contract rejects batches with unpaired tool turns.
		if err := validatePairing(messages); err != nil {
			return nil, err
		}

		bytesSent := llmutils.CountMessagesContentSize(messages)
		metricskey.StatsLLMMessagesSent.IncrCounter(float64(len(messages)), engineName, modelName)
		metricskey.StatsLLMBytesSent.IncrCounter(float64(bytesSent), engineName, modelName)

		resp, err := e.model.GenerateContent(ctx, messages, callOpts...)
		if err != nil {
			return nil, errors.Wrap(err, "failed to generate content")
		}
		metricskey.StatsLLMBytesReceived.IncrCounter(float64(llmutils.CountResponseContentSize(resp)), engineName, modelName)

		text, toolCalls := extractResponse(resp)
		if text != "" {
			bestText = text
		}

		if len(toolCalls) == 0 {
			if text != "" {
				messages = append(messages, llms.MessageFromTextParts(llms.RoleAI, text))
				return &Result{Content: text, Messages: messages, ToolCalls: totalCalls}, nil
			}
			// Some backends emit an empty turn before committing to a
			// final one.
			logger.ContextKV(ctx, xlog.DEBUG,
				"engine", engineName,
				"status", "empty_turn",
				"hop", hop,
			)
			continue
		}

		parts := make([]llms.ContentPart, 0, len(toolCalls)+1)
		if text != "" {
			parts = append(parts, llms.TextContent{Text: text})
		}
		for i := range toolCalls {
			if toolCalls[i].ID == "" {
				// synthesized IDs must stay unique across hops, or the
				// pairing check rejects repeat calls to the same tool
				toolCalls[i].ID = fmt.Sprintf("%s_%d", toolCalls[i].FunctionCall.Name, synthesizedIDs)
				synthesizedIDs++
			}
			toolCalls[i].Type = values.StringsCoalesce(toolCalls[i].Type, "function")
			parts = append(parts, toolCalls[i])
		}
		messages = append(messages, llms.MessageFromParts(llms.RoleAI, parts...))

		results := make([]llms.ToolCallResponse, 0, len(toolCalls))
		notFound := 0
		for _, tc := range toolCalls {
			outcome, found := e.execute(ctx, userText, tc)
			if !found {
				notFound++
			}
			results = append(results, llms.ToolCallResponse{
				ToolCallID: tc.ID,
				Name:       tc.FunctionCall.Name,
				Content:    outcome.JSON(),
			})
		}
		messages = appendToolResults(messages, conv, results)
		totalCalls += len(toolCalls)

		if notFound > 0 {
			consecutiveNotFound += notFound
			if consecutiveNotFound > maxConsecutiveNotFound {
				return nil, errors.Newf("engine %s: too many calls to unknown tools", engineName)
			}
		} else {
			consecutiveNotFound = 0
		}
	}

	logger.ContextKV(ctx, xlog.WARNING,
		"engine", engineName,
		"status", "hop_budget_exhausted",
		"max_hops", maxHops,
		"tool_calls", totalCalls,
	)
	return &Result{
		Content:   values.StringsCoalesce(bestText, FallbackAnswer),
		Messages:  messages,
		ToolCalls: totalCalls,
	}, nil
}

// execute runs one tool invocation and converts every failure into a
// structured outcome. The bool reports whether the tool was known.
func (e *Engine) execute(ctx context.Context, userText string, tc llms.ToolCall) (Outcome, bool) {
	name := tc.FunctionCall.Name
	key := strings.ToLower(name)

	if local, ok := e.localTools[key]; ok {
		started := time.Now()
		out, err := local.Call(ctx, tc.FunctionCall.Arguments)
		metricskey.PerfToolCall.MeasureSince(started, name)
		if err != nil {
			metricskey.StatsToolCallsFailed.IncrCounter(1, name)
			return ErrorOutcome(name, err), true
		}
		metricskey.StatsToolCallsSucceeded.IncrCounter(1, name)
		return SuccessOutcome(json.RawMessage(out)), true
	}

	snap := e.invoker.Snapshot()
	entry, ok := snap.Get(name)
	if !ok {
		metricskey.StatsToolCallsNotFound.IncrCounter(1, name)
		logger.ContextKV(ctx, xlog.WARNING,
			"engine", e.cfg.Name,
			"status", "tool_not_found",
			"tool", name,
		)
		return ErrorOutcome(name, errors.New("tool not found")), false
	}

	if !e.gate.Allows(snap, name, userText) {
		metricskey.StatsToolCallsBlocked.IncrCounter(1, name)
		return GuardrailOutcome(name), true
	}

	args := map[string]any{}
	if raw := strings.TrimSpace(tc.FunctionCall.Arguments); raw != "" {
		if err := json.Unmarshal(llmutils.CleanJSON([]byte(raw)), &args); err != nil {
			metricskey.StatsToolCallsInvalidArgs.IncrCounter(1, name)
			return InvalidArgumentsOutcome(name, errors.WithMessage(err, "arguments are not a JSON object")), true
		}
	}
	validated, err := entry.Validate(args)
	if err != nil {
		metricskey.StatsToolCallsInvalidArgs.IncrCounter(1, name)
		return InvalidArgumentsOutcome(name, err), true
	}

	return e.invokeRemote(ctx, name, validated), true
}

func (e *Engine) invokeRemote(ctx context.Context, name string, args map[string]any) Outcome {
	started := time.Now()
	cctx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout)
	defer cancel()

	raw, err := e.invoker.Invoke(cctx, name, args)
	metricskey.PerfToolCall.MeasureSince(started, name)
	if err != nil {
		metricskey.StatsToolCallsFailed.IncrCounter(1, name)
		if errors.Is(err, context.DeadlineExceeded) {
			return TimeoutOutcome(name, e.cfg.ToolTimeout)
		}
		logger.ContextKV(ctx, xlog.ERROR,
			"engine", e.cfg.Name,
			"status", "tool_call_failed",
			"tool", name,
			"err", err.Error(),
		)
		return ErrorOutcome(name, err)
	}
	metricskey.StatsToolCallsSucceeded.IncrCounter(1, name)
	return SuccessOutcome(raw)
}

// callOptions builds the tool definitions offered to the model from
// the current catalog snapshot plus the local tools.
func (e *Engine) callOptions() []llms.CallOption {
	var defs []llms.Tool

	snap := e.invoker.Snapshot()
	for _, name := range snap.Names() {
		entry, ok := snap.Get(name)
		if !ok {
			continue
		}
		params, err := schema.FromAny(entry.Schema)
		if err != nil {
			logger.KV(xlog.WARNING,
				"status", "failed_to_convert_tool_schema",
				"tool", entry.Name,
				"err", err.Error(),
			)
			continue
		}
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        entry.Name,
				Description: entry.Description,
				Parameters:  params,
			},
		})
	}
	for _, tool := range e.cfg.LocalTools {
		defs = append(defs, llms.Tool{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  tool.Parameters(),
			},
		})
	}

	if len(defs) == 0 {
		return nil
	}
	return []llms.CallOption{llms.WithTools(defs)}
}

func extractResponse(resp *llms.ContentResponse) (string, []llms.ToolCall) {
	var text strings.Builder
	var toolCalls []llms.ToolCall
	for _, choice := range resp.Choices {
		if choice == nil {
			continue
		}
		if choice.Content != "" {
			if text.Len() > 0 {
				text.WriteString("\n\n")
			}
			text.WriteString(choice.Content)
		}
		toolCalls = append(toolCalls, choice.ToolCalls...)
	}
	return text.String(), toolCalls
}
