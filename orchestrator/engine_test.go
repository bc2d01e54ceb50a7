package orchestrator_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/effective-security/projectwise/catalog"
	"github.com/effective-security/projectwise/orchestrator"
	"github.com/effective-security/projectwise/pkg/llms"
	"github.com/effective-security/projectwise/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel replays a scripted sequence of responses and records the
// messages it was sent.
type fakeModel struct {
	provider llms.ProviderType

	mu     sync.Mutex
	calls  [][]llms.Message
	script []*llms.ContentResponse
}

func (m *fakeModel) GetName() string { return "fake-model" }

func (m *fakeModel) GetProviderType() llms.ProviderType {
	if m.provider == "" {
		return llms.ProviderOpenAI
	}
	return m.provider
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.Message, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, messages)
	if len(m.script) == 0 {
		return textResponse("done"), nil
	}
	resp := m.script[0]
	m.script = m.script[1:]
	return resp, nil
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func textResponse(text string) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: text, StopReason: "stop"}},
	}
}

func toolCallResponse(id, name, args string) *llms.ContentResponse {
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{
			StopReason: "tool_calls",
			ToolCalls: []llms.ToolCall{{
				ID:           id,
				Type:         "function",
				FunctionCall: &llms.FunctionCall{Name: name, Arguments: args},
			}},
		}},
	}
}

type invocation struct {
	name string
	args map[string]any
}

// fakeInvoker serves a fixed catalog snapshot and records invocations.
type fakeInvoker struct {
	mu          sync.Mutex
	snap        *catalog.Snapshot
	invocations []invocation
	callFn      func(name string, args map[string]any) (json.RawMessage, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	f.mu.Lock()
	f.invocations = append(f.invocations, invocation{name: name, args: args})
	fn := f.callFn
	f.mu.Unlock()
	if fn != nil {
		return fn(name, args)
	}
	return json.RawMessage(`{"status":"ok"}`), nil
}

func (f *fakeInvoker) Snapshot() *catalog.Snapshot { return f.snap }

func (f *fakeInvoker) invoked() []invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]invocation(nil), f.invocations...)
}

func testSnapshot(t *testing.T) *catalog.Snapshot {
	t.Helper()
	snap, err := catalog.Build([]catalog.Descriptor{
		{
			Name:        "search",
			Description: "Searches the document index.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
					"k":     map[string]any{"type": "integer"},
				},
				"required":             []any{"query"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "send_email",
			Description: "Sends an email. Only run if the user explicitly asks.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"to":   map[string]any{"type": "string"},
					"body": map[string]any{"type": "string"},
				},
				"required": []any{"to", "body"},
			},
		},
	})
	require.NoError(t, err)
	return snap
}

func newTestEngine(t *testing.T, model *fakeModel, inv *fakeInvoker, opts ...orchestrator.Option) *orchestrator.Engine {
	t.Helper()
	eng, err := orchestrator.NewEngine(model, inv, nil, opts...)
	require.NoError(t, err)
	return eng
}

func TestEngineToolHop(t *testing.T) {
	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("c1", "search", `{"query":"pricing"}`),
		textResponse("Found three documents about pricing."),
	}}
	inv := &fakeInvoker{snap: testSnapshot(t)}
	eng := newTestEngine(t, model, inv)

	res, err := eng.Run(context.Background(), "find me docs about pricing")
	require.NoError(t, err)
	assert.Equal(t, "Found three documents about pricing.", res.Content)
	assert.Equal(t, 1, res.ToolCalls)

	calls := inv.invoked()
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].name)
	assert.Equal(t, "pricing", calls[0].args["query"])

	// the second model call sees the paired request/result turns
	require.Equal(t, 2, model.callCount())
	second := model.calls[1]
	var requests, results int
	for _, msg := range second {
		requests += len(msg.ToolCalls())
		results += len(msg.ToolResponses())
	}
	assert.Equal(t, 1, requests)
	assert.Equal(t, 1, results)
}

func TestEngineGuardrailBlocksExplicitOnly(t *testing.T) {
	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("c1", "send_email", `{"to":"a@b.c","body":"pricing docs"}`),
		textResponse("I cannot send that email without an explicit request."),
	}}
	inv := &fakeInvoker{snap: testSnapshot(t)}
	eng := newTestEngine(t, model, inv)

	res, err := eng.Run(context.Background(), "find me docs about pricing")
	require.NoError(t, err)
	assert.Empty(t, inv.invoked(), "send_email must never reach the registry")

	// the model saw a structured GUARDRAIL outcome
	last := model.calls[1]
	var found bool
	for _, msg := range last {
		for _, tr := range msg.ToolResponses() {
			assert.Contains(t, tr.Content, `"GUARDRAIL"`)
			found = true
		}
	}
	assert.True(t, found)
	assert.NotEmpty(t, res.Content)
}

func TestEngineGuardrailAllowsExplicitText(t *testing.T) {
	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("c1", "send_email", `{"to":"a@b.c","body":"hello"}`),
		textResponse("Sent."),
	}}
	inv := &fakeInvoker{snap: testSnapshot(t)}
	eng := newTestEngine(t, model, inv)

	_, err := eng.Run(context.Background(), "send_email to a@b.c now")
	require.NoError(t, err)
	calls := inv.invoked()
	require.Len(t, calls, 1)
	assert.Equal(t, "send_email", calls[0].name)
}

func TestEngineInvalidArguments(t *testing.T) {
	model := &fakeModel{script: []*llms.ContentResponse{
		// missing required "query"
		toolCallResponse("c1", "search", `{"k":3}`),
		textResponse("answer"),
	}}
	inv := &fakeInvoker{snap: testSnapshot(t)}
	eng := newTestEngine(t, model, inv)

	_, err := eng.Run(context.Background(), "find docs")
	require.NoError(t, err)
	assert.Empty(t, inv.invoked(), "invalid arguments must not reach the registry")

	last := model.calls[1]
	var content string
	for _, msg := range last {
		for _, tr := range msg.ToolResponses() {
			content = tr.Content
		}
	}
	assert.Contains(t, content, `"InvalidArguments"`)
	assert.Contains(t, content, "query")
}

func TestEngineUnknownFieldsDropped(t *testing.T) {
	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("c1", "search", `{"query":"pricing","verbose":true}`),
		textResponse("answer"),
	}}
	inv := &fakeInvoker{snap: testSnapshot(t)}
	eng := newTestEngine(t, model, inv)

	_, err := eng.Run(context.Background(), "find docs")
	require.NoError(t, err)
	calls := inv.invoked()
	require.Len(t, calls, 1)
	assert.NotContains(t, calls[0].args, "verbose")
}

func TestEngineToolTimeout(t *testing.T) {
	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("c1", "search", `{"query":"pricing"}`),
		textResponse("answer"),
	}}
	inv := &fakeInvoker{snap: testSnapshot(t)}
	inv.callFn = func(string, map[string]any) (json.RawMessage, error) {
		return nil, context.DeadlineExceeded
	}
	eng := newTestEngine(t, model, inv, orchestrator.WithToolTimeout(10*time.Millisecond))

	res, err := eng.Run(context.Background(), "find docs")
	require.NoError(t, err, "timeouts are converted, never propagated")

	last := model.calls[1]
	var content string
	for _, msg := range last {
		for _, tr := range msg.ToolResponses() {
			content = tr.Content
		}
	}
	assert.Contains(t, content, `"Timeout"`)
	assert.NotEmpty(t, res.Content)
}

func TestEngineEmptyTurnThenText(t *testing.T) {
	model := &fakeModel{script: []*llms.ContentResponse{
		{Choices: []*llms.ContentChoice{{Content: ""}}},
		textResponse("final answer"),
	}}
	inv := &fakeInvoker{snap: testSnapshot(t)}
	eng := newTestEngine(t, model, inv)

	res, err := eng.Run(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "final answer", res.Content)
	assert.Equal(t, 2, model.callCount())
}

func TestEngineHopBudgetFallback(t *testing.T) {
	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("c1", "search", `{"query":"a"}`),
		toolCallResponse("c2", "search", `{"query":"b"}`),
		toolCallResponse("c3", "search", `{"query":"c"}`),
	}}
	inv := &fakeInvoker{snap: testSnapshot(t)}
	eng := newTestEngine(t, model, inv, orchestrator.WithMaxHops(2))

	res, err := eng.Run(context.Background(), "find docs")
	require.NoError(t, err)
	assert.Equal(t, orchestrator.FallbackAnswer, res.Content)
	assert.Equal(t, 2, model.callCount(), "budget bounds the model calls")
}

func TestEngineSynthesizedIDsUniqueAcrossHops(t *testing.T) {
	// a backend omitting call IDs may call the same tool on every hop;
	// the filled-in IDs must not collide
	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("", "search", `{"query":"a"}`),
		toolCallResponse("", "search", `{"query":"b"}`),
		textResponse("combined answer"),
	}}
	inv := &fakeInvoker{snap: testSnapshot(t)}
	eng := newTestEngine(t, model, inv)

	res, err := eng.Run(context.Background(), "find docs")
	require.NoError(t, err)
	assert.Equal(t, "combined answer", res.Content)
	assert.Equal(t, 2, res.ToolCalls)

	ids := map[string]int{}
	for _, msg := range res.Messages {
		for _, tc := range msg.ToolCalls() {
			require.NotEmpty(t, tc.ID)
			ids[tc.ID]++
		}
	}
	require.Len(t, ids, 2)
	for id, n := range ids {
		assert.Equal(t, 1, n, "id %q reused", id)
	}
}

func TestEnginePairingAssertedOnSeededHistory(t *testing.T) {
	model := &fakeModel{}
	inv := &fakeInvoker{snap: testSnapshot(t)}
	eng := newTestEngine(t, model, inv)

	unpaired := llms.MessageFromToolCalls(llms.RoleAI, llms.ToolCall{
		ID:           "dangling",
		Type:         "function",
		FunctionCall: &llms.FunctionCall{Name: "search", Arguments: "{}"},
	})
	_, err := eng.Run(context.Background(), "hello", unpaired)
	require.Error(t, err)
	var perr *orchestrator.PairingError
	require.ErrorAs(t, err, &perr)
	assert.Zero(t, model.callCount(), "malformed batches are never transmitted")
}

func TestEngineLocalTool(t *testing.T) {
	type echoInput struct {
		Text string `json:"text"`
	}
	type echoOutput struct {
		Echo string `json:"echo"`
	}
	echo, err := tools.NewTool("echo", "Echoes the input.",
		func(_ context.Context, in *echoInput) (*echoOutput, error) {
			return &echoOutput{Echo: in.Text}, nil
		})
	require.NoError(t, err)

	model := &fakeModel{script: []*llms.ContentResponse{
		toolCallResponse("c1", "echo", `{"text":"hi"}`),
		textResponse("echoed"),
	}}
	inv := &fakeInvoker{snap: testSnapshot(t)}
	eng := newTestEngine(t, model, inv, orchestrator.WithLocalTools(echo))

	res, err := eng.Run(context.Background(), "echo hi")
	require.NoError(t, err)
	assert.Equal(t, "echoed", res.Content)
	assert.Empty(t, inv.invoked(), "local tools bypass the registry")

	last := model.calls[1]
	var content string
	for _, msg := range last {
		for _, tr := range msg.ToolResponses() {
			content = tr.Content
		}
	}
	assert.Contains(t, content, `"echo":"hi"`)
}

func TestEngineTurnConventionBatchesResults(t *testing.T) {
	model := &fakeModel{
		provider: llms.ProviderAnthropic,
		script: []*llms.ContentResponse{
			{Choices: []*llms.ContentChoice{{
				StopReason: "tool_use",
				ToolCalls: []llms.ToolCall{
					{ID: "c1", Type: "function", FunctionCall: &llms.FunctionCall{Name: "search", Arguments: `{"query":"a"}`}},
					{ID: "c2", Type: "function", FunctionCall: &llms.FunctionCall{Name: "search", Arguments: `{"query":"b"}`}},
				},
			}}},
			textResponse("answer"),
		},
	}
	inv := &fakeInvoker{snap: testSnapshot(t)}
	eng := newTestEngine(t, model, inv)

	_, err := eng.Run(context.Background(), "find docs")
	require.NoError(t, err)

	second := model.calls[1]
	var toolTurns int
	for _, msg := range second {
		if len(msg.ToolResponses()) > 0 {
			toolTurns++
			assert.Len(t, msg.ToolResponses(), 2)
		}
	}
	assert.Equal(t, 1, toolTurns, "turn convention batches results into one turn")
}

func TestEngineDuplicateLocalToolRejected(t *testing.T) {
	type in struct{}
	type out struct{}
	a, err := tools.NewTool("dup", "a", func(context.Context, *in) (*out, error) { return &out{}, nil })
	require.NoError(t, err)
	b, err := tools.NewTool("DUP", "b", func(context.Context, *in) (*out, error) { return &out{}, nil })
	require.NoError(t, err)

	_, err = orchestrator.NewEngine(&fakeModel{}, &fakeInvoker{}, nil, orchestrator.WithLocalTools(a, b))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate local tool name")
}
