package agent

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomworks/loom/internal/approval"
	"github.com/loomworks/loom/internal/faults"
	"github.com/loomworks/loom/internal/llm"
	"github.com/loomworks/loom/internal/policy"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/tools"
)

// scriptedLLM returns canned responses in order and records every request.
type scriptedLLM struct {
	mu       sync.Mutex
	script   []llm.Response
	err      error
	requests []llm.Request
}

func (s *scriptedLLM) Provider() string { return "scripted" }

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return llm.Response{}, s.err
	}
	idx := len(s.requests) - 1
	if idx >= len(s.script) {
		idx = len(s.script) - 1
	}
	return s.script[idx], nil
}

type echoTool struct{ name string }

func (e echoTool) Name() string        { return e.name }
func (e echoTool) Description() string { return "echoes input" }
func (e echoTool) Run(_ context.Context, input tools.ExecutionInput) tools.ExecutionResult {
	return tools.ExecutionResult{Success: true, Output: "echo:" + input.Content}
}

type failingTool struct{}

func (failingTool) Name() string        { return "broken" }
func (failingTool) Description() string { return "always fails" }
func (failingTool) Run(context.Context, tools.ExecutionInput) tools.ExecutionResult {
	return tools.Failure("tool exploded")
}

func newMemStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewSQLite(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestExecuteSimpleCompletion(t *testing.T) {
	client := &scriptedLLM{script: []llm.Response{{Text: "the answer", StopReason: "end_turn"}}}
	st := newMemStore(t)
	a := New(Config{Name: "worker"}, client, nil, st, nil, nil, zaptest.NewLogger(t))

	result := a.Execute(context.Background(), tools.ExecutionInput{
		Content:  "what is the answer?",
		Metadata: map[string]any{"workflow_id": "wf-1"},
	})
	require.True(t, result.Success)
	assert.Equal(t, "the answer", result.Output)

	// One system + one user message, no tools advertised.
	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Equal(t, "wf-1", req.WorkflowID)
	assert.Empty(t, req.Tools)
	assert.Equal(t, llm.RoleUser, req.Messages[len(req.Messages)-1].Role)
}

func TestExecuteRecordsMemory(t *testing.T) {
	client := &scriptedLLM{script: []llm.Response{{Text: "42"}}}
	st := newMemStore(t)
	a := New(Config{Name: "historian"}, client, nil, st, nil, nil, zaptest.NewLogger(t))

	result := a.Execute(context.Background(), tools.ExecutionInput{Content: "meaning of life"})
	require.True(t, result.Success)

	entries, err := st.LoadMemory(context.Background(), "historian", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "user: meaning of life", entries[0].Content)
	assert.Equal(t, "assistant: 42", entries[1].Content)
}

func TestExecuteLoadsMemoryContext(t *testing.T) {
	st := newMemStore(t)
	require.NoError(t, st.AddMemory(context.Background(), "worker", "user: earlier question"))
	require.NoError(t, st.AddMemory(context.Background(), "worker", "assistant: earlier answer"))

	client := &scriptedLLM{script: []llm.Response{{Text: "ok"}}}
	a := New(Config{Name: "worker"}, client, nil, st, nil, nil, zaptest.NewLogger(t))
	a.Execute(context.Background(), tools.ExecutionInput{Content: "next"})

	require.Len(t, client.requests, 1)
	var contextMsg string
	for _, m := range client.requests[0].Messages {
		if m.Role == llm.RoleSystem && strings.Contains(m.Content, "earlier answer") {
			contextMsg = m.Content
		}
	}
	assert.NotEmpty(t, contextMsg, "memory should be injected as system context")
}

func TestExecuteToolLoop(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(echoTool{name: "echo"})

	client := &scriptedLLM{script: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo", Arguments: `{"input":"ping"}`}}},
		{Text: "tool said echo:ping"},
	}}
	a := New(Config{Name: "worker"}, client, registry, newMemStore(t), nil, nil, zaptest.NewLogger(t))

	result := a.Execute(context.Background(), tools.ExecutionInput{Content: "use the tool"})
	require.True(t, result.Success)
	assert.Equal(t, "tool said echo:ping", result.Output)

	require.Len(t, client.requests, 2)
	second := client.requests[1]
	last := second.Messages[len(second.Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)
	assert.Equal(t, "echo:ping", last.Content)
}

func TestExecuteUnknownToolStaysInBand(t *testing.T) {
	registry := tools.NewRegistry()
	client := &scriptedLLM{script: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "ghost", Arguments: `{}`}}},
		{Text: "recovered"},
	}}
	a := New(Config{}, client, registry, newMemStore(t), nil, nil, zaptest.NewLogger(t))

	result := a.Execute(context.Background(), tools.ExecutionInput{Content: "x"})
	require.True(t, result.Success, "unknown tool must not fail the agent")
	assert.Equal(t, "recovered", result.Output)

	last := client.requests[1].Messages[len(client.requests[1].Messages)-1]
	assert.Contains(t, last.Content, "unknown tool")
}

func TestExecuteToolFailureStaysInBand(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(failingTool{})
	client := &scriptedLLM{script: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "broken", Arguments: `{}`}}},
		{Text: "worked around it"},
	}}
	a := New(Config{}, client, registry, newMemStore(t), nil, nil, zaptest.NewLogger(t))

	result := a.Execute(context.Background(), tools.ExecutionInput{Content: "x"})
	require.True(t, result.Success)

	last := client.requests[1].Messages[len(client.requests[1].Messages)-1]
	assert.Contains(t, last.Content, "tool exploded")
}

func TestExecuteToolIterationCap(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(echoTool{name: "echo"})

	// The model keeps asking for tools; after the cap the agent strips the
	// tool specs and demands a final answer.
	loop := llm.Response{ToolCalls: []llm.ToolCall{{ID: "c", Name: "echo", Arguments: `{"input":"again"}`}}}
	client := &scriptedLLM{script: []llm.Response{loop, loop, loop, {Text: "final"}}}
	a := New(Config{ToolIterations: 2}, client, registry, newMemStore(t), nil, nil, zaptest.NewLogger(t))

	result := a.Execute(context.Background(), tools.ExecutionInput{Content: "x"})
	require.True(t, result.Success)
	assert.Equal(t, "final", result.Output)

	// 1 initial + 2 tool iterations + 1 no-tools finale.
	require.Len(t, client.requests, 4)
	assert.Empty(t, client.requests[3].Tools, "final request must not advertise tools")
}

func TestExecuteLLMFailure(t *testing.T) {
	client := &scriptedLLM{err: faults.New(faults.Service, "provider down")}
	a := New(Config{}, client, nil, newMemStore(t), nil, nil, zaptest.NewLogger(t))

	result := a.Execute(context.Background(), tools.ExecutionInput{Content: "x"})
	require.False(t, result.Success)
	assert.Contains(t, result.Output, "LLM call failed")
}

func TestExecutePolicyDeniesTool(t *testing.T) {
	const denyAll = `package loom.tool

default decision := {"allow": false, "reason": "nothing allowed"}
`
	engine, err := policy.NewEngineFromModule(policy.Config{Enabled: true, Mode: policy.ModeEnforce}, denyAll, zaptest.NewLogger(t))
	require.NoError(t, err)

	registry := tools.NewRegistry()
	registry.Register(echoTool{name: "echo"})
	client := &scriptedLLM{script: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo", Arguments: `{"input":"x"}`}}},
		{Text: "done without tool"},
	}}
	a := New(Config{}, client, registry, newMemStore(t), engine, nil, zaptest.NewLogger(t))

	result := a.Execute(context.Background(), tools.ExecutionInput{Content: "x"})
	require.True(t, result.Success)

	last := client.requests[1].Messages[len(client.requests[1].Messages)-1]
	assert.Contains(t, last.Content, "blocked by policy")
	assert.Contains(t, last.Content, "nothing allowed")
}

func TestExecuteApprovalRejectionBlocksTool(t *testing.T) {
	const needsApproval = `package loom.tool

default decision := {"allow": true, "require_approval": true}
`
	engine, err := policy.NewEngineFromModule(policy.Config{Enabled: true, Mode: policy.ModeEnforce}, needsApproval, zaptest.NewLogger(t))
	require.NoError(t, err)

	gate := approval.NewGate(zaptest.NewLogger(t))
	go func() {
		for {
			if pending := gate.Pending(); len(pending) == 1 {
				gate.Resolve(pending[0].ID, false, "too risky", "reviewer")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	registry := tools.NewRegistry()
	registry.Register(echoTool{name: "echo"})
	client := &scriptedLLM{script: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "echo", Arguments: `{"input":"x"}`}}},
		{Text: "skipped it"},
	}}
	a := New(Config{ApprovalTimeout: 5 * time.Second}, client, registry, newMemStore(t), engine, gate, zaptest.NewLogger(t))

	result := a.Execute(context.Background(), tools.ExecutionInput{Content: "x"})
	require.True(t, result.Success)

	last := client.requests[1].Messages[len(client.requests[1].Messages)-1]
	assert.Contains(t, last.Content, "not approved")
	assert.Contains(t, last.Content, "too risky")
}

func TestToolSpecsAdvertiseRegistry(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(echoTool{name: "echo"})
	client := &scriptedLLM{script: []llm.Response{{Text: "ok"}}}
	a := New(Config{}, client, registry, newMemStore(t), nil, nil, zaptest.NewLogger(t))

	a.Execute(context.Background(), tools.ExecutionInput{Content: "x"})
	require.Len(t, client.requests, 1)
	require.Len(t, client.requests[0].Tools, 1)
	spec := client.requests[0].Tools[0]
	assert.Equal(t, "echo", spec.Name)
	assert.Equal(t, "echoes input", spec.Description)
	assert.Equal(t, "object", spec.Parameters["type"])
}
