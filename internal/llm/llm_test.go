package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/budget"
	"github.com/loomworks/loom/internal/circuitbreaker"
	"github.com/loomworks/loom/internal/faults"
)

// fakeClient returns scripted responses/errors in order, repeating the last
// entry once the script runs out.
type fakeClient struct {
	mu      sync.Mutex
	calls   int
	script  []error
	resp    Response
	lastReq Request
}

func (f *fakeClient) Provider() string { return "fake" }

func (f *fakeClient) Complete(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	f.lastReq = req
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	if idx >= 0 && f.script[idx] != nil {
		return Response{}, f.script[idx]
	}
	return f.resp, nil
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next Client) Client {
			return clientFunc{next, func(ctx context.Context, req Request) (Response, error) {
				order = append(order, name)
				return next.Complete(ctx, req)
			}}
		}
	}
	c := Chain(&fakeClient{}, tag("outer"), tag("inner"))
	_, err := c.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Equal(t, "fake", c.Provider())
}

type clientFunc struct {
	Client
	fn func(context.Context, Request) (Response, error)
}

func (c clientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return c.fn(ctx, req)
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	transient := faults.New(faults.RateLimited, "throttled")
	fake := &fakeClient{
		script: []error{transient, transient, nil},
		resp:   Response{Text: "done"},
	}
	c := Chain(fake, WithRetry(5, time.Millisecond, zap.NewNop()))

	resp, err := c.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, 3, fake.callCount())
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	transient := faults.New(faults.Service, "upstream down")
	fake := &fakeClient{script: []error{transient}}
	c := Chain(fake, WithRetry(2, time.Millisecond, zap.NewNop()))

	_, err := c.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.Service))
	assert.Equal(t, 3, fake.callCount(), "initial attempt plus two retries")
}

func TestRetryDoesNotRetryNonRetryable(t *testing.T) {
	fatal := faults.New(faults.Auth, "bad key")
	fake := &fakeClient{script: []error{fatal}}
	c := Chain(fake, WithRetry(5, time.Millisecond, zap.NewNop()))

	_, err := c.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.Auth))
	assert.Equal(t, 1, fake.callCount())
}

func TestBudgetBlocksExhaustedWorkflow(t *testing.T) {
	manager := budget.NewManager(budget.Config{MaxTokensPerWorkflow: 10}, zap.NewNop())
	fake := &fakeClient{resp: Response{Text: "ok"}}
	c := Chain(fake, WithBudget(manager))

	req := Request{WorkflowID: "wf-1", MaxTokens: 8}
	_, err := c.Complete(context.Background(), req)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), req)
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.RateLimited))
	assert.Equal(t, 1, fake.callCount(), "provider must not be called once the budget is spent")
}

func TestBudgetCommitsActualUsage(t *testing.T) {
	manager := budget.NewManager(budget.Config{MaxTokensPerWorkflow: 1000}, zap.NewNop())
	fake := &fakeClient{resp: Response{Text: "ok", Usage: Usage{TotalTokens: 7}}}
	c := Chain(fake, WithBudget(manager))

	_, err := c.Complete(context.Background(), Request{WorkflowID: "wf-1", MaxTokens: 500})
	require.NoError(t, err)
	assert.Equal(t, 7, manager.Used("wf-1"))
}

func TestBreakerOpensAndShortCircuits(t *testing.T) {
	failure := faults.New(faults.Service, "down")
	fake := &fakeClient{script: []error{failure}}
	breaker := circuitbreaker.New("llm", circuitbreaker.Config{FailureThreshold: 2}, zap.NewNop())
	c := Chain(fake, WithBreaker(breaker))

	for i := 0; i < 2; i++ {
		_, err := c.Complete(context.Background(), Request{})
		require.Error(t, err)
		assert.True(t, faults.IsCategory(err, faults.Service))
	}

	_, err := c.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.Service))
	assert.True(t, faults.IsRetryable(err), "open circuit should be retryable upstream")
	assert.Equal(t, 2, fake.callCount(), "open circuit must not reach the provider")
}

func TestTracingSpansProviderCalls(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	fake := &fakeClient{
		script: []error{nil, faults.New(faults.Service, "down")},
		resp:   Response{Text: "ok"},
	}
	c := Chain(fake, WithTracing())

	resp, err := c.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)

	_, err = c.Complete(context.Background(), Request{})
	require.Error(t, err)

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	for _, span := range ended {
		assert.Equal(t, "llm.complete", span.Name())
	}
	assert.Empty(t, ended[0].Events())
	require.NotEmpty(t, ended[1].Events(), "the failed call records the error on its span")
	assert.Equal(t, "exception", ended[1].Events()[0].Name)
}

func TestEstimateTokens(t *testing.T) {
	req := Request{
		MaxTokens: 100,
		Messages: []Message{
			UserMessage("12345678"),
			AssistantMessage("", ToolCall{Arguments: "1234"}),
		},
	}
	assert.Equal(t, 103, EstimateTokens(req))
	assert.Equal(t, 1, EstimateTokens(Request{}))
}

func TestMessageHelpers(t *testing.T) {
	m := ToolResultMessage("call-1", "observed")
	assert.Equal(t, RoleTool, m.Role)
	assert.Equal(t, "call-1", m.ToolCallID)

	a := AssistantMessage("thinking", ToolCall{ID: "x", Name: "file_read"})
	assert.Equal(t, RoleAssistant, a.Role)
	require.Len(t, a.ToolCalls, 1)
	assert.Equal(t, "file_read", a.ToolCalls[0].Name)
}
