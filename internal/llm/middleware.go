package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/budget"
	"github.com/loomworks/loom/internal/circuitbreaker"
	"github.com/loomworks/loom/internal/faults"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/tracing"
)

type retryClient struct {
	Client
	maxRetries uint64
	base       time.Duration
	logger     *zap.Logger
}

// WithRetry retries transient failures with fibonacci backoff. Only errors
// the faults taxonomy marks retryable (rate limits, timeouts, provider
// outages) are retried; auth and validation failures surface immediately.
func WithRetry(maxRetries int, base time.Duration, logger *zap.Logger) Middleware {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Client) Client {
		return &retryClient{Client: next, maxRetries: uint64(maxRetries), base: base, logger: logger}
	}
}

func (c *retryClient) Complete(ctx context.Context, req Request) (Response, error) {
	var resp Response
	attempt := 0
	backoff := retry.WithMaxRetries(c.maxRetries, retry.NewFibonacci(c.base))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		var err error
		resp, err = c.Client.Complete(ctx, req)
		if err == nil {
			return nil
		}
		if faults.IsRetryable(err) {
			c.logger.Warn("llm call failed, will retry",
				zap.String("provider", c.Provider()),
				zap.String("workflow_id", req.WorkflowID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	return resp, err
}

type budgetClient struct {
	Client
	manager *budget.Manager
}

// WithBudget reserves estimated tokens before each call and reconciles with
// the provider-reported usage afterwards. Exhausted budgets surface as
// RATE_LIMITED before any provider traffic.
func WithBudget(manager *budget.Manager) Middleware {
	return func(next Client) Client {
		return &budgetClient{Client: next, manager: manager}
	}
}

func (c *budgetClient) Complete(ctx context.Context, req Request) (Response, error) {
	estimated := EstimateTokens(req)
	if err := c.manager.Reserve(ctx, req.WorkflowID, estimated); err != nil {
		return Response{}, err
	}
	resp, err := c.Client.Complete(ctx, req)
	if err == nil && resp.Usage.TotalTokens > 0 {
		c.manager.Commit(req.WorkflowID, estimated, resp.Usage.TotalTokens)
	}
	return resp, err
}

type breakerClient struct {
	Client
	breaker *circuitbreaker.Breaker
}

// WithBreaker routes calls through a circuit breaker. An open circuit is
// reported as a retryable SERVICE error without touching the provider.
func WithBreaker(breaker *circuitbreaker.Breaker) Middleware {
	return func(next Client) Client {
		return &breakerClient{Client: next, breaker: breaker}
	}
}

func (c *breakerClient) Complete(ctx context.Context, req Request) (Response, error) {
	var resp Response
	err := c.breaker.Execute(ctx, func() error {
		var err error
		resp, err = c.Client.Complete(ctx, req)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrHalfOpenSaturated) {
		return Response{}, faults.Wrap(faults.Service, "llm provider circuit open", err)
	}
	return resp, err
}

type tracingClient struct {
	Client
}

// WithTracing wraps each provider round trip in an llm.complete span.
func WithTracing() Middleware {
	return func(next Client) Client {
		return &tracingClient{Client: next}
	}
}

func (c *tracingClient) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, span := tracing.StartLLMSpan(ctx, c.Provider())
	defer span.End()
	resp, err := c.Client.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
	}
	return resp, err
}

type metricsClient struct {
	Client
}

// WithMetrics records request counts, latency, and token usage per provider.
func WithMetrics() Middleware {
	return func(next Client) Client {
		return &metricsClient{Client: next}
	}
}

func (c *metricsClient) Complete(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	resp, err := c.Client.Complete(ctx, req)
	metrics.RecordLLMRequest(c.Provider(), time.Since(start), resp.Usage.PromptTokens, resp.Usage.CompletionTokens, err)
	return resp, err
}
