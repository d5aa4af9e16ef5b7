// Package budget enforces token spending limits on LLM calls: a per-workflow
// cap on total tokens and a process-wide tokens-per-minute rate limit.
package budget

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom/internal/faults"
)

// Config holds budget limits. Zero values disable the corresponding limit.
type Config struct {
	// TokensPerMinute caps the process-wide LLM token throughput.
	TokensPerMinute int `mapstructure:"tokens_per_minute"`
	// MaxTokensPerWorkflow caps the total tokens a single workflow may spend.
	MaxTokensPerWorkflow int `mapstructure:"max_tokens_per_workflow"`
}

// Manager tracks per-workflow token usage and throttles the process-wide
// token rate. Reservations are made with estimated counts before a call and
// reconciled with actual usage afterwards.
type Manager struct {
	limiter        *rate.Limiter
	maxPerWorkflow int
	logger         *zap.Logger

	mu   sync.Mutex
	used map[string]int
}

func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		maxPerWorkflow: cfg.MaxTokensPerWorkflow,
		logger:         logger,
		used:           make(map[string]int),
	}
	if cfg.TokensPerMinute > 0 {
		// Burst of one minute's allowance, refilled continuously.
		m.limiter = rate.NewLimiter(rate.Limit(float64(cfg.TokensPerMinute)/60.0), cfg.TokensPerMinute)
	}
	return m
}

// Reserve debits tokens against the workflow budget and waits until the
// process-wide rate limiter admits them. A workflow that has exhausted its
// budget gets a non-retryable RATE_LIMITED error; waiting is interrupted by
// context cancellation.
func (m *Manager) Reserve(ctx context.Context, workflowID string, tokens int) error {
	if tokens < 0 {
		tokens = 0
	}
	if m.maxPerWorkflow > 0 {
		m.mu.Lock()
		if m.used[workflowID]+tokens > m.maxPerWorkflow {
			used := m.used[workflowID]
			m.mu.Unlock()
			m.logger.Warn("workflow token budget exhausted",
				zap.String("workflow_id", workflowID),
				zap.Int("used", used),
				zap.Int("requested", tokens),
				zap.Int("max", m.maxPerWorkflow))
			return faults.Errorf(faults.RateLimited, "workflow %s exceeded token budget (%d used, %d requested, %d max)",
				workflowID, used, tokens, m.maxPerWorkflow).WithRetryable(false)
		}
		m.used[workflowID] += tokens
		m.mu.Unlock()
	}
	if m.limiter != nil {
		n := tokens
		if burst := m.limiter.Burst(); n > burst {
			n = burst
		}
		if n > 0 {
			if err := m.limiter.WaitN(ctx, n); err != nil {
				return faults.Wrap(faults.Timeout, "waiting for token rate limiter", err)
			}
		}
	}
	return nil
}

// Commit reconciles a reservation with the actual token usage reported by the
// provider. Responses that cost more than estimated debit the difference;
// overestimates are refunded.
func (m *Manager) Commit(workflowID string, reserved, actual int) {
	if m.maxPerWorkflow <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used[workflowID] += actual - reserved
	if m.used[workflowID] < 0 {
		m.used[workflowID] = 0
	}
}

// Used reports the tokens currently charged to a workflow.
func (m *Manager) Used(workflowID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used[workflowID]
}

// Release drops the accounting entry for a finished workflow.
func (m *Manager) Release(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.used, workflowID)
}
