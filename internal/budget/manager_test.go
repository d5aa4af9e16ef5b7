package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/faults"
)

func TestReserveWithinBudget(t *testing.T) {
	m := NewManager(Config{MaxTokensPerWorkflow: 1000}, zap.NewNop())

	require.NoError(t, m.Reserve(context.Background(), "wf-1", 400))
	require.NoError(t, m.Reserve(context.Background(), "wf-1", 400))
	assert.Equal(t, 800, m.Used("wf-1"))
}

func TestReserveExhaustedBudget(t *testing.T) {
	m := NewManager(Config{MaxTokensPerWorkflow: 500}, zap.NewNop())

	require.NoError(t, m.Reserve(context.Background(), "wf-1", 400))
	err := m.Reserve(context.Background(), "wf-1", 200)
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.RateLimited))
	assert.False(t, faults.IsRetryable(err))

	// Other workflows are unaffected.
	assert.NoError(t, m.Reserve(context.Background(), "wf-2", 400))
}

func TestCommitReconcilesEstimate(t *testing.T) {
	m := NewManager(Config{MaxTokensPerWorkflow: 1000}, zap.NewNop())

	require.NoError(t, m.Reserve(context.Background(), "wf-1", 600))
	m.Commit("wf-1", 600, 250)
	assert.Equal(t, 250, m.Used("wf-1"))

	// Underestimates debit the difference.
	require.NoError(t, m.Reserve(context.Background(), "wf-1", 100))
	m.Commit("wf-1", 100, 300)
	assert.Equal(t, 550, m.Used("wf-1"))
}

func TestCommitNeverGoesNegative(t *testing.T) {
	m := NewManager(Config{MaxTokensPerWorkflow: 1000}, zap.NewNop())

	require.NoError(t, m.Reserve(context.Background(), "wf-1", 100))
	m.Commit("wf-1", 500, 0)
	assert.Equal(t, 0, m.Used("wf-1"))
}

func TestReleaseClearsAccounting(t *testing.T) {
	m := NewManager(Config{MaxTokensPerWorkflow: 500}, zap.NewNop())

	require.NoError(t, m.Reserve(context.Background(), "wf-1", 500))
	m.Release("wf-1")
	assert.Equal(t, 0, m.Used("wf-1"))
	assert.NoError(t, m.Reserve(context.Background(), "wf-1", 500))
}

func TestRateLimiterHonorsContext(t *testing.T) {
	// One token per minute with the bucket already drained: the second
	// reservation must block until the context deadline.
	m := NewManager(Config{TokensPerMinute: 1}, zap.NewNop())
	require.NoError(t, m.Reserve(context.Background(), "wf-1", 1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := m.Reserve(ctx, "wf-1", 1)
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.Timeout))
}

func TestReserveClampsToBurst(t *testing.T) {
	m := NewManager(Config{TokensPerMinute: 10}, zap.NewNop())

	// A request larger than one minute's allowance is admitted at the burst
	// size instead of erroring.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, m.Reserve(ctx, "wf-1", 50))
}

func TestUnlimitedManager(t *testing.T) {
	m := NewManager(Config{}, nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, m.Reserve(context.Background(), "wf-1", 1_000_000))
	}
	assert.Equal(t, 0, m.Used("wf-1"))
}
