package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/faults"
	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/tools"
)

type stubAgent struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	fail  string // prompt substring that triggers failure
}

func (a *stubAgent) Execute(ctx context.Context, input tools.ExecutionInput) tools.ExecutionResult {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return tools.Failure("cancelled")
		}
	}
	if a.fail != "" && strings.Contains(input.Content, a.fail) {
		return tools.Failure("boom")
	}
	return tools.ExecutionResult{Success: true, Output: "out(" + input.Content + ")"}
}

func (a *stubAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func newOrchestrator(t *testing.T, agent executor.Agent) (*Orchestrator, *store.Store, *events.Manager) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	st, err := store.NewSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ev := events.NewManager(events.Config{}, logger)
	t.Cleanup(func() { ev.Close() })

	ex := executor.New(executor.Config{}, agent, st, ev, logger)
	t.Cleanup(func() { ex.Close() })

	return New(ex, st, ev, nil, logger), st, ev
}

func linearTasks() []plan.Task {
	return []plan.Task{
		{Name: "A", Description: "A", Template: "start {{user_request}}"},
		{Name: "B", Description: "B", Template: "expand {{prev_output}}"},
	}
}

func TestRunCompletesWorkflow(t *testing.T) {
	agent := &stubAgent{}
	o, st, ev := newOrchestrator(t, agent)

	results, err := o.Run(context.Background(), "wf-1", "req", linearTasks())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "out(expand out(start req))", results[1].Output)

	report, ok := o.Status("wf-1")
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.Equal(t, 2, report.TaskCount)
	assert.False(t, report.FinishedAt.IsZero())

	// The plan was persisted before execution started.
	stored, found, err := st.LoadPlan(context.Background(), "wf-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"A", "B"}, plan.Names(stored))

	replay := ev.ReplaySince("wf-1", 0)
	require.NotEmpty(t, replay)
	assert.Equal(t, events.TypeWorkflowStarted, replay[0].Type)
	assert.Equal(t, events.TypeWorkflowCompleted, replay[len(replay)-1].Type)
}

func TestRunRecordsFailure(t *testing.T) {
	agent := &stubAgent{fail: "expand"}
	o, _, ev := newOrchestrator(t, agent)

	_, err := o.Run(context.Background(), "wf-2", "req", linearTasks())
	require.Error(t, err)

	report, ok := o.Status("wf-2")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, report.Status)
	assert.Contains(t, report.Error, "task B failed")

	replay := ev.ReplaySince("wf-2", 0)
	assert.Equal(t, events.TypeWorkflowFailed, replay[len(replay)-1].Type)
}

func TestRunRejectsInvalidPlan(t *testing.T) {
	o, _, _ := newOrchestrator(t, &stubAgent{})

	_, err := o.Run(context.Background(), "wf-dup", "req", []plan.Task{
		{Name: "A", Template: "x"},
		{Name: "A", Template: "y"},
	})
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.InvalidInput))

	// Invalid plans are never registered.
	_, ok := o.Status("wf-dup")
	assert.False(t, ok)
}

func TestRunRejectsCyclicPlanWithoutPersisting(t *testing.T) {
	agent := &stubAgent{}
	o, st, _ := newOrchestrator(t, agent)

	_, err := o.Run(context.Background(), "wf-cycle", "req", []plan.Task{
		{Name: "A", Template: "{{B}}"},
		{Name: "B", Template: "{{A}}"},
	})
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.InvalidInput))
	assert.Equal(t, 0, agent.callCount())

	// A plan that never passed analysis leaves no trace in the store.
	_, found, err := st.LoadPlan(context.Background(), "wf-cycle")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRunRequiresWorkflowID(t *testing.T) {
	o, _, _ := newOrchestrator(t, &stubAgent{})
	_, err := o.Run(context.Background(), "", "req", linearTasks())
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.InvalidInput))
}

func TestRunWithoutTasksResumesPersistedPlan(t *testing.T) {
	agent := &stubAgent{}
	o, st, _ := newOrchestrator(t, agent)
	require.NoError(t, st.SavePlan(context.Background(), "wf-res", linearTasks()))

	results, err := o.Run(context.Background(), "wf-res", "req", nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRunWithoutTasksAndWithoutPlanFails(t *testing.T) {
	o, _, _ := newOrchestrator(t, &stubAgent{})
	_, err := o.Run(context.Background(), "wf-none", "req", nil)
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.InvalidInput))
}

func TestSubmitRunsInBackground(t *testing.T) {
	agent := &stubAgent{delay: 20 * time.Millisecond}
	o, _, _ := newOrchestrator(t, agent)

	require.NoError(t, o.Submit("wf-bg", "req", linearTasks()))

	require.Eventually(t, func() bool {
		report, ok := o.Status("wf-bg")
		return ok && report.Status == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	report, _ := o.Status("wf-bg")
	require.Len(t, report.Results, 2)
	assert.True(t, report.Results[1].Success)
}

func TestSecondRunWhileActiveIsRejected(t *testing.T) {
	agent := &stubAgent{delay: 200 * time.Millisecond}
	o, _, _ := newOrchestrator(t, agent)

	require.NoError(t, o.Submit("wf-dup-run", "req", linearTasks()))
	require.Eventually(t, func() bool {
		report, ok := o.Status("wf-dup-run")
		return ok && report.Status == StatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	err := o.Submit("wf-dup-run", "req", linearTasks())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")

	require.NoError(t, o.Cancel("wf-dup-run"))
}

func TestRerunAfterCompletionServesCachedOutputs(t *testing.T) {
	agent := &stubAgent{}
	o, _, _ := newOrchestrator(t, agent)

	_, err := o.Run(context.Background(), "wf-re", "req", linearTasks())
	require.NoError(t, err)
	require.Equal(t, 2, agent.callCount())

	results, err := o.Run(context.Background(), "wf-re", "req", linearTasks())
	require.NoError(t, err)
	assert.True(t, results[0].Cached)
	assert.True(t, results[1].Cached)
	assert.Equal(t, 2, agent.callCount(), "second run is served from the store")
}

func TestCancelStopsActiveRun(t *testing.T) {
	agent := &stubAgent{delay: 5 * time.Second}
	o, _, _ := newOrchestrator(t, agent)

	require.NoError(t, o.Submit("wf-can", "req", linearTasks()))
	require.Eventually(t, func() bool {
		report, ok := o.Status("wf-can")
		return ok && report.Status == StatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, o.Cancel("wf-can"))
	require.Eventually(t, func() bool {
		report, _ := o.Status("wf-can")
		return report.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCancelUnknownWorkflow(t *testing.T) {
	o, _, _ := newOrchestrator(t, &stubAgent{})
	err := o.Cancel("nope")
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.NotFound))
}

func TestCancelFinishedWorkflow(t *testing.T) {
	o, _, _ := newOrchestrator(t, &stubAgent{})
	_, err := o.Run(context.Background(), "wf-done", "req", linearTasks())
	require.NoError(t, err)

	err = o.Cancel("wf-done")
	require.Error(t, err)
	assert.True(t, faults.IsCategory(err, faults.InvalidInput))
}

func TestStatusUnknownWorkflow(t *testing.T) {
	o, _, _ := newOrchestrator(t, &stubAgent{})
	_, ok := o.Status("missing")
	assert.False(t, ok)
}

func TestRunEmitsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	o, _, _ := newOrchestrator(t, &stubAgent{})
	_, err := o.Run(context.Background(), "wf-span", "req", linearTasks())
	require.NoError(t, err)

	counts := map[string]int{}
	for _, span := range recorder.Ended() {
		counts[span.Name()]++
	}
	assert.Equal(t, 1, counts["workflow.run"])
	assert.Equal(t, 2, counts["batch.execute"])
	assert.Equal(t, 2, counts["task.execute"])
}
