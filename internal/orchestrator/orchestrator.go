// Package orchestrator ties planning and execution together: it validates a
// plan, derives the execution batches, persists the plan, and runs the batches
// through the executor while tracking per-workflow status.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/budget"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/faults"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/tracing"
)

// Status of a workflow as tracked by the orchestrator.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Report is a point-in-time snapshot of a workflow run.
type Report struct {
	WorkflowID  string                `json:"workflow_id"`
	Status      Status                `json:"status"`
	UserRequest string                `json:"user_request"`
	TaskCount   int                   `json:"task_count"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  time.Time             `json:"finished_at,omitzero"`
	Results     []executor.TaskResult `json:"-"`
	Error       string                `json:"error,omitempty"`
}

type run struct {
	report Report
	cancel context.CancelFunc
}

// Orchestrator runs workflows and remembers their outcomes for the lifetime
// of the process. Persisted task outputs survive restarts through the store;
// the in-memory status map does not.
type Orchestrator struct {
	analyzer *plan.Analyzer
	executor *executor.Executor
	store    *store.Store
	events   *events.Manager
	budget   *budget.Manager
	logger   *zap.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// New builds an orchestrator. The events manager and budget manager may be
// nil.
func New(exec *executor.Executor, st *store.Store, ev *events.Manager, bm *budget.Manager, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		analyzer: plan.NewAnalyzer(logger),
		executor: exec,
		store:    st,
		events:   ev,
		budget:   bm,
		logger:   logger,
		runs:     make(map[string]*run),
	}
	return o
}

// Run executes a workflow synchronously and returns the per-task results in
// authored order. Passing no tasks resumes from the plan persisted under the
// same workflow id. A workflow id can only have one active run at a time;
// re-running a finished id resumes from its persisted outputs.
func (o *Orchestrator) Run(ctx context.Context, workflowID, userRequest string, tasks []plan.Task) ([]executor.TaskResult, error) {
	runCtx, err := o.begin(ctx, workflowID, userRequest, &tasks)
	if err != nil {
		return nil, err
	}
	return o.execute(runCtx, workflowID, userRequest, tasks)
}

// Submit starts a workflow in the background and returns once it is
// registered. The run outcome is observable through Status.
func (o *Orchestrator) Submit(workflowID, userRequest string, tasks []plan.Task) error {
	runCtx, err := o.begin(context.Background(), workflowID, userRequest, &tasks)
	if err != nil {
		return err
	}
	go func() {
		if _, err := o.execute(runCtx, workflowID, userRequest, tasks); err != nil {
			o.logger.Warn("workflow failed",
				zap.String("workflow_id", workflowID),
				zap.Error(err))
		}
	}()
	return nil
}

// Status reports the last known state of a workflow id.
func (o *Orchestrator) Status(workflowID string) (Report, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[workflowID]
	if !ok {
		return Report{}, false
	}
	out := r.report
	out.Results = append([]executor.TaskResult(nil), r.report.Results...)
	return out, true
}

// Cancel requests cooperative cancellation of an active run. Already-finished
// tasks stay persisted, so the workflow can be resumed later.
func (o *Orchestrator) Cancel(workflowID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, ok := o.runs[workflowID]
	if !ok {
		return faults.Errorf(faults.NotFound, "workflow %s not found", workflowID)
	}
	if r.report.Status != StatusRunning && r.report.Status != StatusPending {
		return faults.Errorf(faults.InvalidInput, "workflow %s is not running (status %s)", workflowID, r.report.Status)
	}
	r.cancel()
	return nil
}

// begin validates the request, resolves the task list (loading the persisted
// plan when none is given), and registers the run. It returns the context the
// run must execute under.
func (o *Orchestrator) begin(ctx context.Context, workflowID, userRequest string, tasks *[]plan.Task) (context.Context, error) {
	if workflowID == "" {
		return nil, faults.New(faults.InvalidInput, "workflow id is required")
	}
	if len(*tasks) == 0 {
		stored, found, err := o.store.LoadPlan(ctx, workflowID)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, faults.Errorf(faults.InvalidInput, "workflow %s has no tasks and no persisted plan", workflowID)
		}
		*tasks = stored
	}
	if err := plan.Validate(*tasks); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	if r, active := o.runs[workflowID]; active && (r.report.Status == StatusRunning || r.report.Status == StatusPending) {
		o.mu.Unlock()
		cancel()
		return nil, faults.Errorf(faults.InvalidInput, "workflow %s is already running", workflowID)
	}
	o.runs[workflowID] = &run{
		report: Report{
			WorkflowID:  workflowID,
			Status:      StatusPending,
			UserRequest: userRequest,
			TaskCount:   len(*tasks),
			StartedAt:   time.Now(),
		},
		cancel: cancel,
	}
	o.mu.Unlock()
	return runCtx, nil
}

func (o *Orchestrator) execute(ctx context.Context, workflowID, userRequest string, tasks []plan.Task) ([]executor.TaskResult, error) {
	defer func() {
		if o.budget != nil {
			o.budget.Release(workflowID)
		}
	}()

	// Analysis must pass before anything touches the store: a rejected plan
	// (cycle) leaves no trace.
	batches, err := o.analyzer.Batches(tasks)
	if err != nil {
		o.finish(workflowID, nil, err)
		return nil, err
	}
	if err := o.store.SavePlan(ctx, workflowID, tasks); err != nil {
		o.finish(workflowID, nil, err)
		return nil, err
	}

	ctx, span := tracing.StartWorkflowSpan(ctx, workflowID, len(tasks))
	defer span.End()

	o.transition(workflowID, StatusRunning)
	metrics.WorkflowsStarted.Inc()
	metrics.WorkflowsActive.Inc()
	defer metrics.WorkflowsActive.Dec()
	o.publish(events.Event{
		WorkflowID: workflowID,
		Type:       events.TypeWorkflowStarted,
		Message:    userRequest,
	})
	o.logger.Info("workflow started",
		zap.String("workflow_id", workflowID),
		zap.Int("tasks", len(tasks)),
		zap.Int("batches", len(batches)))

	results, err := o.executor.Execute(ctx, workflowID, userRequest, tasks, batches)
	if err != nil {
		span.RecordError(err)
	}
	o.finish(workflowID, results, err)
	return results, err
}

func (o *Orchestrator) transition(workflowID string, status Status) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.runs[workflowID]; ok {
		r.report.Status = status
	}
}

func (o *Orchestrator) finish(workflowID string, results []executor.TaskResult, err error) {
	o.mu.Lock()
	r, ok := o.runs[workflowID]
	if ok {
		r.report.Results = results
		r.report.FinishedAt = time.Now()
		metrics.WorkflowDuration.Observe(r.report.FinishedAt.Sub(r.report.StartedAt).Seconds())
		if err != nil {
			r.report.Status = StatusFailed
			r.report.Error = err.Error()
		} else {
			r.report.Status = StatusCompleted
		}
		r.cancel()
	}
	o.mu.Unlock()
	if !ok {
		return
	}

	if err != nil {
		metrics.WorkflowsCompleted.WithLabelValues("failed").Inc()
		o.publish(events.Event{
			WorkflowID: workflowID,
			Type:       events.TypeWorkflowFailed,
			Message:    err.Error(),
		})
		return
	}
	metrics.WorkflowsCompleted.WithLabelValues("success").Inc()
	o.publish(events.Event{WorkflowID: workflowID, Type: events.TypeWorkflowCompleted})
}

func (o *Orchestrator) publish(evt events.Event) {
	if o.events != nil {
		o.events.Publish(evt)
	}
}
