// Package executor runs dependency-ordered task batches on a bounded worker
// pool. Task outputs are persisted before the next batch starts, so a
// crashed run can be re-executed and every already-persisted task is served
// from the store instead of calling the LLM again.
package executor

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/loomworks/loom/internal/approval"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/faults"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/plan"
	"github.com/loomworks/loom/internal/prompt"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/tools"
	"github.com/loomworks/loom/internal/tracing"
)

const (
	defaultTaskTimeout   = 300 * time.Second
	defaultShutdownGrace = 30 * time.Second
)

// Agent executes one rendered task prompt. Satisfied by agent.SubAgent.
type Agent interface {
	Execute(ctx context.Context, input tools.ExecutionInput) tools.ExecutionResult
}

type Config struct {
	// MaxParallelism bounds concurrently running tasks across all workflows.
	// Defaults to runtime.NumCPU().
	MaxParallelism int
	// TaskTimeout bounds a single task; a batch is bounded by
	// TaskTimeout × len(batch).
	TaskTimeout time.Duration
	// ShutdownGrace is how long Close waits for in-flight workflows before
	// forcing them to stop.
	ShutdownGrace time.Duration
	// ApprovalHandler, when set, is asked before each batch starts.
	// Rejection fails the workflow with the reviewer's feedback.
	ApprovalHandler approval.Handler
	// ApprovalTimeout bounds each approval wait.
	ApprovalTimeout time.Duration
}

// TaskResult is the outcome of one task, in authored order in the slice
// returned by Execute.
type TaskResult struct {
	TaskName string
	Output   string
	Success  bool
	// Cached marks results served from persisted outputs without an LLM call.
	Cached   bool
	Duration time.Duration
	Err      error
}

// Executor is safe for concurrent Execute calls; the worker pool is shared.
type Executor struct {
	cfg    Config
	agent  Agent
	store  *store.Store
	events *events.Manager
	logger *zap.Logger
	sem    *semaphore.Weighted

	wg   sync.WaitGroup
	stop chan struct{}

	mu     sync.Mutex
	closed bool
}

// New builds an executor. The events manager may be nil.
func New(cfg Config, agent Agent, st *store.Store, ev *events.Manager, logger *zap.Logger) *Executor {
	if cfg.MaxParallelism <= 0 {
		cfg.MaxParallelism = runtime.NumCPU()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = defaultShutdownGrace
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		cfg:    cfg,
		agent:  agent,
		store:  st,
		events: ev,
		logger: logger,
		sem:    semaphore.NewWeighted(int64(cfg.MaxParallelism)),
		stop:   make(chan struct{}),
	}
}

// Execute runs the batches in order and returns per-task results in authored
// (flattened) order. On failure the returned results cover every task that
// ran; the error names the first failing task. Outputs persisted by earlier
// runs of the same workflow are reused without calling the agent.
func (e *Executor) Execute(ctx context.Context, workflowID, userRequest string, tasks []plan.Task, batches [][]plan.Task) ([]TaskResult, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, faults.New(faults.Internal, "executor is shut down")
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()

	outputs, err := e.store.LoadTaskOutputs(runCtx, workflowID)
	if err != nil {
		return nil, err
	}
	state := &workflowState{
		workflowID:  workflowID,
		userRequest: userRequest,
		outputs:     outputs,
		cached:      make(map[string]bool, len(outputs)),
	}
	for name := range outputs {
		state.cached[name] = true
	}
	predecessors := plan.Predecessors(tasks)

	results := make([]TaskResult, 0, len(tasks))
	for i, batch := range batches {
		batchResults, err := e.runBatch(runCtx, state, predecessors, i, batch)
		results = append(results, batchResults...)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Close drains in-flight workflows for the configured grace period, then
// cancels whatever is still running.
func (e *Executor) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(e.cfg.ShutdownGrace):
		e.logger.Warn("shutdown grace elapsed, cancelling in-flight workflows",
			zap.Duration("grace", e.cfg.ShutdownGrace))
		close(e.stop)
		<-done
		return nil
	}
}

// workflowState is the per-run shared state: accumulated outputs under a
// single-writer-per-key mutex.
type workflowState struct {
	workflowID  string
	userRequest string

	mu      sync.Mutex
	outputs map[string]string
	cached  map[string]bool
}

func (s *workflowState) snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.outputs))
	for k, v := range s.outputs {
		out[k] = v
	}
	return out
}

func (s *workflowState) lookup(name string) (string, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.outputs[name]
	return v, ok, s.cached[name]
}

func (s *workflowState) record(name, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[name] = output
}

func (e *Executor) runBatch(ctx context.Context, state *workflowState, predecessors map[string]string, index int, batch []plan.Task) ([]TaskResult, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	if err := e.awaitApproval(ctx, state.workflowID, index, batch); err != nil {
		return nil, err
	}
	e.publish(events.Event{
		WorkflowID: state.workflowID,
		Type:       events.TypeBatchStarted,
		Batch:      index,
		Message:    fmt.Sprintf("%d task(s)", len(batch)),
	})
	metrics.BatchesExecuted.Inc()
	metrics.BatchSize.Observe(float64(len(batch)))

	batchCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout*time.Duration(len(batch)))
	defer cancel()

	batchCtx, span := tracing.StartSpan(batchCtx, "batch.execute")
	defer span.End()

	results := make([]TaskResult, len(batch))
	if len(batch) == 1 {
		// No pool round trip for sequential stretches of the plan.
		results[0] = e.runTask(batchCtx, state, predecessors, batch[0])
	} else {
		var wg sync.WaitGroup
		for i, task := range batch {
			wg.Add(1)
			go func(i int, task plan.Task) {
				defer wg.Done()
				if err := e.sem.Acquire(batchCtx, 1); err != nil {
					results[i] = TaskResult{
						TaskName: task.Name,
						Err:      faults.Wrap(faults.Timeout, "waiting for worker slot", err),
					}
					return
				}
				defer e.sem.Release(1)
				results[i] = e.runTask(batchCtx, state, predecessors, task)
			}(i, task)
		}
		wg.Wait()
	}

	if batchCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return results, faults.Errorf(faults.Timeout, "batch %d timed out", index)
	}

	for _, r := range results {
		if r.Err != nil {
			e.publish(events.Event{
				WorkflowID: state.workflowID,
				Type:       events.TypeBatchCompleted,
				Batch:      index,
				Message:    "failed",
			})
			return results, faults.Wrap(faults.CategoryOf(r.Err),
				fmt.Sprintf("task %s failed", r.TaskName), r.Err)
		}
	}

	e.publish(events.Event{
		WorkflowID: state.workflowID,
		Type:       events.TypeBatchCompleted,
		Batch:      index,
	})
	return results, nil
}

// awaitApproval gates a batch on the configured handler. A nil handler
// approves implicitly.
func (e *Executor) awaitApproval(ctx context.Context, workflowID string, index int, batch []plan.Task) error {
	if e.cfg.ApprovalHandler == nil {
		return nil
	}
	e.publish(events.Event{
		WorkflowID: workflowID,
		Type:       events.TypeApprovalRequested,
		Batch:      index,
	})
	resp, err := e.cfg.ApprovalHandler.RequestApproval(ctx, approval.Request{
		WorkflowID:  workflowID,
		Description: fmt.Sprintf("run batch %d (%d task(s): %s)", index, len(batch), strings.Join(plan.Names(batch), ", ")),
	}, e.cfg.ApprovalTimeout)
	e.publish(events.Event{
		WorkflowID: workflowID,
		Type:       events.TypeApprovalDecided,
		Batch:      index,
		Message:    string(resp.Status),
	})
	if err != nil {
		return err
	}
	if resp.Status != approval.StatusApproved {
		return faults.Errorf(faults.Internal, "batch %d rejected: %s", index, resp.Feedback).WithRetryable(false)
	}
	return nil
}

func (e *Executor) runTask(ctx context.Context, state *workflowState, predecessors map[string]string, task plan.Task) TaskResult {
	start := time.Now()

	ctx, span := tracing.StartTaskSpan(ctx, state.workflowID, task.Name)
	defer span.End()

	if output, ok, cached := state.lookup(task.Name); ok && cached {
		e.logger.Debug("task output already persisted, skipping execution",
			zap.String("workflow_id", state.workflowID),
			zap.String("task", task.Name))
		e.publish(events.Event{
			WorkflowID: state.workflowID,
			Type:       events.TypeTaskCached,
			TaskName:   task.Name,
		})
		metrics.TasksCached.Inc()
		return TaskResult{TaskName: task.Name, Output: output, Success: true, Cached: true}
	}

	e.publish(events.Event{
		WorkflowID: state.workflowID,
		Type:       events.TypeTaskStarted,
		TaskName:   task.Name,
	})

	vars := state.snapshot()
	vars[prompt.VarUserRequest] = state.userRequest
	if pred, ok := predecessors[task.Name]; ok {
		vars[prompt.VarPrevOutput] = vars[pred]
	}
	rendered := prompt.Render(task.Template, vars)

	taskCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()

	result := e.agent.Execute(taskCtx, tools.ExecutionInput{
		Content: rendered,
		Metadata: map[string]any{
			"workflow_id": state.workflowID,
			"task_name":   task.Name,
		},
	})
	elapsed := time.Since(start)

	if !result.Success {
		err := faults.Errorf(faults.Internal, "%s", result.Output)
		if taskCtx.Err() == context.DeadlineExceeded {
			err = faults.Errorf(faults.Timeout, "task %s timed out after %s", task.Name, e.cfg.TaskTimeout)
		}
		span.RecordError(err)
		e.finishTask(state.workflowID, task.Name, "failed", elapsed, err.Error())
		return TaskResult{TaskName: task.Name, Duration: elapsed, Err: err}
	}

	// Persist before the batch is allowed to advance; a storage failure here
	// is fatal to the workflow.
	if err := e.store.SaveTaskOutput(ctx, state.workflowID, task.Name, result.Output); err != nil {
		e.finishTask(state.workflowID, task.Name, "failed", elapsed, err.Error())
		return TaskResult{TaskName: task.Name, Duration: elapsed, Err: err}
	}
	state.record(task.Name, result.Output)

	e.finishTask(state.workflowID, task.Name, "success", elapsed, "")
	return TaskResult{TaskName: task.Name, Output: result.Output, Success: true, Duration: elapsed}
}

func (e *Executor) finishTask(workflowID, taskName, status string, elapsed time.Duration, errMsg string) {
	metrics.TasksExecuted.WithLabelValues(status).Inc()
	metrics.TaskDuration.Observe(elapsed.Seconds())
	if status == "success" {
		e.publish(events.Event{WorkflowID: workflowID, Type: events.TypeTaskCompleted, TaskName: taskName})
		return
	}
	e.logger.Warn("task failed",
		zap.String("workflow_id", workflowID),
		zap.String("task", taskName),
		zap.String("error", errMsg))
	e.publish(events.Event{WorkflowID: workflowID, Type: events.TypeTaskFailed, TaskName: taskName, Message: errMsg})
}

func (e *Executor) publish(evt events.Event) {
	if e.events != nil {
		e.events.Publish(evt)
	}
}
