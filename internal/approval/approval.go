// Package approval implements the human-in-the-loop gate: execution pauses
// on a pending approval request until an operator decides, the wait times
// out, or the workflow is cancelled.
package approval

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/faults"
	"github.com/loomworks/loom/internal/metrics"
)

// Status is the state of an approval request. Requests start PENDING and
// reach exactly one terminal state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusCancelled Status = "CANCELLED"
)

// Request asks a human to approve a step of a running workflow.
type Request struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflow_id"`
	TaskName    string    `json:"task_name,omitempty"`
	Description string    `json:"description"`
	RequestedAt time.Time `json:"requested_at"`
}

// Response is the terminal outcome of a request. Feedback carries the
// operator's note; on rejection the executor surfaces it as the failure
// reason.
type Response struct {
	Status    Status    `json:"status"`
	Feedback  string    `json:"feedback,omitempty"`
	DecidedBy string    `json:"decided_by,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Handler decides approval requests. Implementations range from the
// auto-approve pass-through to the interactive Gate fed by the HTTP API.
type Handler interface {
	// RequestApproval blocks until the request reaches a terminal state or
	// the timeout elapses. Timeout surfaces as a TIMEOUT-category error.
	RequestApproval(ctx context.Context, req Request, timeout time.Duration) (Response, error)
	IsInteractive() bool
	Description() string
}

// AutoApproveHandler approves everything immediately. The default when
// approvals are disabled.
type AutoApproveHandler struct{}

func (AutoApproveHandler) RequestApproval(_ context.Context, _ Request, _ time.Duration) (Response, error) {
	metrics.ApprovalDecisions.WithLabelValues(string(StatusApproved)).Inc()
	return Response{Status: StatusApproved, DecidedBy: "auto", DecidedAt: time.Now()}, nil
}

func (AutoApproveHandler) IsInteractive() bool { return false }
func (AutoApproveHandler) Description() string { return "auto-approve" }

type pending struct {
	req  Request
	done chan Response
}

// Gate is an interactive Handler: RequestApproval parks the caller while the
// request is visible through Pending(); Resolve (driven by the approvals
// HTTP endpoint) delivers the decision.
type Gate struct {
	logger *zap.Logger

	mu      sync.Mutex
	waiting map[string]*pending
}

func NewGate(logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{logger: logger, waiting: make(map[string]*pending)}
}

func (g *Gate) IsInteractive() bool { return true }
func (g *Gate) Description() string { return "interactive approval gate" }

func (g *Gate) RequestApproval(ctx context.Context, req Request, timeout time.Duration) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = time.Now()
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}

	p := &pending{req: req, done: make(chan Response, 1)}
	g.mu.Lock()
	g.waiting[req.ID] = p
	g.mu.Unlock()

	g.logger.Info("approval requested",
		zap.String("approval_id", req.ID),
		zap.String("workflow_id", req.WorkflowID),
		zap.String("task_name", req.TaskName),
		zap.Duration("timeout", timeout))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-p.done:
		metrics.ApprovalDecisions.WithLabelValues(string(resp.Status)).Inc()
		return resp, nil
	case <-timer.C:
		g.abandon(req.ID)
		metrics.ApprovalDecisions.WithLabelValues(string(StatusTimedOut)).Inc()
		return Response{Status: StatusTimedOut, DecidedAt: time.Now()},
			faults.Errorf(faults.Timeout, "approval %s timed out after %s", req.ID, timeout)
	case <-ctx.Done():
		g.abandon(req.ID)
		metrics.ApprovalDecisions.WithLabelValues(string(StatusCancelled)).Inc()
		return Response{Status: StatusCancelled, DecidedAt: time.Now()}, ctx.Err()
	}
}

// Resolve delivers a decision for a pending request. Unknown or already
// decided requests yield a NOT_FOUND error.
func (g *Gate) Resolve(id string, approved bool, feedback, decidedBy string) error {
	g.mu.Lock()
	p, ok := g.waiting[id]
	if ok {
		delete(g.waiting, id)
	}
	g.mu.Unlock()
	if !ok {
		return faults.Errorf(faults.NotFound, "no pending approval with id %s", id)
	}

	status := StatusApproved
	if !approved {
		status = StatusRejected
	}
	p.done <- Response{Status: status, Feedback: feedback, DecidedBy: decidedBy, DecidedAt: time.Now()}
	g.logger.Info("approval resolved",
		zap.String("approval_id", id),
		zap.String("status", string(status)),
		zap.String("decided_by", decidedBy))
	return nil
}

// Pending lists requests currently awaiting a decision, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Request, 0, len(g.waiting))
	for _, p := range g.waiting {
		out = append(out, p.req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

func (g *Gate) abandon(id string) {
	g.mu.Lock()
	delete(g.waiting, id)
	g.mu.Unlock()
}
