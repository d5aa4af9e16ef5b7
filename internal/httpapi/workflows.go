package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/faults"
	"github.com/loomworks/loom/internal/plan"
)

type submitRequest struct {
	WorkflowID  string      `json:"workflow_id"`
	UserRequest string      `json:"user_request"`
	Tasks       []plan.Task `json:"tasks"`
	// PlanRef names a registered plan instead of inlining tasks.
	PlanRef string `json:"plan_ref"`
}

type submitResponse struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

type taskResultView struct {
	TaskName   string `json:"task_name"`
	Output     string `json:"output,omitempty"`
	Success    bool   `json:"success"`
	Cached     bool   `json:"cached,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

type statusResponse struct {
	WorkflowID  string           `json:"workflow_id"`
	Status      string           `json:"status"`
	UserRequest string           `json:"user_request"`
	TaskCount   int              `json:"task_count"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  *time.Time       `json:"finished_at,omitempty"`
	Results     []taskResultView `json:"results"`
	Error       string           `json:"error,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, faults.Wrap(faults.InvalidInput, "decoding request body", err))
		return
	}
	if strings.TrimSpace(req.UserRequest) == "" {
		writeError(w, faults.New(faults.InvalidInput, "user_request is required"))
		return
	}
	tasks := req.Tasks
	if req.PlanRef != "" {
		if len(tasks) > 0 {
			writeError(w, faults.New(faults.InvalidInput, "tasks and plan_ref are mutually exclusive"))
			return
		}
		if s.registry == nil {
			writeError(w, faults.New(faults.InvalidInput, "plan registry is not enabled"))
			return
		}
		entry, ok := s.registry.Get(req.PlanRef)
		if !ok {
			writeError(w, faults.Errorf(faults.NotFound, "plan %q not found", req.PlanRef))
			return
		}
		tasks = entry.Spec.Tasks
	}

	id := req.WorkflowID
	if id == "" {
		id = uuid.New().String()
	}
	if err := s.orch.Submit(id, req.UserRequest, tasks); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{WorkflowID: id, Status: "PENDING"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	report, ok := s.orch.Status(id)
	if !ok {
		writeError(w, faults.Errorf(faults.NotFound, "workflow %s not found", id))
		return
	}
	resp := statusResponse{
		WorkflowID:  report.WorkflowID,
		Status:      string(report.Status),
		UserRequest: report.UserRequest,
		TaskCount:   report.TaskCount,
		StartedAt:   report.StartedAt,
		Results:     viewResults(report.Results),
		Error:       report.Error,
	}
	if !report.FinishedAt.IsZero() {
		resp.FinishedAt = &report.FinishedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	outputs, err := s.store.LoadTaskOutputs(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflow_id": id,
		"outputs":     outputs,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": id,
		"status":      "CANCELLING",
	})
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, map[string]any{"plans": []plan.Summary{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": s.registry.List()})
}

func viewResults(results []executor.TaskResult) []taskResultView {
	views := make([]taskResultView, len(results))
	for i, r := range results {
		views[i] = taskResultView{
			TaskName:   r.TaskName,
			Output:     r.Output,
			Success:    r.Success,
			Cached:     r.Cached,
			DurationMS: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			views[i].Error = r.Err.Error()
		}
	}
	return views
}
