package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/loomworks/loom/internal/approval"
	"github.com/loomworks/loom/internal/faults"
)

type decisionRequest struct {
	Approved  bool   `json:"approved"`
	Feedback  string `json:"feedback"`
	DecidedBy string `json:"decided_by"`
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	if s.gate == nil {
		writeError(w, faults.New(faults.NotFound, "approvals are not enabled"))
		return
	}
	pending := s.gate.Pending()
	if pending == nil {
		pending = []approval.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	if s.gate == nil {
		writeError(w, faults.New(faults.NotFound, "approvals are not enabled"))
		return
	}
	id := r.PathValue("id")
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, faults.Wrap(faults.InvalidInput, "decoding request body", err))
		return
	}
	if req.DecidedBy == "" {
		req.DecidedBy = "api"
	}
	if err := s.gate.Resolve(id, req.Approved, req.Feedback, req.DecidedBy); err != nil {
		writeError(w, err)
		return
	}
	status := approval.StatusApproved
	if !req.Approved {
		status = approval.StatusRejected
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"approval_id": id,
		"status":      string(status),
	})
}
