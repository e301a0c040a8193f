package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"inventory-ops-engine/internal/approval"
	"inventory-ops-engine/internal/engine"
	"inventory-ops-engine/internal/models"
)

// AdminHandler exposes conflict review and approval decision endpoints
type AdminHandler struct {
	engine *engine.Orchestrator
	gate   *approval.ManualGate
}

// NewAdminHandler creates a new admin handler. gate may be nil when the
// deployment auto-approves everything.
func NewAdminHandler(orchestrator *engine.Orchestrator, gate *approval.ManualGate) *AdminHandler {
	return &AdminHandler{engine: orchestrator, gate: gate}
}

// ListConflicts handles GET /v1/admin/conflicts
func (h *AdminHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := h.engine.ListConflicts()

	resp := make([]models.ConflictResponse, 0, len(conflicts))
	for _, c := range conflicts {
		resp = append(resp, toConflictResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListPendingApprovals handles GET /v1/admin/approvals
func (h *AdminHandler) ListPendingApprovals(w http.ResponseWriter, r *http.Request) {
	if h.gate == nil {
		writeJSON(w, http.StatusOK, []models.PendingApprovalResponse{})
		return
	}

	pending := h.gate.Pending()
	resp := make([]models.PendingApprovalResponse, 0, len(pending))
	for _, p := range pending {
		resp = append(resp, models.PendingApprovalResponse{
			ApprovalID:  p.ApprovalID,
			OperationID: p.OperationID,
			Type:        p.Type,
			StoreID:     p.StoreID,
			ProductID:   p.ProductID,
			VariantID:   p.VariantID,
			Delta:       p.Delta,
			UserID:      p.UserID,
			UserRole:    p.UserRole,
			RiskScore:   p.RiskScore,
			RequestedAt: p.RequestedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// DecideApproval handles POST /v1/admin/approvals/{approvalId}/decision
func (h *AdminHandler) DecideApproval(w http.ResponseWriter, r *http.Request) {
	if h.gate == nil {
		writeError(w, http.StatusConflict, "not_supported", "Manual approvals are disabled", nil)
		return
	}

	approvalID := mux.Vars(r)["approvalId"]

	var req models.ApprovalDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload", err.Error())
		return
	}
	if req.Approver == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Approver is required", nil)
		return
	}

	if err := h.gate.Decide(approvalID, req.Approved, req.Approver, req.Comments); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "No pending approval with that id", approvalID)
		return
	}

	slog.Info("Approval decided",
		"approval_id", approvalID,
		"approved", req.Approved,
		"approver", req.Approver)

	writeJSON(w, http.StatusOK, map[string]any{
		"approvalId": approvalID,
		"approved":   req.Approved,
	})
}

func toConflictResponse(c engine.Conflict) models.ConflictResponse {
	resp := models.ConflictResponse{
		ConflictID:            c.ID,
		Type:                  string(c.Type),
		Impact:                string(c.Impact),
		StoreID:               c.Key.StoreID,
		ProductID:             c.Key.ProductID,
		WinnerOperationID:     c.Winner.OperationID,
		LoserOperationID:      c.Loser.OperationID,
		StoredVersion:         c.StoredVersion,
		ExpectedVersion:       c.ExpectedVersion,
		Resolved:              c.Resolved,
		Strategy:              string(c.Strategy),
		ResolvedBy:            c.ResolvedBy,
		DiscardedDelta:        c.DiscardedDelta,
		FraudSuspected:        c.FraudSuspected,
		InvestigationRequired: c.InvestigationRequired,
		DetectedAt:            c.DetectedAt,
	}
	if !c.ResolvedAt.IsZero() {
		resolvedAt := c.ResolvedAt
		resp.ResolvedAt = &resolvedAt
	}
	return resp
}
