package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"inventory-ops-engine/internal/engine"
	"inventory-ops-engine/internal/models"
)

// maxBatchSize bounds one batch submission
const maxBatchSize = 100

// OperationsHandler exposes the operation submission and query endpoints
type OperationsHandler struct {
	engine *engine.Orchestrator
}

// NewOperationsHandler creates a new operations handler
func NewOperationsHandler(orchestrator *engine.Orchestrator) *OperationsHandler {
	return &OperationsHandler{engine: orchestrator}
}

// SubmitOperation handles POST /v1/operations
func (h *OperationsHandler) SubmitOperation(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitOperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload", err.Error())
		return
	}

	duplicate := false
	if req.IdempotencyKey != "" {
		_, duplicate = h.engine.LookupIdempotent(req.IdempotencyKey)
	}

	opID, err := h.engine.Submit(r.Context(), toSubmitRequest(req))
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	status := http.StatusAccepted
	if duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, models.SubmitOperationResponse{
		OperationID: opID,
		Status:      string(engine.StatusPending),
		Duplicate:   duplicate,
	})
}

// SubmitBatch handles POST /v1/operations/batch. Entries are independent:
// one malformed entry does not sink the rest.
func (h *OperationsHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req models.BatchSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload", err.Error())
		return
	}
	if len(req.Operations) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "Batch must contain at least one operation", nil)
		return
	}
	if len(req.Operations) > maxBatchSize {
		writeError(w, http.StatusBadRequest, "invalid_request", "Batch exceeds maximum size", maxBatchSize)
		return
	}

	resp := models.BatchSubmitResponse{Results: make([]models.BatchEntryResult, 0, len(req.Operations))}
	for i, entry := range req.Operations {
		result := models.BatchEntryResult{Index: i}

		opID, err := h.engine.Submit(r.Context(), toSubmitRequest(entry))
		if err != nil {
			result.Error = err.Error()
			resp.Rejected++
		} else {
			result.OperationID = opID
			result.Accepted = true
			resp.Accepted++
		}
		resp.Results = append(resp.Results, result)
	}

	slog.Info("Batch submitted", "total", len(req.Operations), "accepted", resp.Accepted, "rejected", resp.Rejected)
	writeJSON(w, http.StatusAccepted, resp)
}

// GetOperation handles GET /v1/operations/{operationId}
func (h *OperationsHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	operationID := mux.Vars(r)["operationId"]

	op, exists := h.engine.GetOperation(operationID)
	if !exists {
		writeError(w, http.StatusNotFound, "not_found", "Operation not found or expired", operationID)
		return
	}

	writeJSON(w, http.StatusOK, toOperationResponse(op))
}

// toSubmitRequest maps the wire payload onto the engine's request type
func toSubmitRequest(req models.SubmitOperationRequest) engine.SubmitRequest {
	return engine.SubmitRequest{
		Type:            engine.OperationType(req.Type),
		StoreID:         req.StoreID,
		ProductID:       req.ProductID,
		VariantID:       req.VariantID,
		DestStoreID:     req.DestStoreID,
		Quantity:        req.Quantity,
		NewPrice:        req.NewPrice,
		UserID:          req.UserID,
		UserRole:        req.UserRole,
		ExpectedVersion: req.ExpectedVersion,
		IdempotencyKey:  req.IdempotencyKey,
		OrderRef:        req.OrderRef,
		MaxRetries:      req.MaxRetries,
		ForceApproval:   req.ForceApproval,
		ForceOverride:   req.ForceOverride,
	}
}

// toOperationResponse maps an operation snapshot onto the wire model
func toOperationResponse(op engine.Operation) models.OperationResponse {
	resp := models.OperationResponse{
		OperationID:      op.ID,
		Type:             string(op.Type),
		Status:           string(op.Status),
		StoreID:          op.Key.StoreID,
		ProductID:        op.Key.ProductID,
		VariantID:        op.Key.VariantID,
		DestStoreID:      op.DestStoreID,
		Delta:            op.Delta,
		NewPrice:         op.NewPrice,
		PreviousQuantity: op.PreviousQuantity,
		NewQuantity:      op.NewQuantity,
		ExpectedVersion:  op.ExpectedVersion,
		AppliedVersion:   op.AppliedVersion,
		UserID:           op.UserID,
		UserRole:         op.UserRole,
		RiskScore:        op.RiskScore,
		ApprovalRequired: op.ApprovalRequired,
		ApprovalID:       op.ApprovalID,
		ApprovedBy:       op.ApprovedBy,
		ConflictDetected: op.ConflictDetected,
		Resolution:       string(op.Resolution),
		RetryCount:       op.RetryCount,
		FailureCause:     op.FailureCause,
		FailureDetail:    op.FailureDetail,
		Signature:        op.Signature,
		StartedAt:        op.StartedAt,
		DurationMs:       op.Duration().Milliseconds(),
	}

	if !op.EndedAt.IsZero() {
		ended := op.EndedAt
		resp.EndedAt = &ended
	}

	resp.AuditTrail = make([]models.TrailEntryView, 0, len(op.Trail))
	for _, step := range op.Trail {
		resp.AuditTrail = append(resp.AuditTrail, models.TrailEntryView{
			Timestamp: step.Timestamp,
			Action:    step.Action,
			Actor:     step.Actor,
			Details:   step.Details,
		})
	}
	return resp
}

// writeSubmitError maps engine rejections to HTTP statuses
func writeSubmitError(w http.ResponseWriter, err error) {
	var validationErr *engine.ValidationError
	if errors.As(err, &validationErr) {
		writeError(w, http.StatusBadRequest, "validation_failed", "Operation rejected", validationErr.Errors)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", "Failed to submit operation", err.Error())
}

// writeJSON writes a JSON response with the given status
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes a standardized error envelope
func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, models.NewErrorResponse(code, message, details))
}
