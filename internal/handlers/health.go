package handlers

import (
	"net/http"
	"time"

	"inventory-ops-engine/internal/engine"
	"inventory-ops-engine/internal/models"
	"inventory-ops-engine/internal/storage"
)

// HealthHandler reports process health and a few engine gauges
type HealthHandler struct {
	engine  *engine.Orchestrator
	storage storage.VersionedRecordAccessor
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(orchestrator *engine.Orchestrator, accessor storage.VersionedRecordAccessor) *HealthHandler {
	return &HealthHandler{engine: orchestrator, storage: accessor}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := models.HealthResponse{
		Status:           "healthy",
		Timestamp:        time.Now(),
		ActiveOperations: h.engine.ActiveOperations(),
		ActiveLocks:      h.engine.ActiveLocks(),
	}

	if counter, ok := h.storage.(interface{ RecordCount() int }); ok {
		resp.RecordCount = counter.RecordCount()
	}

	writeJSON(w, http.StatusOK, resp)
}
