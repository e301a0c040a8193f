package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"inventory-ops-engine/internal/models"
	"inventory-ops-engine/internal/storage"
)

// InventoryHandler exposes the read-only inventory endpoints
type InventoryHandler struct {
	storage storage.VersionedRecordAccessor
}

// NewInventoryHandler creates a new inventory handler
func NewInventoryHandler(accessor storage.VersionedRecordAccessor) *InventoryHandler {
	return &InventoryHandler{storage: accessor}
}

// GetRecord handles GET /v1/inventory/{storeId}/{productId}. A variant may be
// selected with the ?variant= query parameter. The response carries the
// current version so clients can submit optimistic updates against it.
func (h *InventoryHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	key := storage.RecordKey{
		StoreID:   vars["storeId"],
		ProductID: vars["productId"],
		VariantID: r.URL.Query().Get("variant"),
	}

	record, err := h.storage.ReadCurrent(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "Inventory record not found", key.String())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to read inventory record", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, models.InventoryRecordResponse{
		StoreID:   record.Key.StoreID,
		ProductID: record.Key.ProductID,
		VariantID: record.Key.VariantID,
		Quantity:  record.Quantity,
		Reserved:  record.Metadata.Reserved,
		Available: record.Available(),
		Price:     record.Metadata.Price,
		Active:    record.Metadata.Active,
		Version:   record.Version,
		UpdatedAt: record.UpdatedAt,
	})
}
