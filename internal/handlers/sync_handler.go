package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/partners/syncagent/internal/models"
	"github.com/partners/syncagent/internal/observability"
	"github.com/partners/syncagent/internal/services"
)

const maxChangeBody = 1 << 20

// SyncHandler exposes the sync engine to POS front-ends
type SyncHandler struct {
	engine *services.SyncEngine
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(engine *services.SyncEngine) *SyncHandler {
	return &SyncHandler{engine: engine}
}

// GetStatus returns the current sync status
// @Summary Get sync status
// @Tags sync
// @Produce json
// @Success 200 {object} models.SyncStatus
// @Security ApiKeyAuth
// @Router /api/sync/status [get]
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.GetStatus(r.Context()))
}

// SyncNow runs a sync cycle and waits for it
// @Summary Trigger a sync cycle
// @Description Runs one cycle, or joins the running one. success is false when offline.
// @Tags sync
// @Produce json
// @Success 200 {object} models.SyncNowResponse
// @Security ApiKeyAuth
// @Router /api/sync/now [post]
func (h *SyncHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	ok := h.engine.SyncNow(r.Context())
	writeJSON(w, http.StatusOK, models.SyncNowResponse{
		Success: ok,
		Status:  h.engine.GetStatus(r.Context()),
	})
}

// LogChange queues a local mutation for delivery
// @Summary Record a local change
// @Tags sync
// @Accept json
// @Produce json
// @Param request body models.LogChangeRequest true "Change"
// @Success 201 {object} models.LogChangeResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/changes [post]
func (h *SyncHandler) LogChange(w http.ResponseWriter, r *http.Request) {
	var req models.LogChangeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChangeBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	id, err := h.engine.LogChange(r.Context(), req.EntityType, req.EntityID, req.OperationType, req.Payload)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	observability.WithContext(r.Context()).WithField("operation_id", id).Debug("Change logged")
	writeJSON(w, http.StatusCreated, models.LogChangeResponse{OperationID: id})
}
