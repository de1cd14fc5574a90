package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/partners/syncagent/internal/models"
	"github.com/partners/syncagent/internal/services"
)

// OperationHandler lets operators inspect and resolve outbox records
type OperationHandler struct {
	queue *services.OperationQueue
}

// NewOperationHandler creates a new OperationHandler
func NewOperationHandler(queue *services.OperationQueue) *OperationHandler {
	return &OperationHandler{queue: queue}
}

// ListOperations returns outbox records
// @Summary List outbox operations
// @Description Get operations with optional status filter
// @Tags operations
// @Produce json
// @Param status query string false "Filter by status (pending, processing, completed, failed, conflict)"
// @Param skip query int false "Number of records to skip" default(0)
// @Param take query int false "Number of records to return" default(20)
// @Success 200 {object} models.OperationListResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/operations [get]
func (h *OperationHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	skip, take := paging(r)

	ops, total, err := h.queue.List(r.Context(), status, skip, take)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if ops == nil {
		ops = []*models.SyncOperation{}
	}

	writeJSON(w, http.StatusOK, models.OperationListResponse{
		Operations: ops,
		TotalCount: total,
		Skip:       skip,
		Take:       take,
	})
}

// GetStats returns operation counts by status
// @Summary Outbox statistics
// @Tags operations
// @Produce json
// @Success 200 {object} models.QueueStats
// @Security ApiKeyAuth
// @Router /api/sync/operations/stats [get]
func (h *OperationHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Counts(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetOperation returns one outbox record
// @Summary Get operation
// @Tags operations
// @Produce json
// @Param id path string true "Operation ID"
// @Success 200 {object} models.SyncOperation
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/operations/{id} [get]
func (h *OperationHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// RequeueOperation sends a failed or conflicting operation back to the queue
// @Summary Requeue operation
// @Tags operations
// @Produce json
// @Param id path string true "Operation ID"
// @Success 200 {object} models.SyncOperation
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse "Operation is not failed or in conflict"
// @Security ApiKeyAuth
// @Router /api/sync/operations/{id}/requeue [post]
func (h *OperationHandler) RequeueOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.queue.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// DiscardOperation drops a failed or conflicting operation
// @Summary Discard operation
// @Tags operations
// @Param id path string true "Operation ID"
// @Success 204
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse "Operation is not failed or in conflict"
// @Security ApiKeyAuth
// @Router /api/sync/operations/{id} [delete]
func (h *OperationHandler) DiscardOperation(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Discard(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
