package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/partners/syncagent/internal/models"
	"github.com/partners/syncagent/internal/repository"
	"github.com/partners/syncagent/internal/services"
)

// ReferenceHandler serves the local copy of backend reference data
type ReferenceHandler struct {
	refs    repository.ReferenceRepo
	cursors repository.ReferenceStateRepo
	engine  *services.SyncEngine
}

// NewReferenceHandler creates a new ReferenceHandler
func NewReferenceHandler(refs repository.ReferenceRepo, cursors repository.ReferenceStateRepo, engine *services.SyncEngine) *ReferenceHandler {
	return &ReferenceHandler{refs: refs, cursors: cursors, engine: engine}
}

// ReferenceListResponse is returned when listing cached records
type ReferenceListResponse struct {
	Records    []*models.ReferenceRecord  `json:"records"`
	TotalCount int                        `json:"totalCount"`
	Skip       int                        `json:"skip"`
	Take       int                        `json:"take"`
	State      *models.ReferenceSyncState `json:"state,omitempty"`
}

// PullResponse reports a manual reference pull
type PullResponse struct {
	Changed int `json:"changed"`
}

func kindParam(r *http.Request) (models.ReferenceKind, bool) {
	kind := models.ReferenceKind(chi.URLParam(r, "kind"))
	for _, k := range models.ReferenceKinds {
		if k == kind {
			return kind, true
		}
	}
	return "", false
}

// ListRecords returns cached records of one kind
// @Summary List cached reference records
// @Tags reference
// @Produce json
// @Param kind path string true "products, customers or suppliers"
// @Success 200 {object} ReferenceListResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/reference/{kind} [get]
func (h *ReferenceHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown reference kind")
		return
	}
	skip, take := paging(r)

	records, total, err := h.refs.GetAll(r.Context(), kind, skip, take)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if records == nil {
		records = []*models.ReferenceRecord{}
	}

	state, err := h.cursors.Get(r.Context(), kind)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, ReferenceListResponse{
		Records:    records,
		TotalCount: total,
		Skip:       skip,
		Take:       take,
		State:      state,
	})
}

// GetRecord returns one cached record
// @Summary Get cached reference record
// @Tags reference
// @Produce json
// @Param kind path string true "products, customers or suppliers"
// @Param id path string true "Record ID"
// @Success 200 {object} models.ReferenceRecord
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/reference/{kind}/{id} [get]
func (h *ReferenceHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown reference kind")
		return
	}

	rec, err := h.refs.GetByID(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "Record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Pull refreshes one kind from the backend
// @Summary Pull reference data now
// @Tags reference
// @Produce json
// @Param kind path string true "products, customers or suppliers"
// @Success 200 {object} PullResponse
// @Failure 502 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/reference/{kind}/pull [post]
func (h *ReferenceHandler) Pull(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(r)
	if !ok {
		writeError(w, http.StatusNotFound, "Unknown reference kind")
		return
	}

	n, err := h.engine.PullReference(r.Context(), kind)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, PullResponse{Changed: n})
}
