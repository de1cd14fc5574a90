package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/partners/syncagent/internal/config"
	"github.com/partners/syncagent/internal/observability"
	"github.com/partners/syncagent/internal/services"
)

// ConfigHandler handles runtime configuration endpoints
type ConfigHandler struct {
	store  *config.Store
	engine *services.SyncEngine
}

// NewConfigHandler creates a new ConfigHandler
func NewConfigHandler(store *config.Store, engine *services.SyncEngine) *ConfigHandler {
	return &ConfigHandler{store: store, engine: engine}
}

// ConfigUpdateResponse is returned after a configuration change
type ConfigUpdateResponse struct {
	Config          config.Config `json:"config"`
	RestartRequired bool          `json:"restartRequired"`
}

// GetConfig returns the live configuration without secrets
// @Summary Get configuration
// @Tags config
// @Produce json
// @Success 200 {object} config.Config
// @Security ApiKeyAuth
// @Router /api/config [get]
func (h *ConfigHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Get().Redacted())
}

// UpdateConfig merges the body into the live configuration. Omitted fields
// keep their value; sync settings apply from the next cycle.
// @Summary Update configuration
// @Tags config
// @Accept json
// @Produce json
// @Param request body config.Config true "Fields to change"
// @Success 200 {object} ConfigUpdateResponse
// @Failure 400 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/config [put]
func (h *ConfigHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	next := h.store.Get()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChangeBody)).Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	restart, err := h.engine.UpdateConfig(next)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	observability.WithContext(r.Context()).WithField("restart_required", restart).Info("Configuration updated")
	writeJSON(w, http.StatusOK, ConfigUpdateResponse{
		Config:          h.store.Get().Redacted(),
		RestartRequired: restart,
	})
}
