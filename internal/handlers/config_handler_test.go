package handlers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partners/syncagent/internal/models"
)

func TestConfigHandler(t *testing.T) {
	api := newTestAPI(t)

	t.Run("secrets are not exposed", func(t *testing.T) {
		var raw map[string]json.RawMessage
		require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/config", nil, &raw))
		assert.NotContains(t, raw, "apiKey")

		var admin map[string]interface{}
		require.NoError(t, json.Unmarshal(raw["admin"], &admin))
		assert.NotContains(t, admin, "apiKey")
		assert.Equal(t, "X-API-Key", admin["apiKeyHeader"])
	})

	t.Run("partial update keeps other fields", func(t *testing.T) {
		var res ConfigUpdateResponse
		status := api.do(t, http.MethodPut, "/api/config", `{"sync":{"syncInterval":60000}}`, &res)
		require.Equal(t, http.StatusOK, status)
		assert.False(t, res.RestartRequired)
		assert.Equal(t, 60000, res.Config.Sync.SyncInterval)
		assert.Empty(t, res.Config.APIKey)

		cfg := api.store.Get()
		assert.Equal(t, 60000, cfg.Sync.SyncInterval)
		assert.Equal(t, "terminal-key", cfg.APIKey)
		assert.Equal(t, adminKey, cfg.Admin.APIKey)
		assert.Equal(t, 1000.0, cfg.Sync.RequestsPerSecond)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		var errResp models.ErrorResponse
		status := api.do(t, http.MethodPut, "/api/config", `{"sync":{"batchSize":0}}`, &errResp)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Contains(t, errResp.Error, "batchSize")
		assert.Equal(t, 50, api.store.Get().Sync.BatchSize)
	})

	t.Run("startup fields need a restart", func(t *testing.T) {
		var res ConfigUpdateResponse
		status := api.do(t, http.MethodPut, "/api/config", `{"admin":{"address":"127.0.0.1:9000"}}`, &res)
		require.Equal(t, http.StatusOK, status)
		assert.True(t, res.RestartRequired)
	})
}
