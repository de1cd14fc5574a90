package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partners/syncagent/internal/models"
)

func TestReferenceHandler(t *testing.T) {
	api := newTestAPI(t)

	require.NoError(t, api.refs.UpsertMany(context.Background(), []*models.ReferenceRecord{
		{Kind: models.ReferenceProducts, ID: "sku-1", Data: json.RawMessage(`{"id":"sku-1","price":3}`), SyncedAt: testStart},
	}))

	t.Run("list", func(t *testing.T) {
		var list ReferenceListResponse
		require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/reference/products", nil, &list))
		require.Len(t, list.Records, 1)
		assert.Equal(t, "sku-1", list.Records[0].ID)
		assert.Nil(t, list.State, "never pulled")

		require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/reference/customers", nil, &list))
		assert.Empty(t, list.Records)
	})

	t.Run("get", func(t *testing.T) {
		var rec models.ReferenceRecord
		require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/reference/products/sku-1", nil, &rec))
		assert.JSONEq(t, `{"id":"sku-1","price":3}`, string(rec.Data))

		var errResp models.ErrorResponse
		assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/api/reference/products/sku-9", nil, &errResp))
		assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/api/reference/vouchers", nil, &errResp))
	})

	t.Run("pull", func(t *testing.T) {
		api.remote.mu.Lock()
		api.remote.snapshot = `{"items":[{"id":"sku-1","price":4},{"id":"sku-2","price":8}],"serverTime":"2024-06-01T07:59:00Z"}`
		api.remote.mu.Unlock()

		var res PullResponse
		require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/reference/products/pull", nil, &res))
		assert.Equal(t, 2, res.Changed)

		var list ReferenceListResponse
		require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/reference/products", nil, &list))
		assert.Equal(t, 2, list.TotalCount)
		require.NotNil(t, list.State)
		require.NotNil(t, list.State.LastPullAt)
		assert.Contains(t, api.remote.received(), "GET /api/products")
	})
}
