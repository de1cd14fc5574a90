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

func TestOperationHandler(t *testing.T) {
	ctx := context.Background()
	api := newTestAPI(t)

	conflicted, err := api.queue.Enqueue(ctx, "product", "sku-1", "update", json.RawMessage(`{"price":3}`))
	require.NoError(t, err)
	require.NoError(t, api.queue.MarkProcessing(ctx, conflicted))
	require.NoError(t, api.queue.MarkConflict(ctx, conflicted, "version mismatch", json.RawMessage(`{"price":4}`)))

	pending, err := api.queue.Enqueue(ctx, "order", "order-1", "create", json.RawMessage(`{}`))
	require.NoError(t, err)

	t.Run("list by status", func(t *testing.T) {
		var list models.OperationListResponse
		require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/sync/operations?status=conflict", nil, &list))
		require.Len(t, list.Operations, 1)
		assert.Equal(t, conflicted, list.Operations[0].ID)
		assert.Equal(t, 1, list.TotalCount)
		assert.Equal(t, 20, list.Take)

		require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/sync/operations", nil, &list))
		assert.Equal(t, 2, list.TotalCount)

		var errResp models.ErrorResponse
		assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/api/sync/operations?status=lost", nil, &errResp))
	})

	t.Run("stats", func(t *testing.T) {
		var stats models.QueueStats
		require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/sync/operations/stats", nil, &stats))
		assert.Equal(t, 1, stats.Pending)
		assert.Equal(t, 1, stats.Conflict)
	})

	t.Run("get", func(t *testing.T) {
		var op models.SyncOperation
		require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/sync/operations/"+conflicted, nil, &op))
		assert.Equal(t, models.StatusConflict, op.Status)
		require.NotNil(t, op.ErrorMessage)
		assert.Equal(t, "version mismatch", *op.ErrorMessage)
		assert.JSONEq(t, `{"price":4}`, string(op.ServerState))

		var errResp models.ErrorResponse
		assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/api/sync/operations/missing", nil, &errResp))
	})

	t.Run("only terminal operations can be resolved", func(t *testing.T) {
		var errResp models.ErrorResponse
		assert.Equal(t, http.StatusConflict, api.do(t, http.MethodPost, "/api/sync/operations/"+pending+"/requeue", nil, &errResp))
		assert.Equal(t, http.StatusConflict, api.do(t, http.MethodDelete, "/api/sync/operations/"+pending, nil, &errResp))
	})

	t.Run("requeue", func(t *testing.T) {
		var op models.SyncOperation
		require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/sync/operations/"+conflicted+"/requeue", nil, &op))
		assert.Equal(t, models.StatusPending, op.Status)
		assert.Zero(t, op.RetryCount)
	})

	t.Run("discard", func(t *testing.T) {
		id, err := api.queue.Enqueue(ctx, "customer", "cust-1", "delete", json.RawMessage(`{}`))
		require.NoError(t, err)
		require.NoError(t, api.queue.MarkProcessing(ctx, id))
		require.NoError(t, api.queue.MarkConflict(ctx, id, "already deleted", nil))

		assert.Equal(t, http.StatusNoContent, api.do(t, http.MethodDelete, "/api/sync/operations/"+id, nil, nil))

		var errResp models.ErrorResponse
		assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/api/sync/operations/"+id, nil, &errResp))
	})
}
