package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partners/syncagent/internal/config"
	"github.com/partners/syncagent/internal/models"
)

func testOperation(t *testing.T, entityType, entityID, operationType string) *models.SyncOperation {
	t.Helper()
	op, err := models.NewSyncOperation(entityType, entityID, operationType, json.RawMessage(`{"qty":2}`), testStart)
	require.NoError(t, err)
	return op
}

func TestBackendClient_Routes(t *testing.T) {
	backend := newFakeBackend()
	_, store := startBackend(t, backend)
	client := NewBackendClient(store, nil)

	tests := []struct {
		entityType    string
		operationType string
		want          string
	}{
		{"order", "create", "POST /api/orders"},
		{"payment", "update", "PUT /api/payments/id-1"},
		{"customer", "delete", "DELETE /api/customers/id-1"},
		{"product", "sync", "POST /api/products/id-1/sync"},
		{"inventory", "update", "PUT /api/inventory/id-1"},
		{"settings", "update", "PUT /api/settings/id-1"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			res := client.Dispatch(context.Background(), testOperation(t, tt.entityType, "id-1", tt.operationType))
			assert.Equal(t, DispatchSuccess, res.Outcome)

			got := backend.dispatched()
			assert.Equal(t, tt.want, got[len(got)-1])
		})
	}
}

func TestBackendClient_Headers(t *testing.T) {
	backend := newFakeBackend()
	_, store := startBackend(t, backend)
	client := NewBackendClient(store, nil)

	op := testOperation(t, "order", "ord-1", "create")
	client.Dispatch(context.Background(), op)

	require.Len(t, backend.headers, 1)
	h := backend.headers[0]
	assert.Equal(t, "terminal-key", h.Get("X-API-Key"))
	assert.Equal(t, op.ID, h.Get("Idempotency-Key"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
}

func TestBackendClient_Classification(t *testing.T) {
	tests := []struct {
		status int
		want   DispatchOutcome
	}{
		{http.StatusOK, DispatchSuccess},
		{http.StatusCreated, DispatchSuccess},
		{http.StatusNoContent, DispatchSuccess},
		{http.StatusBadRequest, DispatchConflict},
		{http.StatusNotFound, DispatchConflict},
		{http.StatusConflict, DispatchConflict},
		{http.StatusGone, DispatchConflict},
		{http.StatusPreconditionFailed, DispatchConflict},
		{http.StatusUnprocessableEntity, DispatchConflict},
		{http.StatusUnauthorized, DispatchRetryable},
		{http.StatusForbidden, DispatchRetryable},
		{http.StatusRequestTimeout, DispatchRetryable},
		{http.StatusTooManyRequests, DispatchRetryable},
		{http.StatusInternalServerError, DispatchRetryable},
		{http.StatusServiceUnavailable, DispatchRetryable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, classifyStatus(tt.status))
		})
	}
}

func TestBackendClient_Conflict(t *testing.T) {
	backend := newFakeBackend()
	backend.setStatus("PUT /api/products/sku-1", http.StatusConflict, `{"price":4.2}`)
	_, store := startBackend(t, backend)
	client := NewBackendClient(store, nil)

	res := client.Dispatch(context.Background(), testOperation(t, "product", "sku-1", "update"))

	assert.Equal(t, DispatchConflict, res.Outcome)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.JSONEq(t, `{"price":4.2}`, string(res.Body))
	assert.Contains(t, res.Message(), "409")
	assert.False(t, res.Transport)
}

func TestBackendClient_Failures(t *testing.T) {
	t.Run("unreachable backend is a transport failure", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		cfg := testConfig()
		cfg.BackendURL = srv.URL
		srv.Close()

		client := NewBackendClient(config.NewStore(cfg), nil)
		res := client.Dispatch(context.Background(), testOperation(t, "order", "ord-1", "create"))

		assert.Equal(t, DispatchRetryable, res.Outcome)
		assert.True(t, res.Transport)
		assert.ErrorIs(t, res.Err, ErrBackendUnreachable)
	})

	t.Run("timeout is retryable but not a transport failure", func(t *testing.T) {
		release := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(srv.Close)
		t.Cleanup(func() { close(release) })

		cfg := testConfig()
		cfg.BackendURL = srv.URL
		cfg.Sync.DispatchTimeout = 50
		client := NewBackendClient(config.NewStore(cfg), nil)

		res := client.Dispatch(context.Background(), testOperation(t, "order", "ord-1", "create"))

		assert.Equal(t, DispatchRetryable, res.Outcome)
		assert.False(t, res.Transport)
		assert.Error(t, res.Err)
	})
}

func TestBackendClient_RateLimit(t *testing.T) {
	t.Run("waiting for a token does not use up the dispatch timeout", func(t *testing.T) {
		backend := newFakeBackend()
		_, store := startBackend(t, backend)
		cfg := store.Get()
		cfg.Sync.RequestsPerSecond = 4
		cfg.Sync.Burst = 1
		cfg.Sync.DispatchTimeout = 300
		store = config.NewStore(cfg)
		client := NewBackendClient(store, nil)

		results := make(chan DispatchResult, 3)
		for i := 0; i < 3; i++ {
			op := testOperation(t, "order", "ord-1", "create")
			go func() {
				results <- client.Dispatch(context.Background(), op)
			}()
		}

		for i := 0; i < 3; i++ {
			select {
			case res := <-results:
				assert.Equal(t, DispatchSuccess, res.Outcome, res.Message())
			case <-time.After(5 * time.Second):
				t.Fatal("dispatch did not return")
			}
		}
		assert.Len(t, backend.dispatched(), 3)
	})

	t.Run("giving up before a token is not an attempt", func(t *testing.T) {
		backend := newFakeBackend()
		_, store := startBackend(t, backend)
		cfg := store.Get()
		cfg.Sync.RequestsPerSecond = 1
		cfg.Sync.Burst = 1
		client := NewBackendClient(config.NewStore(cfg), nil)

		first := client.Dispatch(context.Background(), testOperation(t, "order", "ord-1", "create"))
		require.Equal(t, DispatchSuccess, first.Outcome)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res := client.Dispatch(ctx, testOperation(t, "order", "ord-2", "create"))

		assert.Equal(t, DispatchRetryable, res.Outcome)
		assert.True(t, res.NotAttempted)
		assert.False(t, res.Transport)
		assert.Len(t, backend.dispatched(), 1)
	})
}

func TestBackendClient_FetchSnapshot(t *testing.T) {
	backend := newFakeBackend()
	backend.setSnapshot("/api/products", `{"items":[{"id":"sku-1","name":"Coffee"}],"serverTime":"2024-06-01T07:59:00Z"}`)
	_, store := startBackend(t, backend)
	client := NewBackendClient(store, nil)

	t.Run("full pull", func(t *testing.T) {
		snap, err := client.FetchSnapshot(context.Background(), models.ReferenceProducts, nil)
		require.NoError(t, err)
		require.Len(t, snap.Items, 1)
		require.NotNil(t, snap.ServerTime)
		assert.Equal(t, "GET /api/products", backend.allRequests()[0])
	})

	t.Run("incremental pull sends the cursor", func(t *testing.T) {
		since := time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)
		_, err := client.FetchSnapshot(context.Background(), models.ReferenceProducts, &since)
		require.NoError(t, err)

		reqs := backend.allRequests()
		assert.Equal(t, "GET /api/products?since=2024-06-01T07%3A00%3A00Z", reqs[len(reqs)-1])
	})
}

func TestBackendClient_Probe(t *testing.T) {
	backend := newFakeBackend()
	_, store := startBackend(t, backend)
	client := NewBackendClient(store, nil)

	assert.NoError(t, client.Probe(context.Background()))

	backend.mu.Lock()
	backend.healthy = false
	backend.mu.Unlock()
	assert.Error(t, client.Probe(context.Background()))
}
