package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/partners/syncagent/internal/clock"
	"github.com/partners/syncagent/internal/config"
	"github.com/partners/syncagent/internal/models"
	"github.com/partners/syncagent/internal/repository"
)

var testStart = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.APIKey = "terminal-key"
	cfg.Sync.RetryAttempts = 3
	cfg.Sync.RetryDelay = 1000
	cfg.Sync.MaxRetryDelay = 8000
	cfg.Sync.DispatchTimeout = 2000
	cfg.Sync.RequestsPerSecond = 1000
	cfg.Sync.Burst = 1000
	cfg.Realtime.ReconnectInterval = 1000
	cfg.Realtime.MaxReconnectAttempts = 3
	cfg.Realtime.HeartbeatInterval = 5000
	cfg.Realtime.PongTimeout = 2000
	return cfg
}

func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := repository.NewSQLiteDB(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestQueue(t *testing.T, store *config.Store, clk clock.Clock) *OperationQueue {
	t.Helper()
	return NewOperationQueue(repository.NewOperationRepository(setupDB(t)), store, clk)
}

// fakeBackend records requests and answers with a per-path status
type fakeBackend struct {
	mu        sync.Mutex
	requests  []string
	headers   []http.Header
	statuses  map[string]int
	bodies    map[string]string
	snapshots map[string]string
	healthy   bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		statuses:  map[string]int{},
		bodies:    map[string]string{},
		snapshots: map[string]string{},
		healthy:   true,
	}
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.URL.Path == "/health" {
		if !b.healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method == http.MethodGet {
		body, ok := b.snapshots[r.URL.Path]
		if !ok {
			body = `{"items":[]}`
		}
		b.requests = append(b.requests, r.Method+" "+r.URL.RequestURI())
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
		return
	}

	key := r.Method + " " + r.URL.Path
	b.requests = append(b.requests, key)
	b.headers = append(b.headers, r.Header.Clone())

	status, ok := b.statuses[key]
	if !ok {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if body, ok := b.bodies[key]; ok {
		w.Write([]byte(body))
	}
}

func (b *fakeBackend) setStatus(key string, status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statuses[key] = status
	if body != "" {
		b.bodies[key] = body
	}
}

func (b *fakeBackend) setSnapshot(path, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[path] = body
}

func (b *fakeBackend) dispatched() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, r := range b.requests {
		if len(r) > 4 && r[:4] == "GET " {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (b *fakeBackend) allRequests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requests...)
}

func startBackend(t *testing.T, b *fakeBackend) (*httptest.Server, *config.Store) {
	t.Helper()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	cfg := testConfig()
	cfg.BackendURL = srv.URL
	return srv, config.NewStore(cfg)
}

func payload(v string) json.RawMessage {
	return json.RawMessage(v)
}

func mustEnqueue(t *testing.T, q *OperationQueue, entityType, entityID, operationType string) string {
	t.Helper()
	id, err := q.Enqueue(context.Background(), entityType, entityID, operationType, payload(`{"v":1}`))
	require.NoError(t, err)
	return id
}

func mustGet(t *testing.T, q *OperationQueue, id string) *models.SyncOperation {
	t.Helper()
	op, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	return op
}
