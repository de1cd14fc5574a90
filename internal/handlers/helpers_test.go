package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/partners/syncagent/internal/clock"
	"github.com/partners/syncagent/internal/config"
	"github.com/partners/syncagent/internal/repository"
	"github.com/partners/syncagent/internal/services"
)

const adminKey = "admin-secret"

var testStart = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

// remote stands in for the backend REST API
type remote struct {
	mu       sync.Mutex
	requests []string
	snapshot string
}

func (b *remote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		return
	}
	b.requests = append(b.requests, r.Method+" "+r.URL.Path)
	if r.Method == http.MethodGet {
		body := b.snapshot
		if body == "" {
			body = `{"items":[]}`
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (b *remote) received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requests...)
}

type testAPI struct {
	server  *httptest.Server
	remote  *remote
	store   *config.Store
	queue   *services.OperationQueue
	engine  *services.SyncEngine
	monitor *services.ConnectivityMonitor
	refs    *repository.ReferenceRepository
	hub     *services.EventHub
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	rem := &remote{}
	backendSrv := httptest.NewServer(rem)
	t.Cleanup(backendSrv.Close)

	cfg := config.Default()
	cfg.BackendURL = backendSrv.URL
	cfg.APIKey = "terminal-key"
	cfg.DatabasePath = filepath.Join(t.TempDir(), "agent.db")
	cfg.Sync.RequestsPerSecond = 1000
	cfg.Sync.Burst = 1000
	cfg.Admin.APIKey = adminKey
	store := config.NewStore(cfg)

	db, err := repository.NewSQLiteDB(cfg.DatabasePath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(testStart)
	backend := services.NewBackendClient(store, nil)
	queue := services.NewOperationQueue(repository.NewOperationRepository(db), store, clk)
	refs := repository.NewReferenceRepository(db)
	cursors := repository.NewReferenceSyncStateRepository(db)
	monitor := services.NewConnectivityMonitor(backend, store, clk, nil)
	engine := services.NewSyncEngine(queue, backend, refs, cursors, monitor, store, clk, nil)
	t.Cleanup(engine.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := services.NewEventHub()
	go hub.Run(ctx)

	srv := httptest.NewServer(NewRouter(RouterDeps{
		Store:   store,
		Engine:  engine,
		Queue:   queue,
		Refs:    refs,
		Cursors: cursors,
		Hub:     hub,
	}))
	t.Cleanup(srv.Close)

	return &testAPI{
		server:  srv,
		remote:  rem,
		store:   store,
		queue:   queue,
		engine:  engine,
		monitor: monitor,
		refs:    refs,
		hub:     hub,
	}
}

// do sends an authenticated request and decodes a JSON answer into out
func (a *testAPI) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()

	var reader io.Reader
	if raw, ok := body.(string); ok {
		reader = bytes.NewBufferString(raw)
	} else if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, a.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", adminKey)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}
