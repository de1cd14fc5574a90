package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partners/syncagent/internal/clock"
	"github.com/partners/syncagent/internal/config"
	"github.com/partners/syncagent/internal/models"
	"github.com/partners/syncagent/internal/observability"
	"github.com/partners/syncagent/internal/repository"
	"github.com/partners/syncagent/internal/services"
)

// seedAgent writes a config file and a database holding one conflict and one
// pending operation.
func seedAgent(t *testing.T) (configPath, conflictID, pendingID string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "agent.db")
	configPath = filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(`{"databasePath":"`+filepath.ToSlash(dbPath)+`"}`), 0o600))

	db, err := repository.NewSQLiteDB(dbPath)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	queue := services.NewOperationQueue(repository.NewOperationRepository(db), config.NewStore(config.Default()), clock.Real())

	conflictID, err = queue.Enqueue(ctx, "product", "sku-1", "update", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, queue.MarkProcessing(ctx, conflictID))
	require.NoError(t, queue.MarkConflict(ctx, conflictID, "stale price", nil))

	pendingID, err = queue.Enqueue(ctx, "order", "order-1", "create", json.RawMessage(`{}`))
	require.NoError(t, err)
	return configPath, conflictID, pendingID
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI(t *testing.T) {
	configPath, conflictID, pendingID := seedAgent(t)

	t.Run("status", func(t *testing.T) {
		out, err := run(t, "status", "--config", configPath, "--format", "json")
		require.NoError(t, err)

		var stats models.QueueStats
		require.NoError(t, json.Unmarshal([]byte(out), &stats))
		assert.Equal(t, 1, stats.Pending)
		assert.Equal(t, 1, stats.Conflict)

		out, err = run(t, "status", "--config", configPath)
		require.NoError(t, err)
		assert.Contains(t, out, "need an operator")
	})

	t.Run("rejects unknown formats", func(t *testing.T) {
		_, err := run(t, "status", "--config", configPath, "--format", "xml")
		assert.Error(t, err)
	})

	t.Run("list", func(t *testing.T) {
		out, err := run(t, "operations", "list", "--config", configPath, "--status", "conflict", "--format", "json")
		require.NoError(t, err)

		var list models.OperationListResponse
		require.NoError(t, json.Unmarshal([]byte(out), &list))
		require.Len(t, list.Operations, 1)
		assert.Equal(t, conflictID, list.Operations[0].ID)

		out, err = run(t, "operations", "list", "--config", configPath)
		require.NoError(t, err)
		assert.Contains(t, out, "stale price")
		assert.Contains(t, out, "2 of 2 operation(s)")
	})

	t.Run("requeue and discard", func(t *testing.T) {
		_, err := run(t, "operations", "requeue", pendingID, "--config", configPath)
		assert.Error(t, err, "pending operations are not resolvable")

		out, err := run(t, "operations", "requeue", conflictID, "--config", configPath)
		require.NoError(t, err)
		assert.Contains(t, out, "requeued")

		_, err = run(t, "operations", "discard", conflictID, "--config", configPath)
		assert.Error(t, err, "requeued operation is pending again")
	})
}

func TestHashKeyCommand(t *testing.T) {
	out, err := run(t, "hash-key", "counter-3")
	require.NoError(t, err)
	assert.True(t, len(out) > 50 && out[:4] == "$2a$")
}

func TestFollowLogLevel(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "warn"
	store := config.NewStore(cfg)

	var buf bytes.Buffer
	log := observability.NewLogger("test", observability.LevelDebug)
	log.SetOutput(&buf)
	queueLog := log.WithField("component", "queue")

	followLogLevel(store, log)
	queueLog.Info("hidden at warn")
	assert.Equal(t, observability.LevelWarn, log.Level())

	cfg.LogLevel = "debug"
	_, err := store.Update(cfg)
	require.NoError(t, err)
	queueLog.Debug("visible at debug")

	out := buf.String()
	assert.NotContains(t, out, "hidden at warn")
	assert.Contains(t, out, "visible at debug")
	assert.Contains(t, out, "Log level set to DEBUG")
}

