package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/partners/syncagent/internal/clock"
	"github.com/partners/syncagent/internal/config"
	"github.com/partners/syncagent/internal/models"
	"github.com/partners/syncagent/internal/observability"
	"github.com/partners/syncagent/internal/repository"
)

// Backend is the remote API as seen by the engine
type Backend interface {
	Dispatch(ctx context.Context, op *models.SyncOperation) DispatchResult
	FetchSnapshot(ctx context.Context, kind models.ReferenceKind, since *time.Time) (*models.Snapshot, error)
}

// SyncEngine drains the outbox to the backend and pulls reference data
type SyncEngine struct {
	queue   *OperationQueue
	backend Backend
	refs    repository.ReferenceRepo
	cursors repository.ReferenceStateRepo
	monitor *ConnectivityMonitor
	store   *config.Store
	clock   clock.Clock
	metrics *observability.SyncMetrics
	log     *observability.Logger

	group singleflight.Group

	mu         sync.Mutex
	inProgress bool
	stopping   bool
	running    bool
	period     time.Duration
	timer      clock.Timer
	schedule   uint64
	lastSync   *time.Time
	lastError  string
	realtime   *RealtimeChannel
	unsubs     []func()
}

// NewSyncEngine creates a new SyncEngine and subscribes it to connectivity
// transitions: going online triggers a cycle.
func NewSyncEngine(
	queue *OperationQueue,
	backend Backend,
	refs repository.ReferenceRepo,
	cursors repository.ReferenceStateRepo,
	monitor *ConnectivityMonitor,
	store *config.Store,
	clk clock.Clock,
	metrics *observability.SyncMetrics,
) *SyncEngine {
	e := &SyncEngine{
		queue:   queue,
		backend: backend,
		refs:    refs,
		cursors: cursors,
		monitor: monitor,
		store:   store,
		clock:   clk,
		metrics: metrics,
		log:     observability.GetLogger().WithField("component", "sync_engine"),
	}

	e.unsubs = append(e.unsubs, monitor.Subscribe(func(online bool) {
		if online {
			go e.SyncNow(context.Background())
		}
	}))

	store.OnChange(func(old, updated config.Config) {
		if old.Sync.SyncInterval != updated.Sync.SyncInterval {
			e.reschedule(updated.Sync.Interval())
		}
	})

	return e
}

// AttachRealtime reacts to push events: a sync request runs a cycle,
// inventory and price changes refresh products, notifications are logged.
func (e *SyncEngine) AttachRealtime(ch *RealtimeChannel) {
	e.mu.Lock()
	e.realtime = ch
	e.mu.Unlock()

	on := func(kind models.RealtimeEventKind, fn func(models.RealtimeEvent)) {
		unsub := ch.Subscribe(kind, fn)
		e.mu.Lock()
		e.unsubs = append(e.unsubs, unsub)
		e.mu.Unlock()
	}

	on(models.EventConnected, func(models.RealtimeEvent) {
		e.monitor.ReportOnline()
	})
	on(models.EventSyncRequired, func(models.RealtimeEvent) {
		go e.SyncNow(context.Background())
	})
	refreshProducts := func(ev models.RealtimeEvent) {
		if !e.monitor.IsOnline() {
			return
		}
		go func() {
			if _, err := e.PullReference(context.Background(), models.ReferenceProducts); err != nil {
				e.log.Warnf("Product refresh after %s failed: %v", ev.Kind, err)
			}
		}()
	}
	on(models.EventInventoryUpdate, refreshProducts)
	on(models.EventPriceUpdate, refreshProducts)

	notify := func(ev models.RealtimeEvent) {
		log := e.log.WithField("event", ev.Kind.String())
		if ev.Message != nil && len(ev.Message.Data) > 0 {
			log = log.WithField("data", string(ev.Message.Data))
		}
		log.Info("Realtime notification")
	}
	on(models.EventStockAlert, notify)
	on(models.EventSystemNotification, notify)
	on(models.EventSaleNotification, notify)

	on(models.EventUnknownMessage, func(ev models.RealtimeEvent) {
		e.log.Debugf("Ignoring unknown realtime frame: %s", truncate(string(ev.Raw), 256))
	})
	on(models.EventMaxReconnectAttempts, func(ev models.RealtimeEvent) {
		e.log.Errorf("Realtime channel stopped reconnecting after %d attempts", ev.Attempts)
	})
}

// LogChange records a local mutation for delivery
func (e *SyncEngine) LogChange(ctx context.Context, entityType, entityID, operationType string, payload json.RawMessage) (string, error) {
	return e.queue.Enqueue(ctx, entityType, entityID, operationType, payload)
}

// SyncNow runs one sync cycle, or joins the one already running. It returns
// false without touching anything when offline or stopped, and otherwise
// reports whether every dispatch and pull settled without a retryable failure.
func (e *SyncEngine) SyncNow(ctx context.Context) bool {
	e.mu.Lock()
	stopping := e.stopping
	e.mu.Unlock()
	if stopping || !e.monitor.IsOnline() {
		return false
	}

	v, _, _ := e.group.Do("sync", func() (interface{}, error) {
		return e.runCycle(ctx), nil
	})
	return v.(bool)
}

func (e *SyncEngine) runCycle(ctx context.Context) bool {
	if !e.monitor.IsOnline() {
		return false
	}

	ctx, span := observability.StartServiceSpan(ctx, "sync_engine", "sync_now")
	defer span.End()

	e.mu.Lock()
	e.inProgress = true
	e.mu.Unlock()

	start := e.clock.Now()
	cfg := e.store.Get()

	drained, offline, err := e.drain(ctx, cfg)
	reason := ""
	switch {
	case err != nil:
		reason = err.Error()
	case offline:
		reason = "backend unreachable"
	case !drained:
		reason = "some operations will be retried"
	}

	pulled := false
	if err == nil && !offline && !e.isStopping() {
		pulled = e.pullAll(ctx)
		if !pulled && reason == "" {
			reason = "reference pull failed"
		}
	}

	book := context.WithoutCancel(ctx)
	if n, err := e.queue.PurgeCompleted(book, cfg.Sync.Retention()); err != nil {
		e.log.WithContext(ctx).Errorf("Failed to purge completed operations: %v", err)
	} else if n > 0 {
		e.log.WithContext(ctx).Debugf("Purged %d completed operations", n)
	}

	success := err == nil && !offline && drained && pulled
	end := e.clock.Now()

	e.mu.Lock()
	e.inProgress = false
	if success {
		e.lastSync = &end
		e.lastError = ""
	} else {
		e.lastError = reason
	}
	e.mu.Unlock()

	if stats, err := e.queue.Counts(book); err == nil {
		e.metrics.RecordQueueDepth(book, stats.Pending+stats.Processing)
	}
	e.metrics.RecordCycle(book, end.Sub(start), success)

	span.SetAttributes(observability.Duration(end.Sub(start)))
	if success {
		observability.SetSuccess(span)
	} else {
		observability.AddEvent(span, "cycle_incomplete")
	}
	e.log.WithContext(ctx).WithFields(map[string]interface{}{
		"success":  success,
		"duration": end.Sub(start).String(),
	}).Debug("Sync cycle finished")

	return success
}

// drain dispatches batches until nothing dispatchable is left. Each
// operation is tried at most once per cycle. It stops early on stop
// requests and on transport failures, which report the backend offline.
func (e *SyncEngine) drain(ctx context.Context, cfg config.Config) (clean bool, offline bool, err error) {
	attempted := make(map[string]bool)
	clean = true

	for {
		if e.isStopping() {
			return clean, false, nil
		}

		batch, err := e.queue.NextBatch(ctx, cfg.Sync.BatchSize+len(attempted))
		if err != nil {
			return false, false, fmt.Errorf("read outbox: %w", err)
		}

		fresh := 0
		for _, op := range batch {
			if attempted[op.ID] {
				continue
			}
			if e.isStopping() {
				return clean, false, nil
			}
			attempted[op.ID] = true
			fresh++

			res, ok := e.dispatch(ctx, op)
			if !ok || res.Outcome != DispatchRetryable {
				continue
			}
			clean = false
			if res.NotAttempted {
				return false, false, nil
			}
			if res.Transport {
				e.monitor.ReportOffline()
				return false, true, nil
			}
		}

		if fresh == 0 {
			return clean, false, nil
		}
	}
}

// dispatch sends one operation and records the outcome. ok is false when
// the operation could not be claimed.
func (e *SyncEngine) dispatch(ctx context.Context, op *models.SyncOperation) (DispatchResult, bool) {
	ctx, span := observability.StartServiceSpan(ctx, "sync_engine", "dispatch")
	defer span.End()
	span.SetAttributes(
		observability.OperationID(op.ID),
		observability.EntityType(string(op.EntityType)),
		observability.EntityID(op.EntityID),
		observability.Operation(string(op.OperationType)),
	)

	log := e.log.WithContext(ctx).WithFields(map[string]interface{}{
		"operation_id": op.ID,
		"entity_type":  op.EntityType,
		"entity_id":    op.EntityID,
	})

	if err := e.queue.MarkProcessing(ctx, op.ID); err != nil {
		log.Debugf("Skipping operation: %v", err)
		return DispatchResult{}, false
	}

	res := e.backend.Dispatch(ctx, op)
	book := context.WithoutCancel(ctx)

	var err error
	switch {
	case res.NotAttempted:
		err = e.queue.Release(book, op.ID)
		log.Debugf("Dispatch abandoned before sending: %s", res.Message())
	case res.Outcome == DispatchSuccess:
		err = e.queue.MarkCompleted(book, op.ID)
		e.monitor.ReportOnline()
	case res.Outcome == DispatchConflict:
		err = e.queue.MarkConflict(book, op.ID, res.Message(), res.Body)
		log.WithField("status_code", res.StatusCode).Warn("Operation rejected by backend, needs operator review")
		e.monitor.ReportOnline()
	default:
		var updated *models.SyncOperation
		updated, err = e.queue.MarkFailed(book, op.ID, res.Message())
		if updated != nil && updated.Status == models.StatusFailed {
			log.WithField("retry_count", updated.RetryCount).Error("Operation exhausted its retries")
		} else if updated != nil {
			log.WithField("retry_count", updated.RetryCount).Infof("Operation will be retried: %s", res.Message())
		}
		if res.StatusCode != 0 {
			e.monitor.ReportOnline()
		}
	}
	if err != nil {
		log.Errorf("Failed to record dispatch outcome: %v", err)
		observability.RecordError(span, err)
	}

	e.metrics.RecordDispatch(book, string(op.EntityType), res.Outcome.String())
	if res.Outcome == DispatchSuccess {
		observability.SetSuccess(span)
	} else {
		observability.RecordError(span, errors.New(res.Message()))
	}
	return res, true
}

func (e *SyncEngine) pullAll(ctx context.Context) bool {
	ok := true
	for _, kind := range models.ReferenceKinds {
		if e.isStopping() {
			return false
		}
		if _, err := e.PullReference(ctx, kind); err != nil {
			e.log.WithContext(ctx).WithField("kind", kind).Warnf("Reference pull failed: %v", err)
			ok = false
			if errors.Is(err, ErrBackendUnreachable) {
				return false
			}
		}
	}
	return ok
}

// PullReference fetches one reference collection and merges it. The backend
// wins, except for records with undelivered local writes, which are left
// alone until those writes settle. It returns the number of records changed.
func (e *SyncEngine) PullReference(ctx context.Context, kind models.ReferenceKind) (int, error) {
	ctx, span := observability.StartServiceSpan(ctx, "sync_engine", "pull")
	defer span.End()
	span.SetAttributes(observability.ReferenceKind(string(kind)))

	n, err := e.pull(ctx, kind)
	e.metrics.RecordPull(context.WithoutCancel(ctx), string(kind), n, err)
	if err != nil {
		observability.RecordError(span, err)
		if errors.Is(err, ErrBackendUnreachable) {
			e.monitor.ReportOffline()
		}
		return 0, err
	}
	observability.SetSuccess(span)
	return n, nil
}

func (e *SyncEngine) pull(ctx context.Context, kind models.ReferenceKind) (int, error) {
	state, err := e.cursors.Get(ctx, kind)
	if err != nil {
		return 0, fmt.Errorf("read %s cursor: %w", kind, err)
	}
	var since *time.Time
	if state != nil {
		since = state.LastPullAt
	}

	snap, err := e.backend.FetchSnapshot(ctx, kind, since)
	if err != nil {
		return 0, err
	}

	protected := map[string]bool{}
	if entityType, ok := kind.EntityType(); ok {
		protected, err = e.queue.HasOutstanding(ctx, entityType, nil)
		if err != nil {
			return 0, fmt.Errorf("read outstanding %s: %w", entityType, err)
		}
	}

	now := e.clock.Now()
	var upserts []*models.ReferenceRecord
	var deletes []string
	skipped := 0

	for _, raw := range snap.Items {
		var item models.SnapshotItem
		if err := json.Unmarshal(raw, &item); err != nil || item.ID == "" {
			e.log.WithField("kind", kind).Warn("Skipping snapshot item without id")
			continue
		}
		if protected[item.ID] {
			skipped++
			continue
		}
		if item.Deleted {
			deletes = append(deletes, item.ID)
			continue
		}

		rec := &models.ReferenceRecord{Kind: kind, ID: item.ID, Data: raw, SyncedAt: now}
		if item.UpdatedAt != nil {
			t := item.UpdatedAt.UTC()
			rec.RemoteUpdatedAt = &t
		}
		upserts = append(upserts, rec)
	}

	book := context.WithoutCancel(ctx)
	if err := e.refs.UpsertMany(book, upserts); err != nil {
		return 0, fmt.Errorf("store %s: %w", kind, err)
	}
	if err := e.refs.DeleteMany(book, kind, deletes); err != nil {
		return 0, fmt.Errorf("delete %s: %w", kind, err)
	}

	// Records skipped because of local writes must come back on the next
	// pull, so the cursor only moves when nothing was skipped.
	cursor := since
	if skipped == 0 {
		cursor = &now
		if snap.ServerTime != nil {
			t := snap.ServerTime.UTC()
			cursor = &t
		}
	}

	changed := len(upserts) + len(deletes)
	if err := e.cursors.UpdateLastPull(book, kind, cursor, changed, now); err != nil {
		return 0, fmt.Errorf("update %s cursor: %w", kind, err)
	}

	if skipped > 0 {
		e.log.WithContext(ctx).WithField("kind", kind).Infof("Kept %d records with pending local changes", skipped)
	}
	return changed, nil
}

// GetStatus returns the current sync status from local state only
func (e *SyncEngine) GetStatus(ctx context.Context) models.SyncStatus {
	e.mu.Lock()
	status := models.SyncStatus{
		IsOnline:       e.monitor.IsOnline(),
		SyncInProgress: e.inProgress,
		ErrorMessage:   e.lastError,
	}
	if e.lastSync != nil {
		t := *e.lastSync
		status.LastSync = &t
	}
	realtime := e.realtime
	e.mu.Unlock()

	if realtime != nil {
		status.RealtimeConnected = realtime.IsConnected()
	}

	stats, err := e.queue.Counts(ctx)
	if err != nil {
		status.ErrorMessage = fmt.Sprintf("read outbox: %v", err)
		return status
	}
	status.PendingChanges = stats.Pending + stats.Processing
	status.Conflicts = stats.Conflict
	status.Failed = stats.Failed
	return status
}

// StartSyncInterval runs SyncNow every period until Stop. Calling it again
// replaces the schedule.
func (e *SyncEngine) StartSyncInterval(period time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopping = false
	e.running = true
	e.period = period
	e.armLocked()
	e.log.Infof("Sync interval started (every %s)", period)
}

// Stop cancels the schedule. A cycle in flight finishes its current
// operation but starts no other.
func (e *SyncEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopping = true
	e.running = false
	e.schedule++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// Close stops the engine and drops its subscriptions
func (e *SyncEngine) Close() {
	e.Stop()

	e.mu.Lock()
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// UpdateConfig installs a new configuration. Sync settings apply from the
// next cycle; it reports whether a restart is needed for the rest.
func (e *SyncEngine) UpdateConfig(cfg config.Config) (bool, error) {
	return e.store.Update(cfg)
}

// armLocked replaces the pending tick with one after the current period
func (e *SyncEngine) armLocked() {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.schedule++
	seq := e.schedule
	e.timer = e.clock.AfterFunc(e.period, func() { e.tick(seq) })
}

func (e *SyncEngine) tick(seq uint64) {
	e.mu.Lock()
	current := e.running && seq == e.schedule
	e.mu.Unlock()
	if !current {
		return
	}

	e.SyncNow(context.Background())

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running && seq == e.schedule {
		e.armLocked()
	}
}

func (e *SyncEngine) reschedule(period time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || period == e.period {
		return
	}
	e.period = period
	e.armLocked()
	e.log.Infof("Sync interval changed to %s", period)
}

func (e *SyncEngine) isStopping() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopping
}
