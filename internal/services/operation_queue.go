package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/partners/syncagent/internal/clock"
	"github.com/partners/syncagent/internal/config"
	"github.com/partners/syncagent/internal/models"
	"github.com/partners/syncagent/internal/observability"
	"github.com/partners/syncagent/internal/repository"
)

// OperationQueue is the durable outbox of local mutations
type OperationQueue struct {
	repo  repository.OperationRepo
	store *config.Store
	clock clock.Clock
	log   *observability.Logger

	// mu serialises read-modify-write transitions
	mu sync.Mutex
}

// NewOperationQueue creates a new OperationQueue
func NewOperationQueue(repo repository.OperationRepo, store *config.Store, clk clock.Clock) *OperationQueue {
	return &OperationQueue{
		repo:  repo,
		store: store,
		clock: clk,
		log:   observability.GetLogger().WithField("component", "queue"),
	}
}

// Enqueue validates a local mutation and appends it as pending. The record
// is durable when Enqueue returns.
func (q *OperationQueue) Enqueue(ctx context.Context, entityType, entityID, operationType string, payload json.RawMessage) (string, error) {
	op, err := models.NewSyncOperation(entityType, entityID, operationType, payload, q.clock.Now())
	if err != nil {
		return "", err
	}

	if err := q.repo.Add(ctx, op); err != nil {
		return "", fmt.Errorf("enqueue %s/%s: %w", op.EntityType, op.EntityID, err)
	}

	q.log.WithContext(ctx).WithFields(map[string]interface{}{
		"operation_id":   op.ID,
		"entity_type":    op.EntityType,
		"entity_id":      op.EntityID,
		"operation_type": op.OperationType,
	}).Debug("Operation enqueued")

	return op.ID, nil
}

// NextBatch returns up to maxSize dispatchable operations, oldest first,
// never more than one per entity.
func (q *OperationQueue) NextBatch(ctx context.Context, maxSize int) ([]*models.SyncOperation, error) {
	if maxSize <= 0 {
		return nil, nil
	}
	return q.repo.GetDispatchable(ctx, q.clock.Now(), maxSize)
}

// MarkProcessing claims a pending operation for dispatch
func (q *OperationQueue) MarkProcessing(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ok, err := q.repo.Claim(ctx, id, q.clock.Now())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	op, err := q.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if op == nil {
		return models.ErrOperationNotFound
	}
	return &models.StateError{OperationID: id, From: op.Status, To: models.StatusProcessing}
}

// MarkCompleted records a successful delivery
func (q *OperationQueue) MarkCompleted(ctx context.Context, id string) error {
	_, err := q.transition(ctx, id, models.StatusProcessing, models.StatusCompleted, func(op *models.SyncOperation, now time.Time) {
		op.Status = models.StatusCompleted
		op.ErrorMessage = nil
		op.NextRetryAt = nil
		op.CompletedAt = &now
	})
	return err
}

// MarkFailed records a retryable failure. The operation goes back to pending
// with a backoff deadline, or becomes terminal failed once retryCount exceeds
// the configured ceiling. The updated operation is returned.
func (q *OperationQueue) MarkFailed(ctx context.Context, id, errMsg string) (*models.SyncOperation, error) {
	cfg := q.store.Get().Sync

	return q.transition(ctx, id, models.StatusProcessing, models.StatusFailed, func(op *models.SyncOperation, now time.Time) {
		op.RetryCount++
		op.ErrorMessage = &errMsg

		if op.RetryCount > cfg.RetryAttempts {
			op.Status = models.StatusFailed
			op.NextRetryAt = nil
			return
		}

		next := now.Add(RetryDelay(op.RetryCount, cfg.RetryBase(), cfg.RetryCap()))
		op.Status = models.StatusPending
		op.NextRetryAt = &next
	})
}

// Release returns a claimed operation to pending without counting an attempt.
// Used when the dispatch was abandoned before anything was sent.
func (q *OperationQueue) Release(ctx context.Context, id string) error {
	_, err := q.transition(ctx, id, models.StatusProcessing, models.StatusPending, func(op *models.SyncOperation, now time.Time) {
		op.Status = models.StatusPending
	})
	return err
}

// MarkConflict records an authoritative rejection. Conflicts are never retried
// automatically.
func (q *OperationQueue) MarkConflict(ctx context.Context, id, errMsg string, serverState json.RawMessage) error {
	_, err := q.transition(ctx, id, models.StatusProcessing, models.StatusConflict, func(op *models.SyncOperation, now time.Time) {
		op.Status = models.StatusConflict
		op.ErrorMessage = &errMsg
		op.NextRetryAt = nil
		if len(serverState) > 0 && json.Valid(serverState) {
			op.ServerState = serverState
		}
	})
	return err
}

// Requeue returns a failed or conflicting operation to pending with its
// retry counters reset.
func (q *OperationQueue) Requeue(ctx context.Context, id string) (*models.SyncOperation, error) {
	op, err := q.operatorTransition(ctx, id, models.StatusPending, func(op *models.SyncOperation, now time.Time) {
		op.Status = models.StatusPending
		op.RetryCount = 0
		op.NextRetryAt = nil
		op.ErrorMessage = nil
		op.ServerState = nil
	})
	if err != nil {
		return nil, err
	}

	q.log.WithContext(ctx).WithField("operation_id", id).Info("Operation requeued by operator")
	return op, nil
}

// Discard deletes a failed or conflicting operation
func (q *OperationQueue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if op == nil {
		return models.ErrOperationNotFound
	}
	if !op.Status.NeedsOperator() {
		return &models.StateError{OperationID: id, From: op.Status, To: "discarded"}
	}

	ok, err := q.repo.Delete(ctx, id, op.Status)
	if err != nil {
		return err
	}
	if !ok {
		return &models.StateError{OperationID: id, From: op.Status, To: "discarded"}
	}

	q.log.WithContext(ctx).WithFields(map[string]interface{}{
		"operation_id": id,
		"entity_type":  op.EntityType,
		"entity_id":    op.EntityID,
		"status":       op.Status,
	}).Warn("Operation discarded by operator")
	return nil
}

// PurgeCompleted deletes completed operations older than olderThan
func (q *OperationQueue) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	return q.repo.DeleteCompletedBefore(ctx, q.clock.Now().Add(-olderThan))
}

// RecoverInFlight returns operations left in processing by a previous run
// to pending. Call once at startup before the first cycle.
func (q *OperationQueue) RecoverInFlight(ctx context.Context) (int64, error) {
	n, err := q.repo.ResetProcessing(ctx, q.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Warnf("Recovered %d in-flight operations", n)
	}
	return n, nil
}

// Counts returns the number of operations in each status
func (q *OperationQueue) Counts(ctx context.Context) (*models.QueueStats, error) {
	return q.repo.GetStats(ctx)
}

// List returns operations with an optional status filter
func (q *OperationQueue) List(ctx context.Context, status string, skip, take int) ([]*models.SyncOperation, int, error) {
	if status != "" && !models.OperationStatus(status).Valid() {
		return nil, 0, &models.ValidationError{Field: "status", Message: "unknown status: " + status}
	}
	return q.repo.GetAll(ctx, status, skip, take)
}

// Get returns one operation or ErrOperationNotFound
func (q *OperationQueue) Get(ctx context.Context, id string) (*models.SyncOperation, error) {
	op, err := q.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, models.ErrOperationNotFound
	}
	return op, nil
}

// HasOutstanding returns the subset of ids that still have pending or
// processing operations for entityType. A nil ids returns every such id.
func (q *OperationQueue) HasOutstanding(ctx context.Context, entityType models.EntityType, ids []string) (map[string]bool, error) {
	outstanding, err := q.repo.GetOutstandingEntityIDs(ctx, entityType)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		return outstanding, nil
	}

	out := make(map[string]bool)
	for _, id := range ids {
		if outstanding[id] {
			out[id] = true
		}
	}
	return out, nil
}

// transition applies mutate to an operation currently in from
func (q *OperationQueue) transition(ctx context.Context, id string, from, to models.OperationStatus, mutate func(*models.SyncOperation, time.Time)) (*models.SyncOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, models.ErrOperationNotFound
	}
	if op.Status != from {
		return nil, &models.StateError{OperationID: id, From: op.Status, To: to}
	}

	return q.write(ctx, op, to, mutate)
}

// operatorTransition applies mutate to an operation awaiting operator action
func (q *OperationQueue) operatorTransition(ctx context.Context, id string, to models.OperationStatus, mutate func(*models.SyncOperation, time.Time)) (*models.SyncOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, models.ErrOperationNotFound
	}
	if !op.Status.NeedsOperator() {
		return nil, &models.StateError{OperationID: id, From: op.Status, To: to}
	}

	return q.write(ctx, op, to, mutate)
}

func (q *OperationQueue) write(ctx context.Context, op *models.SyncOperation, to models.OperationStatus, mutate func(*models.SyncOperation, time.Time)) (*models.SyncOperation, error) {
	expected := op.Status
	now := q.clock.Now()
	mutate(op, now)
	op.UpdatedAt = now

	ok, err := q.repo.CompareAndUpdate(ctx, op, expected)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &models.StateError{OperationID: op.ID, From: expected, To: to}
	}
	return op, nil
}

// RetryDelay returns the wait once an operation's retry count reaches n:
// base doubled n times, capped at max.
func RetryDelay(n int, base, max time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	if base <= 0 {
		return 0
	}
	if max < base {
		max = base
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	var d time.Duration
	for i := 0; i <= n; i++ {
		d = b.NextBackOff()
		if d >= max {
			return max
		}
	}
	return d
}
