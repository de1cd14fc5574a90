package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/partners/syncagent/internal/models"
	"github.com/partners/syncagent/internal/observability"
)

const operationColumns = `id, entity_type, entity_id, operation_type, payload, status,
	error_message, retry_count, next_retry_at, server_state, created_at, updated_at, completed_at`

// OperationRepository implements OperationRepo
type OperationRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewOperationRepository creates an outbox repository over SQLite
func NewOperationRepository(db *sql.DB) *OperationRepository {
	return &OperationRepository{db: db, dialect: DialectSQLite}
}

// NewOperationRepositoryPostgres creates an outbox repository over PostgreSQL
func NewOperationRepositoryPostgres(db *sql.DB) *OperationRepository {
	return &OperationRepository{db: db, dialect: DialectPostgres}
}

func (r *OperationRepository) span(ctx context.Context, operation string) (context.Context, trace.Span) {
	return observability.StartDBSpan(ctx, r.dialect.String(), operation, "sync_operations")
}

// Add inserts a new outbox record
func (r *OperationRepository) Add(ctx context.Context, op *models.SyncOperation) error {
	ctx, span := r.span(ctx, "INSERT")
	defer span.End()

	query := `INSERT INTO sync_operations (` + operationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.dialect.rebind(query),
		op.ID,
		string(op.EntityType),
		op.EntityID,
		string(op.OperationType),
		string(op.Payload),
		string(op.Status),
		op.ErrorMessage,
		op.RetryCount,
		op.NextRetryAt,
		nullableJSON(op.ServerState),
		op.CreatedAt,
		op.UpdatedAt,
		op.CompletedAt,
	)
	observability.RecordError(span, err)
	return err
}

// GetByID retrieves an outbox record, or nil if it does not exist
func (r *OperationRepository) GetByID(ctx context.Context, id string) (*models.SyncOperation, error) {
	ctx, span := r.span(ctx, "SELECT")
	defer span.End()

	query := `SELECT ` + operationColumns + ` FROM sync_operations WHERE id = ?`
	op, err := scanOperation(r.db.QueryRowContext(ctx, r.dialect.rebind(query), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	return op, nil
}

// GetDispatchable returns the head-of-line pending operation of every idle
// entity whose retry deadline has passed, oldest first.
func (r *OperationRepository) GetDispatchable(ctx context.Context, now time.Time, limit int) ([]*models.SyncOperation, error) {
	ctx, span := r.span(ctx, "SELECT")
	defer span.End()

	query := `
		SELECT o.id, o.entity_type, o.entity_id, o.operation_type, o.payload, o.status,
			o.error_message, o.retry_count, o.next_retry_at, o.server_state,
			o.created_at, o.updated_at, o.completed_at
		FROM sync_operations o
		WHERE o.status = 'pending'
			AND (o.next_retry_at IS NULL OR o.next_retry_at <= ?)
			AND NOT EXISTS (
				SELECT 1 FROM sync_operations p
				WHERE p.entity_type = o.entity_type
					AND p.entity_id = o.entity_id
					AND (p.status = 'processing' OR (p.status = 'pending' AND p.seq < o.seq))
			)
		ORDER BY o.created_at, o.seq
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), now.UTC(), limit)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	defer rows.Close()

	return scanOperations(rows)
}

// Claim moves a pending operation to processing unless another operation
// for the same entity is already in flight.
func (r *OperationRepository) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	ctx, span := r.span(ctx, "UPDATE")
	defer span.End()

	query := `
		UPDATE sync_operations SET status = 'processing', updated_at = ?
		WHERE id = ? AND status = 'pending'
			AND NOT EXISTS (
				SELECT 1 FROM sync_operations p
				WHERE p.status = 'processing'
					AND p.entity_type = sync_operations.entity_type
					AND p.entity_id = sync_operations.entity_id
			)
	`

	result, err := r.db.ExecContext(ctx, r.dialect.rebind(query), now.UTC(), id)
	if err != nil {
		observability.RecordError(span, err)
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// CompareAndUpdate writes the mutable fields of op if its stored status is expected
func (r *OperationRepository) CompareAndUpdate(ctx context.Context, op *models.SyncOperation, expected models.OperationStatus) (bool, error) {
	ctx, span := r.span(ctx, "UPDATE")
	defer span.End()

	query := `
		UPDATE sync_operations
		SET status = ?, error_message = ?, retry_count = ?, next_retry_at = ?,
			server_state = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := r.db.ExecContext(ctx, r.dialect.rebind(query),
		string(op.Status),
		op.ErrorMessage,
		op.RetryCount,
		op.NextRetryAt,
		nullableJSON(op.ServerState),
		op.UpdatedAt,
		op.CompletedAt,
		op.ID,
		string(expected),
	)
	if err != nil {
		observability.RecordError(span, err)
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// GetAll retrieves outbox records with an optional status filter, oldest first
func (r *OperationRepository) GetAll(ctx context.Context, status string, skip, take int) ([]*models.SyncOperation, int, error) {
	ctx, span := r.span(ctx, "SELECT")
	defer span.End()

	countQuery := `SELECT COUNT(*) FROM sync_operations`
	dataQuery := `SELECT ` + operationColumns + ` FROM sync_operations`

	args := []interface{}{}
	if status != "" {
		countQuery += ` WHERE status = ?`
		dataQuery += ` WHERE status = ?`
		args = append(args, status)
	}

	dataQuery += ` ORDER BY created_at, seq LIMIT ? OFFSET ?`

	var total int
	if err := r.db.QueryRowContext(ctx, r.dialect.rebind(countQuery), args...).Scan(&total); err != nil {
		observability.RecordError(span, err)
		return nil, 0, err
	}

	args = append(args, take, skip)
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(dataQuery), args...)
	if err != nil {
		observability.RecordError(span, err)
		return nil, 0, err
	}
	defer rows.Close()

	ops, err := scanOperations(rows)
	return ops, total, err
}

// GetStats counts outbox records by status
func (r *OperationRepository) GetStats(ctx context.Context) (*models.QueueStats, error) {
	ctx, span := r.span(ctx, "SELECT")
	defer span.End()

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_operations GROUP BY status`)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	defer rows.Close()

	stats := &models.QueueStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		switch models.OperationStatus(status) {
		case models.StatusPending:
			stats.Pending = count
		case models.StatusProcessing:
			stats.Processing = count
		case models.StatusCompleted:
			stats.Completed = count
		case models.StatusFailed:
			stats.Failed = count
		case models.StatusConflict:
			stats.Conflict = count
		}
	}
	return stats, rows.Err()
}

// GetOutstandingEntityIDs returns ids of entities of the given type that
// still have undelivered operations.
func (r *OperationRepository) GetOutstandingEntityIDs(ctx context.Context, entityType models.EntityType) (map[string]bool, error) {
	ctx, span := r.span(ctx, "SELECT")
	defer span.End()

	query := `SELECT DISTINCT entity_id FROM sync_operations
		WHERE entity_type = ? AND status IN ('pending', 'processing')`

	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), string(entityType))
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// DeleteCompletedBefore removes completed operations finished before cutoff
func (r *OperationRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, span := r.span(ctx, "DELETE")
	defer span.End()

	query := `DELETE FROM sync_operations WHERE status = 'completed' AND completed_at < ?`
	result, err := r.db.ExecContext(ctx, r.dialect.rebind(query), cutoff.UTC())
	if err != nil {
		observability.RecordError(span, err)
		return 0, err
	}
	return result.RowsAffected()
}

// Delete removes an operation if it is still in the expected status
func (r *OperationRepository) Delete(ctx context.Context, id string, expected models.OperationStatus) (bool, error) {
	ctx, span := r.span(ctx, "DELETE")
	defer span.End()

	query := `DELETE FROM sync_operations WHERE id = ? AND status = ?`
	result, err := r.db.ExecContext(ctx, r.dialect.rebind(query), id, string(expected))
	if err != nil {
		observability.RecordError(span, err)
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// ResetProcessing returns operations left in flight by a crash to pending
func (r *OperationRepository) ResetProcessing(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := r.span(ctx, "UPDATE")
	defer span.End()

	query := `UPDATE sync_operations SET status = 'pending', updated_at = ? WHERE status = 'processing'`
	result, err := r.db.ExecContext(ctx, r.dialect.rebind(query), now.UTC())
	if err != nil {
		observability.RecordError(span, err)
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*models.SyncOperation, error) {
	op := &models.SyncOperation{}
	var entityType, operationType, status string
	var payload, serverState []byte
	var errorMessage sql.NullString
	var nextRetryAt, completedAt sql.NullTime

	err := row.Scan(
		&op.ID,
		&entityType,
		&op.EntityID,
		&operationType,
		&payload,
		&status,
		&errorMessage,
		&op.RetryCount,
		&nextRetryAt,
		&serverState,
		&op.CreatedAt,
		&op.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	op.EntityType = models.EntityType(entityType)
	op.OperationType = models.OperationType(operationType)
	op.Status = models.OperationStatus(status)
	op.Payload = json.RawMessage(payload)
	op.CreatedAt = op.CreatedAt.UTC()
	op.UpdatedAt = op.UpdatedAt.UTC()

	if len(serverState) > 0 {
		op.ServerState = json.RawMessage(serverState)
	}
	if errorMessage.Valid {
		op.ErrorMessage = &errorMessage.String
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time.UTC()
		op.NextRetryAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		op.CompletedAt = &t
	}

	return op, nil
}

func scanOperations(rows *sql.Rows) ([]*models.SyncOperation, error) {
	var ops []*models.SyncOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// nullableJSON maps an empty document to SQL NULL. JSON is always bound as
// text since lib/pq would encode []byte as bytea.
func nullableJSON(doc json.RawMessage) interface{} {
	if len(doc) == 0 {
		return nil
	}
	return string(doc)
}
