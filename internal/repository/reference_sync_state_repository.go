package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/partners/syncagent/internal/models"
)

// ReferenceSyncStateRepository handles pull cursor persistence
type ReferenceSyncStateRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewReferenceSyncStateRepository creates a cursor repository over SQLite
func NewReferenceSyncStateRepository(db *sql.DB) *ReferenceSyncStateRepository {
	return &ReferenceSyncStateRepository{db: db, dialect: DialectSQLite}
}

// NewReferenceSyncStateRepositoryPostgres creates a cursor repository over PostgreSQL
func NewReferenceSyncStateRepositoryPostgres(db *sql.DB) *ReferenceSyncStateRepository {
	return &ReferenceSyncStateRepository{db: db, dialect: DialectPostgres}
}

// Get retrieves the cursor for a kind, or nil before the first pull
func (r *ReferenceSyncStateRepository) Get(ctx context.Context, kind models.ReferenceKind) (*models.ReferenceSyncState, error) {
	query := `SELECT kind, last_pull_at, record_count, updated_at
		FROM reference_sync_state WHERE kind = ?`

	var state models.ReferenceSyncState
	var k string
	var lastPullAt sql.NullTime
	err := r.db.QueryRowContext(ctx, r.dialect.rebind(query), string(kind)).Scan(
		&k,
		&lastPullAt,
		&state.RecordCount,
		&state.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state.Kind = models.ReferenceKind(k)
	state.UpdatedAt = state.UpdatedAt.UTC()
	if lastPullAt.Valid {
		t := lastPullAt.Time.UTC()
		state.LastPullAt = &t
	}
	return &state, nil
}

// UpdateLastPull records a completed pull. recordCount is added to the
// running total of records merged for the kind.
func (r *ReferenceSyncStateRepository) UpdateLastPull(ctx context.Context, kind models.ReferenceKind, lastPullAt *time.Time, recordCount int, now time.Time) error {
	query := `INSERT INTO reference_sync_state (kind, last_pull_at, record_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (kind) DO UPDATE SET
			last_pull_at = EXCLUDED.last_pull_at,
			record_count = reference_sync_state.record_count + EXCLUDED.record_count,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.ExecContext(ctx, r.dialect.rebind(query),
		string(kind),
		lastPullAt,
		recordCount,
		now.UTC(),
	)
	return err
}
