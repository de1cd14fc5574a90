package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/partners/syncagent/internal/models"
	"github.com/partners/syncagent/internal/observability"
)

// ReferenceRepository implements ReferenceRepo
type ReferenceRepository struct {
	db      *sql.DB
	dialect Dialect
}

// NewReferenceRepository creates a reference data repository over SQLite
func NewReferenceRepository(db *sql.DB) *ReferenceRepository {
	return &ReferenceRepository{db: db, dialect: DialectSQLite}
}

// NewReferenceRepositoryPostgres creates a reference data repository over PostgreSQL
func NewReferenceRepositoryPostgres(db *sql.DB) *ReferenceRepository {
	return &ReferenceRepository{db: db, dialect: DialectPostgres}
}

// UpsertMany writes records in one transaction; the incoming copy replaces
// any stored one.
func (r *ReferenceRepository) UpsertMany(ctx context.Context, records []*models.ReferenceRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, span := observability.StartDBSpan(ctx, r.dialect.String(), "UPSERT", "reference_records")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		observability.RecordError(span, err)
		return err
	}
	defer tx.Rollback()

	query := r.dialect.rebind(`
		INSERT INTO reference_records (kind, id, data, remote_updated_at, synced_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET
			data = EXCLUDED.data,
			remote_updated_at = EXCLUDED.remote_updated_at,
			synced_at = EXCLUDED.synced_at`)

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		observability.RecordError(span, err)
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx,
			string(rec.Kind),
			rec.ID,
			string(rec.Data),
			rec.RemoteUpdatedAt,
			rec.SyncedAt.UTC(),
		); err != nil {
			observability.RecordError(span, err)
			return fmt.Errorf("upsert %s/%s: %w", rec.Kind, rec.ID, err)
		}
	}

	return tx.Commit()
}

// DeleteMany removes records the backend reported as deleted
func (r *ReferenceRepository) DeleteMany(ctx context.Context, kind models.ReferenceKind, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	ctx, span := observability.StartDBSpan(ctx, r.dialect.String(), "DELETE", "reference_records")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := r.dialect.rebind(`DELETE FROM reference_records WHERE kind = ? AND id = ?`)
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, query, string(kind), id); err != nil {
			observability.RecordError(span, err)
			return err
		}
	}
	return tx.Commit()
}

// GetByID retrieves a record, or nil if it is not cached
func (r *ReferenceRepository) GetByID(ctx context.Context, kind models.ReferenceKind, id string) (*models.ReferenceRecord, error) {
	query := `SELECT kind, id, data, remote_updated_at, synced_at
		FROM reference_records WHERE kind = ? AND id = ?`

	rec, err := scanReference(r.db.QueryRowContext(ctx, r.dialect.rebind(query), string(kind), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// GetAll lists cached records of a kind ordered by id
func (r *ReferenceRepository) GetAll(ctx context.Context, kind models.ReferenceKind, skip, take int) ([]*models.ReferenceRecord, int, error) {
	var total int
	countQuery := r.dialect.rebind(`SELECT COUNT(*) FROM reference_records WHERE kind = ?`)
	if err := r.db.QueryRowContext(ctx, countQuery, string(kind)).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT kind, id, data, remote_updated_at, synced_at
		FROM reference_records WHERE kind = ?
		ORDER BY id LIMIT ? OFFSET ?`

	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), string(kind), take, skip)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var records []*models.ReferenceRecord
	for rows.Next() {
		rec, err := scanReference(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	return records, total, rows.Err()
}

func scanReference(row rowScanner) (*models.ReferenceRecord, error) {
	rec := &models.ReferenceRecord{}
	var kind string
	var data []byte
	var remoteUpdatedAt sql.NullTime

	if err := row.Scan(&kind, &rec.ID, &data, &remoteUpdatedAt, &rec.SyncedAt); err != nil {
		return nil, err
	}

	rec.Kind = models.ReferenceKind(kind)
	rec.Data = json.RawMessage(data)
	rec.SyncedAt = rec.SyncedAt.UTC()
	if remoteUpdatedAt.Valid {
		t := remoteUpdatedAt.Time.UTC()
		rec.RemoteUpdatedAt = &t
	}
	return rec, nil
}
