package repository

import (
	"context"
	"time"

	"github.com/partners/syncagent/internal/models"
)

// OperationRepo defines persistence for the outbox
type OperationRepo interface {
	Add(ctx context.Context, op *models.SyncOperation) error
	GetByID(ctx context.Context, id string) (*models.SyncOperation, error)
	// GetDispatchable returns due pending operations in FIFO order, at most
	// one per entity and none for an entity that has one in flight.
	GetDispatchable(ctx context.Context, now time.Time, limit int) ([]*models.SyncOperation, error)
	// Claim moves a pending operation to processing. It returns false when
	// the operation is not pending or its entity already has one in flight.
	Claim(ctx context.Context, id string, now time.Time) (bool, error)
	// CompareAndUpdate persists op's mutable fields if the stored status
	// still equals expected.
	CompareAndUpdate(ctx context.Context, op *models.SyncOperation, expected models.OperationStatus) (bool, error)
	GetAll(ctx context.Context, status string, skip, take int) ([]*models.SyncOperation, int, error)
	GetStats(ctx context.Context) (*models.QueueStats, error)
	GetOutstandingEntityIDs(ctx context.Context, entityType models.EntityType) (map[string]bool, error)
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Delete(ctx context.Context, id string, expected models.OperationStatus) (bool, error)
	ResetProcessing(ctx context.Context, now time.Time) (int64, error)
}

// ReferenceRepo defines persistence for mirrored backend records
type ReferenceRepo interface {
	UpsertMany(ctx context.Context, records []*models.ReferenceRecord) error
	DeleteMany(ctx context.Context, kind models.ReferenceKind, ids []string) error
	GetByID(ctx context.Context, kind models.ReferenceKind, id string) (*models.ReferenceRecord, error)
	GetAll(ctx context.Context, kind models.ReferenceKind, skip, take int) ([]*models.ReferenceRecord, int, error)
}

// ReferenceStateRepo defines persistence for pull cursors
type ReferenceStateRepo interface {
	Get(ctx context.Context, kind models.ReferenceKind) (*models.ReferenceSyncState, error)
	UpdateLastPull(ctx context.Context, kind models.ReferenceKind, lastPullAt *time.Time, recordCount int, now time.Time) error
}
