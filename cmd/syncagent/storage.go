package main

import (
	"database/sql"
	"fmt"

	"github.com/partners/syncagent/internal/config"
	"github.com/partners/syncagent/internal/observability"
	"github.com/partners/syncagent/internal/repository"
)

// storage bundles the repositories backed by one database handle
type storage struct {
	db         *sql.DB
	operations repository.OperationRepo
	refs       repository.ReferenceRepo
	cursors    repository.ReferenceStateRepo
}

func openStorage(cfg *config.Config) (*storage, error) {
	if cfg.UsePostgres() {
		observability.Info("Using PostgreSQL database")
		db, err := repository.NewPostgresDB(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL database: %w", err)
		}
		return &storage{
			db:         db,
			operations: repository.NewOperationRepositoryPostgres(db),
			refs:       repository.NewReferenceRepositoryPostgres(db),
			cursors:    repository.NewReferenceSyncStateRepositoryPostgres(db),
		}, nil
	}

	observability.WithField("path", cfg.DatabasePath).Info("Using SQLite database")
	db, err := repository.NewSQLiteDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize SQLite database: %w", err)
	}
	return &storage{
		db:         db,
		operations: repository.NewOperationRepository(db),
		refs:       repository.NewReferenceRepository(db),
		cursors:    repository.NewReferenceSyncStateRepository(db),
	}, nil
}

func (s *storage) Close() error {
	return s.db.Close()
}
