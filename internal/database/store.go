package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/STRATINT/eventdesk/internal/storage"
)

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db    *sql.DB
	usage *UsageRepository
}

// NewStore wraps an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, usage: NewUsageRepository(db)}
}

// Repos returns repositories bound to the connection pool.
func (s *Store) Repos() storage.Repositories {
	return reposFor(s.db)
}

// Usage returns the ledger repository. It always writes outside transactions
// so ledger rows survive a rolled back stage.
func (s *Store) Usage() storage.UsageRepository {
	return s.usage
}

// InTx runs fn inside a single database transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, repos storage.Repositories) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, reposFor(tx)); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func reposFor(db DBTX) storage.Repositories {
	return storage.Repositories{
		Articles: NewArticleRepository(db),
		Events:   NewEventRepository(db),
		Mappings: NewMappingRepository(db),
	}
}

var _ storage.Store = (*Store)(nil)
