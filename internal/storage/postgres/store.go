package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/nsbox/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates the event repository.
type Store struct {
	pgDB *DB

	mu     sync.Mutex
	events *EventRepository
}

// NewStore wraps an existing DB as a Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via autoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// DB returns the underlying PostgreSQL wrapper.
func (s *Store) DB() *DB {
	return s.pgDB
}

func (s *Store) Events() storage.EventStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = NewEventRepository(s.pgDB.GormDB())
	}
	return s.events
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
