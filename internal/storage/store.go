// Package storage defines the Store interface that persists the sandbox lifecycle trail.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/jkaninda/nsbox/internal/sandbox"
)

// Store is the persistence interface for nsbox.
// Both SQLite and PostgreSQL backends implement this interface.
type Store interface {
	Events() EventStore

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// EventStore extends the lifecycle trail with retention.
type EventStore interface {
	sandbox.EventStore

	// Prune deletes events created before the cutoff and reports how many were removed.
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
