// Package sandbox manages short-lived, tenant-isolated namespaces inside a
// shared relational engine.
//
// Every sandbox owns exactly one namespace. Records live in memory only; the
// Manager is the single owner of the record registry and every destroy path
// (explicit, lazy expiry on lookup, background sweep) converges on one
// teardown routine.
package sandbox

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a sandbox.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusError        Status = "error"
	StatusDestroyed    Status = "destroyed"
)

// Connection is descriptive metadata returned to callers.
type Connection struct {
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Namespace string `json:"namespace"`
}

// Record is the bookkeeping entry for one sandbox.
type Record struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	ProjectID      string     `json:"project_id,omitempty"`
	Namespace      string     `json:"namespace"`
	Status         Status     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	TrackedObjects []string   `json:"tracked_objects"`
	Connection     Connection `json:"connection"`
	LastError      string     `json:"last_error,omitempty"` // Set when Status is error.
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.TrackedObjects = slices.Clone(r.TrackedObjects)
	if c.TrackedObjects == nil {
		c.TrackedObjects = []string{}
	}
	return &c
}

// Expired reports whether a ready sandbox is past its expiry at now.
// Records in any other state never expire.
func (r *Record) Expired(now time.Time) bool {
	return r.Status == StatusReady && now.After(r.ExpiresAt)
}

// active reports whether r counts toward the capacity ceiling.
func (r *Record) active() bool {
	return r.Status == StatusInitializing || r.Status == StatusReady
}

func (r *Record) track(name string) {
	if !slices.Contains(r.TrackedObjects, name) {
		r.TrackedObjects = append(r.TrackedObjects, name)
	}
}

func (r *Record) untrack(name string) {
	r.TrackedObjects = slices.DeleteFunc(r.TrackedObjects, func(s string) bool { return s == name })
}

// Config holds lifecycle settings. Zero values are replaced by defaults in
// NewManager.
type Config struct {
	DefaultTTL       time.Duration
	MaxTTL           time.Duration // Upper bound for a single Extend.
	Capacity         int           // Maximum live (initializing or ready) sandboxes.
	StatementTimeout time.Duration
	// GrantRole receives USAGE and CREATE on every new namespace.
	// Empty means the engine's CURRENT_USER.
	GrantRole string
	Host      string
	Port      int
}

// Defaults.
const (
	DefaultTTL              = 30 * time.Minute
	DefaultMaxTTL           = 24 * time.Hour
	DefaultCapacity         = 100
	DefaultStatementTimeout = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = DefaultTTL
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = DefaultMaxTTL
	}
	if c.MaxTTL < c.DefaultTTL {
		c.MaxTTL = c.DefaultTTL
	}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	if c.StatementTimeout <= 0 {
		c.StatementTimeout = DefaultStatementTimeout
	}
	return c
}
