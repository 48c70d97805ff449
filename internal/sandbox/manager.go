package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/nsbox/internal/engine"
	"github.com/jkaninda/nsbox/internal/security"
	"github.com/jkaninda/nsbox/internal/sqlutil"
)

// Manager owns the sandbox registry and every operation on it.
// Thread-safe. Operations on different sandboxes run concurrently; the
// registry is the only serialization point.
type Manager struct {
	engine  engine.Engine
	cfg     Config
	store   *registry
	events  EventStore
	metrics *Metrics
	limiter CreateLimiter
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	reaperMu sync.Mutex
	reaper   *cron.Cron
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator overrides sandbox id generation.
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// WithEventStore enables the lifecycle event trail.
func WithEventStore(s EventStore) Option {
	return func(m *Manager) { m.events = s }
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// CreateLimiter throttles sandbox creation per owner.
type CreateLimiter interface {
	Allow(ownerID string) error
}

// WithCreateLimiter throttles Create per owner. Owners over their quota get
// ErrRateLimited.
func WithCreateLimiter(l CreateLimiter) Option {
	return func(m *Manager) { m.limiter = l }
}

// NewManager creates a Manager backed by eng.
func NewManager(eng engine.Engine, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		engine: eng,
		cfg:    cfg.withDefaults(),
		store:  newRegistry(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Create allocates a namespace and registers a ready sandbox.
//
// When the registry is at capacity an expiry sweep runs first; if the
// registry is still full, ErrCapacityExceeded is returned. An allocation
// failure leaves the record in the error state for inspection and returns
// ErrAllocationFailed.
func (m *Manager) Create(ctx context.Context, ownerID, projectID string) (*Record, error) {
	if m.limiter != nil {
		if err := m.limiter.Allow(ownerID); err != nil {
			m.metrics.created("rate_limited")
			m.logger.WarnContext(ctx, "sandbox creation throttled", slog.String("owner_id", ownerID))
			return nil, fmt.Errorf("%w: owner %s: %w", ErrRateLimited, ownerID, err)
		}
	}

	id := m.newID()
	now := m.now()
	ns := sqlutil.DeriveNamespaceName(ownerID, id)
	rec := &Record{
		ID:             id,
		OwnerID:        ownerID,
		ProjectID:      projectID,
		Namespace:      ns,
		Status:         StatusInitializing,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.DefaultTTL),
		TrackedObjects: []string{},
		Connection:     Connection{Host: m.cfg.Host, Port: m.cfg.Port, Namespace: ns},
	}

	if !m.store.reserve(rec, m.cfg.Capacity) {
		reaped := m.Sweep(ctx)
		if !m.store.reserve(rec, m.cfg.Capacity) {
			m.metrics.created("capacity_exceeded")
			m.logger.WarnContext(ctx, "sandbox capacity exceeded",
				slog.String("owner_id", ownerID),
				slog.Int("capacity", m.cfg.Capacity),
				slog.Int("reaped", reaped),
			)
			return nil, fmt.Errorf("%w: %d live sandboxes", ErrCapacityExceeded, m.cfg.Capacity)
		}
	}
	m.metrics.setActive(m.store.activeCount())

	if err := m.allocate(ctx, ns); err != nil {
		failed, ok := m.store.update(id, func(r *Record) {
			r.Status = StatusError
			r.LastError = err.Error()
		})
		if !ok {
			failed = rec
		}
		m.metrics.created("allocation_failed")
		m.metrics.setActive(m.store.activeCount())
		m.recordEvent(ctx, failed, EventAllocationFailed, "", err.Error())
		m.logger.ErrorContext(ctx, "sandbox allocation failed",
			slog.String("sandbox_id", id),
			slog.String("namespace", ns),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: sandbox %s: %w", ErrAllocationFailed, id, err)
	}

	ready, ok := m.store.update(id, func(r *Record) {
		r.Status = StatusReady
		if exp := m.now().Add(m.cfg.DefaultTTL); exp.After(r.ExpiresAt) {
			r.ExpiresAt = exp
		}
	})
	if !ok {
		// Destroyed while allocating. The teardown may have run before the
		// namespace existed.
		m.dropNamespace(ctx, ns)
		m.metrics.created("allocation_failed")
		return nil, fmt.Errorf("%w: sandbox %s destroyed during allocation", ErrAllocationFailed, id)
	}

	m.metrics.created("ready")
	m.recordEvent(ctx, ready, EventCreated, "", "")
	m.logger.InfoContext(ctx, "sandbox created",
		slog.String("sandbox_id", id),
		slog.String("owner_id", ownerID),
		slog.String("project_id", projectID),
		slog.String("namespace", ns),
		slog.Time("expires_at", ready.ExpiresAt),
	)
	return ready, nil
}

// allocate creates the namespace and grants baseline access. A grant
// failure leaves the namespace in place.
func (m *Manager) allocate(ctx context.Context, ns string) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StatementTimeout)
	defer cancel()

	if _, err := m.engine.Execute(ctx, "", "CREATE SCHEMA "+sqlutil.QuoteIdent(ns)); err != nil {
		return fmt.Errorf("creating namespace: %w", err)
	}

	role := "CURRENT_USER"
	if m.cfg.GrantRole != "" {
		role = sqlutil.QuoteIdent(m.cfg.GrantRole)
	}
	grant := fmt.Sprintf("GRANT USAGE, CREATE ON SCHEMA %s TO %s", sqlutil.QuoteIdent(ns), role)
	if _, err := m.engine.Execute(ctx, "", grant); err != nil {
		m.logger.WarnContext(ctx, "namespace grant failed, namespace left in place",
			slog.String("namespace", ns),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("granting access: %w", err)
	}
	return nil
}

// Get returns the sandbox with the given id. An expired sandbox is
// destroyed on access and reported as ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	rec, ok := m.store.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if rec.Expired(m.now()) {
		m.destroy(ctx, id, ReasonExpired)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

// Extend pushes the expiry of a sandbox to now+d, capped at the configured
// maximum. Expiry never moves backwards.
func (m *Manager) Extend(ctx context.Context, id string, d time.Duration) (*Record, error) {
	if d <= 0 {
		return nil, fmt.Errorf("extend duration must be positive, got %s", d)
	}
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	rec, ok := m.store.update(id, func(r *Record) { m.extendRecord(r, d) })
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec, nil
}

func (m *Manager) extendRecord(r *Record, d time.Duration) {
	if d > m.cfg.MaxTTL {
		d = m.cfg.MaxTTL
	}
	if exp := m.now().Add(d); exp.After(r.ExpiresAt) {
		r.ExpiresAt = exp
	}
}

// Execute runs a caller-supplied statement in the sandbox namespace.
// A successful call extends the sandbox by the default TTL.
func (m *Manager) Execute(ctx context.Context, id, statement string, params ...any) (*engine.Result, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusReady {
		return nil, fmt.Errorf("%w: sandbox %s is %s", ErrNotReady, id, rec.Status)
	}

	if err := security.CheckStatement(statement); err != nil {
		var v *security.StatementViolation
		rule := ""
		if errors.As(err, &v) {
			rule = v.Rule
		}
		m.metrics.statement("rejected", 0)
		m.recordEvent(ctx, rec, EventStatementRejected, rule, truncate(statement, 200))
		m.logger.WarnContext(ctx, "statement rejected",
			slog.String("sandbox_id", id),
			slog.String("rule", rule),
		)
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, m.cfg.StatementTimeout)
	defer cancel()

	start := time.Now()
	res, err := m.engine.Execute(execCtx, rec.Namespace, statement, params...)
	elapsed := time.Since(start)
	if err != nil {
		if isTimeout(execCtx, err) {
			m.metrics.statement("timeout", elapsed)
			m.logger.WarnContext(ctx, "statement timed out",
				slog.String("sandbox_id", id),
				slog.Duration("timeout", m.cfg.StatementTimeout),
			)
			return nil, fmt.Errorf("%w after %s", ErrStatementTimeout, m.cfg.StatementTimeout)
		}
		m.metrics.statement("failed", elapsed)
		return nil, fmt.Errorf("%w: %w", ErrExecutionFailed, err)
	}

	m.metrics.statement("success", elapsed)
	m.store.update(id, func(r *Record) { m.extendRecord(r, m.cfg.DefaultTTL) })
	return res, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var engErr *engine.Error
	return errors.As(err, &engErr) && engErr.Code == engine.CodeQueryCanceled
}

// Destroy tears down a sandbox. It reports whether this call removed it;
// destroying an unknown id is a no-op.
func (m *Manager) Destroy(ctx context.Context, id string) bool {
	return m.destroy(ctx, id, ReasonExplicit)
}

// destroy is the single teardown path. The record is removed before the
// namespace is dropped, and a failed drop is logged but never restores it.
func (m *Manager) destroy(ctx context.Context, id, reason string) bool {
	rec, ok := m.store.take(id)
	if !ok {
		return false
	}
	m.metrics.setActive(m.store.activeCount())

	m.dropNamespace(ctx, rec.Namespace)

	m.metrics.destroyed(reason)
	m.recordEvent(ctx, rec, EventDestroyed, reason, "")
	m.logger.InfoContext(ctx, "sandbox destroyed",
		slog.String("sandbox_id", id),
		slog.String("namespace", rec.Namespace),
		slog.String("reason", reason),
	)
	return true
}

func (m *Manager) dropNamespace(ctx context.Context, ns string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StatementTimeout)
	defer cancel()
	stmt := fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", sqlutil.QuoteIdent(ns))
	if _, err := m.engine.Execute(ctx, "", stmt); err != nil {
		m.logger.WarnContext(ctx, "namespace drop failed, namespace leaked",
			slog.String("namespace", ns),
			slog.String("error", err.Error()),
		)
	}
}

// List returns live sandboxes ordered by creation time, optionally
// filtered by owner. Expired sandboxes are omitted but not destroyed.
func (m *Manager) List(ownerID string) []*Record {
	now := m.now()
	var out []*Record
	for _, rec := range m.store.snapshot() {
		if ownerID != "" && rec.OwnerID != ownerID {
			continue
		}
		if rec.Expired(now) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Sweep destroys every expired sandbox and returns how many it removed.
// The registry is only locked while collecting candidates.
func (m *Manager) Sweep(ctx context.Context) int {
	start := time.Now()
	n := 0
	for _, id := range m.store.expiredIDs(m.now()) {
		if m.destroy(ctx, id, ReasonSwept) {
			n++
		}
	}
	if f, ok := m.limiter.(interface{ Forget() int }); ok {
		f.Forget()
	}
	m.metrics.sweep(time.Since(start))
	if n > 0 {
		m.logger.InfoContext(ctx, "expired sandboxes swept", slog.Int("count", n))
	}
	return n
}

// DestroyAll tears down every sandbox, including those in the error state.
func (m *Manager) DestroyAll(ctx context.Context) int {
	n := 0
	for _, id := range m.store.ids() {
		if m.destroy(ctx, id, ReasonShutdown) {
			n++
		}
	}
	return n
}

// StartReaper runs Sweep every interval until StopReaper is called.
// Intervals below one second are rounded up to one second.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("reaper interval must be positive, got %s", interval)
	}

	m.reaperMu.Lock()
	defer m.reaperMu.Unlock()
	if m.reaper != nil {
		return ErrReaperRunning
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc("@every "+interval.String(), func() {
		if ctx.Err() != nil {
			return
		}
		m.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("scheduling reaper: %w", err)
	}
	c.Start()
	m.reaper = c

	m.logger.InfoContext(ctx, "sandbox reaper started", slog.String("interval", interval.String()))
	return nil
}

// StopReaper stops the reaper and waits for a running sweep to finish.
// It is a no-op if the reaper is not running.
func (m *Manager) StopReaper() {
	m.reaperMu.Lock()
	defer m.reaperMu.Unlock()
	if m.reaper == nil {
		return
	}
	<-m.reaper.Stop().Done()
	m.reaper = nil
	m.logger.Info("sandbox reaper stopped")
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
