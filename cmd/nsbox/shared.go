package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/nsbox/internal/config"
	"github.com/jkaninda/nsbox/internal/engine"
	"github.com/jkaninda/nsbox/internal/observability"
	"github.com/jkaninda/nsbox/internal/ratelimit"
	"github.com/jkaninda/nsbox/internal/sandbox"
	"github.com/jkaninda/nsbox/internal/storage"
	pgstore "github.com/jkaninda/nsbox/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/nsbox/internal/storage/sqlite"
)

// SharedComponents holds the subsystems both serve and exec need.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config  *config.Config
	Logger  *slog.Logger
	Obs     *observability.Observability
	Engine  *engine.Postgres
	Store   storage.Store // nil = event trail disabled.
	Manager *sandbox.Manager

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig reads the config file named by NSBOX_CONFIG or the flag.
// A missing file falls back to environment-only configuration.
func loadConfig(flagPath string) (*config.Config, error) {
	path := goutils.Env("NSBOX_CONFIG", flagPath)
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.FromEnv()
	}
	return cfg, err
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

// initShared performs all common initialization.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger, observability.EngineAttributes(cfg.Engine.DSN)...)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Engine.
	pg, err := engine.Open(ctx, engine.Config{
		DSN:             cfg.Engine.DSN,
		MaxConns:        cfg.Engine.MaxConns,
		MinConns:        cfg.Engine.MinConns,
		MaxConnLifetime: cfg.Engine.MaxConnLifetime(),
		MaxRows:         cfg.Engine.MaxRows,
	}, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening engine: %w", err)
	}
	sc.Engine = pg
	sc.addCleanup(pg.Close)
	logger.Debug("engine pool ready",
		slog.Int("total_conns", int(pg.Stat().TotalConns())),
		slog.Int("max_conns", int(pg.Stat().MaxConns())),
	)

	var eng engine.Engine = pg
	if obs != nil && (obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil) {
		eng = observability.NewInstrumentedEngine(pg, obs.MetricsOrNil(), obs.TracerOrNil(), obs.AnomalyOrNil())
	}

	// Event trail (optional).
	var opts []sandbox.Option
	if cfg.Storage != nil {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})

		if err := store.Migrate(ctx); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		opts = append(opts, sandbox.WithEventStore(store.Events()))
		logger.Debug("event trail initialized", slog.String("driver", store.Driver()))
	}

	if sb := cfg.Sandbox; sb != nil && sb.CreatesPerMinute > 0 {
		opts = append(opts, sandbox.WithCreateLimiter(ratelimit.NewLimiter(ratelimit.Config{
			PerMinute: sb.CreatesPerMinute,
			Burst:     sb.CreateBurst,
		})))
		logger.Debug("create rate limit enabled", slog.Int("per_minute", sb.CreatesPerMinute))
	}

	if obs != nil && obs.Metrics != nil {
		opts = append(opts, sandbox.WithMetrics(sandbox.NewMetrics(obs.Metrics.Registry)))
	}

	// Health checks.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("engine", pg.Ping)
		if sc.Store != nil {
			obs.Health.AddCheck("storage", sc.Store.Ping)
		}
		logger.Debug("health checks registered", slog.Any("checks", obs.Health.Names()))
	}

	sc.Manager = sandbox.NewManager(eng, sandboxConfig(cfg.Sandbox), logger, opts...)
	logger.Debug("sandbox manager initialized",
		slog.String("default_ttl", cfg.Sandbox.DefaultTTL().String()),
		slog.String("max_ttl", cfg.Sandbox.MaxTTL().String()),
		slog.Int("capacity", cfg.Sandbox.MaxSandboxes()),
	)

	return sc, nil
}

// sandboxConfig converts config types to sandbox types.
func sandboxConfig(c *config.SandboxConfig) sandbox.Config {
	cfg := sandbox.Config{
		DefaultTTL:       c.DefaultTTL(),
		MaxTTL:           c.MaxTTL(),
		Capacity:         c.MaxSandboxes(),
		StatementTimeout: c.StatementTimeout(),
		Port:             c.ConnectionPort(),
	}
	if c != nil {
		cfg.GrantRole = c.GrantRole
		cfg.Host = c.Host
	}
	return cfg
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.Storage.StorageDriver()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	dbPath := cfg.DatabasePath()
	journalMode := "wal"

	if cfg.Storage.SQLite != nil {
		if cfg.Storage.SQLite.Path != "" {
			dbPath = cfg.Storage.SQLite.Path
		}
		if cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        dbPath,
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pc := cfg.Storage.Postgres
	if pc == nil || pc.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or NSBOX_STORAGE_DSN)")
	}

	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pc.DSN,
		MaxOpenConns:    pc.MaxOpenConns,
		MaxIdleConns:    pc.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pc.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	return pgstore.NewStore(pgDB), nil
}
