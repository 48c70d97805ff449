// Package config handles loading and validating nsbox configuration.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for nsbox.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.nsbox/data. Override: NSBOX_DATA_DIR env var.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Engine        EngineConfig         `json:"engine" yaml:"engine"`
	Sandbox       *SandboxConfig       `json:"sandbox,omitempty" yaml:"sandbox,omitempty"`             // nil = defaults
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = event trail disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	HTTP          *HTTPConfig          `json:"http,omitempty" yaml:"http,omitempty"`                   // nil = no operator server
}

// EngineConfig configures the PostgreSQL engine that hosts sandbox namespaces.
// DSN can be overridden by NSBOX_ENGINE_DSN env var.
type EngineConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxConns         int32  `json:"max_conns" yaml:"max_conns"`                   // Default: pgxpool default
	MinConns         int32  `json:"min_conns" yaml:"min_conns"`                   // Default: 0
	MaxConnLifetimeS int    `json:"max_conn_lifetime_s" yaml:"max_conn_lifetime_s"` // Default: 1800 (30 min)
	MaxRows          int    `json:"max_rows" yaml:"max_rows"`                     // Default: 1000
}

// MaxConnLifetime returns the pool connection lifetime.
func (e EngineConfig) MaxConnLifetime() time.Duration {
	if e.MaxConnLifetimeS > 0 {
		return time.Duration(e.MaxConnLifetimeS) * time.Second
	}
	return 30 * time.Minute
}

// SandboxConfig configures sandbox lifetimes and limits.
type SandboxConfig struct {
	DefaultTTLMinutes       int    `json:"default_ttl_minutes" yaml:"default_ttl_minutes"`             // Default: 30
	MaxTTLMinutes           int    `json:"max_ttl_minutes" yaml:"max_ttl_minutes"`                     // Default: 1440 (24h)
	Capacity                int    `json:"capacity" yaml:"capacity"`                                   // Default: 100
	StatementTimeoutSeconds int    `json:"statement_timeout_seconds" yaml:"statement_timeout_seconds"` // Default: 30
	ReapIntervalSeconds     int    `json:"reap_interval_seconds" yaml:"reap_interval_seconds"`         // Default: 60
	GrantRole               string `json:"grant_role,omitempty" yaml:"grant_role,omitempty"`           // Default: CURRENT_USER
	Host                    string `json:"host,omitempty" yaml:"host,omitempty"`                       // Reported in connection info.
	Port                    int    `json:"port,omitempty" yaml:"port,omitempty"`                       // Default: 5432
	CreatesPerMinute        int    `json:"creates_per_minute,omitempty" yaml:"creates_per_minute,omitempty"` // Per owner. 0 = unlimited.
	CreateBurst             int    `json:"create_burst,omitempty" yaml:"create_burst,omitempty"`             // Default: creates_per_minute
}

// DefaultTTL returns the lifetime given to new and recently used sandboxes.
func (s *SandboxConfig) DefaultTTL() time.Duration {
	if s != nil && s.DefaultTTLMinutes > 0 {
		return time.Duration(s.DefaultTTLMinutes) * time.Minute
	}
	return 30 * time.Minute
}

// MaxTTL returns the furthest Extend may push an expiry past now.
func (s *SandboxConfig) MaxTTL() time.Duration {
	if s != nil && s.MaxTTLMinutes > 0 {
		return time.Duration(s.MaxTTLMinutes) * time.Minute
	}
	return 24 * time.Hour
}

// MaxSandboxes returns the live sandbox capacity.
func (s *SandboxConfig) MaxSandboxes() int {
	if s != nil && s.Capacity > 0 {
		return s.Capacity
	}
	return 100
}

// StatementTimeout returns the per-statement deadline.
func (s *SandboxConfig) StatementTimeout() time.Duration {
	if s != nil && s.StatementTimeoutSeconds > 0 {
		return time.Duration(s.StatementTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// ReapInterval returns how often the reaper sweeps expired sandboxes.
func (s *SandboxConfig) ReapInterval() time.Duration {
	if s != nil && s.ReapIntervalSeconds > 0 {
		return time.Duration(s.ReapIntervalSeconds) * time.Second
	}
	return time.Minute
}

// ConnectionPort returns the port reported in connection info.
func (s *SandboxConfig) ConnectionPort() int {
	if s != nil && s.Port > 0 {
		return s.Port
	}
	return 5432
}

// StorageConfig configures the event trail backend.
type StorageConfig struct {
	Driver        string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite        *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres      *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
	RetentionDays int                    `json:"retention_days" yaml:"retention_days"`         // 0 = keep events forever.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// Retention returns the event retention window, or 0 when unbounded.
func (s *StorageConfig) Retention() time.Duration {
	if s == nil || s.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/nsbox.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
// DSN can be overridden by NSBOX_STORAGE_DSN env var.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 10
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 2
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "nsbox"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0-1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures threshold-based error rate detection on the engine.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// HTTPConfig configures the operator HTTP server.
// ListenAddr can be overridden by NSBOX_LISTEN_ADDR env var.
type HTTPConfig struct {
	ListenAddr string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	EnableDocs bool              `json:"enable_docs" yaml:"enable_docs"`
	APIKeys    map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // API key -> operator name. Empty = /v1 unauthenticated.
}

// Addr returns the listen address, defaulting to ":8080".
func (h *HTTPConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// DefaultConfigPath returns the default config file path (~/.nsbox/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/nsbox.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".nsbox", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv builds a Config from environment variables alone, for running
// without a config file.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) finish() error {
	c.applyEnv()

	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(home, ".nsbox", "data")
		}
	}

	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("NSBOX_ENGINE_DSN"); v != "" {
		c.Engine.DSN = v
	}
	if v := os.Getenv("NSBOX_STORAGE_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("NSBOX_LISTEN_ADDR"); v != "" {
		if c.HTTP == nil {
			c.HTTP = &HTTPConfig{}
		}
		c.HTTP.ListenAddr = v
	}
	if v := os.Getenv("NSBOX_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("NSBOX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".nsbox", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite event trail path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "nsbox.db")
}

// Level parses LogLevel, defaulting to info.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (c *Config) validate() error {
	if c.Engine.DSN == "" {
		return fmt.Errorf("engine.dsn is required (set NSBOX_ENGINE_DSN env var)")
	}
	if c.Engine.MaxConns < 0 || c.Engine.MinConns < 0 {
		return fmt.Errorf("engine pool sizes must not be negative")
	}
	if c.Engine.MaxConns > 0 && c.Engine.MinConns > c.Engine.MaxConns {
		return fmt.Errorf("engine.min_conns must not exceed engine.max_conns")
	}
	if c.Engine.MaxRows < 0 {
		return fmt.Errorf("engine.max_rows must not be negative")
	}
	if s := c.Sandbox; s != nil {
		if s.DefaultTTLMinutes < 0 || s.MaxTTLMinutes < 0 {
			return fmt.Errorf("sandbox ttl values must not be negative")
		}
		if s.MaxTTL() < s.DefaultTTL() {
			return fmt.Errorf("sandbox.max_ttl_minutes must be at least default_ttl_minutes")
		}
		if s.Capacity < 0 {
			return fmt.Errorf("sandbox.capacity must not be negative")
		}
		if s.StatementTimeoutSeconds < 0 || s.ReapIntervalSeconds < 0 {
			return fmt.Errorf("sandbox timeouts must not be negative")
		}
		if s.CreatesPerMinute < 0 || s.CreateBurst < 0 {
			return fmt.Errorf("sandbox create rate limits must not be negative")
		}
	}
	if c.Storage != nil {
		switch c.Storage.StorageDriver() {
		case "sqlite":
			// valid
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required (set NSBOX_STORAGE_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
		if c.Storage.RetentionDays < 0 {
			return fmt.Errorf("storage.retention_days must not be negative")
		}
	}
	if o := c.Observability; o != nil && o.Tracing != nil && o.Tracing.Enabled {
		switch o.Tracing.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", o.Tracing.Protocol)
		}
		if o.Tracing.SampleRate < 0 || o.Tracing.SampleRate > 1 {
			return fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1")
		}
	}
	return nil
}
