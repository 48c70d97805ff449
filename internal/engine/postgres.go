package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jkaninda/nsbox/internal/sqlutil"
)

// Config holds PostgreSQL engine settings.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	MaxRows         int
}

// Postgres runs sandbox statements on a pgx connection pool. Each namespace
// is a schema; every Execute runs in its own transaction with search_path
// set locally to that schema.
type Postgres struct {
	pool    *pgxpool.Pool
	maxRows int
	logger  *slog.Logger
}

// Open creates the connection pool and verifies connectivity.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("engine DSN is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing engine DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	// Statements run under a per-call search_path, so cached plans from one
	// namespace must never be reused in another.
	poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating engine pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging engine: %w", err)
	}

	maxRows := cfg.MaxRows
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}

	logger.Info("engine connected",
		slog.String("host", poolCfg.ConnConfig.Host),
		slog.String("database", poolCfg.ConnConfig.Database),
		slog.Int("max_conns", int(poolCfg.MaxConns)),
	)

	return &Postgres{pool: pool, maxRows: maxRows, logger: logger}, nil
}

// Execute runs statement inside a transaction scoped to namespace.
func (p *Postgres) Execute(ctx context.Context, namespace, statement string, params ...any) (*Result, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", convertError(err))
	}
	defer func() {
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			p.logger.Warn("engine rollback failed", slog.String("error", err.Error()))
		}
	}()

	if namespace != "" {
		if _, err := tx.Exec(ctx, "SET LOCAL search_path TO "+sqlutil.QuoteIdent(namespace)); err != nil {
			return nil, fmt.Errorf("selecting namespace: %w", convertError(err))
		}
	}

	rows, err := tx.Query(ctx, statement, params...)
	if err != nil {
		return nil, convertError(err)
	}
	res, err := collectRows(rows, p.maxRows)
	if err != nil {
		return nil, convertError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing: %w", convertError(err))
	}
	return res, nil
}

// Ping verifies a connection can be acquired and used.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Stat returns the pool statistics.
func (p *Postgres) Stat() *pgxpool.Stat {
	return p.pool.Stat()
}

// Close releases every pooled connection.
func (p *Postgres) Close() {
	p.pool.Close()
}

// collectRows materialises at most maxRows rows. The remaining rows are
// drained by Close so the command tag still reports the full count.
func collectRows(rows pgx.Rows, maxRows int) (*Result, error) {
	defer rows.Close()

	fields := rows.FieldDescriptions()
	cols := make([]string, len(fields))
	for i, f := range fields {
		cols[i] = f.Name
	}

	res := &Result{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		if len(res.Rows) >= maxRows {
			res.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("reading row %d: %w", len(res.Rows), err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = normalizeValue(values[i])
		}
		res.Rows = append(res.Rows, row)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	res.RowCount = rows.CommandTag().RowsAffected()
	if res.RowCount == 0 && len(res.Rows) > 0 {
		res.RowCount = int64(len(res.Rows))
	}
	return res, nil
}

// normalizeValue converts pgx-specific decoded values into plain Go values
// that encode cleanly as JSON.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case pgtype.Numeric:
		if !val.Valid {
			return nil
		}
		if val.Exp >= 0 {
			if i, err := val.Int64Value(); err == nil && i.Valid {
				return i.Int64
			}
		}
		if f, err := val.Float64Value(); err == nil && f.Valid {
			return f.Float64
		}
		return nil
	case time.Time:
		return val.UTC()
	default:
		return v
	}
}

// convertError maps a *pgconn.PgError to *Error, keeping the original
// reachable through Unwrap.
func convertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &Error{
			Code:    pgErr.Code,
			Message: pgErr.Message,
			Detail:  pgErr.Detail,
			err:     err,
		}
	}
	return err
}
