package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/jkaninda/nsbox/internal/sqlutil"
)

// ColumnSpec declares one column of a new table.
type ColumnSpec struct {
	Name       string `json:"name" yaml:"name"`
	Type       string `json:"type" yaml:"type"`
	NotNull    bool   `json:"not_null,omitempty" yaml:"not_null"`
	Default    string `json:"default,omitempty" yaml:"default"` // Raw SQL expression.
	PrimaryKey bool   `json:"primary_key,omitempty" yaml:"primary_key"`
}

// IndexSpec declares an index. An empty Name is derived from the table and
// column names.
type IndexSpec struct {
	Name    string   `json:"name,omitempty" yaml:"name"`
	Columns []string `json:"columns" yaml:"columns"`
	Unique  bool     `json:"unique,omitempty" yaml:"unique"`
}

// TableSpec declares a table. PrimaryKey lists key columns in addition to
// columns flagged with ColumnSpec.PrimaryKey.
type TableSpec struct {
	Name       string       `json:"name" yaml:"name"`
	Columns    []ColumnSpec `json:"columns" yaml:"columns"`
	PrimaryKey []string     `json:"primary_key,omitempty" yaml:"primary_key"`
	Indexes    []IndexSpec  `json:"indexes,omitempty" yaml:"indexes"`
}

// ColumnInfo describes an existing column.
type ColumnInfo struct {
	Name       string  `json:"name"`
	Type       string  `json:"type"`
	Nullable   bool    `json:"nullable"`
	Default    *string `json:"default,omitempty"`
	PrimaryKey bool    `json:"primary_key"`
}

// Stats aggregates the contents of a sandbox namespace.
type Stats struct {
	TableCount int   `json:"table_count"`
	TotalRows  int64 `json:"total_rows"`
	SizeBytes  int64 `json:"size_bytes"`
}

const (
	listTablesQuery = `SELECT table_name FROM information_schema.tables ` +
		`WHERE table_schema = $1 AND table_type = 'BASE TABLE' ORDER BY table_name`

	describeTableQuery = `SELECT c.column_name, c.data_type, c.is_nullable, c.column_default, ` +
		`EXISTS (SELECT 1 FROM information_schema.table_constraints tc ` +
		`JOIN information_schema.key_column_usage k ` +
		`ON k.constraint_name = tc.constraint_name AND k.table_schema = tc.table_schema AND k.table_name = tc.table_name ` +
		`WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = c.table_schema ` +
		`AND tc.table_name = c.table_name AND k.column_name = c.column_name) AS is_primary_key ` +
		`FROM information_schema.columns c WHERE c.table_schema = $1 AND c.table_name = $2 ORDER BY c.ordinal_position`

	namespaceSizeQuery = `SELECT COALESCE(SUM(pg_total_relation_size(c.oid)), 0)::bigint AS size_bytes ` +
		`FROM pg_class c JOIN pg_namespace n ON n.oid = c.relnamespace ` +
		`WHERE n.nspname = $1 AND c.relkind IN ('r', 'p', 'm')`
)

// CreateTable creates a table and its indexes, then tracks the table name.
func (m *Manager) CreateTable(ctx context.Context, id string, spec TableSpec) error {
	pk, err := validateTableSpec(spec)
	if err != nil {
		return err
	}
	rec, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	defs := make([]string, 0, len(spec.Columns)+1)
	for _, c := range spec.Columns {
		def := sqlutil.QuoteIdent(c.Name) + " " + strings.TrimSpace(c.Type)
		if c.NotNull {
			def += " NOT NULL"
		}
		if c.Default != "" {
			def += " DEFAULT " + c.Default
		}
		defs = append(defs, def)
	}
	if len(pk) > 0 {
		defs = append(defs, "PRIMARY KEY ("+quoteList(pk)+")")
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", sqlutil.QualifiedName(rec.Namespace, spec.Name), strings.Join(defs, ", "))
	if _, err := m.Execute(ctx, id, stmt); err != nil {
		return err
	}
	m.store.update(id, func(r *Record) { r.track(spec.Name) })

	for _, idx := range spec.Indexes {
		if err := m.createIndex(ctx, id, rec.Namespace, spec.Name, idx); err != nil {
			return err
		}
	}
	return nil
}

// CreateIndex adds an index to an existing table. Indexes are not tracked;
// they go away with their table.
func (m *Manager) CreateIndex(ctx context.Context, id, table string, idx IndexSpec) error {
	if err := sqlutil.ValidIdentifier(table); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTableSpec, err)
	}
	if err := validateIndex(idx, nil); err != nil {
		return err
	}
	rec, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.createIndex(ctx, id, rec.Namespace, table, idx)
}

func (m *Manager) createIndex(ctx context.Context, id, ns, table string, idx IndexSpec) error {
	name := idx.Name
	if name == "" {
		name = indexName(table, idx.Columns)
	}
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	stmt := fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		unique, sqlutil.QuoteIdent(name), sqlutil.QualifiedName(ns, table), quoteList(idx.Columns))
	_, err := m.Execute(ctx, id, stmt)
	return err
}

// DropIndex removes an index by name.
func (m *Manager) DropIndex(ctx context.Context, id, name string) error {
	if err := sqlutil.ValidIdentifier(name); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTableSpec, err)
	}
	rec, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	_, err = m.Execute(ctx, id, "DROP INDEX IF EXISTS "+sqlutil.QualifiedName(rec.Namespace, name))
	return err
}

// DropTable drops a table and everything depending on it.
func (m *Manager) DropTable(ctx context.Context, id, table string) error {
	if err := sqlutil.ValidIdentifier(table); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTableSpec, err)
	}
	rec, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", sqlutil.QualifiedName(rec.Namespace, table))
	if _, err := m.Execute(ctx, id, stmt); err != nil {
		return err
	}
	m.store.update(id, func(r *Record) { r.untrack(table) })
	return nil
}

// ListTables returns the base tables in the sandbox namespace, read from
// the engine catalog.
func (m *Manager) ListTables(ctx context.Context, id string) ([]string, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.listTables(ctx, id, rec.Namespace)
}

func (m *Manager) listTables(ctx context.Context, id, ns string) ([]string, error) {
	res, err := m.Execute(ctx, id, listTablesQuery, ns)
	if err != nil {
		return nil, err
	}
	tables := make([]string, 0, len(res.Rows))
	for _, row := range res.Rows {
		if name, ok := row["table_name"].(string); ok {
			tables = append(tables, name)
		}
	}
	return tables, nil
}

// DescribeTable returns the column layout of a table.
func (m *Manager) DescribeTable(ctx context.Context, id, table string) ([]ColumnInfo, error) {
	if err := sqlutil.ValidIdentifier(table); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTableSpec, err)
	}
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := m.Execute(ctx, id, describeTableQuery, rec.Namespace, table)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	cols := make([]ColumnInfo, 0, len(res.Rows))
	for _, row := range res.Rows {
		col := ColumnInfo{
			Name:       toString(row["column_name"]),
			Type:       toString(row["data_type"]),
			Nullable:   toString(row["is_nullable"]) == "YES",
			PrimaryKey: row["is_primary_key"] == true,
		}
		if def, ok := row["column_default"].(string); ok {
			col.Default = &def
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// InsertRows writes rows in a single multi-row INSERT and returns the
// number inserted. Columns are the union of the row keys; a key missing
// from a row is written as NULL.
func (m *Manager) InsertRows(ctx context.Context, id, table string, rows []map[string]any) (int, error) {
	if err := sqlutil.ValidIdentifier(table); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidTableSpec, err)
	}
	rec, err := m.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	keys := make(map[string]struct{})
	for _, row := range rows {
		for k := range row {
			keys[k] = struct{}{}
		}
	}
	columns := slices.Sorted(maps.Keys(keys))
	if len(columns) == 0 {
		return 0, fmt.Errorf("%w: rows have no columns", ErrInvalidTableSpec)
	}
	for _, c := range columns {
		if err := sqlutil.ValidIdentifier(c); err != nil {
			return 0, fmt.Errorf("%w: column: %w", ErrInvalidTableSpec, err)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", sqlutil.QualifiedName(rec.Namespace, table), quoteList(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j, c := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(sqlutil.FormatLiteral(row[c]))
		}
		b.WriteByte(')')
	}

	if _, err := m.Execute(ctx, id, b.String()); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// CloneTables copies tables from sourceNamespace into the sandbox. With no
// table names, every base table in the source is cloned. Failures are
// logged and skipped; the returned slice holds the tables actually cloned.
func (m *Manager) CloneTables(ctx context.Context, id, sourceNamespace string, tables []string) ([]string, error) {
	if err := sqlutil.ValidIdentifier(sourceNamespace); err != nil {
		return nil, fmt.Errorf("%w: source namespace: %w", ErrInvalidTableSpec, err)
	}
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		tables, err = m.listTables(ctx, id, sourceNamespace)
		if err != nil {
			return nil, fmt.Errorf("listing source tables: %w", err)
		}
	}

	cloned := make([]string, 0, len(tables))
	for _, t := range tables {
		if err := sqlutil.ValidIdentifier(t); err != nil {
			m.logger.WarnContext(ctx, "skipping clone of invalid table name",
				slog.String("sandbox_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		stmt := fmt.Sprintf("CREATE TABLE %s AS TABLE %s",
			sqlutil.QualifiedName(rec.Namespace, t), sqlutil.QualifiedName(sourceNamespace, t))
		if _, err := m.Execute(ctx, id, stmt); err != nil {
			m.logger.WarnContext(ctx, "table clone failed",
				slog.String("sandbox_id", id),
				slog.String("source", sourceNamespace),
				slog.String("table", t),
				slog.String("error", err.Error()),
			)
			continue
		}
		cloned = append(cloned, t)
	}

	m.store.update(id, func(r *Record) {
		for _, t := range cloned {
			r.track(t)
		}
	})
	return cloned, nil
}

// Reset drops every tracked table without destroying the namespace.
// Tables that fail to drop stay tracked and their errors are joined.
func (m *Manager) Reset(ctx context.Context, id string) error {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	var errs []error
	for _, t := range rec.TrackedObjects {
		if err := m.DropTable(ctx, id, t); err != nil {
			if errors.Is(err, ErrNotFound) {
				return err
			}
			errs = append(errs, fmt.Errorf("dropping %s: %w", t, err))
		}
	}
	return errors.Join(errs...)
}

// Stats counts tables and rows in the namespace and sums the on-disk size
// of its relations. Tables are read from the catalog, not the tracked set.
func (m *Manager) Stats(ctx context.Context, id string) (*Stats, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tables, err := m.listTables(ctx, id, rec.Namespace)
	if err != nil {
		return nil, err
	}
	stats := &Stats{TableCount: len(tables)}

	if len(tables) > 0 {
		counts := make([]string, len(tables))
		for i, t := range tables {
			counts[i] = "(SELECT count(*) FROM " + sqlutil.QualifiedName(rec.Namespace, t) + ")"
		}
		res, err := m.Execute(ctx, id, "SELECT "+strings.Join(counts, " + ")+" AS total_rows")
		if err != nil {
			return nil, err
		}
		if len(res.Rows) > 0 {
			stats.TotalRows = toInt64(res.Rows[0]["total_rows"])
		}
	}

	res, err := m.Execute(ctx, id, namespaceSizeQuery, rec.Namespace)
	if err != nil {
		return nil, err
	}
	if len(res.Rows) > 0 {
		stats.SizeBytes = toInt64(res.Rows[0]["size_bytes"])
	}
	return stats, nil
}

func validateTableSpec(spec TableSpec) ([]string, error) {
	if err := sqlutil.ValidIdentifier(spec.Name); err != nil {
		return nil, fmt.Errorf("%w: table name: %w", ErrInvalidTableSpec, err)
	}
	if len(spec.Columns) == 0 {
		return nil, fmt.Errorf("%w: table %s has no columns", ErrInvalidTableSpec, spec.Name)
	}

	known := make(map[string]bool, len(spec.Columns))
	var pk []string
	for _, c := range spec.Columns {
		if err := sqlutil.ValidIdentifier(c.Name); err != nil {
			return nil, fmt.Errorf("%w: column name: %w", ErrInvalidTableSpec, err)
		}
		if known[c.Name] {
			return nil, fmt.Errorf("%w: duplicate column %s", ErrInvalidTableSpec, c.Name)
		}
		if err := sqlutil.ValidColumnType(c.Type); err != nil {
			return nil, fmt.Errorf("%w: column %s: %w", ErrInvalidTableSpec, c.Name, err)
		}
		known[c.Name] = true
		if c.PrimaryKey {
			pk = append(pk, c.Name)
		}
	}
	for _, k := range spec.PrimaryKey {
		if !known[k] {
			return nil, fmt.Errorf("%w: primary key column %s not declared", ErrInvalidTableSpec, k)
		}
		if !slices.Contains(pk, k) {
			pk = append(pk, k)
		}
	}
	for _, idx := range spec.Indexes {
		if err := validateIndex(idx, known); err != nil {
			return nil, err
		}
	}
	return pk, nil
}

// validateIndex checks idx. When known is non-nil, index columns must be in it.
func validateIndex(idx IndexSpec, known map[string]bool) error {
	if idx.Name != "" {
		if err := sqlutil.ValidIdentifier(idx.Name); err != nil {
			return fmt.Errorf("%w: index name: %w", ErrInvalidTableSpec, err)
		}
	}
	if len(idx.Columns) == 0 {
		return fmt.Errorf("%w: index %s has no columns", ErrInvalidTableSpec, idx.Name)
	}
	for _, c := range idx.Columns {
		if err := sqlutil.ValidIdentifier(c); err != nil {
			return fmt.Errorf("%w: index column: %w", ErrInvalidTableSpec, err)
		}
		if known != nil && !known[c] {
			return fmt.Errorf("%w: index column %s not declared", ErrInvalidTableSpec, c)
		}
	}
	return nil
}

func indexName(table string, columns []string) string {
	name := table + "_" + strings.Join(columns, "_") + "_idx"
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = sqlutil.QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func toString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
