// Package enginetest provides an in-memory engine.Engine that understands
// the statements generated by the sandbox package.
package enginetest

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jkaninda/nsbox/internal/engine"
)

// Column is a column tracked by the fake catalog.
type Column struct {
	Name       string
	Type       string
	NotNull    bool
	Default    string
	PrimaryKey bool
}

type table struct {
	columns []Column
	rows    int64
	indexes map[string]bool
}

// Fake is a thread-safe in-memory engine. Statements it does not recognise
// succeed with an empty result unless a response or failure is scripted.
type Fake struct {
	mu         sync.Mutex
	namespaces map[string]map[string]*table
	statements []Statement
	failures   []failure
	responses  []response
	blocking   []string
}

// Statement is a recorded Execute call.
type Statement struct {
	Namespace string
	Text      string
	Params    []any
}

type failure struct {
	match string
	err   error
}

type response struct {
	match  string
	result *engine.Result
}

// New creates an empty fake engine.
func New() *Fake {
	return &Fake{namespaces: make(map[string]map[string]*table)}
}

// FailOn makes every statement containing match fail with err.
func (f *Fake) FailOn(match string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, failure{match: match, err: err})
}

// RespondTo returns res for every statement containing match.
func (f *Fake) RespondTo(match string, res *engine.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{match: match, result: res})
}

// BlockOn makes statements containing match wait until their context ends.
func (f *Fake) BlockOn(match string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocking = append(f.blocking, match)
}

// Statements returns every statement executed so far.
func (f *Fake) Statements() []Statement {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Statement(nil), f.statements...)
}

// HasNamespace reports whether ns exists.
func (f *Fake) HasNamespace(ns string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.namespaces[ns]
	return ok
}

// Tables returns the sorted table names in ns.
func (f *Fake) Tables(ns string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tableNames(ns)
}

// RowCount returns the number of rows stored in ns.tbl.
func (f *Fake) RowCount(ns, tbl string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.namespaces[ns][tbl]; ok {
		return t.rows
	}
	return 0
}

// Ping always succeeds.
func (f *Fake) Ping(context.Context) error { return nil }

var (
	identPattern   = `"((?:[^"]|"")*)"`
	reCreateSchema = regexp.MustCompile(`^CREATE SCHEMA ` + identPattern + `$`)
	reGrant        = regexp.MustCompile(`^GRANT .* ON SCHEMA ` + identPattern + ` TO .+$`)
	reDropSchema   = regexp.MustCompile(`^DROP SCHEMA IF EXISTS ` + identPattern + ` CASCADE$`)
	reCloneTable   = regexp.MustCompile(`^CREATE TABLE ` + identPattern + `\.` + identPattern + ` AS TABLE ` + identPattern + `\.` + identPattern + `$`)
	reCreateTable  = regexp.MustCompile(`(?s)^CREATE TABLE ` + identPattern + `\.` + identPattern + ` \((.*)\)$`)
	reDropTable    = regexp.MustCompile(`^DROP TABLE IF EXISTS ` + identPattern + `\.` + identPattern + ` CASCADE$`)
	reCreateIndex  = regexp.MustCompile(`^CREATE (?:UNIQUE )?INDEX ` + identPattern + ` ON ` + identPattern + `\.` + identPattern + ` \(.*\)$`)
	reDropIndex    = regexp.MustCompile(`^DROP INDEX IF EXISTS ` + identPattern + `\.` + identPattern + `$`)
	reInsert       = regexp.MustCompile(`(?s)^INSERT INTO ` + identPattern + `\.` + identPattern + ` \((.*?)\) VALUES (.*)$`)
	reCountFrom    = regexp.MustCompile(`count\(\*\) FROM ` + identPattern + `\.` + identPattern)
	reIdent        = regexp.MustCompile(identPattern)
	reLeadingIdent = regexp.MustCompile(`^` + identPattern)
)

// Execute interprets statement against the in-memory catalog.
func (f *Fake) Execute(ctx context.Context, namespace, statement string, params ...any) (*engine.Result, error) {
	f.mu.Lock()
	f.statements = append(f.statements, Statement{Namespace: namespace, Text: statement, Params: params})
	block := false
	for _, m := range f.blocking {
		if strings.Contains(statement, m) {
			block = true
		}
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, fl := range f.failures {
		if strings.Contains(statement, fl.match) {
			return nil, fl.err
		}
	}
	for _, r := range f.responses {
		if strings.Contains(statement, r.match) {
			return r.result, nil
		}
	}

	stmt := strings.TrimSpace(statement)
	switch {
	case reCreateSchema.MatchString(stmt):
		ns := unquote(reCreateSchema.FindStringSubmatch(stmt)[1])
		if _, ok := f.namespaces[ns]; ok {
			return nil, engine.NewError(engine.CodeDuplicateSchema, fmt.Sprintf("schema %q already exists", ns))
		}
		f.namespaces[ns] = make(map[string]*table)
		return &engine.Result{}, nil

	case reGrant.MatchString(stmt):
		ns := unquote(reGrant.FindStringSubmatch(stmt)[1])
		if _, ok := f.namespaces[ns]; !ok {
			return nil, engine.NewError(engine.CodeInvalidSchema, fmt.Sprintf("schema %q does not exist", ns))
		}
		return &engine.Result{}, nil

	case reDropSchema.MatchString(stmt):
		delete(f.namespaces, unquote(reDropSchema.FindStringSubmatch(stmt)[1]))
		return &engine.Result{}, nil

	case reCloneTable.MatchString(stmt):
		m := reCloneTable.FindStringSubmatch(stmt)
		return f.cloneTable(unquote(m[1]), unquote(m[2]), unquote(m[3]), unquote(m[4]))

	case reCreateTable.MatchString(stmt):
		m := reCreateTable.FindStringSubmatch(stmt)
		return f.createTable(unquote(m[1]), unquote(m[2]), m[3])

	case reDropTable.MatchString(stmt):
		m := reDropTable.FindStringSubmatch(stmt)
		ns, err := f.namespace(unquote(m[1]))
		if err != nil {
			return nil, err
		}
		delete(ns, unquote(m[2]))
		return &engine.Result{}, nil

	case reCreateIndex.MatchString(stmt):
		m := reCreateIndex.FindStringSubmatch(stmt)
		t, err := f.table(unquote(m[2]), unquote(m[3]))
		if err != nil {
			return nil, err
		}
		t.indexes[unquote(m[1])] = true
		return &engine.Result{}, nil

	case reDropIndex.MatchString(stmt):
		m := reDropIndex.FindStringSubmatch(stmt)
		ns, err := f.namespace(unquote(m[1]))
		if err != nil {
			return nil, err
		}
		for _, t := range ns {
			delete(t.indexes, unquote(m[2]))
		}
		return &engine.Result{}, nil

	case reInsert.MatchString(stmt):
		m := reInsert.FindStringSubmatch(stmt)
		t, err := f.table(unquote(m[1]), unquote(m[2]))
		if err != nil {
			return nil, err
		}
		n := int64(len(splitTopLevel(m[4])))
		t.rows += n
		return &engine.Result{Rows: []map[string]any{}, RowCount: n}, nil

	case strings.Contains(stmt, "information_schema.tables"):
		ns := paramString(params, 0)
		rows := []map[string]any{}
		for _, name := range f.tableNames(ns) {
			rows = append(rows, map[string]any{"table_name": name})
		}
		return &engine.Result{Columns: []string{"table_name"}, Rows: rows, RowCount: int64(len(rows))}, nil

	case strings.Contains(stmt, "information_schema.columns"):
		return f.describe(paramString(params, 0), paramString(params, 1)), nil

	case strings.Contains(stmt, "pg_total_relation_size"):
		ns := paramString(params, 0)
		size := int64(len(f.namespaces[ns])) * 8192
		return &engine.Result{
			Columns:  []string{"size_bytes"},
			Rows:     []map[string]any{{"size_bytes": size}},
			RowCount: 1,
		}, nil

	case reCountFrom.MatchString(stmt):
		var total int64
		for _, m := range reCountFrom.FindAllStringSubmatch(stmt, -1) {
			t, err := f.table(unquote(m[1]), unquote(m[2]))
			if err != nil {
				return nil, err
			}
			total += t.rows
		}
		return &engine.Result{
			Columns:  []string{"total_rows"},
			Rows:     []map[string]any{{"total_rows": total}},
			RowCount: 1,
		}, nil
	}

	return &engine.Result{Rows: []map[string]any{}}, nil
}

func (f *Fake) namespace(name string) (map[string]*table, error) {
	ns, ok := f.namespaces[name]
	if !ok {
		return nil, engine.NewError(engine.CodeInvalidSchema, fmt.Sprintf("schema %q does not exist", name))
	}
	return ns, nil
}

func (f *Fake) table(nsName, name string) (*table, error) {
	ns, err := f.namespace(nsName)
	if err != nil {
		return nil, err
	}
	t, ok := ns[name]
	if !ok {
		return nil, engine.NewError(engine.CodeUndefinedTable, fmt.Sprintf("relation %q does not exist", nsName+"."+name))
	}
	return t, nil
}

func (f *Fake) tableNames(ns string) []string {
	names := make([]string, 0, len(f.namespaces[ns]))
	for name := range f.namespaces[ns] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *Fake) createTable(nsName, name, body string) (*engine.Result, error) {
	ns, err := f.namespace(nsName)
	if err != nil {
		return nil, err
	}
	if _, ok := ns[name]; ok {
		return nil, engine.NewError(engine.CodeDuplicateTable, fmt.Sprintf("relation %q already exists", name))
	}

	t := &table{indexes: make(map[string]bool)}
	var pk []string
	for _, def := range splitTopLevel(body) {
		def = strings.TrimSpace(def)
		if strings.HasPrefix(def, "PRIMARY KEY (") {
			for _, m := range reIdent.FindAllStringSubmatch(def, -1) {
				pk = append(pk, unquote(m[1]))
			}
			continue
		}
		t.columns = append(t.columns, parseColumn(def))
	}
	for _, p := range pk {
		for i := range t.columns {
			if t.columns[i].Name == p {
				t.columns[i].PrimaryKey = true
				t.columns[i].NotNull = true
			}
		}
	}
	ns[name] = t
	return &engine.Result{}, nil
}

func (f *Fake) cloneTable(dstNS, dstName, srcNS, srcName string) (*engine.Result, error) {
	src, err := f.table(srcNS, srcName)
	if err != nil {
		return nil, err
	}
	dst, err := f.namespace(dstNS)
	if err != nil {
		return nil, err
	}
	if _, ok := dst[dstName]; ok {
		return nil, engine.NewError(engine.CodeDuplicateTable, fmt.Sprintf("relation %q already exists", dstName))
	}
	cols := make([]Column, len(src.columns))
	for i, c := range src.columns {
		c.PrimaryKey = false
		c.Default = ""
		cols[i] = c
	}
	dst[dstName] = &table{columns: cols, rows: src.rows, indexes: make(map[string]bool)}
	return &engine.Result{RowCount: src.rows}, nil
}

func (f *Fake) describe(nsName, name string) *engine.Result {
	res := &engine.Result{
		Columns: []string{"column_name", "data_type", "is_nullable", "column_default", "is_primary_key"},
		Rows:    []map[string]any{},
	}
	t, ok := f.namespaces[nsName][name]
	if !ok {
		return res
	}
	for _, c := range t.columns {
		nullable := "YES"
		if c.NotNull {
			nullable = "NO"
		}
		var def any
		if c.Default != "" {
			def = c.Default
		}
		res.Rows = append(res.Rows, map[string]any{
			"column_name":    c.Name,
			"data_type":      c.Type,
			"is_nullable":    nullable,
			"column_default": def,
			"is_primary_key": c.PrimaryKey,
		})
	}
	res.RowCount = int64(len(res.Rows))
	return res
}

// parseColumn reads `"name" type [NOT NULL] [DEFAULT expr]`.
func parseColumn(def string) Column {
	var c Column
	if m := reLeadingIdent.FindStringSubmatch(def); m != nil {
		c.Name = unquote(m[1])
		def = strings.TrimSpace(def[len(m[0]):])
	}
	if i := strings.Index(def, " DEFAULT "); i >= 0 {
		c.Default = def[i+len(" DEFAULT "):]
		def = def[:i]
	}
	if strings.HasSuffix(def, " NOT NULL") {
		c.NotNull = true
		def = strings.TrimSuffix(def, " NOT NULL")
	}
	c.Type = strings.ToLower(strings.TrimSpace(def))
	return c
}

// splitTopLevel splits s on commas outside parentheses and quotes.
func splitTopLevel(s string) []string {
	var parts []string
	depth, start := 0, 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(s[start:]); rest != "" {
		parts = append(parts, s[start:])
	}
	return parts
}

func unquote(s string) string {
	return strings.ReplaceAll(s, `""`, `"`)
}

func paramString(params []any, i int) string {
	if i < len(params) {
		if s, ok := params[i].(string); ok {
			return s
		}
	}
	return ""
}
