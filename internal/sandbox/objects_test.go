package sandbox

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/jkaninda/nsbox/internal/engine"
)

func usersSpec() TableSpec {
	return TableSpec{
		Name: "users",
		Columns: []ColumnSpec{
			{Name: "id", Type: "uuid", PrimaryKey: true},
			{Name: "name", Type: "text", NotNull: true},
		},
	}
}

func lastStatement(t *testing.T, env *testEnv, prefix string) string {
	t.Helper()
	stmts := env.eng.Statements()
	for i := len(stmts) - 1; i >= 0; i-- {
		if strings.HasPrefix(stmts[i].Text, prefix) {
			return stmts[i].Text
		}
	}
	t.Fatalf("no statement with prefix %q", prefix)
	return ""
}

// --- End-to-end scenarios ---

func TestScenario_TableLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	sb := env.create(t, "alice")

	if err := env.mgr.CreateTable(ctx, sb.ID, usersSpec()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	n, err := env.mgr.InsertRows(ctx, sb.ID, "users", []map[string]any{
		{"id": "0f8fad5b-d9cb-469f-a165-70867728950e", "name": "Ada"},
	})
	if err != nil || n != 1 {
		t.Fatalf("InsertRows = %d, %v", n, err)
	}

	tables, err := env.mgr.ListTables(ctx, sb.ID)
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if !slices.Equal(tables, []string{"users"}) {
		t.Fatalf("ListTables = %v, want [users]", tables)
	}

	stats, err := env.mgr.Stats(ctx, sb.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TableCount != 1 || stats.TotalRows != 1 {
		t.Errorf("Stats = %+v, want 1 table / 1 row", stats)
	}
	if stats.SizeBytes <= 0 {
		t.Errorf("SizeBytes = %d, want > 0", stats.SizeBytes)
	}

	if err := env.mgr.DropTable(ctx, sb.ID, "users"); err != nil {
		t.Fatalf("DropTable: %v", err)
	}
	tables, err = env.mgr.ListTables(ctx, sb.ID)
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 0 {
		t.Errorf("ListTables after drop = %v, want []", tables)
	}

	rec, _ := env.mgr.Get(ctx, sb.ID)
	if len(rec.TrackedObjects) != 0 {
		t.Errorf("tracked objects after drop = %v", rec.TrackedObjects)
	}
}

func TestScenario_CloneAllTables(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	a := env.create(t, "alice")

	for _, name := range []string{"orders", "customers"} {
		spec := TableSpec{Name: name, Columns: []ColumnSpec{{Name: "id", Type: "int", PrimaryKey: true}}}
		if err := env.mgr.CreateTable(ctx, a.ID, spec); err != nil {
			t.Fatalf("CreateTable(%s): %v", name, err)
		}
	}
	if _, err := env.mgr.InsertRows(ctx, a.ID, "orders", []map[string]any{{"id": 1}, {"id": 2}}); err != nil {
		t.Fatalf("InsertRows: %v", err)
	}

	b := env.create(t, "bob")
	cloned, err := env.mgr.CloneTables(ctx, b.ID, a.Namespace, nil)
	if err != nil {
		t.Fatalf("CloneTables: %v", err)
	}
	if !slices.Equal(cloned, []string{"customers", "orders"}) {
		t.Errorf("cloned = %v", cloned)
	}

	tables, err := env.mgr.ListTables(ctx, b.ID)
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if !slices.Equal(tables, []string{"customers", "orders"}) {
		t.Errorf("ListTables(B) = %v", tables)
	}
	if got := env.eng.RowCount(b.Namespace, "orders"); got != 2 {
		t.Errorf("cloned row count = %d, want 2", got)
	}

	rec, _ := env.mgr.Get(ctx, b.ID)
	if !slices.Equal(rec.TrackedObjects, []string{"customers", "orders"}) {
		t.Errorf("tracked = %v", rec.TrackedObjects)
	}
}

// --- CreateTable ---

func TestCreateTable_Statement(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	sb := env.create(t, "alice")

	spec := TableSpec{
		Name: "events",
		Columns: []ColumnSpec{
			{Name: "tenant", Type: "text", NotNull: true},
			{Name: "seq", Type: "bigint"},
			{Name: "at", Type: "timestamptz", Default: "now()"},
		},
		PrimaryKey: []string{"tenant", "seq"},
		Indexes: []IndexSpec{
			{Columns: []string{"at"}},
			{Name: "events_seq_uq", Columns: []string{"seq"}, Unique: true},
		},
	}
	if err := env.mgr.CreateTable(ctx, sb.ID, spec); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	ns := `"` + sb.Namespace + `"`
	want := `CREATE TABLE ` + ns + `."events" ("tenant" text NOT NULL, "seq" bigint, "at" timestamptz DEFAULT now(), PRIMARY KEY ("tenant", "seq"))`
	if got := lastStatement(t, env, "CREATE TABLE"); got != want {
		t.Errorf("create statement:\n got  %s\n want %s", got, want)
	}
	if got := lastStatement(t, env, "CREATE INDEX"); got != `CREATE INDEX "events_at_idx" ON `+ns+`."events" ("at")` {
		t.Errorf("index statement = %s", got)
	}
	if got := lastStatement(t, env, "CREATE UNIQUE INDEX"); got != `CREATE UNIQUE INDEX "events_seq_uq" ON `+ns+`."events" ("seq")` {
		t.Errorf("unique index statement = %s", got)
	}

	rec, _ := env.mgr.Get(ctx, sb.ID)
	if !slices.Equal(rec.TrackedObjects, []string{"events"}) {
		t.Errorf("tracked = %v", rec.TrackedObjects)
	}
}

func TestCreateTable_InvalidSpec(t *testing.T) {
	env := newTestEnv(t, Config{})
	sb := env.create(t, "alice")

	tests := map[string]TableSpec{
		"empty name":     {Columns: []ColumnSpec{{Name: "a", Type: "int"}}},
		"no columns":     {Name: "t"},
		"bad type":       {Name: "t", Columns: []ColumnSpec{{Name: "a", Type: "int); DROP TABLE x; --"}}},
		"duplicate":      {Name: "t", Columns: []ColumnSpec{{Name: "a", Type: "int"}, {Name: "a", Type: "int"}}},
		"unknown pk":     {Name: "t", Columns: []ColumnSpec{{Name: "a", Type: "int"}}, PrimaryKey: []string{"b"}},
		"unknown index":  {Name: "t", Columns: []ColumnSpec{{Name: "a", Type: "int"}}, Indexes: []IndexSpec{{Columns: []string{"b"}}}},
		"empty index":    {Name: "t", Columns: []ColumnSpec{{Name: "a", Type: "int"}}, Indexes: []IndexSpec{{Name: "i"}}},
		"too long table": {Name: strings.Repeat("t", 64), Columns: []ColumnSpec{{Name: "a", Type: "int"}}},
	}
	for name, spec := range tests {
		t.Run(name, func(t *testing.T) {
			err := env.mgr.CreateTable(context.Background(), sb.ID, spec)
			if !errors.Is(err, ErrInvalidTableSpec) {
				t.Errorf("err = %v, want ErrInvalidTableSpec", err)
			}
		})
	}
	if tables := env.eng.Tables(sb.Namespace); len(tables) != 0 {
		t.Errorf("invalid specs created tables: %v", tables)
	}
}

func TestCreateTable_DuplicateSurfacesEngineError(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	sb := env.create(t, "alice")

	if err := env.mgr.CreateTable(ctx, sb.ID, usersSpec()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	err := env.mgr.CreateTable(ctx, sb.ID, usersSpec())
	var engErr *engine.Error
	if !errors.Is(err, ErrExecutionFailed) || !errors.As(err, &engErr) || engErr.Code != engine.CodeDuplicateTable {
		t.Fatalf("err = %v, want duplicate table execution failure", err)
	}
	rec, _ := env.mgr.Get(ctx, sb.ID)
	if len(rec.TrackedObjects) != 1 {
		t.Errorf("tracked = %v, want single entry", rec.TrackedObjects)
	}
}

func TestObjectOps_NotFound(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	checks := map[string]error{
		"CreateTable": env.mgr.CreateTable(ctx, "gone", usersSpec()),
		"DropTable":   env.mgr.DropTable(ctx, "gone", "users"),
		"Reset":       env.mgr.Reset(ctx, "gone"),
		"CreateIndex": env.mgr.CreateIndex(ctx, "gone", "users", IndexSpec{Columns: []string{"name"}}),
		"DropIndex":   env.mgr.DropIndex(ctx, "gone", "users_name_idx"),
	}
	_, checks["ListTables"] = env.mgr.ListTables(ctx, "gone")
	_, checks["DescribeTable"] = env.mgr.DescribeTable(ctx, "gone", "users")
	_, checks["InsertRows"] = env.mgr.InsertRows(ctx, "gone", "users", []map[string]any{{"id": 1}})
	_, checks["InsertRows(empty)"] = env.mgr.InsertRows(ctx, "gone", "users", nil)
	_, checks["CloneTables"] = env.mgr.CloneTables(ctx, "gone", "sbx_other_x", nil)
	_, checks["Stats"] = env.mgr.Stats(ctx, "gone")

	for op, err := range checks {
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: err = %v, want ErrNotFound", op, err)
		}
	}
}

// --- Indexes ---

func TestCreateAndDropIndex(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	sb := env.create(t, "alice")
	if err := env.mgr.CreateTable(ctx, sb.ID, usersSpec()); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	if err := env.mgr.CreateIndex(ctx, sb.ID, "users", IndexSpec{Columns: []string{"name"}}); err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	if err := env.mgr.CreateIndex(ctx, sb.ID, "missing", IndexSpec{Columns: []string{"name"}}); !errors.Is(err, ErrExecutionFailed) {
		t.Errorf("CreateIndex on missing table: err = %v", err)
	}
	if err := env.mgr.DropIndex(ctx, sb.ID, "users_name_idx"); err != nil {
		t.Fatalf("DropIndex: %v", err)
	}
	want := `DROP INDEX IF EXISTS "` + sb.Namespace + `"."users_name_idx"`
	if got := lastStatement(t, env, "DROP INDEX"); got != want {
		t.Errorf("drop index = %s, want %s", got, want)
	}
}

// --- DescribeTable ---

func TestDescribeTable(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	sb := env.create(t, "alice")
	spec := usersSpec()
	spec.Columns = append(spec.Columns, ColumnSpec{Name: "active", Type: "boolean", Default: "true"})
	if err := env.mgr.CreateTable(ctx, sb.ID, spec); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	cols, err := env.mgr.DescribeTable(ctx, sb.ID, "users")
	if err != nil {
		t.Fatalf("DescribeTable: %v", err)
	}
	if len(cols) != 3 {
		t.Fatalf("columns = %+v", cols)
	}
	if cols[0].Name != "id" || cols[0].Type != "uuid" || !cols[0].PrimaryKey || cols[0].Nullable {
		t.Errorf("id column = %+v", cols[0])
	}
	if cols[1].Name != "name" || cols[1].Nullable || cols[1].PrimaryKey {
		t.Errorf("name column = %+v", cols[1])
	}
	if cols[2].Default == nil || *cols[2].Default != "true" || !cols[2].Nullable {
		t.Errorf("active column = %+v", cols[2])
	}

	if _, err := env.mgr.DescribeTable(ctx, sb.ID, "nope"); !errors.Is(err, ErrTableNotFound) {
		t.Errorf("DescribeTable(nope) err = %v, want ErrTableNotFound", err)
	}
}

// --- InsertRows ---

func TestInsertRows_Statement(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	sb := env.create(t, "alice")
	if err := env.mgr.CreateTable(ctx, sb.ID, TableSpec{
		Name: "notes",
		Columns: []ColumnSpec{
			{Name: "id", Type: "int"},
			{Name: "body", Type: "text"},
			{Name: "done", Type: "boolean"},
		},
	}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	n, err := env.mgr.InsertRows(ctx, sb.ID, "notes", []map[string]any{
		{"id": 1, "body": "it's fine"},
		{"id": 2, "done": true, "body": nil},
	})
	if err != nil || n != 2 {
		t.Fatalf("InsertRows = %d, %v", n, err)
	}

	want := `INSERT INTO "` + sb.Namespace + `"."notes" ("body", "done", "id") VALUES ('it''s fine', NULL, 1), (NULL, TRUE, 2)`
	if got := lastStatement(t, env, "INSERT INTO"); got != want {
		t.Errorf("insert:\n got  %s\n want %s", got, want)
	}
	if got := env.eng.RowCount(sb.Namespace, "notes"); got != 2 {
		t.Errorf("row count = %d, want 2", got)
	}
}

func TestInsertRows_EdgeCases(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	sb := env.create(t, "alice")
	executed := len(env.eng.Statements())

	if n, err := env.mgr.InsertRows(ctx, sb.ID, "t", nil); n != 0 || err != nil {
		t.Errorf("empty insert = %d, %v", n, err)
	}
	if len(env.eng.Statements()) != executed {
		t.Error("empty insert issued a statement")
	}
	if _, err := env.mgr.InsertRows(ctx, sb.ID, "t", []map[string]any{{}}); !errors.Is(err, ErrInvalidTableSpec) {
		t.Errorf("keyless rows err = %v", err)
	}
	if _, err := env.mgr.InsertRows(ctx, sb.ID, "missing", []map[string]any{{"a": 1}}); !errors.Is(err, ErrExecutionFailed) {
		t.Errorf("insert into missing table err = %v", err)
	}
}

// --- CloneTables ---

func TestCloneTables_PartialFailure(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	src := env.create(t, "alice")
	for _, name := range []string{"a", "b"} {
		if err := env.mgr.CreateTable(ctx, src.ID, TableSpec{Name: name, Columns: []ColumnSpec{{Name: "x", Type: "int"}}}); err != nil {
			t.Fatalf("CreateTable(%s): %v", name, err)
		}
	}
	dst := env.create(t, "bob")

	cloned, err := env.mgr.CloneTables(ctx, dst.ID, src.Namespace, []string{"a", "missing", "b"})
	if err != nil {
		t.Fatalf("CloneTables: %v", err)
	}
	if !slices.Equal(cloned, []string{"a", "b"}) {
		t.Errorf("cloned = %v, want [a b]", cloned)
	}
	rec, _ := env.mgr.Get(ctx, dst.ID)
	if !slices.Equal(rec.TrackedObjects, []string{"a", "b"}) {
		t.Errorf("tracked = %v", rec.TrackedObjects)
	}
}

// --- Reset ---

func TestReset(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	sb := env.create(t, "alice")
	for _, name := range []string{"a", "b", "c"} {
		if err := env.mgr.CreateTable(ctx, sb.ID, TableSpec{Name: name, Columns: []ColumnSpec{{Name: "x", Type: "int"}}}); err != nil {
			t.Fatalf("CreateTable(%s): %v", name, err)
		}
	}
	env.eng.FailOn(`DROP TABLE IF EXISTS "`+sb.Namespace+`"."b"`, engine.NewError("55006", "object in use"))

	err := env.mgr.Reset(ctx, sb.ID)
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("Reset err = %v, want joined execution failure", err)
	}
	rec, _ := env.mgr.Get(ctx, sb.ID)
	if !slices.Equal(rec.TrackedObjects, []string{"b"}) {
		t.Errorf("tracked after partial reset = %v, want [b]", rec.TrackedObjects)
	}
	if !env.eng.HasNamespace(sb.Namespace) {
		t.Error("Reset destroyed the namespace")
	}
	if got := env.eng.Tables(sb.Namespace); !slices.Equal(got, []string{"b"}) {
		t.Errorf("tables after reset = %v", got)
	}
}

// --- Stats ---

func TestStats_EmptyNamespace(t *testing.T) {
	env := newTestEnv(t, Config{})
	sb := env.create(t, "alice")

	stats, err := env.mgr.Stats(context.Background(), sb.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TableCount != 0 || stats.TotalRows != 0 || stats.SizeBytes != 0 {
		t.Errorf("Stats = %+v, want zeros", stats)
	}
}

func TestStats_CountsUntrackedTables(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	sb := env.create(t, "alice")
	if err := env.mgr.CreateTable(ctx, sb.ID, TableSpec{Name: "a", Columns: []ColumnSpec{{Name: "x", Type: "int"}}}); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	// Raw DDL bypasses tracking but the catalog still sees the table.
	if _, err := env.mgr.Execute(ctx, sb.ID, `CREATE TABLE "`+sb.Namespace+`"."raw" ("y" int)`); err != nil {
		t.Fatalf("raw DDL: %v", err)
	}
	if _, err := env.mgr.InsertRows(ctx, sb.ID, "raw", []map[string]any{{"y": 1}, {"y": 2}, {"y": 3}}); err != nil {
		t.Fatalf("InsertRows: %v", err)
	}

	stats, err := env.mgr.Stats(ctx, sb.ID)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TableCount != 2 || stats.TotalRows != 3 {
		t.Errorf("Stats = %+v, want 2 tables / 3 rows", stats)
	}
	rec, _ := env.mgr.Get(ctx, sb.ID)
	if !slices.Equal(rec.TrackedObjects, []string{"a"}) {
		t.Errorf("raw DDL changed tracked objects: %v", rec.TrackedObjects)
	}
}
