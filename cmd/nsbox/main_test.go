package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/nsbox/internal/config"
	"github.com/jkaninda/nsbox/internal/engine"
)

func TestCollectStatements(t *testing.T) {
	script := filepath.Join(t.TempDir(), "fixtures.sql")
	if err := os.WriteFile(script, []byte("CREATE TABLE t (id int);\nINSERT INTO t VALUES (1);\n"), 0600); err != nil {
		t.Fatal(err)
	}

	got, err := collectStatements([]string{"SELECT 1; SELECT 2"}, script, nil)
	if err != nil {
		t.Fatalf("collectStatements: %v", err)
	}
	want := []string{"SELECT 1", "SELECT 2", "CREATE TABLE t (id int)", "INSERT INTO t VALUES (1)"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("statements = %q, want %q", got, want)
	}

	got, err = collectStatements(nil, "-", strings.NewReader("SELECT 3;"))
	if err != nil {
		t.Fatalf("stdin: %v", err)
	}
	if len(got) != 1 || got[0] != "SELECT 3" {
		t.Errorf("stdin statements = %q", got)
	}

	if _, err := collectStatements(nil, filepath.Join(t.TempDir(), "missing.sql"), nil); err == nil {
		t.Error("expected error for missing script")
	}
}

func TestPrintResult(t *testing.T) {
	var buf bytes.Buffer
	err := printResult(&buf, &engine.Result{
		Columns: []string{"id", "name"},
		Rows: []map[string]any{
			{"id": int64(1), "name": "a"},
			{"id": int64(2), "name": nil},
		},
		RowCount:  3,
		Truncated: true,
	})
	if err != nil {
		t.Fatalf("printResult: %v", err)
	}
	want := "id\tname\n1\ta\n2\tNULL\n(truncated, 3 rows total)\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}

	buf.Reset()
	if err := printResult(&buf, &engine.Result{RowCount: 5}); err != nil {
		t.Fatalf("printResult: %v", err)
	}
	if buf.String() != "OK 5\n" {
		t.Errorf("output = %q, want OK 5", buf.String())
	}
}

func TestSandboxConfig(t *testing.T) {
	def := sandboxConfig(nil)
	if def.DefaultTTL != 30*time.Minute || def.Capacity != 100 || def.Port != 5432 {
		t.Errorf("defaults = %+v", def)
	}

	cfg := sandboxConfig(&config.SandboxConfig{
		DefaultTTLMinutes: 5,
		MaxTTLMinutes:     60,
		Capacity:          3,
		GrantRole:         "app_rw",
		Host:              "db.internal",
		Port:              6432,
	})
	if cfg.DefaultTTL != 5*time.Minute || cfg.MaxTTL != time.Hour || cfg.Capacity != 3 {
		t.Errorf("lifetimes = %+v", cfg)
	}
	if cfg.GrantRole != "app_rw" || cfg.Host != "db.internal" || cfg.Port != 6432 {
		t.Errorf("connection = %+v", cfg)
	}
}

func TestLoadConfig_MissingFileFallsBackToEnv(t *testing.T) {
	t.Setenv("NSBOX_CONFIG", "")
	t.Setenv("NSBOX_ENGINE_DSN", "postgres://env/engine")
	t.Setenv("NSBOX_STORAGE_DSN", "")
	t.Setenv("NSBOX_LISTEN_ADDR", "")

	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Engine.DSN != "postgres://env/engine" {
		t.Errorf("engine.dsn = %q", cfg.Engine.DSN)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	t.Setenv("NSBOX_CONFIG", "")
	path := filepath.Join(t.TempDir(), "nsbox.yaml")
	if err := os.WriteFile(path, []byte("engine: ["), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Error("expected parse error")
	}
}
