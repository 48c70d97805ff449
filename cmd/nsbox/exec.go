package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/nsbox/internal/config"
	"github.com/jkaninda/nsbox/internal/engine"
	"github.com/jkaninda/nsbox/internal/sqlutil"
)

var (
	execConfigPath string
	execFile       string
	execOwner      string
	execProject    string
	execKeep       bool
)

var execCmd = &cobra.Command{
	Use:   "exec [statement...]",
	Short: "Run statements in a fresh sandbox",
	Long: `Create a sandbox, run each statement inside it, print the results as
tab-separated rows, and destroy the sandbox.

Examples:
  nsbox exec "CREATE TABLE t (id int)" "INSERT INTO t VALUES (1)" "SELECT * FROM t"
  nsbox exec --file fixtures.sql --keep --owner alice`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execConfigPath, "config", config.DefaultConfigPath(), "path to config file")
	execCmd.Flags().StringVarP(&execFile, "file", "f", "", "read statements from a SQL script (\"-\" for stdin)")
	execCmd.Flags().StringVar(&execOwner, "owner", "cli", "owner id for the sandbox")
	execCmd.Flags().StringVar(&execProject, "project", "", "project id for the sandbox")
	execCmd.Flags().BoolVar(&execKeep, "keep", false, "keep the sandbox after the statements run")
}

func runExec(cmd *cobra.Command, args []string) error {
	statements, err := collectStatements(args, execFile, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(statements) == 0 {
		return fmt.Errorf("no statements given: pass them as arguments or use --file")
	}

	cfg, err := loadConfig(execConfigPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Level())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	rec, err := sc.Manager.Create(ctx, execOwner, execProject)
	if err != nil {
		return fmt.Errorf("creating sandbox: %w", err)
	}
	if execKeep {
		fmt.Fprintf(os.Stderr, "sandbox %s (namespace %s, expires %s)\n",
			rec.ID, rec.Namespace, rec.ExpiresAt.Format(time.RFC3339))
	} else {
		defer func() {
			destroyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if !sc.Manager.Destroy(destroyCtx, rec.ID) {
				logger.Warn("sandbox already gone", slog.String("sandbox_id", rec.ID))
			}
		}()
	}

	out := cmd.OutOrStdout()
	for i, stmt := range statements {
		res, err := sc.Manager.Execute(ctx, rec.ID, stmt)
		if err != nil {
			return fmt.Errorf("statement %d: %w", i+1, err)
		}
		if err := printResult(out, res); err != nil {
			return err
		}
	}
	return nil
}

// collectStatements gathers statements from arguments and an optional script.
func collectStatements(args []string, file string, stdin io.Reader) ([]string, error) {
	var statements []string
	for _, a := range args {
		statements = append(statements, sqlutil.SplitStatements(a)...)
	}
	if file == "" {
		return statements, nil
	}

	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	return append(statements, sqlutil.SplitStatements(string(data))...), nil
}

// printResult writes columns and rows as tab-separated text. Statements
// that return no columns print the affected row count.
func printResult(w io.Writer, res *engine.Result) error {
	if len(res.Columns) == 0 {
		_, err := fmt.Fprintf(w, "OK %d\n", res.RowCount)
		return err
	}

	bw := bufio.NewWriter(w)
	bw.WriteString(strings.Join(res.Columns, "\t") + "\n")
	for _, row := range res.Rows {
		cells := make([]string, len(res.Columns))
		for i, col := range res.Columns {
			cells[i] = formatCell(row[col])
		}
		bw.WriteString(strings.Join(cells, "\t") + "\n")
	}
	if res.Truncated {
		fmt.Fprintf(bw, "(truncated, %d rows total)\n", res.RowCount)
	}
	return bw.Flush()
}

func formatCell(v any) string {
	if v == nil {
		return sqlutil.NullLiteral
	}
	return fmt.Sprint(v)
}
