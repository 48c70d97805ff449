// nsbox manages short-lived, tenant-isolated PostgreSQL schema sandboxes.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "nsbox",
	Short: "nsbox: disposable PostgreSQL schema sandboxes.",
	Long: `nsbox hands out isolated, time-limited PostgreSQL namespaces (schemas)
to tenants. Each sandbox gets its own schema, runs filtered statements inside it,
and is dropped when it expires or is destroyed.`,
	RunE:          runServe, // Default to serve mode.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, execCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
