package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/nsbox/internal/config"
	"github.com/jkaninda/nsbox/internal/httpapi"
	"github.com/jkaninda/nsbox/internal/storage"
)

// retentionSchedule is how often old lifecycle events are pruned.
const retentionSchedule = "@every 1h"

var (
	serveConfigPath    string
	serveListenAddr    string
	serveDestroyOnExit bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sandbox manager with its reaper and operator HTTP server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `nsbox --config path` and `nsbox serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override operator HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&serveDestroyOnExit, "destroy-on-exit", false, "destroy all live sandboxes on shutdown")
	}
}

// runServe starts the lifecycle manager until SIGINT or SIGTERM.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig(serveConfigPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveListenAddr != "" {
		if cfg.HTTP == nil {
			cfg.HTTP = &config.HTTPConfig{}
		}
		cfg.HTTP.ListenAddr = serveListenAddr
	}

	logger := newLogger(cfg.Level())
	logger.Info("starting nsbox", slog.String("version", version))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Reaper.
	if err := sc.Manager.StartReaper(ctx, cfg.Sandbox.ReapInterval()); err != nil {
		return fmt.Errorf("starting reaper: %w", err)
	}
	defer sc.Manager.StopReaper()

	// Event retention (optional).
	if sc.Store != nil && cfg.Storage.Retention() > 0 {
		retention := storage.NewRetention(sc.Store.Events(), cfg.Storage.Retention(), logger)
		if err := retention.Start(ctx, retentionSchedule); err != nil {
			return fmt.Errorf("starting event retention: %w", err)
		}
		defer retention.Stop()
	}

	// Operator HTTP server (optional).
	var server *httpapi.Server
	errs := make(chan error, 1)
	if cfg.HTTP != nil {
		server = newHTTPServer(cfg, sc)
		go func() {
			errs <- server.Start(ctx)
		}()
	}

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("operator http server exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Error("stopping operator http server", slog.String("error", err.Error()))
		}
	}

	sc.Manager.StopReaper()
	if serveDestroyOnExit {
		n := sc.Manager.DestroyAll(shutdownCtx)
		logger.Info("destroyed live sandboxes", slog.Int("count", n))
	}

	return nil
}

// newHTTPServer builds the operator server from shared components.
func newHTTPServer(cfg *config.Config, sc *SharedComponents) *httpapi.Server {
	httpCfg := httpapi.Config{
		ListenAddr: cfg.HTTP.Addr(),
		EnableDocs: cfg.HTTP.EnableDocs,
		APIKeys:    cfg.HTTP.APIKeys,
	}
	if sc.Obs != nil {
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			httpCfg.Metrics = sc.Obs.Metrics
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
			if mc := cfg.Observability.Metrics; mc != nil {
				httpCfg.MetricsPath = mc.Path
			}
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
	}

	server := httpapi.NewServer(httpCfg, sc.Manager, sc.Logger)
	if sc.Store != nil {
		server.WithEvents(sc.Store.Events())
	}
	return server
}
