package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wudi/hostbridge/internal/config"
	"github.com/wudi/hostbridge/internal/server"
	"github.com/wudi/hostbridge/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve HTTP with the filter in front of an echo upstream",
	Long: `Serve runs every request through the configured filter, then echoes the
request body back. Headers the filter adds are set on the response.

The admin listener exposes:
  GET /healthz   Health check
  GET /metrics   Prometheus metrics
  GET /filter    Filter and instance pool statistics

The filter is reloaded when the config file or the wasm file changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("address", "", "Override server.address")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	watcher, err := config.NewWatcher(path)
	if err != nil {
		return err
	}
	defer watcher.Stop()

	cfg := watcher.GetConfig()
	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		cfg.Server.Address = addr
	}

	logger, closeLogger, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLogger()

	logger.Info("Starting hostbridge",
		zap.String("version", version),
		zap.String("config", path),
		zap.String("filter", cfg.Filter.Path),
		zap.String("runtime", cfg.Wasm.RuntimeMode),
	)

	tracer := tracing.Disabled()
	if cfg.Tracing.Enabled {
		if tracer, err = tracing.New(cfg.Tracing); err != nil {
			return err
		}
	}
	defer tracer.Close(context.Background())

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	srv, err := server.New(ctx, cfg, server.WithLogger(logger), server.WithTracer(tracer))
	if err != nil {
		return err
	}

	// Listener addresses are fixed for the life of the process; a reload
	// only replaces the filter.
	watcher.OnChange(func(next *config.Config) {
		srv.Reload(ctx, next)
	})
	if err := watcher.Start(); err != nil {
		logger.Warn("config watcher disabled", zap.Error(err))
	}

	return srv.Run(ctx)
}
