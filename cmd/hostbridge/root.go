package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wudi/hostbridge/internal/config"
	"github.com/wudi/hostbridge/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "hostbridge",
	Short: "Run WebAssembly HTTP header filters",
	Long: `hostbridge - Run WebAssembly filters built against the envoy_* host ABI.

Filters read request headers, add response headers and log through host
functions imported from the "env" module. Run a filter once against static
headers, or serve HTTP with the filter in front of an echo upstream.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "configs/hostbridge.yaml", "Path to configuration file")
	rootCmd.SetVersionTemplate(fmt.Sprintf("hostbridge %s (built %s)\n", version, buildTime))
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.NewLoader().Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, path, nil
}

// setupLogger builds the process logger from cfg and installs it globally.
// The returned func flushes and closes it.
func setupLogger(cfg logging.Config) (*zap.Logger, func(), error) {
	logger, closer, err := logging.New(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	logging.SetGlobal(logger)
	return logger, func() {
		logger.Sync()
		if closer != nil {
			closer.Close()
		}
	}, nil
}
