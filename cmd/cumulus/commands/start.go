package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cumulusfs/cumulus/internal/api"
	"github.com/cumulusfs/cumulus/internal/logger"
	"github.com/cumulusfs/cumulus/pkg/config"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the cumulus server",
	Long: `Start the cumulus server with the specified configuration.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/cumulus/config.yaml.

Examples:
  # Start with default config location
  cumulus start

  # Start with custom config file
  cumulus start --config /etc/cumulus/config.yaml

  # Override settings with environment variables
  CUMULUS_LOGGING_LEVEL=DEBUG cumulus start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("starting cumulus", "version", Version, "config", configSource())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, cleanup, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	// Tunables (part size, TTLs, limits) follow the config file live.
	if watchPath := configSourcePath(); watchPath != "" {
		deps.Provider.Watch(watchPath)
	}

	server := api.NewServer(deps)

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()
		if err := <-serverDone; err != nil {
			return err
		}
		logger.Info("server stopped gracefully")
	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			return err
		}
		logger.Info("server stopped")
	}
	return nil
}

// configSource describes where the configuration came from, for logging.
func configSource() string {
	if path := configSourcePath(); path != "" {
		return path
	}
	return "defaults"
}

// configSourcePath returns the config file path in use, empty when running on
// pure defaults.
func configSourcePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if config.DefaultConfigExists() {
		return config.DefaultConfigPath()
	}
	return ""
}
