package commands

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cumulusfs/cumulus/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a configuration file",
	Long: `Initialize a cumulus configuration file with defaults.

By default, the configuration file is created at $XDG_CONFIG_HOME/cumulus/config.yaml.
Use --config to specify a custom path.

Examples:
  # Initialize with default location
  cumulus init

  # Initialize with custom path
  cumulus init --config /etc/cumulus/config.yaml

  # Force overwrite existing config
  cumulus init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := cfgFile
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s (use --force to overwrite)", configPath)
	}

	cfg := config.GetDefaultConfig()

	// A random development secret; production should override it with
	// CUMULUS_AUTH_JWT_SECRET.
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("failed to generate JWT secret: %w", err)
	}
	cfg.Auth.JWTSecret = hex.EncodeToString(secret)

	if err := config.Save(cfg, configPath); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", configPath)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Start the server with: cumulus start")
	fmt.Println("\nSecurity note:")
	fmt.Println("  A random JWT secret has been generated for development use.")
	fmt.Println("  For production, set a secure secret via environment variable:")
	fmt.Println("    export CUMULUS_AUTH_JWT_SECRET=$(openssl rand -hex 32)")

	return nil
}
