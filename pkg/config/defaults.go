package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cumulusfs/cumulus/internal/bytesize"
)

// ApplyDefaults fills unset fields with sensible defaults. Zero values are
// replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyMetricsDefaults(&cfg.Metrics)
	applyDatabaseDefaults(&cfg.Database)
	applyStorageDefaults(cfg)
	applyUploadDefaults(&cfg.Upload)
	applyQuotaDefaults(&cfg.Quota)
	applyTrashDefaults(&cfg.Trash)
	applyArchiveDefaults(&cfg.Archive)
	applyTokenDefaults(&cfg.Token)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// Part uploads and zip streams hold the response open; generous.
		cfg.WriteTimeout = 10 * time.Minute
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Path == "" {
		cfg.Path = "/metrics"
	}
}

func applyDatabaseDefaults(cfg *DatabaseConfig) {
	if cfg.Type == "" {
		cfg.Type = "sqlite"
	}
	if cfg.Type == "postgres" {
		if cfg.Postgres.Port == 0 {
			cfg.Postgres.Port = 5432
		}
		if cfg.Postgres.SSLMode == "" {
			cfg.Postgres.SSLMode = "disable"
		}
	}
}

// applyStorageDefaults declares a single local backend when none is
// configured and picks the first backend as the default.
func applyStorageDefaults(cfg *Config) {
	if len(cfg.Storage) == 0 {
		cfg.Storage = []StorageConfig{{
			ID:   "local",
			Type: "local",
			Root: defaultDataDir("storage"),
		}}
	}
	if cfg.DefaultStorage == "" {
		cfg.DefaultStorage = cfg.Storage[0].ID
	}
}

func applyUploadDefaults(cfg *UploadConfig) {
	if cfg.PartSize == 0 {
		cfg.PartSize = 16 * bytesize.MiB
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.DoneTTL == 0 {
		cfg.DoneTTL = time.Hour
	}
	if cfg.MaxConcurrentParts == 0 {
		cfg.MaxConcurrentParts = 4
	}
	if cfg.GCInterval == 0 {
		cfg.GCInterval = time.Hour
	}
}

func applyQuotaDefaults(cfg *QuotaConfig) {
	if cfg.DefaultTotalSpace == 0 {
		cfg.DefaultTotalSpace = 10 * bytesize.GiB
	}
}

func applyTrashDefaults(cfg *TrashConfig) {
	if cfg.Retention == 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
}

func applyArchiveDefaults(cfg *ArchiveConfig) {
	if cfg.JobRetention == 0 {
		cfg.JobRetention = time.Hour
	}
}

func applyTokenDefaults(cfg *TokenConfig) {
	if cfg.DefaultTTL == 0 {
		cfg.DefaultTTL = 15 * time.Minute
	}
}

// GetDefaultConfig returns a complete configuration with defaults applied.
// The JWT secret is deliberately left empty; validation forces the operator
// to set one.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Database.SQLite.Path = defaultDataDir("index.db")
	cfg.KV.Path = defaultDataDir("kv")
	return cfg
}

// defaultDataDir resolves a path under the engine's data directory:
// $XDG_DATA_HOME/cumulus or ~/.local/share/cumulus.
func defaultDataDir(name string) string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "cumulus-data", name)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "cumulus", name)
}
