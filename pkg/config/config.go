// Package config loads and watches the engine configuration.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (CUMULUS_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// Static wiring (storage backends, database, listen address) is read once at
// startup. Tunables the engine reads per-operation (chunk size, TTLs,
// concurrency) go through the Provider, which re-reads the file on change.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/cumulusfs/cumulus/internal/bytesize"
	"github.com/cumulusfs/cumulus/pkg/index"
)

// Config is the full engine configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Server configures the HTTP API listener.
	Server ServerConfig `mapstructure:"server" yaml:"server"`

	// Metrics configures Prometheus metrics exposure.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Auth configures JWT verification for the API.
	Auth AuthConfig `mapstructure:"auth" yaml:"auth"`

	// Database configures the file index (SQLite or PostgreSQL).
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	// KV configures the TTL key-value store backing reservations and tokens.
	KV KVConfig `mapstructure:"kv" yaml:"kv"`

	// Storage declares the physical storage backends.
	Storage []StorageConfig `mapstructure:"storage" yaml:"storage"`

	// DefaultStorage is the backend used when a request names none.
	DefaultStorage string `mapstructure:"default_storage" yaml:"default_storage"`

	// Upload tunes the chunked upload engine.
	Upload UploadConfig `mapstructure:"upload" yaml:"upload"`

	// Quota tunes per-user space accounting.
	Quota QuotaConfig `mapstructure:"quota" yaml:"quota"`

	// Trash tunes soft-delete retention.
	Trash TrashConfig `mapstructure:"trash" yaml:"trash"`

	// Archive tunes archive jobs.
	Archive ArchiveConfig `mapstructure:"archive" yaml:"archive"`

	// Token tunes access token issuance.
	Token TokenConfig `mapstructure:"token" yaml:"token"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN, ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format selects the output encoding: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" validate:"required,min=1,max=65535" yaml:"port"`

	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// MetricsConfig configures Prometheus metrics.
// When Enabled is false no collectors are registered (zero overhead).
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// AuthConfig configures JWT verification. The engine only verifies tokens;
// issuing them belongs to the identity provider in front of it.
type AuthConfig struct {
	// JWTSecret is the HMAC secret verifying bearer tokens.
	// Override: CUMULUS_AUTH_JWT_SECRET
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=32" yaml:"jwt_secret"`

	// Issuer, when set, must match the token's iss claim.
	Issuer string `mapstructure:"issuer" yaml:"issuer,omitempty"`
}

// DatabaseConfig configures the file index database.
type DatabaseConfig struct {
	// Type is sqlite or postgres.
	Type string `mapstructure:"type" validate:"omitempty,oneof=sqlite postgres" yaml:"type"`

	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres,omitempty"`
}

// SQLiteConfig contains SQLite settings.
type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// PostgresConfig contains PostgreSQL settings.
type PostgresConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Database     string `mapstructure:"database" yaml:"database"`
	User         string `mapstructure:"user" yaml:"user"`
	Password     string `mapstructure:"password" yaml:"password,omitempty"`
	SSLMode      string `mapstructure:"ssl_mode" yaml:"ssl_mode,omitempty"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns,omitempty"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns,omitempty"`
}

// IndexConfig converts the database section into the index store's config.
func (c *Config) IndexConfig() *index.Config {
	return &index.Config{
		Type:   index.DatabaseType(c.Database.Type),
		SQLite: index.SQLiteConfig{Path: c.Database.SQLite.Path},
		Postgres: index.PostgresConfig{
			Host:         c.Database.Postgres.Host,
			Port:         c.Database.Postgres.Port,
			Database:     c.Database.Postgres.Database,
			User:         c.Database.Postgres.User,
			Password:     c.Database.Postgres.Password,
			SSLMode:      c.Database.Postgres.SSLMode,
			MaxOpenConns: c.Database.Postgres.MaxOpenConns,
			MaxIdleConns: c.Database.Postgres.MaxIdleConns,
		},
		DefaultTotalSpace: c.Quota.DefaultTotalSpace.Int64(),
	}
}

// KVConfig configures the Badger key-value store.
type KVConfig struct {
	// Path is the Badger data directory; empty runs in-memory.
	Path string `mapstructure:"path" yaml:"path,omitempty"`
}

// StorageConfig declares one physical storage backend.
type StorageConfig struct {
	// ID is the storage identifier file entries reference.
	ID string `mapstructure:"id" validate:"required" yaml:"id"`

	// Type is local or s3.
	Type string `mapstructure:"type" validate:"required,oneof=local s3" yaml:"type"`

	// Root is the local backend's root directory.
	Root string `mapstructure:"root" yaml:"root,omitempty"`

	// S3 settings, s3 backends only.
	Bucket    string `mapstructure:"bucket" yaml:"bucket,omitempty"`
	Region    string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix,omitempty"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
}

// UploadConfig tunes the chunked upload engine.
type UploadConfig struct {
	// PartSize is the fixed chunk size clients must honor.
	PartSize bytesize.ByteSize `mapstructure:"part_size" yaml:"part_size"`

	// MaxFileSize bounds one file; 0 disables the limit.
	MaxFileSize bytesize.ByteSize `mapstructure:"max_file_size" yaml:"max_file_size,omitempty"`

	// SessionTTL is how long an idle session survives before GC.
	SessionTTL time.Duration `mapstructure:"session_ttl" yaml:"session_ttl"`

	// DoneTTL is how long a finalized session directory is retained.
	DoneTTL time.Duration `mapstructure:"done_ttl" yaml:"done_ttl"`

	// MaxConcurrentParts bounds simultaneous part writes per user.
	MaxConcurrentParts int64 `mapstructure:"max_concurrent_parts" yaml:"max_concurrent_parts"`

	// GCInterval is the period of the background session sweep; 0 disables it.
	GCInterval time.Duration `mapstructure:"gc_interval" yaml:"gc_interval,omitempty"`
}

// QuotaConfig tunes per-user space accounting.
type QuotaConfig struct {
	// DefaultTotalSpace is the quota for users without an explicit one.
	DefaultTotalSpace bytesize.ByteSize `mapstructure:"default_total_space" yaml:"default_total_space"`
}

// TrashConfig tunes soft-delete retention.
type TrashConfig struct {
	// Retention is how long deleted subtrees stay restorable.
	Retention time.Duration `mapstructure:"retention" yaml:"retention"`
}

// ArchiveConfig tunes archive jobs.
type ArchiveConfig struct {
	// JobRetention is how long finished jobs stay pollable.
	JobRetention time.Duration `mapstructure:"job_retention" yaml:"job_retention"`
}

// TokenConfig tunes access token issuance.
type TokenConfig struct {
	// DefaultTTL applies when an issue request names no lifetime.
	DefaultTTL time.Duration `mapstructure:"default_ttl" yaml:"default_ttl"`
}

// Load reads configuration from file, environment and defaults.
// An empty configPath uses the default location.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		cfg := GetDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, Validate(cfg)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides handles the env variables that must work even without a
// config file; viper's AutomaticEnv only kicks in for keys it has seen.
func applyEnvOverrides(cfg *Config) {
	if secret := os.Getenv("CUMULUS_AUTH_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
}

// Save writes the configuration as YAML with restricted permissions; the
// file can hold secrets (JWT secret, S3 keys, DB passwords).
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures env overrides and config file resolution.
// Example override: CUMULUS_UPLOAD_PART_SIZE=32Mi
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("CUMULUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(configDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the config file, distinguishing "missing" from broken.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks combines the custom type hooks used during unmarshal.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize so
// configs can say "64Mi" instead of 67108864.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "30s" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// configDir resolves the configuration directory: $XDG_CONFIG_HOME/cumulus,
// ~/.config/cumulus, or the working directory as a last resort.
func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "cumulus")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "cumulus")
}

// DefaultConfigPath returns the default configuration file path.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(DefaultConfigPath())
	return err == nil
}
