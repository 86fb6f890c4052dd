package config

import (
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/cumulusfs/cumulus/internal/logger"
)

// Provider hands out the tunables engines read on every operation, backed by
// an atomically swapped config snapshot. Watch re-reads the config file when
// it changes, so part size, TTLs and limits adjust without a restart. Static
// wiring (backends, database, listener) is ignored on reload.
//
// Provider satisfies the Settings interfaces of the upload and files
// packages.
type Provider struct {
	current atomic.Pointer[Config]
}

// NewProvider creates a provider serving the given snapshot.
func NewProvider(cfg *Config) *Provider {
	p := &Provider{}
	p.current.Store(cfg)
	return p
}

// Current returns the live config snapshot. Callers must not mutate it.
func (p *Provider) Current() *Config {
	return p.current.Load()
}

// Replace swaps in a new snapshot.
func (p *Provider) Replace(cfg *Config) {
	p.current.Store(cfg)
}

// Watch re-loads the config file whenever it changes and swaps the snapshot.
// Invalid reloads are logged and discarded; the previous snapshot stays live.
func (p *Provider) Watch(configPath string) {
	v := viper.New()
	setupViper(v, configPath)
	if _, err := readConfigFile(v); err != nil {
		logger.Warn("config watch disabled, cannot read config file", "error", err)
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := Load(configPath)
		if err != nil {
			logger.Warn("ignoring invalid config reload", "file", e.Name, "error", err)
			return
		}
		p.Replace(cfg)
		logger.Info("configuration reloaded", "file", e.Name)
	})
	v.WatchConfig()
}

// PartSize returns the fixed upload chunk size in bytes.
func (p *Provider) PartSize() int64 {
	return p.Current().Upload.PartSize.Int64()
}

// MaxFileSize returns the single-file size limit in bytes; 0 means none.
func (p *Provider) MaxFileSize() int64 {
	return p.Current().Upload.MaxFileSize.Int64()
}

// SessionTTL returns how long an idle upload session survives.
func (p *Provider) SessionTTL() time.Duration {
	return p.Current().Upload.SessionTTL
}

// DoneTTL returns how long finalized session directories are retained.
func (p *Provider) DoneTTL() time.Duration {
	return p.Current().Upload.DoneTTL
}

// DefaultStorageID returns the backend used when a request names none.
func (p *Provider) DefaultStorageID() string {
	return p.Current().DefaultStorage
}

// MaxConcurrentParts returns the per-user part write concurrency bound.
func (p *Provider) MaxConcurrentParts() int64 {
	return p.Current().Upload.MaxConcurrentParts
}

// TrashRetention returns how long deleted subtrees stay restorable.
func (p *Provider) TrashRetention() time.Duration {
	return p.Current().Trash.Retention
}

// TokenTTL returns the default access token lifetime.
func (p *Provider) TokenTTL() time.Duration {
	return p.Current().Token.DefaultTTL
}
