package commands

import (
	"context"
	"fmt"

	"github.com/cumulusfs/cumulus/internal/api"
	"github.com/cumulusfs/cumulus/internal/logger"
	"github.com/cumulusfs/cumulus/pkg/archive"
	"github.com/cumulusfs/cumulus/pkg/audit"
	"github.com/cumulusfs/cumulus/pkg/config"
	"github.com/cumulusfs/cumulus/pkg/files"
	"github.com/cumulusfs/cumulus/pkg/index"
	"github.com/cumulusfs/cumulus/pkg/kv"
	"github.com/cumulusfs/cumulus/pkg/metrics"
	"github.com/cumulusfs/cumulus/pkg/quota"
	"github.com/cumulusfs/cumulus/pkg/storage"
	"github.com/cumulusfs/cumulus/pkg/storage/local"
	"github.com/cumulusfs/cumulus/pkg/storage/s3"
	"github.com/cumulusfs/cumulus/pkg/token"
	"github.com/cumulusfs/cumulus/pkg/upload"
)

// buildDeps wires every engine component from the configuration. The returned
// cleanup closes the index database and the key-value store.
func buildDeps(ctx context.Context, cfg *config.Config) (api.Deps, func(), error) {
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	store, err := index.New(cfg.IndexConfig())
	if err != nil {
		return api.Deps{}, nil, fmt.Errorf("failed to open file index: %w", err)
	}

	kvStore, err := kv.NewBadgerStore(kv.BadgerConfig{Path: cfg.KV.Path})
	if err != nil {
		store.Close()
		return api.Deps{}, nil, fmt.Errorf("failed to open key-value store: %w", err)
	}
	cleanup := func() {
		if err := kvStore.Close(); err != nil {
			logger.Warn("failed to close key-value store", "error", err)
		}
		if err := store.Close(); err != nil {
			logger.Warn("failed to close file index", "error", err)
		}
	}

	registry, err := buildRegistry(ctx, cfg.Storage)
	if err != nil {
		cleanup()
		return api.Deps{}, nil, err
	}

	provider := config.NewProvider(cfg)
	sink := audit.NewLogSink()

	ledger := quota.NewLedger(store, kvStore, m)
	limiter := upload.NewLimiter(cfg.Upload.MaxConcurrentParts)
	uploads := upload.NewManager(registry, store, ledger, provider, limiter, m, sink)
	uploadGC := upload.NewCollector(registry, ledger, provider, m)
	filesSvc := files.NewService(registry, store, ledger, provider, m, sink)
	archives := archive.NewService(registry, store, ledger, m, sink)
	jobs := archive.NewJobs(archives, cfg.Archive.JobRetention)
	tokens := token.NewService(kvStore, cfg.Token.DefaultTTL)

	return api.Deps{
		Config:   cfg,
		Provider: provider,
		Store:    store,
		Registry: registry,
		Ledger:   ledger,
		Metrics:  m,
		Uploads:  uploads,
		UploadGC: uploadGC,
		Files:    filesSvc,
		Archives: archives,
		Jobs:     jobs,
		Tokens:   tokens,
	}, cleanup, nil
}

// buildRegistry instantiates every configured storage backend.
func buildRegistry(ctx context.Context, configs []config.StorageConfig) (*storage.Registry, error) {
	registry := storage.NewRegistry()
	for _, sc := range configs {
		backend, err := buildBackend(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage %q: %w", sc.ID, err)
		}
		if err := registry.Register(backend); err != nil {
			return nil, err
		}
		logger.Info("storage backend registered", "id", sc.ID, "type", sc.Type)
	}
	return registry, nil
}

func buildBackend(ctx context.Context, sc config.StorageConfig) (storage.Backend, error) {
	switch sc.Type {
	case "local":
		return local.New(local.Config{ID: sc.ID, Root: sc.Root})
	case "s3":
		return s3.NewFromConfig(ctx, s3.Config{
			ID:        sc.ID,
			Bucket:    sc.Bucket,
			Region:    sc.Region,
			Endpoint:  sc.Endpoint,
			KeyPrefix: sc.Prefix,
			AccessKey: sc.AccessKey,
			SecretKey: sc.SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown storage type %q", sc.Type)
	}
}
