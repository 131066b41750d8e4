package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"venue_go/internal/domain"
	"venue_go/internal/infra"
	"venue_go/internal/infra/cache"
	"venue_go/internal/infra/kafka"
	"venue_go/internal/infra/storage"

	"github.com/redis/go-redis/v9"
)

// ConfigPath is read by every service; CONFIG_PATH overrides it.
const ConfigPath = "configs/config.yaml"

// Bootstrap orchestrates the shared startup sequence of the services.
type Bootstrap struct {
	Service string
	Config  *infra.Config
	Metrics *infra.Metrics
	Storage *storage.Storage
	Redis   *redis.Client
	Cache   *cache.BookCache
}

// NewBootstrap creates a Bootstrap for the named service (api, matcher, gateway).
func NewBootstrap(service string) *Bootstrap {
	return &Bootstrap{Service: service}
}

// Initialize loads config, installs the logger and opens metrics and the cache.
// The store is opened separately by services that need it.
func (b *Bootstrap) Initialize(ctx context.Context) error {
	// 1. Load Config
	path := ConfigPath
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}
	cfg, err := infra.LoadConfig(path)
	if err != nil {
		return err
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg, b.Service)
	slog.SetDefault(logger)
	kafka.UseLogger(logger)
	slog.Info("Bootstrapping service",
		slog.String("service", b.Service), slog.String("env", cfg.App.Env), slog.String("version", cfg.App.Version))

	// 3. Metrics
	b.Metrics = infra.NewMetrics()

	// 4. Redis (optional)
	if cfg.Redis.URL != "" {
		client, err := cache.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			// cache is optional; services degrade to storage-only reads
			slog.Warn("Redis unavailable, continuing without cache", slog.Any("error", err))
		} else {
			b.Redis = client
			b.Cache = cache.NewBookCache(client, cfg.BookCacheTTL())
			slog.Info("Redis connected")
		}
	}

	return nil
}

// OpenStorage opens the relational store named by the database config.
func (b *Bootstrap) OpenStorage() (*storage.Storage, error) {
	cfg := b.Config
	if cfg.Database.Driver == "sqlite" {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, err
			}
		}
	}

	store, err := storage.NewStorage(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	b.Storage = store
	slog.Info("Database initialized", slog.String("driver", cfg.Database.Driver))
	return store, nil
}

// SnapshotCache returns the book cache, or nil when redis is not configured.
func (b *Bootstrap) SnapshotCache() domain.SnapshotCache {
	if b.Cache == nil {
		return nil
	}
	return b.Cache
}

// Checks lists the health checks of the dependencies this service opened.
func (b *Bootstrap) Checks(extra ...domain.HealthChecker) []domain.HealthChecker {
	var checks []domain.HealthChecker
	if b.Storage != nil {
		checks = append(checks, b.Storage)
	}
	if b.Cache != nil {
		checks = append(checks, b.Cache)
	}
	return append(checks, extra...)
}

// Close releases the store and the redis client.
func (b *Bootstrap) Close() error {
	var errs []error
	if b.Storage != nil {
		errs = append(errs, b.Storage.Close())
	}
	if b.Redis != nil {
		errs = append(errs, b.Redis.Close())
	}
	return errors.Join(errs...)
}
