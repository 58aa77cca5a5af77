// Package factory builds the configured storage backend.
package factory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fidde/otlp_usage_tracker/internal/config"
	"github.com/fidde/otlp_usage_tracker/internal/storage"
	"github.com/fidde/otlp_usage_tracker/internal/storage/clickhouse"
	"github.com/fidde/otlp_usage_tracker/internal/storage/dual"
	"github.com/fidde/otlp_usage_tracker/internal/storage/memory"
	"github.com/fidde/otlp_usage_tracker/internal/storage/sqlite"
)

// New creates the primary store selected by cfg.Backend and, when a
// ClickHouse address is configured, wraps it with the raw metric mirror.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	primary, err := newPrimary(cfg, logger)
	if err != nil {
		return nil, err
	}

	if !cfg.ClickHouse.Enabled() {
		return primary, nil
	}

	chCfg := clickhouse.DefaultConfig()
	chCfg.Addr = cfg.ClickHouse.Addr
	chCfg.Database = cfg.ClickHouse.Database
	chCfg.Username = cfg.ClickHouse.Username
	chCfg.Password = cfg.ClickHouse.Password
	chCfg.BatchSize = cfg.ClickHouse.BatchSize
	chCfg.FlushInterval = cfg.ClickHouse.FlushInterval

	logger.Info("mirroring raw metrics to ClickHouse", "addr", chCfg.Addr, "database", chCfg.Database)
	sink, err := clickhouse.NewSink(ctx, chCfg, logger)
	if err != nil {
		primary.Close()
		return nil, fmt.Errorf("creating ClickHouse sink: %w", err)
	}

	return dual.New(dual.Config{
		Primary:   primary,
		Secondary: sink,
		Logger:    logger,
	}), nil
}

func newPrimary(cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Info("using in-memory storage")
		return memory.New(), nil

	case config.BackendSQLite:
		logger.Info("using SQLite storage", "path", cfg.SQLitePath)
		store, err := sqlite.New(sqlite.DefaultConfig(cfg.SQLitePath))
		if err != nil {
			return nil, fmt.Errorf("creating SQLite store: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage backend: %s (supported: sqlite, memory)", cfg.Backend)
	}
}
