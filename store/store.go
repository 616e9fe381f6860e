// Package store implements the persistent backends for scheduler snapshots.
// Every backend writes the four snapshot keys together.
package store

import (
	"context"
	"fmt"

	"vidqueue/config"
	"vidqueue/task"

	"go.uber.org/zap"
)

// Backend is a task.Store that holds resources until closed.
type Backend interface {
	task.Store
	Close() error
}

var (
	_ Backend = (*FileStore)(nil)
	_ Backend = (*SQLiteStore)(nil)
	_ Backend = (*RedisStore)(nil)
)

// Open builds the backend selected by STORE_BACKEND.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	switch cfg.StoreBackend {
	case "file", "":
		return OpenFile(cfg.StatePath, logger)
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath, logger)
	case "redis":
		return DialRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKey, logger)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// OpenReadOnly opens the configured backend for inspection alongside a running
// server. The file backend is read without its lock; the others allow
// concurrent readers already.
func OpenReadOnly(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Backend, error) {
	if cfg.StoreBackend == "file" || cfg.StoreBackend == "" {
		if logger == nil {
			logger = zap.NewNop()
		}
		return ReadFile(cfg.StatePath, logger.Named("store")), nil
	}
	return Open(ctx, cfg, logger)
}
