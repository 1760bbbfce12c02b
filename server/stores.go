package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"collabtext/internal/config"
	"collabtext/internal/docstore"
	"collabtext/internal/updatelog"
)

func openUpdateLog(cfg config.Config, logger *slog.Logger) (updatelog.Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := cfg.UpdateLogPath()
	switch cfg.UpdateLog.Backend {
	case "bolt":
		return updatelog.OpenBolt(path, logger)
	default:
		bc := updatelog.DefaultBadgerConfig(path)
		bc.SyncWrites = cfg.UpdateLog.SyncWrites
		bc.GCInterval = cfg.UpdateLog.GCInterval
		bc.GCDiscardRatio = cfg.UpdateLog.GCDiscardRatio
		bc.Logger = logger
		return updatelog.OpenBadger(bc)
	}
}

func openDocuments(ctx context.Context, cfg config.Config) (docstore.Store, error) {
	switch cfg.Documents.Backend {
	case "postgres":
		return docstore.OpenPostgres(ctx, cfg.Documents.DatabaseURL)
	case "redis":
		return docstore.OpenRedis(ctx, cfg.Documents.RedisAddr)
	default:
		return docstore.NewMemoryStore(), nil
	}
}
