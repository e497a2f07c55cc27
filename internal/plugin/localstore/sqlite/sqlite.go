package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chirino/thread-sync/internal/config"
	"github.com/chirino/thread-sync/internal/plugin/localstore/gormkv"
	"github.com/chirino/thread-sync/internal/registry/localstore"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	localstore.Register(localstore.Plugin{
		Name:   "sqlite",
		Loader: load,
	})
}

func load(ctx context.Context) (localstore.Store, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || strings.TrimSpace(cfg.LocalStorePath) == "" {
		return nil, fmt.Errorf("sqlite local store: THREAD_SYNC_LOCAL_STORE_PATH is required")
	}
	return Open(cfg.LocalStorePath)
}

// Open opens (or creates) the database file at path and migrates the schema.
func Open(path string) (*gormkv.Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("sqlite local store: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(p+"?_journal_mode=WAL&_busy_timeout=5000"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("sqlite local store: open: %w", err)
	}
	s, err := gormkv.New(db)
	if err != nil {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			_ = sqlDB.Close()
		}
		return nil, fmt.Errorf("sqlite local store: %w", err)
	}
	return s, nil
}
