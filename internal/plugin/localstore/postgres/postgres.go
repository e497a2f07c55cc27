package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/chirino/thread-sync/internal/config"
	"github.com/chirino/thread-sync/internal/plugin/localstore/gormkv"
	"github.com/chirino/thread-sync/internal/registry/localstore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func init() {
	localstore.Register(localstore.Plugin{
		Name:   "postgres",
		Loader: load,
	})
}

func load(ctx context.Context) (localstore.Store, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || strings.TrimSpace(cfg.LocalStoreURL) == "" {
		return nil, fmt.Errorf("postgres local store: THREAD_SYNC_LOCAL_STORE_URL is required")
	}
	return Open(ctx, cfg.LocalStoreURL)
}

// Open connects to the database at dsn and migrates the schema. Several
// client processes may share one database.
func Open(ctx context.Context, dsn string) (*gormkv.Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("postgres local store: open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres local store: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("postgres local store: ping failed: %w", err)
	}
	s, err := gormkv.New(db)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("postgres local store: %w", err)
	}
	return s, nil
}
