package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the sync client and the reference store.
type Config struct {
	// Persistent store
	PersistentURL   string
	PersistentToken string
	// Authenticated selects the persistent store as the listing source.
	// When false, listing goes to the execution store search.
	Authenticated bool

	// Execution store
	ExecutionURL    string
	ExecutionAPIKey string
	AssistantID     string

	// Source is written into persisted thread metadata.
	Source string

	// HTTPTimeout bounds every request to either store.
	HTTPTimeout time.Duration

	// Local store type: memory, sqlite, redis, postgres or mongo.
	LocalStoreType string
	LocalStorePath string
	LocalStoreURL  string
	RedisURL       string

	// Identity mapping cache size (entries).
	MappingCacheSize int64

	// Sync behavior
	FileSyncDebounce     time.Duration
	FileFlushTimeout     time.Duration
	FallbackRecheckDelay time.Duration
	ExecutionPollEvery   time.Duration

	// Listing
	ListPageSize int

	// Reference store server
	Port              int
	ServerTokens      string
	MetricsLabels     string
	AccessLog         bool
	CORSEnabled       bool
	CORSOrigins       string
	MaxBodySize       int64
	ReadHeaderTimeout time.Duration
	DrainTimeout      time.Duration

	LogLevel string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Source:               "thread-sync",
		AssistantID:          "agent",
		HTTPTimeout:          15 * time.Second,
		LocalStoreType:       "sqlite",
		LocalStorePath:       defaultLocalStorePath(),
		MappingCacheSize:     10_000,
		FileSyncDebounce:     time.Second,
		FileFlushTimeout:     3 * time.Second,
		FallbackRecheckDelay: 1500 * time.Millisecond,
		ExecutionPollEvery:   time.Second,
		ListPageSize:         20,
		Port:                 8090,
		MetricsLabels:        "service=thread-sync",
		AccessLog:            true,
		MaxBodySize:          10 << 20,
		ReadHeaderTimeout:    5 * time.Second,
		DrainTimeout:         30 * time.Second,
		LogLevel:             "info",
	}
}

// PersistenceConfigured reports whether a persistent store URL is set.
func (c *Config) PersistenceConfigured() bool {
	return c != nil && strings.TrimSpace(c.PersistentURL) != ""
}

func defaultLocalStorePath() string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "thread-sync", "state.db")
}
