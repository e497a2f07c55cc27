package redis

import (
	"context"
	"fmt"

	"github.com/chirino/thread-sync/internal/config"
	"github.com/chirino/thread-sync/internal/registry/localstore"
	goredis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "thread-sync:"

func init() {
	localstore.Register(localstore.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (localstore.Store, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis local store: THREAD_SYNC_REDIS_URL is required")
	}
	return LoadFromURL(ctx, cfg.RedisURL, defaultPrefix)
}

// LoadFromURL connects to the Redis-compatible server at redisURL. Every key
// is stored under prefix.
func LoadFromURL(ctx context.Context, redisURL, prefix string) (*Store, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis local store: invalid URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis local store: ping failed: %w", err)
	}
	return &Store{client: client, prefix: prefix}, nil
}

// Store keeps local state in Redis so it can be shared between processes on
// the same host.
type Store struct {
	client *goredis.Client
	prefix string
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.prefix+key, value, 0).Err()
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

var _ localstore.Store = (*Store)(nil)
