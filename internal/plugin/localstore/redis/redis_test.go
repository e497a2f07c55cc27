package redis

import (
	"context"
	"testing"

	"github.com/chirino/thread-sync/internal/config"
	"github.com/chirino/thread-sync/internal/registry/localstore"
	"github.com/chirino/thread-sync/internal/testutil/testlocalstore"
	"github.com/chirino/thread-sync/internal/testutil/testredis"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	url := testredis.StartRedis(t)
	s, err := LoadFromURL(context.Background(), url, "test:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	testlocalstore.Run(t, s)
}

func TestPrefixesIsolateStores(t *testing.T) {
	url := testredis.StartRedis(t)
	ctx := context.Background()
	a, err := LoadFromURL(ctx, url, "a:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := LoadFromURL(ctx, url, "b:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, a.Set(ctx, "k", []byte("1")))
	_, ok, err := b.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoaderRequiresURL(t *testing.T) {
	cfg := config.DefaultConfig()
	loader, err := localstore.Select("redis")
	require.NoError(t, err)
	_, err = loader(config.WithContext(context.Background(), &cfg))
	require.ErrorContains(t, err, "THREAD_SYNC_REDIS_URL")
}

func TestInvalidURL(t *testing.T) {
	_, err := LoadFromURL(context.Background(), "not a url", "x:")
	require.Error(t, err)
}
