package postgres

import (
	"context"
	"testing"

	"github.com/chirino/thread-sync/internal/config"
	"github.com/chirino/thread-sync/internal/registry/localstore"
	"github.com/chirino/thread-sync/internal/testutil/testlocalstore"
	"github.com/chirino/thread-sync/internal/testutil/testpg"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	dsn := testpg.StartPostgres(t)
	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	testlocalstore.Run(t, s)
}

func TestSharedBetweenProcesses(t *testing.T) {
	dsn := testpg.StartPostgres(t)
	ctx := context.Background()

	a, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, a.Set(ctx, "map:exec-1", []byte("persist-1")))
	v, ok, err := b.Get(ctx, "map:exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "persist-1", string(v))
}

func TestLoaderRequiresURL(t *testing.T) {
	cfg := config.DefaultConfig()
	loader, err := localstore.Select("postgres")
	require.NoError(t, err)
	_, err = loader(config.WithContext(context.Background(), &cfg))
	require.ErrorContains(t, err, "THREAD_SYNC_LOCAL_STORE_URL")
}
