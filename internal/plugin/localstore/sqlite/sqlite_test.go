package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/chirino/thread-sync/internal/config"
	"github.com/chirino/thread-sync/internal/registry/localstore"
	"github.com/chirino/thread-sync/internal/testutil/testlocalstore"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	testlocalstore.Run(t, s)
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "synced:exec-1", []byte(`["m1","m2"]`)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	v, ok, err := s.Get(ctx, "synced:exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `["m1","m2"]`, string(v))
}

func TestLoaderReadsPathFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.LocalStorePath = filepath.Join(t.TempDir(), "state.db")
	loader, err := localstore.Select("sqlite")
	require.NoError(t, err)

	s, err := loader(config.WithContext(context.Background(), &cfg))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	cfg.LocalStorePath = ""
	_, err = loader(config.WithContext(context.Background(), &cfg))
	require.Error(t, err)
}
