// Package testlocalstore checks the behavior every local store plugin must share.
package testlocalstore

import (
	"context"
	"testing"

	"github.com/chirino/thread-sync/internal/registry/localstore"
	"github.com/stretchr/testify/require"
)

// Run exercises get, set, overwrite and delete against s.
func Run(t *testing.T, s localstore.Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "map:exec:e1", []byte("p1")))
	v, ok, err := s.Get(ctx, "map:exec:e1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("p1"), v)

	require.NoError(t, s.Set(ctx, "map:exec:e1", []byte("p2")))
	v, _, err = s.Get(ctx, "map:exec:e1")
	require.NoError(t, err)
	require.Equal(t, []byte("p2"), v)

	require.NoError(t, s.Set(ctx, "empty", []byte{}))
	v, ok, err = s.Get(ctx, "empty")
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, v)

	require.NoError(t, s.Delete(ctx, "map:exec:e1"))
	_, ok, err = s.Get(ctx, "map:exec:e1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Delete(ctx, "never-set"))
}
