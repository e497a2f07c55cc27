package memory

import (
	"context"
	"testing"

	"github.com/chirino/thread-sync/internal/registry/localstore"
	"github.com/chirino/thread-sync/internal/testutil/testlocalstore"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	testlocalstore.Run(t, New())
}

func TestRegistered(t *testing.T) {
	loader, err := localstore.Select("memory")
	require.NoError(t, err)
	s, err := loader(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestValuesAreCopied(t *testing.T) {
	s := New()
	ctx := context.Background()
	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'x'
	v, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "abc", string(v))
}
