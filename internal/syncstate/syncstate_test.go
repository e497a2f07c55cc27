package syncstate

import (
	"context"
	"testing"

	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/plugin/localstore/memory"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, *memory.Store) {
	t.Helper()
	kv := memory.New()
	s, err := New(kv, 100)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, kv
}

func TestMapping_BothDirections(t *testing.T) {
	ctx := context.Background()
	s, kv := newStore(t)

	_, ok, err := s.LookupPersistent(ctx, "exec-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.PutMapping(ctx, "exec-1", "p-1"))

	pid, ok, err := s.LookupPersistent(ctx, "exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "p-1", pid)

	eid, ok, err := s.LookupExecution(ctx, "p-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "exec-1", eid)

	// A fresh cache over the same local store still resolves (survives reload).
	reloaded, err := New(kv, 100)
	require.NoError(t, err)
	defer reloaded.Close()
	pid, ok, err = reloaded.LookupPersistent(ctx, "exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "p-1", pid)
}

func TestPutMapping_RequiresBothIDs(t *testing.T) {
	s, _ := newStore(t)
	require.Error(t, s.PutMapping(context.Background(), "", "p-1"))
	require.Error(t, s.PutMapping(context.Background(), "exec-1", ""))
}

func TestMarkSynced_Accumulates(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	ids, err := s.SyncedIDs(ctx, "exec-1")
	require.NoError(t, err)
	require.Empty(t, ids)

	require.NoError(t, s.MarkSynced(ctx, "exec-1", "m1", "m2"))
	require.NoError(t, s.MarkSynced(ctx, "exec-1", "m2", "m3"))

	ids, err = s.SyncedIDs(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, ids, 3)
	require.Contains(t, ids, "m3")
}

func TestFileSnapshot_EncodingIsStable(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	a, err := EncodeFiles(model.Files{"b.txt": "2", "a.txt": "1"})
	require.NoError(t, err)
	b, err := EncodeFiles(model.Files{"a.txt": "1", "b.txt": "2"})
	require.NoError(t, err)
	require.Equal(t, a, b)

	require.NoError(t, s.SaveFileSnapshot(ctx, "exec-1", a))
	got, err := s.FileSnapshot(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, a, got)
}

func TestParticipants_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	roles := map[model.Role]string{model.RoleUser: "u", model.RoleAgent: "a"}
	require.NoError(t, s.SaveParticipants(ctx, "p-1", roles))
	got, err := s.Participants(ctx, "p-1")
	require.NoError(t, err)
	require.Equal(t, roles, got)
}
