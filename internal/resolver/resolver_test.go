package resolver_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chirino/thread-sync/internal/persistent"
	"github.com/chirino/thread-sync/internal/plugin/localstore/memory"
	"github.com/chirino/thread-sync/internal/resolver"
	"github.com/chirino/thread-sync/internal/syncstate"
	"github.com/chirino/thread-sync/internal/testutil/testrefstore"
	"github.com/stretchr/testify/require"
)

func newState(t *testing.T) *syncstate.Store {
	t.Helper()
	st, err := syncstate.New(memory.New(), 100)
	require.NoError(t, err)
	t.Cleanup(st.Close)
	return st
}

func TestIsPersistentID(t *testing.T) {
	require.True(t, resolver.IsPersistentID("0f8fad5b-d9cb-469f-a165-70867728950e"))
	require.False(t, resolver.IsPersistentID("abc-not-a-uuid"))
	require.False(t, resolver.IsPersistentID(""))
	require.False(t, resolver.IsPersistentID("{0f8fad5b-d9cb-469f-a165-70867728950e}"))
	require.False(t, resolver.IsPersistentID("0f8fad5bd9cb469fa16570867728950e"))
}

func TestResolveExecutionFormatMakesNoCalls(t *testing.T) {
	srv := testrefstore.Start(t)
	r := resolver.New(srv.Client(t), newState(t))

	res, err := r.Resolve(context.Background(), "abc-not-a-uuid")
	require.NoError(t, err)
	require.Equal(t, "abc-not-a-uuid", res.ExecutionID)
	require.Empty(t, res.PersistentID)
	require.False(t, res.ReadOnly)
	require.Zero(t, srv.Total())
	require.Zero(t, srv.Calls(testrefstore.Key(http.MethodGet, "/healthz")))
}

func TestResolveExecutionFormatUsesLocalMapping(t *testing.T) {
	state := newState(t)
	ctx := context.Background()
	require.NoError(t, state.PutMapping(ctx, "exec-1", "0f8fad5b-d9cb-469f-a165-70867728950e"))

	r := resolver.New(nil, state)
	res, err := r.Resolve(ctx, "exec-1")
	require.NoError(t, err)
	require.Equal(t, "exec-1", res.ExecutionID)
	require.Equal(t, "0f8fad5b-d9cb-469f-a165-70867728950e", res.PersistentID)
}

func TestResolveMappedExecutionUUIDMakesNoCalls(t *testing.T) {
	srv := testrefstore.Start(t)
	state := newState(t)
	ctx := context.Background()
	execID := "9b2f7c4e-3d1a-4e8b-a6f0-5c2d9e1b7a34"
	require.NoError(t, state.PutMapping(ctx, execID, "0f8fad5b-d9cb-469f-a165-70867728950e"))

	r := resolver.New(srv.Client(t), state)
	res, err := r.Resolve(ctx, execID)
	require.NoError(t, err)
	require.Equal(t, execID, res.ExecutionID)
	require.Equal(t, "0f8fad5b-d9cb-469f-a165-70867728950e", res.PersistentID)
	require.False(t, res.ReadOnly)
	require.Zero(t, srv.Total())
}

func TestResolveLinkedPersistentThread(t *testing.T) {
	srv := testrefstore.Start(t)
	created, err := srv.Store.Create(persistent.CreateThreadRequest{
		Title:        "linked",
		Metadata:     map[string]any{persistent.MetaLinkedExecutionID: "exec-9"},
		Participants: []persistent.Participant{{Role: "user"}, {Role: "agent"}},
	})
	require.NoError(t, err)

	state := newState(t)
	r := resolver.New(srv.Client(t), state)
	ctx := context.Background()

	res, err := r.Resolve(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "exec-9", res.ExecutionID)
	require.Equal(t, created.ID, res.PersistentID)
	require.False(t, res.ReadOnly)
	require.Equal(t, res, r.Current())

	pid, ok, err := state.LookupPersistent(ctx, "exec-9")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, created.ID, pid)

	roles, err := state.Participants(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, roles, 2)

	// The mapping now short-circuits the lookup.
	before := srv.Calls(testrefstore.Key(http.MethodGet, "/threads/:threadId"))
	res, err = r.Resolve(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "exec-9", res.ExecutionID)
	require.Equal(t, before, srv.Calls(testrefstore.Key(http.MethodGet, "/threads/:threadId")))
}

func TestResolvePersistentOnlyThreadIsReadOnly(t *testing.T) {
	srv := testrefstore.Start(t)
	created, err := srv.Store.Create(persistent.CreateThreadRequest{Title: "imported"})
	require.NoError(t, err)

	r := resolver.New(srv.Client(t), newState(t))
	res, err := r.Resolve(context.Background(), created.ID)
	require.NoError(t, err)
	require.Empty(t, res.ExecutionID)
	require.Equal(t, created.ID, res.PersistentID)
	require.True(t, res.ReadOnly)
}

func TestResolveUnknownPersistentIDFallsBackToExecution(t *testing.T) {
	srv := testrefstore.Start(t)
	r := resolver.New(srv.Client(t), newState(t))
	id := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

	res, err := r.Resolve(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, res.ExecutionID)
	require.Empty(t, res.PersistentID)
	require.Equal(t, 1, srv.Calls(testrefstore.Key(http.MethodGet, "/threads/:threadId")))
}

func TestResolveServerErrorFallsBackToExecution(t *testing.T) {
	srv := testrefstore.Start(t)
	srv.FailNext(testrefstore.Key(http.MethodGet, "/threads/:threadId"), 1)
	r := resolver.New(srv.Client(t), newState(t))
	id := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

	res, err := r.Resolve(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, res.ExecutionID)
	require.False(t, res.ReadOnly)
}

func TestResolveUnhealthyStoreFallsBackToExecution(t *testing.T) {
	srv := testrefstore.Start(t)
	srv.SetHealthy(false)
	r := resolver.New(srv.Client(t), newState(t))
	id := "6ba7b810-9dad-11d1-80b4-00c04fd430c8"

	res, err := r.Resolve(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, id, res.ExecutionID)
	require.Zero(t, srv.Total())
}

func TestResolveEmpty(t *testing.T) {
	r := resolver.New(nil, nil)
	res, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	require.True(t, res.Empty())
}

func TestResolveDiscardsStaleResult(t *testing.T) {
	srv := testrefstore.Start(t)
	created, err := srv.Store.Create(persistent.CreateThreadRequest{
		Metadata: map[string]any{persistent.MetaLinkedExecutionID: "exec-slow"},
	})
	require.NoError(t, err)

	client := srv.Client(t)
	require.True(t, client.Available(context.Background()))
	srv.Hold(testrefstore.Key(http.MethodGet, "/threads/:threadId"))

	r := resolver.New(client, newState(t))
	errs := make(chan error, 1)
	go func() {
		_, err := r.Resolve(context.Background(), created.ID)
		errs <- err
	}()

	require.Eventually(t, func() bool {
		return srv.Calls(testrefstore.Key(http.MethodGet, "/threads/:threadId")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	res, err := r.Resolve(context.Background(), "exec-fast")
	require.NoError(t, err)
	require.Equal(t, "exec-fast", res.ExecutionID)

	srv.Release()
	require.ErrorIs(t, <-errs, resolver.ErrStale)
	require.Equal(t, "exec-fast", r.Current().ExecutionID)
}

func TestResolveCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := resolver.New(nil, nil)
	_, err := r.Resolve(ctx, "exec-1")
	require.ErrorIs(t, err, context.Canceled)
}
