package threadlist_test

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/chirino/thread-sync/internal/execution"
	execmemory "github.com/chirino/thread-sync/internal/execution/memory"
	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/persistent"
	"github.com/chirino/thread-sync/internal/testutil/testrefstore"
	"github.com/chirino/thread-sync/internal/threadlist"
	"github.com/stretchr/testify/require"
)

var listThreads = testrefstore.Key(http.MethodGet, "/threads")

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(srv *testrefstore.Server, id string, status model.PersistentStatus, age time.Duration) {
	srv.Store.Seed(persistent.Thread{
		ID:        id,
		Title:     "thread " + id,
		Summary:   "about " + id,
		Status:    status,
		CreatedAt: base.Add(-age),
		UpdatedAt: base.Add(-age),
	})
}

func ids(p threadlist.Page) []string {
	out := make([]string, 0, len(p.Threads))
	for _, t := range p.Threads {
		out = append(out, t.ID)
	}
	return out
}

func TestPersistentListingMapsStatus(t *testing.T) {
	srv := testrefstore.Start(t)
	seed(srv, "a", model.PersistentOpen, 1*time.Minute)
	seed(srv, "b", model.PersistentPaused, 2*time.Minute)
	seed(srv, "c", model.PersistentClosed, 3*time.Minute)

	agg := threadlist.New(srv.Client(t), execmemory.New(nil), threadlist.Options{Authenticated: true})
	page := agg.Load(context.Background())

	require.Equal(t, threadlist.SourcePersistent, page.Source)
	require.Equal(t, []string{"a", "b", "c"}, ids(page))
	require.Equal(t, model.StatusIdle, page.Threads[0].Status)
	require.Equal(t, model.StatusInterrupted, page.Threads[1].Status)
	require.Equal(t, model.StatusIdle, page.Threads[2].Status)
	require.Equal(t, "thread a", page.Threads[0].Title)
	require.Equal(t, "about a", page.Threads[0].Description)
	require.False(t, page.HasMore)
}

func TestPersistentStatusFilter(t *testing.T) {
	srv := testrefstore.Start(t)
	seed(srv, "a", model.PersistentOpen, 1*time.Minute)
	seed(srv, "b", model.PersistentPaused, 2*time.Minute)
	ctx := context.Background()

	tests := []struct {
		status model.Status
		want   []string
	}{
		{model.StatusIdle, []string{"a"}},
		{model.StatusBusy, []string{"a"}},
		{model.StatusInterrupted, []string{"b"}},
		{model.StatusError, []string{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			agg := threadlist.New(srv.Client(t), nil, threadlist.Options{Authenticated: true, Status: tt.status})
			require.Equal(t, tt.want, ids(agg.Load(ctx)))
		})
	}
}

func TestErrorFilterMakesNoRequest(t *testing.T) {
	srv := testrefstore.Start(t)
	seed(srv, "a", model.PersistentOpen, time.Minute)
	agg := threadlist.New(srv.Client(t), nil, threadlist.Options{Authenticated: true, Status: model.StatusError})

	page := agg.Load(context.Background())
	require.Empty(t, page.Threads)
	require.Zero(t, srv.Calls(listThreads))
}

func TestPersistentFailureDoesNotFallBack(t *testing.T) {
	srv := testrefstore.Start(t)
	seed(srv, "a", model.PersistentOpen, time.Minute)
	srv.FailNext(listThreads, 1)

	exec := execmemory.New(nil)
	exec.Seed("exec-1", execution.State{})
	agg := threadlist.New(srv.Client(t), exec, threadlist.Options{Authenticated: true})

	page := agg.Load(context.Background())
	require.Equal(t, threadlist.SourcePersistent, page.Source)
	require.Empty(t, page.Threads)
	require.False(t, page.HasMore)
}

func TestUnauthenticatedListsExecutionThreads(t *testing.T) {
	srv := testrefstore.Start(t)
	seed(srv, "a", model.PersistentOpen, time.Minute)

	exec := execmemory.New(nil)
	exec.Seed("exec-1", execution.State{Messages: []execution.Message{
		{ID: "m1", Type: execution.TypeHuman, Content: model.TextContent("plan the trip")},
	}})
	agg := threadlist.New(srv.Client(t), exec, threadlist.Options{})

	page := agg.Load(context.Background())
	require.Equal(t, threadlist.SourceExecution, page.Source)
	require.Equal(t, []string{"exec-1"}, ids(page))
	require.Equal(t, "plan the trip", page.Threads[0].Title)
	require.Zero(t, srv.Calls(listThreads))
}

func TestPaginationAndRevalidate(t *testing.T) {
	srv := testrefstore.Start(t)
	for i := 0; i < 5; i++ {
		seed(srv, fmt.Sprintf("t%d", i), model.PersistentOpen, time.Duration(i+1)*time.Minute)
	}
	ctx := context.Background()
	agg := threadlist.New(srv.Client(t), nil, threadlist.Options{Authenticated: true, PageSize: 2})

	page := agg.Load(ctx)
	require.Equal(t, []string{"t0", "t1"}, ids(page))
	require.True(t, page.HasMore)

	page = agg.LoadMore(ctx)
	require.Equal(t, []string{"t0", "t1", "t2", "t3"}, ids(page))
	require.Equal(t, 2, page.Pages)
	require.True(t, page.HasMore)

	seed(srv, "fresh", model.PersistentOpen, 0)
	before := srv.Calls(listThreads)
	page = agg.Revalidate(ctx)
	require.Equal(t, []string{"fresh", "t0", "t1", "t2"}, ids(page))
	require.Equal(t, 2, page.Pages)
	require.Equal(t, before+2, srv.Calls(listThreads))

	page = agg.LoadMore(ctx)
	require.Equal(t, []string{"fresh", "t0", "t1", "t2", "t3", "t4"}, ids(page))
	require.False(t, page.HasMore)

	page = agg.LoadMore(ctx)
	require.Len(t, page.Threads, 6)
}
