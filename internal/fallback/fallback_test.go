package fallback_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/chirino/thread-sync/internal/execution"
	execmemory "github.com/chirino/thread-sync/internal/execution/memory"
	"github.com/chirino/thread-sync/internal/fallback"
	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/persistent"
	"github.com/chirino/thread-sync/internal/plugin/localstore/memory"
	"github.com/chirino/thread-sync/internal/syncer"
	"github.com/chirino/thread-sync/internal/syncstate"
	"github.com/chirino/thread-sync/internal/testutil/testrefstore"
	"github.com/stretchr/testify/require"
)

var getThread = testrefstore.Key(http.MethodGet, "/threads/:threadId")

// seedPersistedThread stores a thread with n alternating user/agent messages.
// The messages are inserted newest-first to check that loads sort them.
func seedPersistedThread(srv *testrefstore.Server, n int, linked string) persistent.Thread {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	t := persistent.Thread{
		ID:    "0f8fad5b-d9cb-469f-a165-70867728950e",
		Title: "imported",
		Participants: []persistent.Participant{
			{ID: "p-user", Role: "user"},
			{ID: "p-agent", Role: "agent"},
		},
	}
	if linked != "" {
		t.Metadata = map[string]any{persistent.MetaLinkedExecutionID: linked}
	}
	for i := n - 1; i >= 0; i-- {
		pm := persistent.Message{
			ID:        fmt.Sprintf("pm-%d", i),
			Kind:      persistent.KindText,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if i%2 == 0 {
			pm.ParticipantID = "p-user"
		} else {
			pm.ParticipantID = "p-agent"
			pm.Metadata = map[string]any{persistent.MetaSourceType: "ai", persistent.MetaMessageID: fmt.Sprintf("exec-msg-%d", i)}
		}
		t.Messages = append(t.Messages, pm)
	}
	srv.Store.Seed(t)
	return t
}

func TestLoaderLoadsOnceInOrder(t *testing.T) {
	srv := testrefstore.Start(t)
	thread := seedPersistedThread(srv, 5, "expired-run")
	loader := fallback.NewLoader(srv.Client(t), thread.ID)

	require.False(t, loader.Eligible(true, 0))
	require.False(t, loader.Eligible(false, 2))
	require.True(t, loader.Eligible(false, 0))

	var wg sync.WaitGroup
	results := make(chan []model.Message, 4)
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, ran, err := loader.Load(context.Background())
			errs <- err
			if ran {
				results <- msgs
			}
		}()
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, srv.Calls(getThread))
	require.Len(t, results, 1)
	msgs := <-results
	require.Len(t, msgs, 5)
	for i, m := range msgs {
		require.Equal(t, fmt.Sprintf("message %d", i), m.Text())
		if i%2 == 0 {
			require.Equal(t, model.RoleUser, m.Role)
			require.Equal(t, fmt.Sprintf("pm-%d", i), m.ID)
		} else {
			require.Equal(t, model.RoleAgent, m.Role)
			require.Equal(t, fmt.Sprintf("exec-msg-%d", i), m.ID)
		}
	}
	require.False(t, loader.Eligible(false, 0))
	require.True(t, loader.Attempted())
	require.Len(t, loader.Messages(), 5)
}

func TestLoaderFailureIsNotRetried(t *testing.T) {
	srv := testrefstore.Start(t)
	thread := seedPersistedThread(srv, 2, "")
	srv.FailNext(getThread, 1)
	loader := fallback.NewLoader(srv.Client(t), thread.ID)

	_, ran, err := loader.Load(context.Background())
	require.True(t, ran)
	require.Error(t, err)

	_, ran, err = loader.Load(context.Background())
	require.False(t, ran)
	require.NoError(t, err)
	require.Equal(t, 1, srv.Calls(getThread))
}

func TestHistoryRefetchesAfterFailedLoad(t *testing.T) {
	srv := testrefstore.Start(t)
	thread := seedPersistedThread(srv, 4, "")
	srv.FailNext(getThread, 1)
	loader := fallback.NewLoader(srv.Client(t), thread.ID)
	ctx := context.Background()

	_, _, err := loader.Load(ctx)
	require.Error(t, err)
	require.Nil(t, loader.Messages())

	history, err := loader.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 4)
	require.Equal(t, "message 0", history[0].Text())
	require.Equal(t, 2, srv.Calls(getThread))

	// The one-shot fallback stays spent.
	require.False(t, loader.Eligible(false, 0))
}

func TestHistoryReusesSuccessfulLoad(t *testing.T) {
	srv := testrefstore.Start(t)
	thread := seedPersistedThread(srv, 2, "")
	loader := fallback.NewLoader(srv.Client(t), thread.ID)
	ctx := context.Background()

	_, _, err := loader.Load(ctx)
	require.NoError(t, err)
	history, err := loader.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, 1, srv.Calls(getThread))
}

func TestLoaderWithoutPersistence(t *testing.T) {
	loader := fallback.NewLoader(nil, "0f8fad5b-d9cb-469f-a165-70867728950e")
	require.False(t, loader.Eligible(false, 0))
	_, ran, err := loader.Load(context.Background())
	require.False(t, ran)
	require.NoError(t, err)
}

func TestUpgradeRestoresPersistentOnlyThread(t *testing.T) {
	srv := testrefstore.Start(t)
	thread := seedPersistedThread(srv, 3, "")
	api := srv.Client(t)
	ctx := context.Background()

	state, err := syncstate.New(memory.New(), 100)
	require.NoError(t, err)
	t.Cleanup(state.Close)
	engine := syncer.NewEngine(api, state, syncer.Options{AssistantID: "agent"})
	t.Cleanup(engine.Wait)
	exec := execmemory.New(nil)

	loader := fallback.NewLoader(api, thread.ID)
	history, _, err := loader.Load(ctx)
	require.NoError(t, err)

	up := fallback.NewUpgrader(exec, api, state, engine, "agent")
	execID, err := up.Upgrade(ctx, thread.ID, history)
	require.NoError(t, err)
	require.NotEmpty(t, execID)

	record, err := srv.Store.Get(thread.ID)
	require.NoError(t, err)
	require.Equal(t, execID, record.LinkedExecutionID())

	pid, ok, err := state.LookupPersistent(ctx, execID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, thread.ID, pid)

	st, err := exec.GetState(ctx, execID)
	require.NoError(t, err)
	require.Len(t, st.Messages, 3)
	require.Equal(t, execution.TypeHuman, st.Messages[0].Type)
	require.Equal(t, execution.TypeAI, st.Messages[1].Type)

	// Only the newly submitted message reaches the persistent store.
	require.NoError(t, exec.Submit(ctx, execID, execution.Message{ID: "new-1", Type: execution.TypeHuman, Content: model.TextContent("continue")}))
	st, err = exec.GetState(ctx, execID)
	require.NoError(t, err)
	res, err := engine.Thread(ctx, execID).Sync(ctx, execution.CanonicalMessages(st.Messages))
	require.NoError(t, err)
	require.Equal(t, 1, res.Pushed)
	require.Equal(t, thread.ID, res.PersistentID)
	require.Zero(t, srv.Calls(testrefstore.Key(http.MethodPost, "/threads")))

	record, err = srv.Store.Get(thread.ID)
	require.NoError(t, err)
	require.Len(t, record.Messages, 4)
}
