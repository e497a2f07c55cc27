package syncer_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/persistent"
	"github.com/chirino/thread-sync/internal/plugin/localstore/memory"
	"github.com/chirino/thread-sync/internal/syncer"
	"github.com/chirino/thread-sync/internal/syncstate"
	"github.com/chirino/thread-sync/internal/testutil/testrefstore"
	"github.com/stretchr/testify/require"
)

var (
	createThread  = testrefstore.Key(http.MethodPost, "/threads")
	appendMessage = testrefstore.Key(http.MethodPost, "/threads/:threadId/messages")
	patchThread   = testrefstore.Key(http.MethodPatch, "/threads/:threadId")
	listThreads   = testrefstore.Key(http.MethodGet, "/threads")
)

type fixture struct {
	srv    *testrefstore.Server
	state  *syncstate.Store
	engine *syncer.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := testrefstore.Start(t)
	state, err := syncstate.New(memory.New(), 100)
	require.NoError(t, err)
	t.Cleanup(state.Close)
	engine := syncer.NewEngine(srv.Client(t), state, syncer.Options{AssistantID: "agent", Source: "test"})
	t.Cleanup(engine.Wait)
	return &fixture{srv: srv, state: state, engine: engine}
}

func msg(id string, role model.Role, text string) model.Message {
	return model.Message{ID: id, Role: role, Content: model.TextContent(text)}
}

func TestEnsureConcurrentCallersCreateOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.Hold(createThread)

	const callers = 8
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = f.engine.Creator().Ensure(ctx, "exec-1", nil)
		}(i)
	}

	require.Eventually(t, func() bool { return f.srv.Calls(createThread) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, syncer.Creating, f.engine.Creator().State("exec-1"))
	f.srv.Release()
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
	require.Equal(t, 1, f.srv.Calls(createThread))
	require.Equal(t, syncer.Created, f.engine.Creator().State("exec-1"))

	record, err := f.srv.Store.Get(ids[0])
	require.NoError(t, err)
	require.Equal(t, "exec-1", record.LinkedExecutionID())
	require.Equal(t, "agent", record.Metadata[persistent.MetaAssistantID])
	require.Equal(t, "test", record.Metadata[persistent.MetaSource])
	require.Equal(t, model.PlaceholderTitle, record.Title)
	require.Len(t, record.Participants, 3)
	names := map[string]string{}
	for _, p := range record.Participants {
		names[p.Role] = p.DisplayName
	}
	require.Equal(t, map[string]string{"user": "User", "agent": "Agent", "tool": "Tool"}, names)

	pid, ok, err := f.state.LookupPersistent(ctx, "exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ids[0], pid)
}

func TestEnsureUsesStoredMapping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.state.PutMapping(ctx, "exec-1", "0f8fad5b-d9cb-469f-a165-70867728950e"))

	pid, err := f.engine.Creator().Ensure(ctx, "exec-1", nil)
	require.NoError(t, err)
	require.Equal(t, "0f8fad5b-d9cb-469f-a165-70867728950e", pid)
	require.Zero(t, f.srv.Total())
}

func TestEnsureConflictDiscoversExistingThread(t *testing.T) {
	f := newFixture(t)
	existing, err := f.srv.Store.Create(persistent.CreateThreadRequest{
		Title:        "from another tab",
		Metadata:     map[string]any{persistent.MetaLinkedExecutionID: "exec-1"},
		Participants: []persistent.Participant{{Role: "user"}, {Role: "agent"}},
	})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := f.srv.Store.Create(persistent.CreateThreadRequest{Title: fmt.Sprintf("other %d", i)})
		require.NoError(t, err)
	}

	ctx := context.Background()
	pid, err := f.engine.Creator().Ensure(ctx, "exec-1", nil)
	require.NoError(t, err)
	require.Equal(t, existing.ID, pid)
	require.Equal(t, 1, f.srv.Calls(createThread))
	require.Equal(t, 1, f.srv.Calls(listThreads))

	roles, err := f.state.Participants(ctx, pid)
	require.NoError(t, err)
	require.Equal(t, existing.Participants[0].ID, roles[model.RoleUser])
}

func TestEnsureFailureIsRetriedByNextCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.srv.FailNext(createThread, 1)

	_, err := f.engine.Creator().Ensure(ctx, "exec-1", nil)
	require.Error(t, err)
	require.Equal(t, syncer.Failed, f.engine.Creator().State("exec-1"))

	pid, err := f.engine.Creator().Ensure(ctx, "exec-1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, pid)
	require.Equal(t, 2, f.srv.Calls(createThread))
}

func TestSyncPushesOnlyNewMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := f.engine.Thread(ctx, "exec-1")

	messages := []model.Message{
		msg("m1", model.RoleUser, "hello there"),
		msg("m2", model.RoleAgent, "hi"),
		{ID: "m3", Role: model.RoleAgent},
	}
	res, err := ts.Sync(ctx, messages)
	require.NoError(t, err)
	require.Equal(t, 2, res.Pushed)
	require.False(t, ts.IsSynced("m3"))
	pid := res.PersistentID

	messages[2].Content = model.TextContent("streamed")
	messages = append(messages, model.Message{ID: "m4", Role: model.RoleTool, ToolCallID: "call-1", Content: model.TextContent("42")})
	res, err = ts.Sync(ctx, messages)
	require.NoError(t, err)
	require.Equal(t, 2, res.Pushed)
	require.Equal(t, 4, f.srv.Calls(appendMessage))

	res, err = ts.Sync(ctx, messages)
	require.NoError(t, err)
	require.Zero(t, res.Pushed)
	require.Equal(t, 4, f.srv.Calls(appendMessage))

	record, err := f.srv.Store.Get(pid)
	require.NoError(t, err)
	got := persistent.ToCanonical(record)
	require.Len(t, got, 4)
	require.Equal(t, []string{"m1", "m2", "m3", "m4"}, []string{got[0].ID, got[1].ID, got[2].ID, got[3].ID})
	require.Equal(t, model.RoleTool, got[3].Role)
	require.Equal(t, "call-1", got[3].ToolCallID)
	require.Equal(t, persistent.KindToolResult, record.Messages[3].Kind)
	require.Equal(t, record.ParticipantRoles()[model.RoleUser], record.Messages[0].ParticipantID)
}

func TestConcurrentPassesDoNotDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := f.engine.Thread(ctx, "exec-1")

	var messages []model.Message
	for i := 0; i < 5; i++ {
		messages = append(messages, msg(fmt.Sprintf("m%d", i), model.RoleUser, fmt.Sprintf("message %d", i)))
	}

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ts.Sync(ctx, messages)
		}()
	}
	wg.Wait()

	require.Equal(t, 5, f.srv.Calls(appendMessage))
	require.Equal(t, 1, f.srv.Calls(createThread))
	require.Zero(t, ts.InFlight())
}

func TestSyncFailureLeavesMessageForNextPass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ts := f.engine.Thread(ctx, "exec-1")
	messages := []model.Message{msg("m1", model.RoleUser, "first"), msg("m2", model.RoleAgent, "second")}

	f.srv.FailNext(appendMessage, 1)
	res, err := ts.Sync(ctx, messages)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 1, res.Pushed)
	require.False(t, ts.IsSynced("m1"))
	require.True(t, ts.IsSynced("m2"))
	require.Zero(t, ts.InFlight())

	res, err = ts.Sync(ctx, messages)
	require.NoError(t, err)
	require.Equal(t, 1, res.Pushed)
	require.True(t, ts.IsSynced("m1"))
	require.Equal(t, 3, f.srv.Calls(appendMessage))
}

func TestSyncedIDsSurviveRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	messages := []model.Message{msg("m1", model.RoleUser, "first")}
	_, err := f.engine.Thread(ctx, "exec-1").Sync(ctx, messages)
	require.NoError(t, err)

	restarted := syncer.NewEngine(f.srv.Client(t), f.state, syncer.Options{})
	res, err := restarted.Thread(ctx, "exec-1").Sync(ctx, messages)
	require.NoError(t, err)
	require.Zero(t, res.Pushed)
	require.Equal(t, 1, f.srv.Calls(appendMessage))
}

func TestSyncSkippedWhenStoreUnhealthy(t *testing.T) {
	f := newFixture(t)
	f.srv.SetHealthy(false)
	ctx := context.Background()
	ts := f.engine.Thread(ctx, "exec-1")

	_, err := ts.Sync(ctx, []model.Message{msg("m1", model.RoleUser, "hello")})
	require.ErrorIs(t, err, persistent.ErrServiceUnavailable)
	require.Zero(t, f.srv.Total())
	require.Zero(t, ts.InFlight())
	require.False(t, ts.IsSynced("m1"))
}

func TestTitleUpdatedAfterSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pid, err := f.engine.Creator().Ensure(ctx, "exec-1", nil)
	require.NoError(t, err)

	_, err = f.engine.Thread(ctx, "exec-1").Sync(ctx, []model.Message{
		msg("m1", model.RoleUser, "  How do I   configure the sqlite store?  "),
	})
	require.NoError(t, err)
	f.engine.Wait()

	record, err := f.srv.Store.Get(pid)
	require.NoError(t, err)
	require.Equal(t, "How do I configure the sqlite store?", record.Title)
	require.Equal(t, "How do I configure the sqlite store?", record.Summary)
}

func TestMaintainTitleKeepsDescriptiveTitle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.srv.Store.Create(persistent.CreateThreadRequest{Title: "Sqlite setup"})
	require.NoError(t, err)

	err = f.engine.MaintainTitle(ctx, created.ID, []model.Message{msg("m1", model.RoleUser, "How do I configure the sqlite store?")})
	require.NoError(t, err)
	require.Zero(t, f.srv.Calls(patchThread))
}

func TestFileSyncCoalescesBursts(t *testing.T) {
	f := newFixture(t)
	fs := f.engine.Files("exec-1", syncer.FileOptions{Debounce: 50 * time.Millisecond})

	for i := 0; i < 10; i++ {
		fs.Trigger(model.Files{"main.go": fmt.Sprintf("v%d", i)})
	}
	require.Eventually(t, func() bool { return f.srv.Calls(patchThread) == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, 1, f.srv.Calls(patchThread))

	pid, ok, err := f.state.LookupPersistent(context.Background(), "exec-1")
	require.NoError(t, err)
	require.True(t, ok)
	record, err := f.srv.Store.Get(pid)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"main.go": "v9"}, record.Metadata[persistent.MetaFiles])
}

func TestFileSyncSkipsIdenticalSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fs := f.engine.Files("exec-1", syncer.FileOptions{Debounce: time.Hour})

	fs.Trigger(model.Files{"a.txt": "1", "b.txt": "2"})
	require.NoError(t, fs.Flush(ctx))
	fs.Trigger(model.Files{"b.txt": "2", "a.txt": "1"})
	require.NoError(t, fs.Flush(ctx))
	require.Equal(t, 1, f.srv.Calls(patchThread))

	fs.Trigger(model.Files{"a.txt": "1"})
	require.NoError(t, fs.Flush(ctx))
	require.Equal(t, 2, f.srv.Calls(patchThread))
}

func TestFileSyncCloseFlushesPending(t *testing.T) {
	f := newFixture(t)
	fs := f.engine.Files("exec-1", syncer.FileOptions{Debounce: time.Hour, FlushTimeout: 5 * time.Second})

	fs.Trigger(model.Files{"notes.md": "draft"})
	require.Zero(t, f.srv.Calls(patchThread))
	require.NoError(t, fs.Close())
	require.Equal(t, 1, f.srv.Calls(patchThread))

	fs.Trigger(model.Files{"notes.md": "ignored"})
	require.NoError(t, fs.Flush(context.Background()))
	require.Equal(t, 1, f.srv.Calls(patchThread))
}
