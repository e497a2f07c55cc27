package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/persistent"
	"github.com/chirino/thread-sync/internal/security"
	"github.com/chirino/thread-sync/internal/syncstate"
)

const titleTimeout = 15 * time.Second

// Engine owns the per-thread sync state for one client session.
type Engine struct {
	api     persistent.API
	state   *syncstate.Store
	creator *Creator

	mu      sync.Mutex
	threads map[string]*ThreadSync

	// titles tracks background title updates so tests and shutdown can wait.
	titles sync.WaitGroup
}

// NewEngine returns an engine pushing to api and remembering progress in state.
func NewEngine(api persistent.API, state *syncstate.Store, opts Options) *Engine {
	return &Engine{
		api:     api,
		state:   state,
		creator: NewCreator(api, state, opts),
		threads: map[string]*ThreadSync{},
	}
}

// Creator returns the engine's thread creator.
func (e *Engine) Creator() *Creator { return e.creator }

// Wait blocks until background title updates have finished.
func (e *Engine) Wait() { e.titles.Wait() }

// Thread returns the sync state for an execution thread, loading the synced
// id set from the local store the first time.
func (e *Engine) Thread(ctx context.Context, executionID string) *ThreadSync {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.threads[executionID]; ok {
		return t
	}
	synced, err := e.state.SyncedIDs(ctx, executionID)
	if err != nil {
		log.Warn("Failed to load synced message ids", "executionId", executionID, "err", err)
		synced = map[string]struct{}{}
	}
	t := &ThreadSync{
		engine:      e,
		executionID: executionID,
		synced:      synced,
		inFlight:    map[string]struct{}{},
	}
	e.threads[executionID] = t
	return t
}

// MarkSynced records ids as already present in the persistent store.
func (e *Engine) MarkSynced(ctx context.Context, executionID string, ids ...string) error {
	return e.Thread(ctx, executionID).MarkSynced(ctx, ids...)
}

// Result summarizes one sync pass.
type Result struct {
	PersistentID string
	Pushed       int
	Failed       int
}

// ThreadSync tracks which messages of one execution thread have been pushed.
// A message id is never both synced and in flight.
type ThreadSync struct {
	engine      *Engine
	executionID string

	// pass serializes sync passes; mu guards the sets.
	pass     sync.Mutex
	mu       sync.Mutex
	synced   map[string]struct{}
	inFlight map[string]struct{}
}

// IsSynced reports whether id has been acknowledged.
func (t *ThreadSync) IsSynced(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.synced[id]
	return ok
}

// InFlight returns the number of messages currently being pushed.
func (t *ThreadSync) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inFlight)
}

// MarkSynced adds ids to the synced set and persists it.
func (t *ThreadSync) MarkSynced(ctx context.Context, ids ...string) error {
	t.mu.Lock()
	for _, id := range ids {
		delete(t.inFlight, id)
		t.synced[id] = struct{}{}
	}
	snapshot := copySet(t.synced)
	t.mu.Unlock()
	return t.engine.state.SaveSyncedIDs(ctx, t.executionID, snapshot)
}

// Sync pushes every message that has content and is neither synced nor in
// flight, in the order given. Passes for one thread run one at a time.
// Individual push failures are logged and skipped; the message is picked up
// again by a later pass.
func (t *ThreadSync) Sync(ctx context.Context, messages []model.Message) (Result, error) {
	t.pass.Lock()
	defer t.pass.Unlock()

	candidates := t.claim(messages)
	if len(candidates) == 0 {
		return Result{}, nil
	}

	pid, err := t.engine.creator.Ensure(ctx, t.executionID, messages)
	if err != nil {
		t.release(candidates)
		if persistent.IsUnavailable(err) || errors.Is(err, context.Canceled) {
			log.Debug("Skipping message sync", "executionId", t.executionID, "err", err)
		} else {
			log.Warn("Unable to obtain persistent thread; messages left unsynced", "executionId", t.executionID, "err", err)
		}
		return Result{}, err
	}

	roles := t.engine.participants(ctx, pid)
	res := Result{PersistentID: pid}
	for i, m := range candidates {
		if ctx.Err() != nil {
			t.release(candidates[i:])
			return res, ctx.Err()
		}
		if _, err := t.engine.api.AppendMessage(ctx, pid, persistent.FromCanonical(m, roles)); err != nil {
			t.release(candidates[i : i+1])
			res.Failed++
			security.CountMessagePush("error")
			log.Warn("Message push failed", "executionId", t.executionID, "persistentId", pid, "messageId", m.ID, "err", err)
			continue
		}
		res.Pushed++
		security.CountMessagePush("ok")
		if err := t.MarkSynced(ctx, m.ID); err != nil {
			log.Warn("Failed to persist synced message ids", "executionId", t.executionID, "err", err)
		}
	}

	if res.Pushed > 0 {
		t.engine.maintainTitleAsync(ctx, pid, messages)
	}
	return res, nil
}

// claim selects the new messages and marks them in flight.
func (t *ThreadSync) claim(messages []model.Message) []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []model.Message
	for _, m := range messages {
		if m.ID == "" || !m.HasContent() {
			continue
		}
		if _, ok := t.synced[m.ID]; ok {
			continue
		}
		if _, ok := t.inFlight[m.ID]; ok {
			continue
		}
		t.inFlight[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func (t *ThreadSync) release(messages []model.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range messages {
		delete(t.inFlight, m.ID)
	}
}

// participants returns the role map for pid from the local store, falling
// back to reading the thread record.
func (e *Engine) participants(ctx context.Context, pid string) map[model.Role]string {
	roles, err := e.state.Participants(ctx, pid)
	if err == nil && len(roles) > 0 {
		return roles
	}
	record, err := e.api.GetThread(ctx, pid)
	if err != nil {
		log.Warn("Unable to load thread participants", "persistentId", pid, "err", err)
		return map[model.Role]string{}
	}
	roles = record.ParticipantRoles()
	if len(roles) > 0 {
		if err := e.state.SaveParticipants(ctx, pid, roles); err != nil {
			log.Warn("Failed to store participants", "persistentId", pid, "err", err)
		}
	}
	return roles
}

func (e *Engine) maintainTitleAsync(ctx context.Context, pid string, messages []model.Message) {
	msgs := append([]model.Message(nil), messages...)
	e.titles.Add(1)
	go func() {
		defer e.titles.Done()
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), titleTimeout)
		defer cancel()
		if err := e.MaintainTitle(tctx, pid, msgs); err != nil {
			log.Debug("Title update skipped", "persistentId", pid, "err", err)
		}
	}()
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
