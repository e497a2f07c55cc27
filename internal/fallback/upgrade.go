package fallback

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-sync/internal/execution"
	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/persistent"
	"github.com/chirino/thread-sync/internal/syncer"
	"github.com/chirino/thread-sync/internal/syncstate"
)

// MetaPersistentID is the execution thread metadata key pointing back at the
// persistent thread it was restored from.
const MetaPersistentID = "persistent_id"

// Upgrader turns a read-only persistent thread into a live one.
type Upgrader struct {
	exec        execution.Store
	api         persistent.API
	state       *syncstate.Store
	engine      *syncer.Engine
	assistantID string
}

// NewUpgrader returns an Upgrader. engine may be nil, in which case replayed
// ids are recorded straight in state.
func NewUpgrader(exec execution.Store, api persistent.API, state *syncstate.Store, engine *syncer.Engine, assistantID string) *Upgrader {
	return &Upgrader{exec: exec, api: api, state: state, engine: engine, assistantID: assistantID}
}

// Upgrade creates an execution run for persistentID, links it on the
// persistent record, and replays history into the run's state. Only a failure
// to create the run is returned; later steps log and continue so the caller
// can still submit.
func (u *Upgrader) Upgrade(ctx context.Context, persistentID string, history []model.Message) (string, error) {
	executionID, err := u.exec.CreateThread(ctx, map[string]any{
		MetaPersistentID:           persistentID,
		persistent.MetaAssistantID: u.assistantID,
	})
	if err != nil {
		return "", fmt.Errorf("create execution thread: %w", err)
	}

	if u.api != nil {
		req := persistent.UpdateThreadRequest{Metadata: map[string]any{persistent.MetaLinkedExecutionID: executionID}}
		if _, err := u.api.UpdateThread(ctx, persistentID, req); err != nil {
			log.Warn("Failed to link execution thread on persistent record", "persistentId", persistentID, "executionId", executionID, "err", err)
		}
	}
	if err := u.state.PutMapping(ctx, executionID, persistentID); err != nil {
		log.Warn("Failed to store identity mapping", "executionId", executionID, "persistentId", persistentID, "err", err)
	}

	if len(history) == 0 {
		return executionID, nil
	}
	replay := make([]execution.Message, 0, len(history))
	ids := make([]string, 0, len(history))
	for _, m := range history {
		replay = append(replay, execution.FromCanonical(m))
		ids = append(ids, m.ID)
	}
	if err := u.exec.UpdateState(ctx, executionID, execution.StateUpdate{Messages: replay}); err != nil {
		log.Warn("Failed to replay history into execution thread", "executionId", executionID, "err", err)
		return executionID, nil
	}

	if u.engine != nil {
		err = u.engine.MarkSynced(ctx, executionID, ids...)
	} else {
		err = u.state.MarkSynced(ctx, executionID, ids...)
	}
	if err != nil {
		log.Warn("Failed to mark replayed messages as synced", "executionId", executionID, "err", err)
	}
	log.Info("Restored persistent thread into a new execution run", "persistentId", persistentID, "executionId", executionID, "messages", len(history))
	return executionID, nil
}
