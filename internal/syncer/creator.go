// Package syncer pushes execution-store activity into the persistent store:
// thread creation, message deltas, file snapshots and title upkeep.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/persistent"
	"github.com/chirino/thread-sync/internal/security"
	"github.com/chirino/thread-sync/internal/syncstate"
)

// CreationState tracks persistent thread creation for one execution thread.
type CreationState int

const (
	Unresolved CreationState = iota
	Creating
	Created
	Failed
)

func (s CreationState) String() string {
	switch s {
	case Creating:
		return "creating"
	case Created:
		return "created"
	case Failed:
		return "failed"
	default:
		return "unresolved"
	}
}

// discoveryPageSize and maxDiscoveryPages bound the scan after a 409.
const (
	discoveryPageSize = 50
	maxDiscoveryPages = 20
)

// ErrNotDiscovered is returned when creation reported a conflict but no
// thread linked to the execution id could be found.
var ErrNotDiscovered = errors.New("persistent thread exists but could not be found")

// Options carries the metadata stamped on created threads.
type Options struct {
	AssistantID string
	Source      string
}

type creation struct {
	state CreationState
	id    string
	err   error
	done  chan struct{}
}

// Creator ensures each execution thread has exactly one persistent thread.
// Concurrent callers for the same execution id share a single creation.
type Creator struct {
	api   persistent.API
	state *syncstate.Store
	opts  Options

	mu      sync.Mutex
	entries map[string]*creation
}

// NewCreator returns a Creator.
func NewCreator(api persistent.API, state *syncstate.Store, opts Options) *Creator {
	return &Creator{api: api, state: state, opts: opts, entries: map[string]*creation{}}
}

// State returns the creation state for an execution id.
func (c *Creator) State(executionID string) CreationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[executionID]; ok {
		return e.state
	}
	return Unresolved
}

// Ensure returns the persistent id linked to executionID, creating the
// persistent thread when none exists. seed provides the initial title and
// summary. A failed creation is retried by the next call.
func (c *Creator) Ensure(ctx context.Context, executionID string, seed []model.Message) (string, error) {
	if executionID == "" {
		return "", fmt.Errorf("ensure thread: execution id is required")
	}

	c.mu.Lock()
	e, ok := c.entries[executionID]
	if ok && e.state == Created {
		c.mu.Unlock()
		return e.id, nil
	}
	if ok && e.state == Creating {
		c.mu.Unlock()
		select {
		case <-e.done:
			return e.id, e.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	e = &creation{state: Creating, done: make(chan struct{})}
	c.entries[executionID] = e
	c.mu.Unlock()

	id, err := c.create(ctx, executionID, seed)

	c.mu.Lock()
	e.id, e.err = id, err
	if err != nil {
		e.state = Failed
	} else {
		e.state = Created
	}
	close(e.done)
	c.mu.Unlock()
	return id, err
}

func (c *Creator) create(ctx context.Context, executionID string, seed []model.Message) (string, error) {
	if pid, ok, err := c.state.LookupPersistent(ctx, executionID); err != nil {
		log.Warn("Identity mapping lookup failed", "executionId", executionID, "err", err)
	} else if ok {
		return pid, nil
	}

	if c.api == nil || !c.api.Available(ctx) {
		return "", persistent.ErrServiceUnavailable
	}

	title, summary := model.DeriveTitle(seed)
	req := persistent.CreateThreadRequest{
		Title:   title,
		Summary: summary,
		Metadata: map[string]any{
			persistent.MetaAssistantID:       c.opts.AssistantID,
			persistent.MetaSource:            c.opts.Source,
			persistent.MetaLinkedExecutionID: executionID,
		},
	}
	for _, role := range model.Roles {
		req.Participants = append(req.Participants, persistent.Participant{
			Role:        string(role),
			DisplayName: role.DisplayName(),
		})
	}

	resp, err := c.api.CreateThread(ctx, req)
	var (
		pid   string
		roles map[model.Role]string
	)
	switch {
	case persistent.IsConflict(err):
		pid, roles, err = c.discover(ctx, executionID)
		if err != nil {
			security.CountCreation("error")
			return "", err
		}
		security.CountCreation("adopted")
		log.Debug("Adopted existing persistent thread", "executionId", executionID, "persistentId", pid)
	case err != nil:
		security.CountCreation("error")
		return "", fmt.Errorf("create persistent thread: %w", err)
	default:
		pid = resp.ID
		roles = (&persistent.Thread{Participants: resp.Participants}).ParticipantRoles()
		security.CountCreation("created")
		log.Info("Created persistent thread", "executionId", executionID, "persistentId", pid)
	}

	if err := c.state.PutMapping(ctx, executionID, pid); err != nil {
		log.Warn("Failed to store identity mapping", "executionId", executionID, "persistentId", pid, "err", err)
	}
	if len(roles) > 0 {
		if err := c.state.SaveParticipants(ctx, pid, roles); err != nil {
			log.Warn("Failed to store participants", "persistentId", pid, "err", err)
		}
	}
	return pid, nil
}

// discover pages through the thread list looking for the record linked to
// executionID.
func (c *Creator) discover(ctx context.Context, executionID string) (string, map[model.Role]string, error) {
	for page := 0; page < maxDiscoveryPages; page++ {
		list, err := c.api.ListThreads(ctx, persistent.ListOptions{
			Limit:  discoveryPageSize,
			Offset: page * discoveryPageSize,
		})
		if err != nil {
			return "", nil, fmt.Errorf("discover persistent thread: %w", err)
		}
		for i := range list.Data {
			t := &list.Data[i]
			if t.LinkedExecutionID() == executionID {
				return t.ID, t.ParticipantRoles(), nil
			}
		}
		if len(list.Data) < discoveryPageSize {
			break
		}
	}
	return "", nil, ErrNotDiscovered
}
