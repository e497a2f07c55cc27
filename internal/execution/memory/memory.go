// Package memory is an in-process execution store used by tests and the
// local demo commands.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chirino/thread-sync/internal/execution"
	"github.com/chirino/thread-sync/internal/model"
	"github.com/google/uuid"
)

// Responder produces agent replies for a submitted message. It runs with the
// store unlocked.
type Responder func(history []execution.Message, submitted execution.Message) []execution.Message

type thread struct {
	id        string
	metadata  map[string]any
	status    model.Status
	state     execution.State
	updatedAt time.Time
}

// Store is an in-memory execution store.
type Store struct {
	mu        sync.Mutex
	threads   map[string]*thread
	subs      map[string]map[int]chan execution.Snapshot
	nextSub   int
	responder Responder
	now       func() time.Time
}

var _ execution.Store = (*Store)(nil)

// New returns an empty store. responder may be nil.
func New(responder Responder) *Store {
	return &Store{
		threads:   map[string]*thread{},
		subs:      map[string]map[int]chan execution.Snapshot{},
		responder: responder,
		now:       time.Now,
	}
}

// EchoResponder answers every human message with an agent message repeating it.
func EchoResponder(_ []execution.Message, submitted execution.Message) []execution.Message {
	if submitted.Type != execution.TypeHuman {
		return nil
	}
	return []execution.Message{{
		ID:      uuid.NewString(),
		Type:    execution.TypeAI,
		Content: model.TextContent("echo: " + model.ContentText(submitted.Content)),
	}}
}

// Seed installs a thread with the given state, replacing any existing one.
func (s *Store) Seed(threadID string, state execution.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.ensureLocked(threadID)
	t.state = cloneState(state)
	t.updatedAt = s.now()
	s.notifyLocked(t)
}

// Delete removes a thread, as if its run had expired.
func (s *Store) Delete(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threads[threadID]; ok {
		delete(s.threads, threadID)
		t.state = execution.State{}
		s.notifyLocked(t)
	}
}

// Threads returns the ids of all threads.
func (s *Store) Threads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.threads))
	for id := range s.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) CreateThread(_ context.Context, metadata map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	t := s.ensureLocked(id)
	t.metadata = metadata
	return id, nil
}

func (s *Store) GetState(_ context.Context, threadID string) (*execution.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, execution.ErrThreadNotFound
	}
	st := cloneState(t.state)
	return &st, nil
}

func (s *Store) UpdateState(_ context.Context, threadID string, update execution.StateUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return execution.ErrThreadNotFound
	}
	if update.Messages != nil {
		t.state.Messages = append([]execution.Message(nil), update.Messages...)
	}
	if update.Files != nil {
		t.state.Files = update.Files.Clone()
	}
	t.updatedAt = s.now()
	s.notifyLocked(t)
	return nil
}

func (s *Store) Submit(_ context.Context, threadID string, msg execution.Message) error {
	s.mu.Lock()
	t, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return execution.ErrThreadNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	t.state.Messages = append(t.state.Messages, msg)
	t.status = model.StatusBusy
	t.updatedAt = s.now()
	history := append([]execution.Message(nil), t.state.Messages...)
	s.notifyLocked(t)
	s.mu.Unlock()

	var replies []execution.Message
	if s.responder != nil {
		replies = s.responder(history, msg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok = s.threads[threadID]; !ok {
		return nil
	}
	t.state.Messages = append(t.state.Messages, replies...)
	t.status = model.StatusIdle
	t.updatedAt = s.now()
	s.notifyLocked(t)
	return nil
}

func (s *Store) Search(_ context.Context, opts execution.SearchOptions) ([]model.ThreadSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]model.ThreadSummary, 0, len(s.threads))
	for _, t := range s.threads {
		if opts.Status != "" && t.status != opts.Status {
			continue
		}
		title, summary := model.DeriveTitle(execution.CanonicalMessages(t.state.Messages))
		all = append(all, model.ThreadSummary{
			ID:          t.id,
			UpdatedAt:   t.updatedAt,
			Status:      t.status,
			Title:       title,
			Description: summary,
		})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	if opts.Offset >= len(all) {
		return []model.ThreadSummary{}, nil
	}
	all = all[opts.Offset:]
	if opts.Limit > 0 && len(all) > opts.Limit {
		all = all[:opts.Limit]
	}
	return all, nil
}

// Subscribe delivers the current state immediately and every later change.
// Slow subscribers only see the latest snapshot. Unknown threads are reported
// as loaded with no messages.
func (s *Store) Subscribe(ctx context.Context, threadID string) (<-chan execution.Snapshot, error) {
	ch := make(chan execution.Snapshot, 1)
	s.mu.Lock()
	s.nextSub++
	subID := s.nextSub
	if s.subs[threadID] == nil {
		s.subs[threadID] = map[int]chan execution.Snapshot{}
	}
	s.subs[threadID][subID] = ch
	if t, ok := s.threads[threadID]; ok {
		ch <- snapshotOf(t)
	} else {
		ch <- execution.Snapshot{ThreadID: threadID}
	}
	s.mu.Unlock()

	out := make(chan execution.Snapshot)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.subs[threadID], subID)
			if len(s.subs[threadID]) == 0 {
				delete(s.subs, threadID)
			}
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case snap := <-ch:
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Store) ensureLocked(id string) *thread {
	t, ok := s.threads[id]
	if !ok {
		t = &thread{id: id, status: model.StatusIdle, updatedAt: s.now()}
		s.threads[id] = t
	}
	return t
}

func (s *Store) notifyLocked(t *thread) {
	snap := snapshotOf(t)
	for _, ch := range s.subs[t.id] {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func snapshotOf(t *thread) execution.Snapshot {
	return execution.Snapshot{
		ThreadID: t.id,
		Messages: execution.CanonicalMessages(t.state.Messages),
		Files:    t.state.Files.Clone(),
	}
}

func cloneState(st execution.State) execution.State {
	return execution.State{
		Messages: append([]execution.Message(nil), st.Messages...),
		Files:    st.Files.Clone(),
	}
}
