// Package refstore is an in-memory implementation of the persistent store
// data model. It backs the reference server started by the serve command.
package refstore

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/persistent"
	"github.com/google/uuid"
)

// Store holds persisted threads in memory.
type Store struct {
	mu      sync.Mutex
	threads map[string]*persistent.Thread
	last    time.Time
	now     func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{threads: map[string]*persistent.Thread{}, now: time.Now}
}

// tick returns a strictly increasing timestamp so creation order is
// recoverable from created_at.
func (s *Store) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

// Create adds a thread. A second thread linked to the same execution id is
// rejected with a ConflictError.
func (s *Store) Create(req persistent.CreateThreadRequest) (*persistent.CreateThreadResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if linked, _ := req.Metadata[persistent.MetaLinkedExecutionID].(string); linked != "" {
		for _, t := range s.threads {
			if t.LinkedExecutionID() == linked {
				return nil, &persistent.ConflictError{Message: "thread already exists for execution id " + linked}
			}
		}
	}

	now := s.tick()
	t := &persistent.Thread{
		ID:        uuid.NewString(),
		Title:     req.Title,
		Summary:   req.Summary,
		Status:    model.PersistentOpen,
		Metadata:  copyMap(req.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, p := range req.Participants {
		t.Participants = append(t.Participants, persistent.Participant{
			ID:          uuid.NewString(),
			Role:        p.Role,
			DisplayName: p.DisplayName,
		})
	}
	s.threads[t.ID] = t
	return &persistent.CreateThreadResponse{
		ID:           t.ID,
		Participants: append([]persistent.Participant(nil), t.Participants...),
	}, nil
}

// Seed inserts a fully formed thread, replacing any thread with the same id.
func (s *Store) Seed(t persistent.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = model.PersistentOpen
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.tick()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	cp := cloneThread(&t)
	s.threads[t.ID] = cp
}

// Get returns a copy of the thread including its messages.
func (s *Store) Get(id string) (*persistent.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, &persistent.NotFoundError{Resource: "thread", ID: id}
	}
	return cloneThread(t), nil
}

// Update applies a partial update. Metadata keys are merged; a nil value
// removes the key.
func (s *Store) Update(id string, req persistent.UpdateThreadRequest) (*persistent.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, &persistent.NotFoundError{Resource: "thread", ID: id}
	}
	if req.Title != nil {
		t.Title = *req.Title
	}
	if req.Summary != nil {
		t.Summary = *req.Summary
	}
	if req.Status != nil {
		t.Status = model.PersistentStatus(*req.Status)
	}
	if len(req.Metadata) > 0 && t.Metadata == nil {
		t.Metadata = map[string]any{}
	}
	for k, v := range req.Metadata {
		if v == nil {
			delete(t.Metadata, k)
			continue
		}
		t.Metadata[k] = v
	}
	t.UpdatedAt = s.tick()
	return cloneThread(t), nil
}

// AppendMessage adds a message to a thread.
func (s *Store) AppendMessage(threadID string, msg persistent.Message) (*persistent.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return nil, &persistent.NotFoundError{Resource: "thread", ID: threadID}
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = s.tick()
	msg.Metadata = copyMap(msg.Metadata)
	t.Messages = append(t.Messages, msg)
	t.UpdatedAt = msg.CreatedAt
	out := msg
	return &out, nil
}

// List returns a page of threads ordered by most recent update. Messages are
// omitted from listed threads.
func (s *Store) List(opts persistent.ListOptions) persistent.ThreadList {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]persistent.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		if opts.Status != "" && !strings.EqualFold(string(t.Status), string(opts.Status)) {
			continue
		}
		cp := cloneThread(t)
		cp.Messages = nil
		all = append(all, *cp)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})

	out := persistent.ThreadList{Total: len(all), Limit: opts.Limit, Offset: opts.Offset}
	if opts.Offset >= len(all) {
		out.Data = []persistent.Thread{}
		return out
	}
	page := all[opts.Offset:]
	if opts.Limit > 0 && len(page) > opts.Limit {
		page = page[:opts.Limit]
	}
	out.Data = page
	return out
}

func cloneThread(t *persistent.Thread) *persistent.Thread {
	cp := *t
	cp.Metadata = copyMap(t.Metadata)
	cp.Participants = append([]persistent.Participant(nil), t.Participants...)
	cp.Messages = append([]persistent.Message(nil), t.Messages...)
	return &cp
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
