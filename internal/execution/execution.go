// Package execution defines the boundary to the agent execution store. The
// store is consumed as a black box: threads are created, their state read and
// replaced, messages submitted, and state changes observed via Subscribe.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/chirino/thread-sync/internal/model"
)

// ErrThreadNotFound is returned when the execution store has no such thread,
// for instance because its run expired.
var ErrThreadNotFound = errors.New("execution thread not found")

// Message types of the execution-native representation.
const (
	TypeHuman  = "human"
	TypeAI     = "ai"
	TypeTool   = "tool"
	TypeSystem = "system"
)

// Message is the execution-native message representation.
type Message struct {
	ID               string          `json:"id"`
	Type             string          `json:"type"`
	Content          json.RawMessage `json:"content,omitempty"`
	ToolCallID       string          `json:"tool_call_id,omitempty"`
	AdditionalKwargs map[string]any  `json:"additional_kwargs,omitempty"`
}

// State is the part of an execution thread's state this module reads and writes.
type State struct {
	Messages []Message  `json:"messages"`
	Files    model.Files `json:"files,omitempty"`
}

// StateUpdate replaces the provided parts of a thread's state. Nil fields are
// left unchanged.
type StateUpdate struct {
	Messages []Message
	Files    model.Files
}

// Snapshot is one observation delivered by Subscribe.
type Snapshot struct {
	ThreadID string
	// Loading is true until the store has produced the thread's state.
	Loading  bool
	Messages []model.Message
	Files    model.Files
	// Err carries errors reported by the store (the error callback).
	Err error
}

// SearchOptions selects a page of execution threads.
type SearchOptions struct {
	Limit  int
	Offset int
	Status model.Status
}

// Store is the execution store surface used by this module.
type Store interface {
	CreateThread(ctx context.Context, metadata map[string]any) (string, error)
	GetState(ctx context.Context, threadID string) (*State, error)
	UpdateState(ctx context.Context, threadID string, update StateUpdate) error
	Submit(ctx context.Context, threadID string, msg Message) error
	Search(ctx context.Context, opts SearchOptions) ([]model.ThreadSummary, error)
	// Subscribe delivers snapshots until ctx is done, then closes the channel.
	Subscribe(ctx context.Context, threadID string) (<-chan Snapshot, error)
}

// ToCanonical converts an execution-native message. Unknown types map to the
// agent role.
func ToCanonical(m Message) model.Message {
	out := model.Message{
		ID:       m.ID,
		Content:  m.Content,
		Metadata: m.AdditionalKwargs,
	}
	switch strings.ToLower(m.Type) {
	case TypeHuman, "user":
		out.Role = model.RoleUser
	case TypeTool:
		out.Role = model.RoleTool
		out.ToolCallID = m.ToolCallID
	default:
		out.Role = model.RoleAgent
	}
	return out
}

// FromCanonical converts a canonical message into the execution-native form.
func FromCanonical(m model.Message) Message {
	out := Message{
		ID:               m.ID,
		Content:          m.Content,
		AdditionalKwargs: m.Metadata,
	}
	switch m.Role {
	case model.RoleUser:
		out.Type = TypeHuman
	case model.RoleTool:
		out.Type = TypeTool
		out.ToolCallID = m.ToolCallID
	default:
		out.Type = TypeAI
	}
	return out
}

// CanonicalMessages converts a slice of execution-native messages.
func CanonicalMessages(msgs []Message) []model.Message {
	out := make([]model.Message, len(msgs))
	for i, m := range msgs {
		out[i] = ToCanonical(m)
	}
	return out
}
