package persistent

import (
	"time"

	"github.com/chirino/thread-sync/internal/model"
)

// Metadata keys understood by the persistent store and this module.
const (
	MetaAssistantID       = "assistant_id"
	MetaSource            = "source"
	MetaLinkedExecutionID = "linked_execution_id"
	MetaFiles             = "files"
	MetaSourceType        = "source_type"
	MetaMessageID         = "message_id"
	MetaToolCallID        = "tool_call_id"
)

// Message kinds.
const (
	KindText       = "text"
	KindToolResult = "tool_result"
)

// Participant is a declared author on a persisted thread.
type Participant struct {
	ID          string `json:"id,omitempty"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name,omitempty"`
}

// Message is the persisted message representation.
type Message struct {
	ID            string         `json:"id,omitempty"`
	ParticipantID string         `json:"participant_id"`
	Kind          string         `json:"kind"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Attachments   []any          `json:"attachments"`
	CreatedAt     time.Time      `json:"created_at,omitzero"`
}

// Thread is a persisted thread record.
type Thread struct {
	ID           string                 `json:"id"`
	Title        string                 `json:"title"`
	Summary      string                 `json:"summary,omitempty"`
	Status       model.PersistentStatus `json:"status,omitempty"`
	Metadata     map[string]any         `json:"metadata,omitempty"`
	Participants []Participant          `json:"participants,omitempty"`
	Messages     []Message              `json:"messages,omitempty"`
	CreatedAt    time.Time              `json:"created_at,omitzero"`
	UpdatedAt    time.Time              `json:"updated_at,omitzero"`
}

// LinkedExecutionID returns the execution id stored in metadata, if any.
func (t *Thread) LinkedExecutionID() string {
	if t == nil {
		return ""
	}
	return metaString(t.Metadata, MetaLinkedExecutionID)
}

// ParticipantRoles returns the role → participant id map of the thread.
func (t *Thread) ParticipantRoles() map[model.Role]string {
	out := make(map[model.Role]string, len(t.Participants))
	for _, p := range t.Participants {
		if p.ID == "" {
			continue
		}
		out[model.ParseRole(p.Role)] = p.ID
	}
	return out
}

// CreateThreadRequest is the body of POST /threads.
type CreateThreadRequest struct {
	Title        string         `json:"title"`
	Summary      string         `json:"summary"`
	Metadata     map[string]any `json:"metadata"`
	Participants []Participant  `json:"participants"`
}

// CreateThreadResponse is the body returned by POST /threads.
type CreateThreadResponse struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
}

// UpdateThreadRequest is the body of PATCH /threads/{id}. Nil fields are
// left unchanged; metadata keys are merged by the server.
type UpdateThreadRequest struct {
	Title    *string        `json:"title,omitempty"`
	Summary  *string        `json:"summary,omitempty"`
	Status   *string        `json:"status,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ListOptions selects a page of GET /threads.
type ListOptions struct {
	Limit  int
	Offset int
	Status model.PersistentStatus
}

// ThreadList is the body returned by GET /threads.
type ThreadList struct {
	Data   []Thread `json:"data"`
	Total  int      `json:"total"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
