package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Role identifies who authored a canonical message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// Roles lists the participant roles declared on every persisted thread.
var Roles = []Role{RoleUser, RoleAgent, RoleTool}

// DisplayName is the participant name declared for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "User"
	case RoleTool:
		return "Tool"
	default:
		return "Agent"
	}
}

// ParseRole maps a stored role string onto a canonical Role.
// Unknown roles default to RoleAgent.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleUser:
		return RoleUser
	case RoleTool:
		return RoleTool
	default:
		return RoleAgent
	}
}

// Message is the canonical message envelope shared by both stores.
type Message struct {
	ID         string          `json:"id"`
	Role       Role            `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"createdAt,omitzero"`
}

// HasContent reports whether the message carries defined content.
// Messages still streaming in with no content yet are not synced.
func (m Message) HasContent() bool {
	c := bytes.TrimSpace(m.Content)
	return len(c) > 0 && !bytes.Equal(c, []byte("null"))
}

// Text flattens the message content into plain text. String content is
// returned as-is; part arrays contribute their "text" fields.
func (m Message) Text() string {
	return ContentText(m.Content)
}

// ContentText flattens a raw content value into plain text.
func ContentText(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		texts := make([]string, 0, len(parts))
		for _, p := range parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return string(raw)
}

// TextContent encodes plain text as a raw content value.
func TextContent(text string) json.RawMessage {
	b, _ := json.Marshal(text)
	return b
}

// ThreadSummary is the list-level projection of a thread.
type ThreadSummary struct {
	ID          string    `json:"id"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Status      Status    `json:"status"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
}

// Files is a full file-set snapshot keyed by path.
type Files map[string]string

// Equal reports whether two snapshots hold the same paths and contents.
func (f Files) Equal(other Files) bool {
	if len(f) != len(other) {
		return false
	}
	for k, v := range f {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Clone returns a copy that is safe to hand to another goroutine.
func (f Files) Clone() Files {
	if f == nil {
		return nil
	}
	out := make(Files, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
