package persistent

import (
	"sort"
	"strings"

	"github.com/chirino/thread-sync/internal/model"
)

// FromCanonical builds the persisted form of a canonical message.
// participants maps roles to the thread's participant ids.
func FromCanonical(m model.Message, participants map[model.Role]string) Message {
	meta := map[string]any{
		MetaSourceType: string(m.Role),
		MetaMessageID:  m.ID,
	}
	for k, v := range m.Metadata {
		if _, reserved := meta[k]; !reserved {
			meta[k] = v
		}
	}
	kind := KindText
	if m.Role == model.RoleTool {
		kind = KindToolResult
		if m.ToolCallID != "" {
			meta[MetaToolCallID] = m.ToolCallID
		}
	}
	return Message{
		ParticipantID: participants[m.Role],
		Kind:          kind,
		Content:       m.Text(),
		Metadata:      meta,
		Attachments:   []any{},
	}
}

// ToCanonical converts the messages of a persisted thread into canonical
// messages ordered by creation time.
func ToCanonical(t *Thread) []model.Message {
	if t == nil || len(t.Messages) == 0 {
		return nil
	}
	participantRoles := make(map[string]string, len(t.Participants))
	for _, p := range t.Participants {
		participantRoles[p.ID] = p.Role
	}

	msgs := append([]Message(nil), t.Messages...)
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	out := make([]model.Message, 0, len(msgs))
	for _, pm := range msgs {
		role := inferRole(pm, participantRoles)
		id := metaString(pm.Metadata, MetaMessageID)
		if id == "" {
			id = pm.ID
		}
		m := model.Message{
			ID:        id,
			Role:      role,
			Content:   model.TextContent(pm.Content),
			CreatedAt: pm.CreatedAt,
			Metadata:  map[string]any{"persisted_id": pm.ID},
		}
		if role == model.RoleTool {
			m.ToolCallID = metaString(pm.Metadata, MetaToolCallID)
		}
		out = append(out, m)
	}
	return out
}

// inferRole prefers the stored source type, then the participant's role,
// then defaults to agent.
func inferRole(pm Message, participantRoles map[string]string) model.Role {
	if st := sourceTypeRole(metaString(pm.Metadata, MetaSourceType)); st != "" {
		return st
	}
	if r, ok := participantRoles[pm.ParticipantID]; ok {
		return model.ParseRole(r)
	}
	return model.RoleAgent
}

func sourceTypeRole(s string) model.Role {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "human", "user":
		return model.RoleUser
	case "ai", "assistant", "agent":
		return model.RoleAgent
	case "tool":
		return model.RoleTool
	default:
		return ""
	}
}
