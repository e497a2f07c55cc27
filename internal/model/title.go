package model

import (
	"strings"
	"unicode/utf8"
)

const (
	// PlaceholderTitle is used when a thread is created before any user text exists.
	PlaceholderTitle = "New conversation"

	maxTitleRunes   = 60
	maxSummaryRunes = 200
)

// DeriveTitle builds a title and summary from the first user message that has
// text. Returns the placeholder title when no such message exists.
func DeriveTitle(messages []Message) (title, summary string) {
	for _, m := range messages {
		if m.Role != RoleUser {
			continue
		}
		text := strings.Join(strings.Fields(m.Text()), " ")
		if text == "" {
			continue
		}
		return truncate(text, maxTitleRunes), truncate(text, maxSummaryRunes)
	}
	return PlaceholderTitle, ""
}

// IsPlaceholderTitle reports whether a stored title carries no information.
func IsPlaceholderTitle(title string) bool {
	t := strings.TrimSpace(title)
	return t == "" || strings.EqualFold(t, PlaceholderTitle) || strings.EqualFold(t, "untitled")
}

// TitleNeedsUpdate reports whether current should be replaced by derived: the
// current title is a placeholder, or it is less than half as long as the
// derived title and derived extends it.
func TitleNeedsUpdate(current, derived string) bool {
	if IsPlaceholderTitle(derived) {
		return false
	}
	if IsPlaceholderTitle(current) {
		return true
	}
	cur := strings.TrimSpace(current)
	if cur == derived {
		return false
	}
	return utf8.RuneCountInString(cur)*2 < utf8.RuneCountInString(derived) &&
		strings.HasPrefix(derived, strings.TrimSuffix(cur, "…"))
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:max-1])) + "…"
}
