package model

// Status is the canonical thread status vocabulary.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusInterrupted Status = "interrupted"
	StatusError       Status = "error"
)

// PersistentStatus is the narrower status vocabulary of the persistent store.
type PersistentStatus string

const (
	PersistentOpen   PersistentStatus = "open"
	PersistentPaused PersistentStatus = "paused"
	PersistentClosed PersistentStatus = "closed"
)

// CanonicalStatus maps a persistent-store status onto the canonical
// vocabulary. The mapping is lossy: closed folds into idle, and nothing maps
// to busy or error. Unknown values are treated as open.
func CanonicalStatus(s PersistentStatus) Status {
	switch s {
	case PersistentPaused:
		return StatusInterrupted
	case PersistentOpen, PersistentClosed:
		return StatusIdle
	default:
		return StatusIdle
	}
}

// PersistentFilter maps a canonical status filter onto the persistent
// vocabulary. ok is false when the persistent store has no equivalent
// (error), in which case a filtered listing is necessarily empty.
func PersistentFilter(s Status) (PersistentStatus, bool) {
	switch s {
	case StatusIdle, StatusBusy:
		return PersistentOpen, true
	case StatusInterrupted:
		return PersistentPaused, true
	default:
		return "", false
	}
}

// ParseStatus accepts a canonical status string, returning false for
// anything outside the vocabulary.
func ParseStatus(raw string) (Status, bool) {
	switch s := Status(raw); s {
	case StatusIdle, StatusBusy, StatusInterrupted, StatusError:
		return s, true
	default:
		return "", false
	}
}
