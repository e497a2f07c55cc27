// Package fallback recovers thread history from the persistent store when the
// execution store has nothing to show, and re-links such threads to a fresh
// execution run.
package fallback

import (
	"context"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/persistent"
	"github.com/chirino/thread-sync/internal/security"
)

// Loader performs at most one history load for one persistent thread.
type Loader struct {
	api          persistent.API
	persistentID string

	mu        sync.Mutex
	attempted bool
	loaded    bool
	messages  []model.Message
}

// NewLoader returns a loader for persistentID. api may be nil, in which case
// the loader never becomes eligible.
func NewLoader(api persistent.API, persistentID string) *Loader {
	return &Loader{api: api, persistentID: persistentID}
}

// Eligible reports whether a load should run: the execution store finished
// loading with no messages, a persistent thread is linked, and no load has
// been attempted yet.
func (l *Loader) Eligible(loading bool, executionMessages int) bool {
	if loading || executionMessages > 0 || l.api == nil || l.persistentID == "" {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.attempted
}

// Attempted reports whether Load has run.
func (l *Loader) Attempted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempted
}

// Messages returns the messages from the last successful load.
func (l *Loader) Messages() []model.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.messages
}

// Load fetches the persisted thread and converts its messages, ordered by
// creation time. ran is false when a load was already attempted; the
// marker is set before the request so concurrent callers never load twice.
func (l *Loader) Load(ctx context.Context) (messages []model.Message, ran bool, err error) {
	l.mu.Lock()
	if l.attempted || l.api == nil || l.persistentID == "" {
		l.mu.Unlock()
		return nil, false, nil
	}
	l.attempted = true
	l.mu.Unlock()

	record, err := l.api.GetThread(ctx, l.persistentID)
	if err != nil {
		security.CountFallbackLoad("error")
		if !persistent.IsUnavailable(err) {
			log.Warn("Fallback history load failed", "persistentId", l.persistentID, "err", err)
		}
		return nil, true, err
	}
	messages = persistent.ToCanonical(record)
	if len(messages) == 0 {
		security.CountFallbackLoad("empty")
	} else {
		security.CountFallbackLoad("ok")
	}
	log.Debug("Loaded history from persistent store", "persistentId", l.persistentID, "messages", len(messages))

	l.mu.Lock()
	l.messages, l.loaded = messages, true
	l.mu.Unlock()
	return messages, true, nil
}

// History returns the persisted messages for restoring the thread. A
// successful load is reused; otherwise the thread is fetched again, which
// covers a load that failed or is still in flight. The one-shot load marker
// is left alone.
func (l *Loader) History(ctx context.Context) ([]model.Message, error) {
	l.mu.Lock()
	if l.loaded {
		messages := l.messages
		l.mu.Unlock()
		return messages, nil
	}
	l.mu.Unlock()
	if l.api == nil || l.persistentID == "" {
		return nil, nil
	}

	record, err := l.api.GetThread(ctx, l.persistentID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	messages := persistent.ToCanonical(record)
	l.mu.Lock()
	l.messages, l.loaded = messages, true
	l.mu.Unlock()
	return messages, nil
}
