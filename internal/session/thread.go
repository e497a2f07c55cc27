package session

import (
	"context"
	"sync"
	"time"

	"github.com/chirino/thread-sync/internal/execution"
	"github.com/chirino/thread-sync/internal/fallback"
	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/resolver"
	"github.com/chirino/thread-sync/internal/syncer"
)

// threadContext is everything tied to one opened thread. It is created per
// navigation and closed when the user moves on.
type threadContext struct {
	token        uint64
	rawID        string
	executionID  string
	persistentID string
	readOnly     bool

	ctx    context.Context
	cancel context.CancelFunc

	pusher *syncer.ThreadSync
	files  *syncer.FileSync
	loader *fallback.Loader
	kick   chan struct{}

	mu           sync.Mutex
	pending      []model.Message
	execMessages int
	lastFiles    model.Files
	seenFiles    bool
	recheck      *time.Timer
}

func newThreadContext(c *Controller, token uint64, res resolver.Resolution) *threadContext {
	ctx, cancel := context.WithCancel(c.root)
	tc := &threadContext{
		token:        token,
		rawID:        res.RawID,
		executionID:  res.ExecutionID,
		persistentID: res.PersistentID,
		readOnly:     res.ReadOnly,
		ctx:          ctx,
		cancel:       cancel,
		loader:       fallback.NewLoader(c.opts.API, res.PersistentID),
		kick:         make(chan struct{}, 1),
	}
	if c.engine != nil && res.ExecutionID != "" {
		tc.pusher = c.engine.Thread(ctx, res.ExecutionID)
		tc.files = c.engine.Files(res.ExecutionID, syncer.FileOptions{
			Debounce:     c.opts.FileDebounce,
			FlushTimeout: c.opts.FileFlushTimeout,
		})
	}
	return tc
}

func (tc *threadContext) observe(snap execution.Snapshot) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.execMessages = len(snap.Messages)
}

func (tc *threadContext) executionMessageCount() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.execMessages
}

// kickSync stores the latest message list and wakes the sync loop. Older
// lists not yet picked up are replaced.
func (tc *threadContext) kickSync(messages []model.Message) {
	tc.mu.Lock()
	tc.pending = append([]model.Message(nil), messages...)
	tc.mu.Unlock()
	select {
	case tc.kick <- struct{}{}:
	default:
	}
}

func (tc *threadContext) takePending() []model.Message {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	out := tc.pending
	tc.pending = nil
	return out
}

// filesChanged reports whether files differ from the last observed snapshot.
// The first non-empty observation counts as a change.
func (tc *threadContext) filesChanged(files model.Files) bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if !tc.seenFiles {
		tc.seenFiles = true
		tc.lastFiles = files.Clone()
		return len(files) > 0
	}
	if tc.lastFiles.Equal(files) {
		return false
	}
	tc.lastFiles = files.Clone()
	return true
}

func (tc *threadContext) scheduleRecheck(delay time.Duration, fn func()) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.ctx.Err() != nil || tc.recheck != nil {
		return
	}
	tc.recheck = time.AfterFunc(delay, fn)
}

// close cancels outstanding work and flushes pending file changes.
func (tc *threadContext) close() {
	tc.cancel()
	tc.mu.Lock()
	if tc.recheck != nil {
		tc.recheck.Stop()
	}
	tc.mu.Unlock()
	if tc.files != nil {
		_ = tc.files.Close()
	}
}
