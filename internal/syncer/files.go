package syncer

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/persistent"
	"github.com/chirino/thread-sync/internal/security"
	"github.com/chirino/thread-sync/internal/syncstate"
)

// FileOptions configures a FileSync.
type FileOptions struct {
	// Debounce is the quiet period before a snapshot is pushed.
	Debounce time.Duration
	// FlushTimeout bounds the push performed by Close.
	FlushTimeout time.Duration
}

// FileSync pushes full file snapshots of one execution thread into the
// persistent thread's metadata. Bursts of changes collapse into one push of
// the latest snapshot.
type FileSync struct {
	engine      *Engine
	executionID string
	opts        FileOptions

	mu      sync.Mutex
	pending model.Files
	dirty   bool
	timer   *time.Timer
	closed  bool

	push sync.Mutex
}

// Files returns a new FileSync for executionID.
func (e *Engine) Files(executionID string, opts FileOptions) *FileSync {
	if opts.Debounce <= 0 {
		opts.Debounce = time.Second
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 3 * time.Second
	}
	return &FileSync{engine: e, executionID: executionID, opts: opts}
}

// Trigger records files as the latest snapshot and restarts the debounce timer.
func (f *FileSync) Trigger(files model.Files) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.pending = files.Clone()
	f.dirty = true
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.opts.Debounce, f.fire)
}

func (f *FileSync) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), f.opts.FlushTimeout)
	defer cancel()
	if err := f.Flush(ctx); err != nil && !persistent.IsUnavailable(err) {
		log.Warn("File sync failed", "executionId", f.executionID, "err", err)
	}
}

// Flush pushes the pending snapshot now, if there is one.
func (f *FileSync) Flush(ctx context.Context) error {
	f.mu.Lock()
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	files, dirty := f.pending, f.dirty
	f.pending, f.dirty = nil, false
	f.mu.Unlock()
	if !dirty {
		return nil
	}
	return f.pushSnapshot(ctx, files)
}

// Close cancels the timer and makes a bounded best-effort push of any
// pending snapshot. Later triggers are ignored.
func (f *FileSync) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), f.opts.FlushTimeout)
	defer cancel()
	return f.Flush(ctx)
}

func (f *FileSync) pushSnapshot(ctx context.Context, files model.Files) error {
	f.push.Lock()
	defer f.push.Unlock()

	state := f.engine.state
	encoded, err := syncstate.EncodeFiles(files)
	if err != nil {
		return err
	}
	last, err := state.FileSnapshot(ctx, f.executionID)
	if err != nil {
		log.Warn("Failed to read last file snapshot", "executionId", f.executionID, "err", err)
	}
	if last != nil && bytes.Equal(last, encoded) {
		security.CountFilePush("skipped")
		return nil
	}

	pid, err := f.engine.creator.Ensure(ctx, f.executionID, nil)
	if err != nil {
		if !persistent.IsUnavailable(err) && !errors.Is(err, context.Canceled) {
			security.CountFilePush("error")
		}
		return err
	}
	if files == nil {
		files = model.Files{}
	}
	req := persistent.UpdateThreadRequest{Metadata: map[string]any{persistent.MetaFiles: files}}
	if _, err := f.engine.api.UpdateThread(ctx, pid, req); err != nil {
		security.CountFilePush("error")
		return err
	}
	security.CountFilePush("ok")
	if err := state.SaveFileSnapshot(ctx, f.executionID, encoded); err != nil {
		log.Warn("Failed to store file snapshot", "executionId", f.executionID, "err", err)
	}
	return nil
}
