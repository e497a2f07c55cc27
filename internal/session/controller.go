// Package session owns the active thread of one client: it resolves the
// thread id, follows the execution store, keeps the persistent store in sync
// and falls back to persisted history when the execution store is empty.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-sync/internal/execution"
	"github.com/chirino/thread-sync/internal/fallback"
	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/persistent"
	"github.com/chirino/thread-sync/internal/resolver"
	"github.com/chirino/thread-sync/internal/syncer"
	"github.com/chirino/thread-sync/internal/syncstate"
	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("session closed")

// Options configures a Controller.
type Options struct {
	Exec execution.Store
	// API is nil when no persistent store is configured.
	API   persistent.API
	State *syncstate.Store

	AssistantID string
	Source      string

	FileDebounce     time.Duration
	FileFlushTimeout time.Duration
	FallbackRecheck  time.Duration

	// OnThreadIDChanged is called when Send creates a new execution thread.
	OnThreadIDChanged func(executionID string)
	// OnChange is called with every view update of the active thread.
	OnChange func(View)
}

// View is what the user currently sees.
type View struct {
	RawID        string
	ExecutionID  string
	PersistentID string
	ReadOnly     bool
	Loading      bool
	Messages     []model.Message
	// FromFallback is true while Messages come from the persistent store.
	FromFallback bool
	Files        model.Files
	Err          error
}

// Controller switches between threads. Each open thread gets its own
// threadContext; results computed for a context that is no longer current
// are dropped.
type Controller struct {
	opts     Options
	resolver *resolver.Resolver
	engine   *syncer.Engine
	upgrader *fallback.Upgrader

	root       context.Context
	cancelRoot context.CancelFunc
	wg         sync.WaitGroup

	mu      sync.Mutex
	token   uint64
	current *threadContext
	view    View
	closed  bool
}

// New returns a Controller. Persistence features are disabled when opts.API
// is nil.
func New(opts Options) (*Controller, error) {
	if opts.Exec == nil {
		return nil, fmt.Errorf("session: execution store is required")
	}
	if opts.State == nil {
		return nil, fmt.Errorf("session: local state store is required")
	}
	if opts.FallbackRecheck <= 0 {
		opts.FallbackRecheck = 1500 * time.Millisecond
	}
	c := &Controller{
		opts:     opts,
		resolver: resolver.New(opts.API, opts.State),
	}
	if opts.API != nil {
		c.engine = syncer.NewEngine(opts.API, opts.State, syncer.Options{AssistantID: opts.AssistantID, Source: opts.Source})
	}
	c.upgrader = fallback.NewUpgrader(opts.Exec, opts.API, opts.State, c.engine, opts.AssistantID)
	c.root, c.cancelRoot = context.WithCancel(context.Background())
	return c, nil
}

// Engine returns the sync engine, or nil when persistence is disabled.
func (c *Controller) Engine() *syncer.Engine { return c.engine }

// View returns a copy of the current view.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyView(c.view)
}

// Navigate makes raw the active thread. An empty raw id clears the active
// thread. If another Navigate starts before this one resolves, this one
// returns without effect.
func (c *Controller) Navigate(ctx context.Context, raw string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.token++
	token := c.token
	old := c.current
	c.current = nil
	c.view = View{RawID: raw, Loading: raw != ""}
	c.mu.Unlock()
	c.retire(old)

	res, err := c.resolver.Resolve(ctx, raw)
	if errors.Is(err, resolver.ErrStale) {
		return nil
	}
	if err != nil {
		return err
	}
	c.open(token, res)
	return nil
}

// Send submits a user message to the active thread. With no active thread a
// new execution thread is created; a read-only persistent thread is first
// restored into a new execution run, and if that fails the message goes to a
// fresh thread instead. The returned error is meant for a transient user
// notification.
func (c *Controller) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	tc := c.current
	c.mu.Unlock()

	var executionID string
	switch {
	case tc != nil && tc.executionID != "":
		executionID = tc.executionID

	case tc != nil && tc.persistentID != "":
		id, err := c.restore(ctx, tc)
		if err == nil {
			executionID = id
			break
		}
		log.Warn("Unable to restore thread for sending; starting a new one", "persistentId", tc.persistentID, "err", err)
		if executionID, err = c.startThread(ctx); err != nil {
			return fmt.Errorf("could not start a new run for this conversation: %w", err)
		}

	default:
		id, err := c.startThread(ctx)
		if err != nil {
			return fmt.Errorf("could not create a new conversation: %w", err)
		}
		executionID = id
	}

	msg := execution.Message{
		ID:      uuid.NewString(),
		Type:    execution.TypeHuman,
		Content: model.TextContent(text),
	}
	if err := c.opts.Exec.Submit(ctx, executionID, msg); err != nil {
		return fmt.Errorf("message could not be sent: %w", err)
	}
	return nil
}

// restore replays the persisted history of a read-only thread into a new
// execution run and makes that run the active thread.
func (c *Controller) restore(ctx context.Context, tc *threadContext) (string, error) {
	history, err := tc.loader.History(ctx)
	if err != nil {
		return "", err
	}
	id, err := c.upgrader.Upgrade(ctx, tc.persistentID, history)
	if err != nil {
		return "", err
	}
	if c.opts.OnThreadIDChanged != nil {
		c.opts.OnThreadIDChanged(id)
	}
	c.switchTo(tc.rawID, resolver.Resolution{RawID: tc.rawID, ExecutionID: id, PersistentID: tc.persistentID})
	return id, nil
}

// startThread creates an empty execution thread and makes it the active thread.
func (c *Controller) startThread(ctx context.Context) (string, error) {
	id, err := c.opts.Exec.CreateThread(ctx, map[string]any{persistent.MetaAssistantID: c.opts.AssistantID})
	if err != nil {
		return "", err
	}
	if c.opts.OnThreadIDChanged != nil {
		c.opts.OnThreadIDChanged(id)
	}
	c.switchTo(id, resolver.Resolution{RawID: id, ExecutionID: id})
	return id, nil
}

// Close stops following the active thread, flushes pending file changes and
// waits for background work.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.token++
	old := c.current
	c.current = nil
	c.mu.Unlock()

	if old != nil {
		old.close()
	}
	c.wg.Wait()
	c.cancelRoot()
	if c.engine != nil {
		c.engine.Wait()
	}
	return nil
}

// switchTo opens an already resolved thread under a new token.
func (c *Controller) switchTo(raw string, res resolver.Resolution) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.token++
	token := c.token
	old := c.current
	c.current = nil
	c.view = View{RawID: raw, Loading: true}
	c.mu.Unlock()
	c.retire(old)
	c.open(token, res)
}

func (c *Controller) open(token uint64, res resolver.Resolution) {
	tc := newThreadContext(c, token, res)

	c.mu.Lock()
	if c.closed || c.token != token {
		c.mu.Unlock()
		tc.cancel()
		return
	}
	c.current = tc
	c.view = View{
		RawID:        res.RawID,
		ExecutionID:  res.ExecutionID,
		PersistentID: res.PersistentID,
		ReadOnly:     res.ReadOnly,
		Loading:      !res.Empty(),
	}
	view := copyView(c.view)
	c.mu.Unlock()
	c.notify(view)

	if res.Empty() {
		return
	}
	if tc.pusher != nil {
		c.wg.Add(1)
		go c.syncLoop(tc)
	}
	if res.ExecutionID == "" {
		// Persistent-only: nothing to follow, history comes from the fallback.
		c.wg.Add(1)
		go c.runFallback(tc)
		return
	}

	snapshots, err := c.opts.Exec.Subscribe(tc.ctx, res.ExecutionID)
	if err != nil {
		log.Warn("Unable to follow execution thread", "executionId", res.ExecutionID, "err", err)
		c.update(tc, func(v *View) {
			v.Loading = false
			v.Err = err
		})
		return
	}
	c.wg.Add(1)
	go c.watch(tc, snapshots)
}

// retire closes a context that is no longer current without blocking the caller.
func (c *Controller) retire(tc *threadContext) {
	if tc == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		tc.close()
	}()
}

func (c *Controller) watch(tc *threadContext, snapshots <-chan execution.Snapshot) {
	defer c.wg.Done()
	for snap := range snapshots {
		if !c.isCurrent(tc) {
			return
		}
		c.onSnapshot(tc, snap)
	}
}

func (c *Controller) onSnapshot(tc *threadContext, snap execution.Snapshot) {
	if snap.Err != nil {
		log.Warn("Execution store reported an error", "executionId", tc.executionID, "err", snap.Err)
		c.update(tc, func(v *View) { v.Err = snap.Err })
		return
	}

	tc.observe(snap)
	c.update(tc, func(v *View) {
		v.Err = nil
		v.Loading = snap.Loading
		v.Files = snap.Files.Clone()
		switch {
		case len(snap.Messages) > 0:
			v.Messages = append([]model.Message(nil), snap.Messages...)
			v.FromFallback = false
		case !v.FromFallback:
			v.Messages = nil
		}
	})
	if snap.Loading {
		return
	}

	if tc.pusher != nil && len(snap.Messages) > 0 {
		tc.kickSync(snap.Messages)
	}
	if tc.files != nil && tc.filesChanged(snap.Files) {
		tc.files.Trigger(snap.Files)
	}
	if tc.loader.Eligible(snap.Loading, len(snap.Messages)) {
		c.wg.Add(1)
		go c.runFallback(tc)
	}
}

func (c *Controller) runFallback(tc *threadContext) {
	defer c.wg.Done()
	messages, ran, err := tc.loader.Load(tc.ctx)
	if !ran {
		if tc.executionID == "" {
			c.update(tc, func(v *View) { v.Loading = false })
		}
		return
	}
	if err != nil {
		c.update(tc, func(v *View) { v.Loading = false })
		return
	}
	c.update(tc, func(v *View) {
		v.Loading = false
		if tc.executionMessageCount() == 0 && len(messages) > 0 {
			v.Messages = messages
			v.FromFallback = true
		}
	})
	if tc.executionID != "" {
		tc.scheduleRecheck(c.opts.FallbackRecheck, func() { c.recheck(tc) })
	}
}

// recheck re-reads execution state once after a fallback load in case the
// first empty observation was premature.
func (c *Controller) recheck(tc *threadContext) {
	if !c.isCurrent(tc) {
		return
	}
	st, err := c.opts.Exec.GetState(tc.ctx, tc.executionID)
	if err != nil {
		if !errors.Is(err, execution.ErrThreadNotFound) && tc.ctx.Err() == nil {
			log.Debug("Fallback recheck failed", "executionId", tc.executionID, "err", err)
		}
		return
	}
	if len(st.Messages) == 0 {
		return
	}
	messages := execution.CanonicalMessages(st.Messages)
	c.update(tc, func(v *View) {
		v.Messages = messages
		v.FromFallback = false
	})
}

func (c *Controller) syncLoop(tc *threadContext) {
	defer c.wg.Done()
	for {
		select {
		case <-tc.kick:
		case <-tc.ctx.Done():
			// One last pass for messages observed before the switch.
			select {
			case <-tc.kick:
				c.syncPass(tc)
			default:
			}
			return
		}
		c.syncPass(tc)
	}
}

func (c *Controller) syncPass(tc *threadContext) {
	messages := tc.takePending()
	if len(messages) == 0 {
		return
	}
	if _, err := tc.pusher.Sync(c.root, messages); err != nil && !persistent.IsUnavailable(err) {
		log.Debug("Sync pass incomplete", "executionId", tc.executionID, "err", err)
	}
}

func (c *Controller) isCurrent(tc *threadContext) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == tc && c.token == tc.token
}

// update applies fn to the view if tc is still current and notifies listeners.
func (c *Controller) update(tc *threadContext, fn func(*View)) {
	c.mu.Lock()
	if c.current != tc || c.token != tc.token {
		c.mu.Unlock()
		return
	}
	fn(&c.view)
	view := copyView(c.view)
	c.mu.Unlock()
	c.notify(view)
}

func (c *Controller) notify(v View) {
	if c.opts.OnChange != nil {
		c.opts.OnChange(v)
	}
}

func copyView(v View) View {
	v.Messages = append([]model.Message(nil), v.Messages...)
	v.Files = v.Files.Clone()
	return v
}
