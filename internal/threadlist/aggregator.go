// Package threadlist builds the paginated thread list shown to the user from
// whichever store is authoritative for the session.
package threadlist

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-sync/internal/execution"
	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/persistent"
)

// Source identifies where a listing came from.
type Source string

const (
	SourcePersistent Source = "persistent"
	SourceExecution  Source = "execution"
)

const defaultPageSize = 20

// Options configures an Aggregator.
type Options struct {
	// Authenticated selects the persistent store when it is configured.
	Authenticated bool
	PageSize      int
	// Status filters by canonical status; empty lists everything.
	Status model.Status
}

// Page is the accumulated listing after a load.
type Page struct {
	Source  Source
	Threads []model.ThreadSummary
	Pages   int
	HasMore bool
}

// Aggregator lists threads from the persistent store for authenticated
// sessions and from the execution store otherwise. It never mixes the two:
// a failing persistent listing yields an empty page.
type Aggregator struct {
	api  persistent.API
	exec execution.Store
	opts Options

	mu      sync.Mutex
	pages   int
	threads []model.ThreadSummary
	hasMore bool
}

// New returns an Aggregator. api may be nil when no persistent store is configured.
func New(api persistent.API, exec execution.Store, opts Options) *Aggregator {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	return &Aggregator{api: api, exec: exec, opts: opts}
}

// Source returns the store backing this listing.
func (a *Aggregator) Source() Source {
	if a.opts.Authenticated && a.api != nil {
		return SourcePersistent
	}
	return SourceExecution
}

// SetStatus changes the status filter and drops the pages held.
func (a *Aggregator) SetStatus(status model.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts.Status = status
	a.pages, a.threads, a.hasMore = 0, nil, false
}

// Load replaces the held listing with the first page.
func (a *Aggregator) Load(ctx context.Context) Page {
	a.mu.Lock()
	defer a.mu.Unlock()
	threads, more := a.fetch(ctx, 0)
	a.pages, a.threads, a.hasMore = 1, threads, more
	return a.pageLocked()
}

// LoadMore appends the next page.
func (a *Aggregator) LoadMore(ctx context.Context) Page {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pages > 0 && !a.hasMore {
		return a.pageLocked()
	}
	threads, more := a.fetch(ctx, a.pages)
	a.pages++
	a.threads = append(a.threads, threads...)
	a.hasMore = more
	return a.pageLocked()
}

// Revalidate re-requests as many pages as are currently held so a refresh
// does not shrink the visible list.
func (a *Aggregator) Revalidate(ctx context.Context) Page {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.pages
	if n == 0 {
		n = 1
	}
	var all []model.ThreadSummary
	more := false
	for p := 0; p < n; p++ {
		threads, m := a.fetch(ctx, p)
		all = append(all, threads...)
		more = m
		if !m {
			break
		}
	}
	a.pages, a.threads, a.hasMore = n, all, more
	return a.pageLocked()
}

func (a *Aggregator) pageLocked() Page {
	return Page{
		Source:  a.Source(),
		Threads: append([]model.ThreadSummary(nil), a.threads...),
		Pages:   a.pages,
		HasMore: a.hasMore,
	}
}

func (a *Aggregator) fetch(ctx context.Context, page int) ([]model.ThreadSummary, bool) {
	if a.Source() == SourcePersistent {
		return a.fetchPersistent(ctx, page)
	}
	return a.fetchExecution(ctx, page)
}

func (a *Aggregator) fetchPersistent(ctx context.Context, page int) ([]model.ThreadSummary, bool) {
	opts := persistent.ListOptions{Limit: a.opts.PageSize, Offset: page * a.opts.PageSize}
	if a.opts.Status != "" {
		status, ok := model.PersistentFilter(a.opts.Status)
		if !ok {
			return nil, false
		}
		opts.Status = status
	}
	list, err := a.api.ListThreads(ctx, opts)
	if err != nil {
		if !persistent.IsUnavailable(err) {
			log.Warn("Thread listing failed", "source", SourcePersistent, "err", err)
		}
		return nil, false
	}
	out := make([]model.ThreadSummary, 0, len(list.Data))
	for _, t := range list.Data {
		title := t.Title
		if title == "" {
			title = model.PlaceholderTitle
		}
		out = append(out, model.ThreadSummary{
			ID:          t.ID,
			UpdatedAt:   t.UpdatedAt,
			Status:      model.CanonicalStatus(t.Status),
			Title:       title,
			Description: t.Summary,
		})
	}
	more := len(list.Data) == opts.Limit
	if list.Total > 0 {
		more = opts.Offset+len(list.Data) < list.Total
	}
	return out, more
}

func (a *Aggregator) fetchExecution(ctx context.Context, page int) ([]model.ThreadSummary, bool) {
	if a.exec == nil {
		return nil, false
	}
	threads, err := a.exec.Search(ctx, execution.SearchOptions{
		Limit:  a.opts.PageSize,
		Offset: page * a.opts.PageSize,
		Status: a.opts.Status,
	})
	if err != nil {
		log.Warn("Thread listing failed", "source", SourceExecution, "err", err)
		return nil, false
	}
	return threads, len(threads) == a.opts.PageSize
}
