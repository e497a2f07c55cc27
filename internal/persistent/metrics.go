package persistent

import (
	"context"
	"time"

	"github.com/chirino/thread-sync/internal/security"
)

// WithMetrics returns an API that records latency for every operation.
func WithMetrics(inner API) API {
	return &metricsAPI{inner: inner}
}

type metricsAPI struct {
	inner API
}

func observe(op string, start time.Time) {
	security.ObservePersistent(op, start)
}

func (m *metricsAPI) Available(ctx context.Context) bool {
	return m.inner.Available(ctx)
}

func (m *metricsAPI) CreateThread(ctx context.Context, req CreateThreadRequest) (*CreateThreadResponse, error) {
	defer observe("create_thread", time.Now())
	return m.inner.CreateThread(ctx, req)
}

func (m *metricsAPI) GetThread(ctx context.Context, id string) (*Thread, error) {
	defer observe("get_thread", time.Now())
	return m.inner.GetThread(ctx, id)
}

func (m *metricsAPI) UpdateThread(ctx context.Context, id string, req UpdateThreadRequest) (*Thread, error) {
	defer observe("update_thread", time.Now())
	return m.inner.UpdateThread(ctx, id, req)
}

func (m *metricsAPI) AppendMessage(ctx context.Context, threadID string, msg Message) (*Message, error) {
	defer observe("append_message", time.Now())
	return m.inner.AppendMessage(ctx, threadID, msg)
}

func (m *metricsAPI) ListThreads(ctx context.Context, opts ListOptions) (*ThreadList, error) {
	defer observe("list_threads", time.Now())
	return m.inner.ListThreads(ctx, opts)
}

var _ API = (*metricsAPI)(nil)
