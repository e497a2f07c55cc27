// Package remote talks to an agent server over HTTP/JSON. Subscriptions are
// implemented by polling thread state.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-sync/internal/execution"
	"github.com/chirino/thread-sync/internal/model"
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	AssistantID string
	Timeout     time.Duration
	PollEvery   time.Duration
	HTTPClient  *http.Client
}

// Client implements execution.Store against a remote agent server.
type Client struct {
	baseURL     string
	apiKey      string
	assistantID string
	pollEvery   time.Duration
	http        *http.Client
}

var _ execution.Store = (*Client)(nil)

// New returns a client for the agent server at opts.BaseURL.
func New(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("execution store: base URL is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	poll := opts.PollEvery
	if poll <= 0 {
		poll = time.Second
	}
	return &Client{
		baseURL:     base,
		apiKey:      opts.APIKey,
		assistantID: opts.AssistantID,
		pollEvery:   poll,
		http:        hc,
	}, nil
}

type threadResponse struct {
	ThreadID  string          `json:"thread_id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Status    string          `json:"status"`
	Metadata  map[string]any  `json:"metadata"`
	Values    execution.State `json:"values"`
}

func (c *Client) CreateThread(ctx context.Context, metadata map[string]any) (string, error) {
	var out threadResponse
	if err := c.do(ctx, http.MethodPost, "/threads", map[string]any{"metadata": metadata}, &out); err != nil {
		return "", err
	}
	if out.ThreadID == "" {
		return "", fmt.Errorf("execution store: create thread returned no id")
	}
	return out.ThreadID, nil
}

func (c *Client) GetState(ctx context.Context, threadID string) (*execution.State, error) {
	var out struct {
		Values execution.State `json:"values"`
	}
	if err := c.do(ctx, http.MethodGet, "/threads/"+url.PathEscape(threadID)+"/state", nil, &out); err != nil {
		return nil, err
	}
	return &out.Values, nil
}

func (c *Client) UpdateState(ctx context.Context, threadID string, update execution.StateUpdate) error {
	values := map[string]any{}
	if update.Messages != nil {
		values["messages"] = update.Messages
	}
	if update.Files != nil {
		values["files"] = update.Files
	}
	return c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/state", map[string]any{"values": values}, nil)
}

func (c *Client) Submit(ctx context.Context, threadID string, msg execution.Message) error {
	body := map[string]any{
		"assistant_id": c.assistantID,
		"input":        map[string]any{"messages": []execution.Message{msg}},
	}
	return c.do(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/runs/wait", body, nil)
}

func (c *Client) Search(ctx context.Context, opts execution.SearchOptions) ([]model.ThreadSummary, error) {
	body := map[string]any{"limit": opts.Limit, "offset": opts.Offset}
	if opts.Status != "" {
		body["status"] = string(opts.Status)
	}
	var out []threadResponse
	if err := c.do(ctx, http.MethodPost, "/threads/search", body, &out); err != nil {
		return nil, err
	}
	summaries := make([]model.ThreadSummary, 0, len(out))
	for _, t := range out {
		status, ok := model.ParseStatus(t.Status)
		if !ok {
			status = model.StatusIdle
		}
		title, summary := model.DeriveTitle(execution.CanonicalMessages(t.Values.Messages))
		summaries = append(summaries, model.ThreadSummary{
			ID:          t.ThreadID,
			UpdatedAt:   t.UpdatedAt,
			Status:      status,
			Title:       title,
			Description: summary,
		})
	}
	return summaries, nil
}

// Subscribe polls thread state and emits a snapshot whenever it changes. A
// thread the server does not know is reported as loaded and empty.
func (c *Client) Subscribe(ctx context.Context, threadID string) (<-chan execution.Snapshot, error) {
	out := make(chan execution.Snapshot, 1)
	out <- execution.Snapshot{ThreadID: threadID, Loading: true}
	go func() {
		defer close(out)
		var last []byte
		ticker := time.NewTicker(c.pollEvery)
		defer ticker.Stop()
		for {
			snap := execution.Snapshot{ThreadID: threadID}
			st, err := c.GetState(ctx, threadID)
			switch {
			case errors.Is(err, execution.ErrThreadNotFound):
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				snap.Err = err
			default:
				snap.Messages = execution.CanonicalMessages(st.Messages)
				snap.Files = st.Files
			}

			encoded, _ := json.Marshal(struct {
				M   []model.Message
				F   model.Files
				Err string
			}{snap.Messages, snap.Files, errString(snap.Err)})
			if !bytes.Equal(encoded, last) {
				last = encoded
				select {
				case out <- snap:
				case <-ctx.Done():
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("execution store %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return execution.ErrThreadNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		log.Debug("Execution store request failed", "method", method, "path", path, "status", resp.StatusCode, "body", string(snippet))
		return fmt.Errorf("execution store %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("execution store %s %s: decode: %w", method, path, err)
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
