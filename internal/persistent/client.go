package persistent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// API is the persistent store surface used by the sync engine.
type API interface {
	// Available reports whether the store passed its health probe.
	Available(ctx context.Context) bool
	CreateThread(ctx context.Context, req CreateThreadRequest) (*CreateThreadResponse, error)
	GetThread(ctx context.Context, id string) (*Thread, error)
	UpdateThread(ctx context.Context, id string, req UpdateThreadRequest) (*Thread, error)
	AppendMessage(ctx context.Context, threadID string, msg Message) (*Message, error)
	ListThreads(ctx context.Context, opts ListOptions) (*ThreadList, error)
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client is an HTTP/JSON client for the persistent store. The health probe
// result is cached for the lifetime of the client.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	healthMu      sync.Mutex
	healthChecked bool
	healthy       bool
}

var _ API = (*Client)(nil)

// NewClient returns a client for the store at opts.BaseURL.
func NewClient(opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("persistent store: base URL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("persistent store: invalid base URL: %w", err)
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, token: opts.Token, http: hc}, nil
}

// Available probes GET /healthz on first use and caches the answer. A
// canceled probe is not cached.
func (c *Client) Available(ctx context.Context) bool {
	c.healthMu.Lock()
	defer c.healthMu.Unlock()
	if c.healthChecked {
		return c.healthy
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		c.healthChecked, c.healthy = true, false
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		log.Warn("Persistent store health probe failed; persistence disabled for this session", "url", c.baseURL, "err", err)
		c.healthChecked, c.healthy = true, false
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	c.healthChecked = true
	c.healthy = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !c.healthy {
		log.Warn("Persistent store health probe failed; persistence disabled for this session", "url", c.baseURL, "status", resp.StatusCode)
	}
	return c.healthy
}

func (c *Client) CreateThread(ctx context.Context, req CreateThreadRequest) (*CreateThreadResponse, error) {
	var out CreateThreadResponse
	if err := c.do(ctx, "create_thread", http.MethodPost, "/threads", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetThread(ctx context.Context, id string) (*Thread, error) {
	var out Thread
	if err := c.do(ctx, "get_thread", http.MethodGet, "/threads/"+url.PathEscape(id), nil, nil, &out); err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			nf.ID = id
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateThread(ctx context.Context, id string, req UpdateThreadRequest) (*Thread, error) {
	var out Thread
	if err := c.do(ctx, "update_thread", http.MethodPatch, "/threads/"+url.PathEscape(id), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AppendMessage(ctx context.Context, threadID string, msg Message) (*Message, error) {
	var out Message
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.do(ctx, "append_message", http.MethodPost, path, nil, msg, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListThreads(ctx context.Context, opts ListOptions) (*ThreadList, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}
	if opts.Status != "" {
		q.Set("status", string(opts.Status))
	}
	var out ThreadList
	if err := c.do(ctx, "list_threads", http.MethodGet, "/threads", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	if !c.Available(ctx) {
		return ErrServiceUnavailable
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Resource: "thread", ID: path}
	case resp.StatusCode == http.StatusConflict:
		return &ConflictError{Message: errorMessage(data)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &NetworkError{Op: op, StatusCode: resp.StatusCode}
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return decodeBody(op, data, out)
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return "already exists"
}
