// Package testrefstore starts the reference persistent store on an httptest
// server and records the requests it receives.
package testrefstore

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/chirino/thread-sync/internal/persistent"
	"github.com/chirino/thread-sync/internal/plugin/route/threads"
	"github.com/chirino/thread-sync/internal/refstore"
	"github.com/gin-gonic/gin"
)

// Server is a running reference store.
type Server struct {
	URL   string
	Store *refstore.Store

	mu       sync.Mutex
	calls    map[string]int
	failures map[string]int
	passes   map[string]int
	gate     chan struct{}
	gateKey  string
	healthy  bool
}

// Start launches a server that is closed when the test ends.
func Start(tb testing.TB) *Server {
	tb.Helper()
	gin.SetMode(gin.TestMode)

	s := &Server{
		Store:    refstore.New(),
		calls:    map[string]int{},
		failures: map[string]int{},
		passes:   map[string]int{},
		healthy:  true,
	}
	r := gin.New()
	r.Use(s.record)
	r.GET("/healthz", func(c *gin.Context) {
		s.mu.Lock()
		ok := s.healthy
		s.mu.Unlock()
		if !ok {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	threads.MountRoutes(r, s.Store, nil)

	ts := httptest.NewServer(r)
	tb.Cleanup(func() {
		s.Release()
		ts.Close()
	})
	s.URL = ts.URL
	return s
}

// Client returns a persistent store client for the server.
func (s *Server) Client(tb testing.TB) *persistent.Client {
	tb.Helper()
	c, err := persistent.NewClient(persistent.Options{BaseURL: s.URL})
	if err != nil {
		tb.Fatalf("new persistent client: %v", err)
	}
	return c
}

// Key builds the request key used by Calls and FailNext, for example
// Key("POST", "/threads/:threadId/messages").
func Key(method, route string) string {
	return method + " " + route
}

// Calls returns how many requests matched key.
func (s *Server) Calls(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

// Total returns the number of requests received, excluding health probes.
func (s *Server) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, v := range s.calls {
		if k != Key(http.MethodGet, "/healthz") {
			n += v
		}
	}
	return n
}

// FailNext makes the next n requests matching key answer with status 500.
func (s *Server) FailNext(key string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[key] += n
}

// FailAfter lets the next pass requests matching key through and makes the
// n requests after them answer with status 500.
func (s *Server) FailAfter(key string, pass, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passes[key] += pass
	s.failures[key] += n
}

// SetHealthy controls the health probe answer.
func (s *Server) SetHealthy(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = ok
}

// Hold blocks requests matching key until Release is called.
func (s *Server) Hold(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	s.gateKey = key
}

// Release unblocks requests held by Hold.
func (s *Server) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
		s.gateKey = ""
	}
}

func (s *Server) record(c *gin.Context) {
	key := Key(c.Request.Method, c.FullPath())

	s.mu.Lock()
	s.calls[key]++
	fail := false
	switch {
	case s.passes[key] > 0:
		s.passes[key]--
	case s.failures[key] > 0:
		fail = true
		s.failures[key]--
	}
	var gate chan struct{}
	if s.gateKey == key {
		gate = s.gate
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-c.Request.Context().Done():
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
	}
	if fail {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "injected failure"})
		return
	}
	c.Next()
}
