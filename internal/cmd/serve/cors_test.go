package serve

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func corsRouter(origins string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware(origins))
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/threads", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.PATCH("/threads/:threadId", func(c *gin.Context) { c.Status(http.StatusOK) })
	return router
}

func serveWithOrigin(router *gin.Engine, method, path, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Origin", origin)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestParseOrigins(t *testing.T) {
	require.True(t, parseOrigins("").any)
	p := parseOrigins(" https://app.example.com/ , https://admin.example.com")
	require.False(t, p.any)
	require.True(t, p.allows("https://app.example.com"))
	require.True(t, p.allows("https://admin.example.com"))
	require.False(t, p.allows("https://evil.example.com"))
}

func TestCorsMiddleware_AllowsConfiguredOrigin(t *testing.T) {
	rec := serveWithOrigin(corsRouter("https://app.example.com"), http.MethodGet, "/threads", "https://app.example.com")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCorsMiddleware_IgnoresProbeEndpoints(t *testing.T) {
	rec := serveWithOrigin(corsRouter(""), http.MethodGet, "/healthz", "https://app.example.com")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsMiddleware_WildcardOmitsCredentials(t *testing.T) {
	rec := serveWithOrigin(corsRouter("*"), http.MethodGet, "/threads", "http://localhost:3000")

	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestCorsMiddleware_AnswersPreflight(t *testing.T) {
	rec := serveWithOrigin(corsRouter("http://localhost:3000"), http.MethodOptions, "/threads/abc", "http://localhost:3000")

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "GET, POST, PATCH", rec.Header().Get("Access-Control-Allow-Methods"))
}

func TestCorsMiddleware_RejectsPreflightFromUnknownOrigin(t *testing.T) {
	rec := serveWithOrigin(corsRouter("https://app.example.com"), http.MethodOptions, "/threads/abc", "https://evil.example.com")

	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
