package security

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// ContextKeyUserID is the gin context key for the authenticated caller.
const ContextKeyUserID = "userID"

// TokenResolver maps static bearer tokens to caller ids.
type TokenResolver struct {
	tokens map[string]string
}

// NewTokenResolver parses a comma-separated list of token or caller=token
// entries. An empty list disables authentication.
func NewTokenResolver(raw string) *TokenResolver {
	tokens := map[string]string{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		caller, token := "client", entry
		if idx := strings.IndexByte(entry, '='); idx > 0 {
			caller, token = strings.TrimSpace(entry[:idx]), strings.TrimSpace(entry[idx+1:])
		}
		if token != "" {
			tokens[token] = caller
		}
	}
	return &TokenResolver{tokens: tokens}
}

// Enabled reports whether any token is configured.
func (r *TokenResolver) Enabled() bool {
	return r != nil && len(r.tokens) > 0
}

// Resolve returns the caller id for a bearer token.
func (r *TokenResolver) Resolve(token string) (string, bool) {
	for known, caller := range r.tokens {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return caller, true
		}
	}
	return "", false
}

// GetUserID returns the authenticated caller from the gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// AuthMiddleware rejects requests without a known bearer token. When the
// resolver has no tokens every request is accepted as "anonymous".
func AuthMiddleware(resolver *TokenResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !resolver.Enabled() {
			c.Set(ContextKeyUserID, "anonymous")
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			log.Info("Auth rejected: missing Authorization header", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing Authorization header"})
			return
		}

		token := strings.TrimPrefix(auth, "Bearer ")
		if token == auth {
			log.Info("Auth rejected: invalid Authorization header; expected Bearer token", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header; expected Bearer token"})
			return
		}

		caller, ok := resolver.Resolve(token)
		if !ok {
			log.Info("Auth rejected: unknown token", "method", c.Request.Method, "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ContextKeyUserID, caller)
		c.Next()
	}
}
