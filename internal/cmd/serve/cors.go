package serve

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// threadsPrefix is the only path tree browsers call cross-origin. Probes and
// /metrics are left without CORS headers.
const threadsPrefix = "/threads"

type originPolicy struct {
	any     bool
	origins map[string]bool
}

// corsMiddleware admits the configured origins on the thread API. With no
// origins configured every origin is admitted, without credentials.
func corsMiddleware(originsCSV string) gin.HandlerFunc {
	policy := parseOrigins(originsCSV)
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.Request.URL.Path, threadsPrefix) {
			c.Next()
			return
		}
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		allowed := origin != "" && policy.allows(origin)
		if allowed {
			h := c.Writer.Header()
			h.Add("Vary", "Origin")
			if policy.any {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}
		if c.Request.Method != http.MethodOptions {
			c.Next()
			return
		}
		if !allowed {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		h.Set("Access-Control-Max-Age", "600")
		c.AbortWithStatus(http.StatusNoContent)
	}
}

func parseOrigins(raw string) originPolicy {
	p := originPolicy{origins: map[string]bool{}}
	for _, part := range strings.Split(raw, ",") {
		v := strings.TrimRight(strings.TrimSpace(part), "/")
		switch v {
		case "":
		case "*":
			p.any = true
		default:
			p.origins[v] = true
		}
	}
	if len(p.origins) == 0 {
		p.any = true
	}
	return p
}

func (p originPolicy) allows(origin string) bool {
	return p.any || p.origins[origin]
}
