package threads

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/chirino/thread-sync/internal/model"
	"github.com/chirino/thread-sync/internal/persistent"
	"github.com/chirino/thread-sync/internal/refstore"
	registryroute "github.com/chirino/thread-sync/internal/registry/route"
	"github.com/gin-gonic/gin"
)

const maxTitleLength = 500

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:  "threads",
		Order: 100,
		Type:  registryroute.RouteTypeMain,
		Loader: func(r *gin.Engine, env registryroute.Env) error {
			MountRoutes(r, env.Store, env.Auth)
			return nil
		},
	})
}

// MountRoutes mounts the thread routes. auth may be nil.
func MountRoutes(r *gin.Engine, store *refstore.Store, auth gin.HandlerFunc) {
	var handlers []gin.HandlerFunc
	if auth != nil {
		handlers = append(handlers, auth)
	}
	g := r.Group("/threads", handlers...)

	g.GET("", func(c *gin.Context) {
		listThreads(c, store)
	})
	g.POST("", func(c *gin.Context) {
		createThread(c, store)
	})
	g.GET("/:threadId", func(c *gin.Context) {
		getThread(c, store)
	})
	g.PATCH("/:threadId", func(c *gin.Context) {
		updateThread(c, store)
	})
	g.POST("/:threadId/messages", func(c *gin.Context) {
		appendMessage(c, store)
	})
}

func listThreads(c *gin.Context, store *refstore.Store) {
	opts := persistent.ListOptions{
		Limit:  queryInt(c, "limit", 20),
		Offset: queryInt(c, "offset", 0),
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "limit and offset must not be negative"})
		return
	}
	if raw := c.Query("status"); raw != "" {
		status, ok := parseStatus(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "unknown status " + raw})
			return
		}
		opts.Status = status
	}
	c.JSON(http.StatusOK, store.List(opts))
}

func createThread(c *gin.Context, store *refstore.Store) {
	var req persistent.CreateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Title) > maxTitleLength {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "title exceeds maximum length"})
		return
	}
	resp, err := store.Create(req)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func getThread(c *gin.Context, store *refstore.Store) {
	t, err := store.Get(c.Param("threadId"))
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func updateThread(c *gin.Context, store *refstore.Store) {
	var req persistent.UpdateThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Status != nil {
		if _, ok := parseStatus(*req.Status); !ok {
			c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "unknown status " + *req.Status})
			return
		}
	}
	if req.Title != nil && len(*req.Title) > maxTitleLength {
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "title exceeds maximum length"})
		return
	}
	t, err := store.Update(c.Param("threadId"), req)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func appendMessage(c *gin.Context, store *refstore.Store) {
	var msg persistent.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch msg.Kind {
	case "":
		msg.Kind = persistent.KindText
	case persistent.KindText, persistent.KindToolResult:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"code": "validation_error", "error": "unknown message kind " + msg.Kind})
		return
	}
	out, err := store.AppendMessage(c.Param("threadId"), msg)
	if err != nil {
		handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

func parseStatus(raw string) (model.PersistentStatus, bool) {
	switch s := model.PersistentStatus(raw); s {
	case model.PersistentOpen, model.PersistentPaused, model.PersistentClosed:
		return s, true
	default:
		return "", false
	}
}

func handleError(c *gin.Context, err error) {
	var notFound *persistent.NotFoundError
	var conflict *persistent.ConflictError
	switch {
	case errors.As(err, &notFound):
		c.JSON(http.StatusNotFound, gin.H{"code": "not_found", "error": err.Error()})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{"code": "conflict", "error": err.Error()})
	default:
		log.Error("Thread API error", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
