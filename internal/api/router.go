// Package api provides the public HTTP surface of coderd: health, task
// submission, and nothing else.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stavrobot/coder/internal/api/handlers"
	"github.com/stavrobot/coder/internal/observability"
)

// Router holds the dispatch listener's dependencies and routes.
type Router struct {
	engine      *gin.Engine
	pluginsRoot string
	submitter   handlers.TaskSubmitter
	logger      *observability.Logger
}

// NewRouter creates the dispatch router.
func NewRouter(pluginsRoot string, submitter handlers.TaskSubmitter, logger *observability.Logger) *Router {
	gin.SetMode(gin.ReleaseMode)

	r := &Router{
		engine:      gin.New(),
		pluginsRoot: pluginsRoot,
		submitter:   submitter,
		logger:      logger.With("component", "api"),
	}

	r.engine.Use(r.requestLog(), gin.Recovery())
	r.setupRoutes()

	return r
}

// setupRoutes configures the public routes.
func (r *Router) setupRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.engine.POST("/code", r.submitCode)

	// Everything else, including wrong methods on known paths, is 404.
	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.engine
}

func (r *Router) submitCode(c *gin.Context) {
	h := handlers.NewCodeHandler(r.pluginsRoot, r.submitter, r.logger)
	h.Submit(c)
}

func (r *Router) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		r.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
