// Package ops serves the operational listener: Prometheus metrics, the
// live task-event stream, and read-only registry snapshots. It stays off
// the dispatch listener so the public surface remains minimal.
package ops

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stavrobot/coder/internal/async"
	"github.com/stavrobot/coder/internal/events"
	"github.com/stavrobot/coder/internal/observability"
	"github.com/stavrobot/coder/pkg/types"
)

const wsWriteTimeout = 10 * time.Second

// TaskDirectory exposes registry snapshots.
type TaskDirectory interface {
	Tasks() []*types.Task
	Task(id string) (*types.Task, bool)
}

// Router holds the operational routes.
type Router struct {
	engine    *gin.Engine
	hub       *events.Hub
	directory TaskDirectory
	logger    *observability.Logger

	upgrader websocket.Upgrader
	subSeq   atomic.Int64
}

// NewRouter creates the operational router.
func NewRouter(hub *events.Hub, directory TaskDirectory, gatherer prometheus.Gatherer, logger *observability.Logger) *Router {
	gin.SetMode(gin.ReleaseMode)

	r := &Router{
		engine:    gin.New(),
		hub:       hub,
		directory: directory,
		logger:    logger.With("component", "ops"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Internal listener, no origin policy
			},
		},
	}

	r.engine.Use(gin.Recovery())
	r.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	r.engine.GET("/tasks", r.listTasks)
	r.engine.GET("/tasks/:id", r.getTask)
	r.engine.GET("/ws/events", r.streamEvents)

	return r
}

// Handler returns the HTTP handler.
func (r *Router) Handler() http.Handler {
	return r.engine
}

func (r *Router) listTasks(c *gin.Context) {
	c.JSON(http.StatusOK, r.directory.Tasks())
}

func (r *Router) getTask(c *gin.Context) {
	task, ok := r.directory.Task(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// streamEvents upgrades the connection and forwards every task event
// until the client goes away.
func (r *Router) streamEvents(c *gin.Context) {
	conn, err := r.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	subID := fmt.Sprintf("ws-%d", r.subSeq.Add(1))
	eventCh := r.hub.Subscribe(subID)
	defer r.hub.Unsubscribe(subID)

	r.logger.Debug("event stream opened", "subscriber", subID)

	// The reader only detects the client closing.
	done := make(chan struct{})
	async.Go(r.logger, "event stream reader "+subID, func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	for {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			msg := types.WebSocketMessage{
				Type:    "task_event",
				Payload: event,
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				r.logger.Debug("event stream closed", "subscriber", subID, "error", err)
				return
			}
		case <-done:
			return
		}
	}
}
