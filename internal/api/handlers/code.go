// Package handlers provides HTTP request handlers.
package handlers

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/stavrobot/coder/internal/observability"
	"github.com/stavrobot/coder/internal/runner"
	"github.com/stavrobot/coder/pkg/types"
)

// TaskSubmitter accepts validated tasks for asynchronous execution.
type TaskSubmitter interface {
	Submit(task *types.Task) error
}

// CodeHandler handles coding task submissions.
type CodeHandler struct {
	pluginsRoot string
	submitter   TaskSubmitter
	logger      *observability.Logger
}

// NewCodeHandler creates a new CodeHandler.
func NewCodeHandler(pluginsRoot string, submitter TaskSubmitter, logger *observability.Logger) *CodeHandler {
	return &CodeHandler{
		pluginsRoot: pluginsRoot,
		submitter:   submitter,
		logger:      logger,
	}
}

type codeRequest struct {
	TaskID  string `json:"taskId" binding:"required"`
	Message string `json:"message" binding:"required"`
	Plugin  string `json:"plugin" binding:"required"`
}

// Submit validates a coding request and hands it to the runner. A 202
// means accepted, not succeeded; every later failure travels through the
// reporter instead of this response.
func (h *CodeHandler) Submit(c *gin.Context) {
	var req codeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !runner.ValidPluginName(req.Plugin) {
		h.logger.Warn("rejecting task: invalid plugin name",
			"task_id", req.TaskID,
			"plugin", req.Plugin)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid plugin name: %q", req.Plugin),
		})
		return
	}

	pluginDir := filepath.Join(h.pluginsRoot, req.Plugin)
	if info, err := os.Stat(pluginDir); err != nil || !info.IsDir() {
		h.logger.Warn("rejecting task: plugin directory not found",
			"task_id", req.TaskID,
			"dir", pluginDir)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Plugin directory not found: %q", req.Plugin),
		})
		return
	}

	task := &types.Task{
		ID:      req.TaskID,
		Plugin:  req.Plugin,
		Message: req.Message,
	}
	if err := h.submitter.Submit(task); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	h.logger.Info("coding task accepted",
		"task_id", req.TaskID,
		"plugin", req.Plugin,
		"message_preview", preview(req.Message, 100))

	c.JSON(http.StatusAccepted, gin.H{"taskId": req.TaskID})
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
