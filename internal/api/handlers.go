package api

import (
	stderrors "errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jasonkneen/claudelet/internal/common/errors"
	"github.com/jasonkneen/claudelet/internal/common/logger"
	"github.com/jasonkneen/claudelet/internal/runtime"
	"github.com/jasonkneen/claudelet/internal/task"
	"github.com/jasonkneen/claudelet/internal/task/repository"
)

// Handler contains the HTTP handlers for the runtime API.
type Handler struct {
	runtime *runtime.Runtime
	repo    repository.Repository
	logger  *logger.Logger
}

// NewHandler creates an API handler over the runtime.
func NewHandler(rt *runtime.Runtime, repo repository.Repository, log *logger.Logger) *Handler {
	return &Handler{
		runtime: rt,
		repo:    repo,
		logger:  log.WithFields(zap.String("component", "api")),
	}
}

// respondError writes an error using its taxonomy kind and mapped status.
func respondError(c *gin.Context, err error) {
	var appErr *errors.Error
	if !stderrors.As(err, &appErr) {
		appErr = errors.Internal("internal error", err)
	}
	c.JSON(errors.HTTPStatus(err), gin.H{"error": appErr})
}

// SubmitTask accepts a task for execution.
// POST /api/v1/tasks
func (h *Handler) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"kind":    string(errors.KindParse),
			"message": err.Error(),
		}})
		return
	}

	taskID, err := h.runtime.Submit(c.Request.Context(), req.Content, req.Priority)
	if err != nil {
		h.logger.Error("failed to submit task", zap.Error(err))
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SubmitTaskResponse{TaskID: taskID})
}

// GetTask returns one task record.
// GET /api/v1/tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	t, err := h.repo.GetTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// ListTasks returns all tasks, optionally filtered by status.
// GET /api/v1/tasks
func (h *Handler) ListTasks(c *gin.Context) {
	var (
		tasks []*task.Task
		err   error
	)
	if status := c.Query("status"); status != "" {
		tasks, err = h.repo.ListTasksByStatus(c.Request.Context(), task.Status(status))
	} else {
		tasks, err = h.repo.ListTasks(c.Request.Context())
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

// ListTaskSteps returns the plan steps recorded for a task.
// GET /api/v1/tasks/:taskId/steps
func (h *Handler) ListTaskSteps(c *gin.Context) {
	steps, err := h.repo.ListChildTasks(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"steps": steps})
}

// CancelTask cancels a queued or running task.
// POST /api/v1/tasks/:taskId/cancel
func (h *Handler) CancelTask(c *gin.Context) {
	if err := h.runtime.Cancel(c.Request.Context(), c.Param("taskId")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Interrupt softly interrupts an agent, or every agent working on a task.
// POST /api/v1/interrupt/:id
func (h *Handler) Interrupt(c *gin.Context) {
	if err := h.runtime.Interrupt(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListAgents returns the state of every agent in the pool.
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.runtime.Pool().All()})
}

// GetAgent returns one agent's state.
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	state, err := h.runtime.Pool().Get(c.Param("agentId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// GetStatus returns the runtime status snapshot.
// GET /api/v1/status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.runtime.Status())
}

// Health is a liveness probe.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
