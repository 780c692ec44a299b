package api

import (
	"github.com/gin-gonic/gin"

	"github.com/jasonkneen/claudelet/internal/common/logger"
	"github.com/jasonkneen/claudelet/internal/runtime"
	"github.com/jasonkneen/claudelet/internal/task/repository"
)

// SetupRoutes wires the runtime API onto the engine.
func SetupRoutes(router *gin.Engine, rt *runtime.Runtime, repo repository.Repository, log *logger.Logger) {
	handler := NewHandler(rt, repo, log)
	ws := NewEventStreamHandler(rt, log)

	router.GET("/health", handler.Health)
	router.GET("/ws/events", ws.Stream)

	v1 := router.Group("/api/v1")
	{
		tasks := v1.Group("/tasks")
		{
			tasks.POST("", handler.SubmitTask)
			tasks.GET("", handler.ListTasks)
			tasks.GET("/:taskId", handler.GetTask)
			tasks.GET("/:taskId/steps", handler.ListTaskSteps)
			tasks.POST("/:taskId/cancel", handler.CancelTask)
		}

		agents := v1.Group("/agents")
		{
			agents.GET("", handler.ListAgents)
			agents.GET("/:agentId", handler.GetAgent)
		}

		v1.POST("/interrupt/:id", handler.Interrupt)
		v1.GET("/status", handler.GetStatus)
	}
}
