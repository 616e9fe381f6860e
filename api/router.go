package api

import (
	"vidqueue/config"
	"vidqueue/events"
	"vidqueue/task"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func SetupRouter(tm *task.Manager, broker *events.Broker, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(logger.Named("http")))
	h := NewHandler(tm, broker, logger)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.POST("/tasks/clear-completed", h.handleClearCompleted)
		v1.GET("/tasks/:taskId", h.handleGetTask)
		v1.DELETE("/tasks/:taskId", h.handleRemoveTask)
		v1.POST("/tasks/:taskId/start", h.taskCommand(tm.StartTask))
		v1.POST("/tasks/:taskId/pause", h.taskCommand(tm.PauseTask))
		v1.POST("/tasks/:taskId/resume", h.taskCommand(tm.ResumeTask))
		v1.POST("/tasks/:taskId/cancel", h.taskCommand(tm.CancelTask))
		v1.POST("/tasks/:taskId/retry", h.taskCommand(tm.RetryTask))

		v1.GET("/queue", h.handleGetQueue)
		v1.PUT("/queue/order", h.handleReorderQueue)
		v1.GET("/queue/paused", h.handleIsQueuePaused)
		v1.POST("/queue/start", h.queueCommand(tm.StartQueue, "Queue started"))
		v1.POST("/queue/pause", h.queueCommand(tm.PauseQueue, "Queue paused"))
		v1.POST("/queue/resume", h.queueCommand(tm.ResumeQueue, "Queue resumed"))
		v1.POST("/queue/cancel", h.queueCommand(tm.CancelQueue, "Queue canceled"))

		v1.GET("/settings/max-concurrent-tasks", h.handleGetMaxConcurrent)
		v1.PUT("/settings/max-concurrent-tasks", h.handleSetMaxConcurrent)

		v1.GET("/events", h.handleEvents)
	}
	return r
}
