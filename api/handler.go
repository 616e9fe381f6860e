package api

import (
	"errors"
	"net/http"

	"vidqueue/events"
	"vidqueue/ffmpeg"
	"vidqueue/task"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeTaskNotFound        = "TASK_NOT_FOUND"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeUnsupportedTaskType = "UNSUPPORTED_TASK_TYPE"
	CodeStateError          = "STATE_ERROR"
)

type Handler struct {
	taskManager *task.Manager
	broker      *events.Broker
	logger      *zap.Logger
}

func NewHandler(tm *task.Manager, broker *events.Broker, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		taskManager: tm,
		broker:      broker,
		logger:      logger.Named("api"),
	}
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type TaskRequest struct {
	InputPath  string            `json:"input_path" binding:"required"`
	OutputPath string            `json:"output_path" binding:"required"`
	TaskType   string            `json:"task_type" binding:"required"`
	Config     map[string]string `json:"config"`
}

type ReorderRequest struct {
	TaskIDs []string `json:"task_ids" binding:"required"`
}

type MaxConcurrentRequest struct {
	MaxConcurrentTasks *int `json:"max_concurrent_tasks" binding:"required"`
}

// writeError maps scheduler errors onto HTTP status codes and stable error codes.
func writeError(c *gin.Context, err error, details string) {
	status, code := http.StatusInternalServerError, CodeStateError
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		status, code = http.StatusNotFound, CodeTaskNotFound
	case errors.Is(err, task.ErrInvalidStatus):
		status, code = http.StatusConflict, CodeInvalidArgument
	case errors.Is(err, task.ErrUnsupportedTaskType):
		status, code = http.StatusBadRequest, CodeUnsupportedTaskType
	case errors.Is(err, task.ErrInvalidArgument), errors.Is(err, ffmpeg.ErrInvalidConfig):
		status, code = http.StatusBadRequest, CodeInvalidArgument
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: err.Error(), Details: details})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Code:    CodeInvalidArgument,
		Message: "invalid request body",
		Details: err.Error(),
	})
}

// handleCreateTask validates the request and queues a new Pending task.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	taskType := task.Type(req.TaskType)
	if !taskType.Valid() {
		writeError(c, task.ErrUnsupportedTaskType, req.TaskType)
		return
	}

	// Reject configs the engine could never run before accepting the task
	if _, err := ffmpeg.BuildArgs(task.Job{
		InputPath:  req.InputPath,
		OutputPath: req.OutputPath,
		Type:       taskType,
		Config:     req.Config,
	}); err != nil {
		writeError(c, err, "")
		return
	}

	id, err := h.taskManager.CreateTask(req.InputPath, req.OutputPath, taskType, req.Config)
	if err != nil {
		writeError(c, err, "")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"taskId": id})
}

// handleListTasks lists all tasks.
func (h *Handler) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, h.taskManager.GetAllTasks())
}

// handleGetTask retrieves a single task.
func (h *Handler) handleGetTask(c *gin.Context) {
	taskID := c.Param("taskId")
	t, err := h.taskManager.GetTask(taskID)
	if err != nil {
		writeError(c, err, taskID)
		return
	}
	c.JSON(http.StatusOK, t)
}

// taskCommand adapts a per-task manager operation into a handler that answers
// with the task's state after the command.
func (h *Handler) taskCommand(op func(id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		taskID := c.Param("taskId")
		if err := op(taskID); err != nil {
			writeError(c, err, taskID)
			return
		}
		t, err := h.taskManager.GetTask(taskID)
		if err != nil {
			writeError(c, err, taskID)
			return
		}
		c.JSON(http.StatusOK, t)
	}
}

func (h *Handler) handleRemoveTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if err := h.taskManager.RemoveTask(taskID); err != nil {
		writeError(c, err, taskID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task removed"})
}

func (h *Handler) handleClearCompleted(c *gin.Context) {
	n := h.taskManager.ClearCompletedTasks()
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (h *Handler) handleGetQueue(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"queue": h.taskManager.GetQueue()})
}

func (h *Handler) handleReorderQueue(c *gin.Context) {
	var req ReorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.taskManager.ReorderTasks(req.TaskIDs); err != nil {
		writeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": h.taskManager.GetQueue()})
}

// queueCommand wraps a whole-queue operation.
func (h *Handler) queueCommand(op func(), message string) gin.HandlerFunc {
	return func(c *gin.Context) {
		op()
		c.JSON(http.StatusOK, gin.H{"message": message, "paused": h.taskManager.IsQueuePaused()})
	}
}

func (h *Handler) handleIsQueuePaused(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"paused": h.taskManager.IsQueuePaused()})
}

func (h *Handler) handleGetMaxConcurrent(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"max_concurrent_tasks": h.taskManager.GetMaxConcurrentTasks()})
}

func (h *Handler) handleSetMaxConcurrent(c *gin.Context) {
	var req MaxConcurrentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.taskManager.SetMaxConcurrentTasks(*req.MaxConcurrentTasks); err != nil {
		writeError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"max_concurrent_tasks": h.taskManager.GetMaxConcurrentTasks()})
}

// handleEvents streams scheduler events as server-sent events until the client goes away.
func (h *Handler) handleEvents(c *gin.Context) {
	ch, cancel := h.broker.Subscribe(64)
	defer cancel()
	h.logger.Debug("event stream opened", zap.String("client_ip", c.ClientIP()))
	defer h.logger.Debug("event stream closed", zap.String("client_ip", c.ClientIP()))

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(evt.Name, evt)
			c.Writer.Flush()
		}
	}
}
