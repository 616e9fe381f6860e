package task

// Event names published to the Sink.
const (
	EventTaskStarted    = "task-started"
	EventTaskProgress   = "task-progress"
	EventTaskPaused     = "task-paused"
	EventTaskResumed    = "task-resumed"
	EventTaskCanceled   = "task-canceled"
	EventTaskRetried    = "task-retried"
	EventTaskRemoved    = "task-removed"
	EventTaskCompleted  = "task-completed"
	EventTaskFailed     = "task-failed"
	EventTaskUpdated    = "task-updated"
	EventQueueStarted   = "queue-started"
	EventQueuePaused    = "queue-paused"
	EventQueueResumed   = "queue-resumed"
	EventQueueCanceled  = "queue-canceled"
	EventQueueReordered = "queue-reordered"
	EventMaxChanged     = "max-concurrent-tasks-changed"
	EventStartTask      = "start-task"
)

// Sink receives fire-and-forget notifications of state transitions.
// Emit is always called without the manager lock held.
type Sink interface {
	Emit(name string, payload map[string]any)
}

type nopSink struct{}

func (nopSink) Emit(string, map[string]any) {}

func taskPayload(id string) map[string]any {
	return map[string]any{"taskId": id}
}
