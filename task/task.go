package task

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// IsTerminal reports whether no further work will happen for a task in this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

type Type string

const (
	TypeConvert  Type = "convert"
	TypeSplit    Type = "split"
	TypeEdit     Type = "edit"
	TypeSanitize Type = "sanitize"
)

// Types lists every supported task type.
var Types = []Type{TypeConvert, TypeSplit, TypeEdit, TypeSanitize}

func (t Type) Valid() bool {
	for _, known := range Types {
		if t == known {
			return true
		}
	}
	return false
}

type Task struct {
	ID          string            `json:"id"`
	InputPath   string            `json:"input_path"`
	OutputPath  string            `json:"output_path"`
	Type        Type              `json:"task_type"`
	Config      map[string]string `json:"config"`
	Status      Status            `json:"status"`
	Progress    float32           `json:"progress"`
	Error       string            `json:"error,omitempty"`
	Attempts    int               `json:"attempts"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy safe to hand out of the manager's lock.
func (t *Task) Clone() *Task {
	c := *t
	if t.Config != nil {
		c.Config = make(map[string]string, len(t.Config))
		for k, v := range t.Config {
			c.Config[k] = v
		}
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// transitions maps a target status to the statuses it may be entered from.
var transitions = map[Status][]Status{
	StatusRunning:   {StatusPending, StatusPaused},
	StatusPaused:    {StatusRunning},
	StatusCanceled:  {StatusPending, StatusRunning, StatusPaused},
	StatusCompleted: {StatusRunning},
	StatusFailed:    {StatusRunning},
	StatusPending:   {StatusFailed, StatusCanceled},
}

// CanTransition reports whether the status machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Snapshot is the persisted form of the manager state. Every field maps to one store key.
type Snapshot struct {
	Tasks              []*Task  `json:"tasks"`
	Queue              []string `json:"queue"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	IsQueuePaused      bool     `json:"is_queue_paused"`
}

// Store keys, written together on every mutation.
const (
	KeyTasks              = "tasks"
	KeyQueue              = "queue"
	KeyMaxConcurrentTasks = "max_concurrent_tasks"
	KeyIsQueuePaused      = "is_queue_paused"
)
