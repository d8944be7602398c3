package task

import (
	"time"

	xerrors "AppRuntime/internal/errors"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// IsValidStatus reports whether status is a known enum value.
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Task is a unit of asynchronous work. Payload and Result are treated as
// immutable values once handed to the queue.
type Task struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Payload         any       `json:"payload,omitempty"`
	Status          Status    `json:"status"`
	Result          any       `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
	ErrorCode       string    `json:"error_code,omitempty"`
	Retries         int       `json:"retries"`
	MaxRetries      int       `json:"max_retries"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
}

// Event topics published on the bus.
const (
	TopicEnqueued  = "task.enqueued"
	TopicStarted   = "task.started"
	TopicRetrying  = "task.retrying"
	TopicCompleted = "task.completed"
	TopicFailed    = "task.failed"
	TopicCancelled = "task.cancelled"
)

// Event is the payload of every task.* topic.
type Event struct {
	TaskID    string `json:"task_id"`
	Type      string `json:"type"`
	Status    Status `json:"status"`
	Retries   int    `json:"retries"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Result    any    `json:"result,omitempty"`
}

func eventOf(t Task) Event {
	return Event{
		TaskID:    t.ID,
		Type:      t.Type,
		Status:    t.Status,
		Retries:   t.Retries,
		Error:     t.Error,
		ErrorCode: t.ErrorCode,
		Result:    t.Result,
	}
}

var (
	// ErrNotFound is returned for unknown or swept task ids.
	ErrNotFound = xerrors.New(xerrors.CodeNotFound, "task not found")
	// ErrQueueFull is returned when the pending backlog reached capacity.
	ErrQueueFull = xerrors.New(xerrors.CodeQueueFull, "")
	// ErrQueueClosed is returned once shutdown started.
	ErrQueueClosed = xerrors.New(xerrors.CodeQueueClosed, "")
	// ErrHandlerNotFound is recorded on tasks whose type has no handler.
	ErrHandlerNotFound = xerrors.New(xerrors.CodeHandlerNotFound, "")
)
