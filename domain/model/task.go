package model

import "time"

// TaskState is a state of the per-account publish state machine.
type TaskState string

const (
	TaskCreated              TaskState = "created"
	TaskAuthorizing          TaskState = "authorizing"
	TaskTransferring         TaskState = "transferring"
	TaskFinalizing           TaskState = "finalizing"
	TaskAwaitingConfirmation TaskState = "awaiting_confirmation"
	TaskPublished            TaskState = "published"
	TaskFailed               TaskState = "failed"
	TaskCancelled            TaskState = "cancelled"
)

var taskTransitions = map[TaskState][]TaskState{
	TaskCreated:              {TaskAuthorizing, TaskFailed, TaskCancelled},
	TaskAuthorizing:          {TaskTransferring, TaskFailed, TaskCancelled},
	TaskTransferring:         {TaskFinalizing, TaskFailed, TaskCancelled},
	TaskFinalizing:           {TaskPublished, TaskAwaitingConfirmation, TaskFailed},
	TaskAwaitingConfirmation: {TaskPublished, TaskFailed},
}

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	return s == TaskPublished || s == TaskFailed || s == TaskCancelled
}

// Active reports whether the state is one where the task holds its account.
func (s TaskState) Active() bool {
	return s == TaskAuthorizing || s == TaskTransferring || s == TaskFinalizing
}

// Cancellable reports whether a cancel signal may still stop the task.
func (s TaskState) Cancellable() bool {
	return s == TaskCreated || s == TaskAuthorizing || s == TaskTransferring
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to TaskState) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskError is the last failure recorded on a task.
type TaskError struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Item    *int   `json:"item,omitempty"`
}

// Task pairs one request with one account. It is the unit of work and of
// failure isolation.
type Task struct {
	ID                string          `json:"id"`
	RequestID         string          `json:"request_id"`
	AccountID         string          `json:"account_id"`
	Destination       DestinationType `json:"destination"`
	State             TaskState       `json:"state"`
	Attempt           int             `json:"attempt"`
	LastError         *TaskError      `json:"last_error,omitempty"`
	ExternalContentID *string         `json:"external_content_id,omitempty"`
	PendingHandle     *string         `json:"pending_handle,omitempty"`
	ContainerID       *string         `json:"container_id,omitempty"`
	Assets            []ObjectRef     `json:"assets,omitempty"`
	Attachments       []string        `json:"attachments,omitempty"`
	PollCount         int             `json:"poll_count"`
	NextPollAt        *time.Time      `json:"next_poll_at,omitempty"`
	StateEnteredAt    time.Time       `json:"state_entered_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Clone returns a copy safe to mutate without touching the original.
func (t *Task) Clone() *Task {
	c := *t
	if t.LastError != nil {
		e := *t.LastError
		c.LastError = &e
	}
	c.Assets = append([]ObjectRef(nil), t.Assets...)
	c.Attachments = append([]string(nil), t.Attachments...)
	return &c
}
