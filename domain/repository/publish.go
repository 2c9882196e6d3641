package repository

import (
	"context"
	"time"

	"crosspost/domain/model"
)

// IPublish stores publish requests and their tasks.
type IPublish interface {
	// CreateRequestWithTasks persists the request and its tasks in one
	// transaction.
	CreateRequestWithTasks(ctx context.Context, req *model.PublishRequest, tasks []*model.Task) error
	GetRequest(ctx context.Context, id string) (*model.PublishRequest, error)
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, requestID string) ([]*model.Task, error)
	// UpdateTask writes the task only if its stored state still equals
	// expected, otherwise ErrStaleTask.
	UpdateTask(ctx context.Context, task *model.Task, expected model.TaskState) error
	// ListRunnable returns tasks in pre-await, non-terminal states whose
	// request is due at now and not cancelled.
	ListRunnable(ctx context.Context, now time.Time, limit int) ([]*model.Task, error)
	// ListAwaiting returns AwaitingConfirmation tasks with NextPollAt <= now.
	ListAwaiting(ctx context.Context, now time.Time, limit int) ([]*model.Task, error)
	FindByHandle(ctx context.Context, destination model.DestinationType, handle string) (*model.Task, error)
	MarkRequestCancelled(ctx context.Context, id string, at time.Time) error
}

// IUploadSession persists chunked transfer progress.
type IUploadSession interface {
	Create(ctx context.Context, session *model.AssetUploadSession) error
	// FindOpen returns the open session of an object key on a backend.
	FindOpen(ctx context.Context, backend, objectKey string) (*model.AssetUploadSession, error)
	// AddPart records one acknowledged part durably.
	AddPart(ctx context.Context, sessionID string, part model.PartDescriptor) error
	SetStatus(ctx context.Context, sessionID string, status model.UploadSessionStatus) error
	// ListStale returns open sessions last touched before cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]*model.AssetUploadSession, error)
}

// ITaskNotifier receives every task transition.
type ITaskNotifier interface {
	NotifyTask(ctx context.Context, event TaskEvent) error
}

// TaskEvent is a single task transition.
type TaskEvent struct {
	OwnerID   string           `json:"owner_id"`
	RequestID string           `json:"request_id"`
	TaskID    string           `json:"task_id"`
	AccountID string           `json:"account_id"`
	From      model.TaskState  `json:"from"`
	To        model.TaskState  `json:"to"`
	Error     *model.TaskError `json:"error,omitempty"`
	At        time.Time        `json:"at"`
}
