package dto

import (
	"time"

	"crosspost/domain/apperror"
	"crosspost/domain/model"
	"crosspost/domain/repository"
)

// MediaRequest references one media item by internal object key or by URL.
type MediaRequest struct {
	ObjectKey   string `json:"object_key,omitempty"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// PublishContentRequest is the destination independent content.
type PublishContentRequest struct {
	Kind  string         `json:"kind" binding:"required"`
	Media []MediaRequest `json:"media"`
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Tags  []string       `json:"tags"`
}

// PublishRequest represents a publish submission
type PublishRequest struct {
	Content          PublishContentRequest `json:"content" binding:"required"`
	TargetAccountIDs []string              `json:"target_account_ids" binding:"required"`
	ScheduledAt      *time.Time            `json:"scheduled_at,omitempty"`
}

// ToModel converts the request into the domain content.
func (r PublishContentRequest) ToModel() model.PublishContent {
	media := make([]model.MediaRef, 0, len(r.Media))
	for _, m := range r.Media {
		media = append(media, model.MediaRef{ObjectKey: m.ObjectKey, URL: m.URL, ContentType: m.ContentType, Size: m.Size})
	}
	return model.PublishContent{
		Kind:  model.ContentKind(r.Kind),
		Media: media,
		Title: r.Title,
		Body:  r.Body,
		Tags:  r.Tags,
	}
}

// PublishAcceptedResponse is returned once the request and its tasks are
// durably recorded.
type PublishAcceptedResponse struct {
	RequestID string   `json:"request_id"`
	TaskIDs   []string `json:"task_ids"`
}

// TaskStatusResponse is the user facing view of one task.
type TaskStatusResponse struct {
	TaskID            string    `json:"task_id"`
	AccountID         string    `json:"account_id"`
	Destination       string    `json:"destination"`
	State             string    `json:"state"`
	ExternalContentID string    `json:"external_content_id,omitempty"`
	ErrorKind         string    `json:"error_kind,omitempty"`
	ErrorCode         string    `json:"error_code,omitempty"`
	Message           string    `json:"message,omitempty"`
	FailedItem        *int      `json:"failed_item,omitempty"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewTaskStatusResponse renders a task for end users.
func NewTaskStatusResponse(t *model.Task) TaskStatusResponse {
	res := TaskStatusResponse{
		TaskID:      t.ID,
		AccountID:   t.AccountID,
		Destination: string(t.Destination),
		State:       string(t.State),
		UpdatedAt:   t.UpdatedAt,
	}
	if t.ExternalContentID != nil {
		res.ExternalContentID = *t.ExternalContentID
	}
	if t.LastError != nil && (t.State == model.TaskFailed || t.State == model.TaskCancelled) {
		res.ErrorKind = t.LastError.Kind
		res.ErrorCode = t.LastError.Code
		res.Message = apperror.UserMessage(apperror.Kind(t.LastError.Kind), t.LastError.Code, t.LastError.Message)
		res.FailedItem = t.LastError.Item
	}
	return res
}

// AccountResponse is a linked account without any credential material.
type AccountResponse struct {
	ID             string    `json:"id"`
	Destination    string    `json:"destination"`
	ExternalUserID string    `json:"external_user_id"`
	DisplayName    string    `json:"display_name"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

func NewAccountResponse(a *model.Account) AccountResponse {
	return AccountResponse{
		ID:             a.ID,
		Destination:    string(a.Destination),
		ExternalUserID: a.ExternalUserID,
		DisplayName:    a.DisplayName,
		Status:         string(a.Status),
		CreatedAt:      a.CreatedAt,
	}
}

// AuthorizationResponse carries the consent URL of a destination.
type AuthorizationResponse struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// MediaUploadResponse describes a media item stored in the object store.
type MediaUploadResponse struct {
	ObjectKey   string `json:"object_key"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// TaskEventMessage is the payload pushed to event subscribers and brokers.
type TaskEventMessage struct {
	Type        string    `json:"type"`
	OwnerID     string    `json:"owner_id"`
	RequestID   string    `json:"request_id"`
	TaskID      string    `json:"task_id"`
	AccountID   string    `json:"account_id"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	ErrorCode   string    `json:"error_code,omitempty"`
	UserMessage string    `json:"message,omitempty"`
	At          time.Time `json:"at"`
}

func NewTaskEventMessage(ev repository.TaskEvent) TaskEventMessage {
	msg := TaskEventMessage{
		Type:      "task_status",
		OwnerID:   ev.OwnerID,
		RequestID: ev.RequestID,
		TaskID:    ev.TaskID,
		AccountID: ev.AccountID,
		From:      string(ev.From),
		To:        string(ev.To),
		At:        ev.At,
	}
	if ev.Error != nil {
		msg.ErrorKind = ev.Error.Kind
		msg.ErrorCode = ev.Error.Code
		msg.UserMessage = apperror.UserMessage(apperror.Kind(ev.Error.Kind), ev.Error.Code, ev.Error.Message)
	}
	return msg
}
