package model

import "time"

// ContentKind is the shape of the content being published.
type ContentKind string

const (
	ContentVideo    ContentKind = "video"
	ContentImageSet ContentKind = "image_set"
	ContentText     ContentKind = "text"
)

// Valid reports whether k is a known content kind.
func (k ContentKind) Valid() bool {
	switch k {
	case ContentVideo, ContentImageSet, ContentText:
		return true
	}
	return false
}

// MediaRef references one media item of a publish request. Either ObjectKey
// (already in the internal object store) or URL is set.
type MediaRef struct {
	ObjectKey   string `json:"object_key,omitempty"`
	URL         string `json:"url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

// PublishContent is the destination independent content of a request.
type PublishContent struct {
	Kind  ContentKind `json:"kind"`
	Media []MediaRef  `json:"media"`
	Title string      `json:"title"`
	Body  string      `json:"body"`
	Tags  []string    `json:"tags"`
}

// PublishRequest is one accepted submission. It is immutable apart from the
// cancellation marker.
type PublishRequest struct {
	ID               string         `json:"id"`
	OwnerID          string         `json:"owner_id"`
	Content          PublishContent `json:"content"`
	TargetAccountIDs []string       `json:"target_account_ids"`
	ScheduledAt      *time.Time     `json:"scheduled_at,omitempty"`
	CancelledAt      *time.Time     `json:"cancelled_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Due reports whether the request may start at now.
func (r *PublishRequest) Due(now time.Time) bool {
	return r.ScheduledAt == nil || !r.ScheduledAt.After(now)
}
