package model

// ContainerOrdering describes whether a destination needs its staging
// container before or after the assets are uploaded.
type ContainerOrdering string

const (
	ContainerFirst ContainerOrdering = "container_first"
	ContentFirst   ContainerOrdering = "content_first"
)

// Capabilities are the static, adapter declared properties of a destination.
type Capabilities struct {
	SupportsRefresh bool
	Ordering        ContainerOrdering
	AsyncFinalize   bool
	Kinds           []ContentKind
	ChunkSize       int64
}

// Accepts reports whether the destination can publish the content kind.
func (c Capabilities) Accepts(kind ContentKind) bool {
	for _, k := range c.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Container is the destination side staging object of one task.
type Container struct {
	ID          string
	Content     PublishContent
	Attachments []string
}

// Asset is one staged media item handed to an adapter for attachment.
type Asset struct {
	Index int
	Ref   ObjectRef
}

// FinalizeResult carries either a concrete content id or a pending handle.
type FinalizeResult struct {
	ExternalContentID string
	PendingHandle     string
}

// Pending reports whether completion is confirmed asynchronously.
func (r *FinalizeResult) Pending() bool {
	return r.ExternalContentID == "" && r.PendingHandle != ""
}

// StatusOutcome is the normalized answer of a status query or callback.
type StatusOutcome string

const (
	StatusStillPending StatusOutcome = "pending"
	StatusPublished    StatusOutcome = "published"
	StatusFailed       StatusOutcome = "failed"
)

// StatusResult is the normalized status of a pending handle.
type StatusResult struct {
	Outcome           StatusOutcome
	ExternalContentID string
	ErrorKind         string
	ErrorDetail       string
}

// Terminal reports whether the result resolves the handle.
func (r *StatusResult) Terminal() bool {
	return r.Outcome == StatusPublished || r.Outcome == StatusFailed
}

// StatusEvent is a normalized inbound webhook notification.
type StatusEvent struct {
	Handle string
	Result StatusResult
}
