package repository

import (
	"context"
	"io"
	"net/http"
	"time"

	"crosspost/domain/model"
)

// IDestination is the capability contract every destination adapter
// implements. Errors are *apperror.Error values.
type IDestination interface {
	Type() model.DestinationType
	Capabilities() model.Capabilities

	BuildAuthorizationURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*model.Grant, error)
	Refresh(ctx context.Context, refreshToken string) (*model.Token, error)

	CreateContainer(ctx context.Context, token *model.Token, content model.PublishContent) (string, error)
	AttachAsset(ctx context.Context, token *model.Token, container model.Container, asset model.Asset) (string, error)
	Finalize(ctx context.Context, token *model.Token, container model.Container) (*model.FinalizeResult, error)
	QueryStatus(ctx context.Context, token *model.Token, handle string) (*model.StatusResult, error)
}

// IWebhookReceiver is implemented by adapters whose destination pushes
// status callbacks.
type IWebhookReceiver interface {
	ParseWebhook(header http.Header, body []byte) ([]model.StatusEvent, error)
}

// IObjectStore is the chunked upload wire contract shared by the internal
// store and destination side upload endpoints.
type IObjectStore interface {
	Name() string
	Initiate(ctx context.Context, objectKey, contentType string, totalSize int64) (string, error)
	UploadPart(ctx context.Context, sessionID string, partNumber int, body io.Reader, size int64) (string, error)
	// Complete rejects gaps, out of order or duplicate part numbers and
	// unknown tags.
	Complete(ctx context.Context, sessionID string, parts []model.PartDescriptor) (*model.ObjectRef, error)
	Abort(ctx context.Context, sessionID string) error
	PutObject(ctx context.Context, objectKey, contentType string, body io.Reader, size int64) (*model.ObjectRef, error)
}

// IObjectReader reads committed objects back.
type IObjectReader interface {
	Open(ctx context.Context, objectKey string) (io.ReadCloser, *model.ObjectRef, error)
	PresignGet(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
}

// IBlobStore is the internal object store.
type IBlobStore interface {
	IObjectStore
	IObjectReader
}

// IDestinationRegistry resolves the compiled-in adapter of a destination.
// Disabled or unknown destinations are absent.
type IDestinationRegistry interface {
	Get(destination model.DestinationType) (IDestination, bool)
	Webhook(destination model.DestinationType) (IWebhookReceiver, bool)
	// Wait blocks until the destination's rate limiter admits one call.
	Wait(ctx context.Context, destination model.DestinationType) error
}
