package transfer

import (
	"context"
	"errors"

	"crosspost/domain/apperror"
	"crosspost/domain/model"
	"crosspost/domain/repository"

	"github.com/go-resty/resty/v2"
)

// Stager brings the media of a publish request into the internal object
// store. Media already in the store is looked up, URL media is copied
// through the engine so an interrupted copy resumes.
type Stager struct {
	engine *Engine
	blobs  repository.IObjectReader
	http   *resty.Client
}

func NewStager(engine *Engine, blobs repository.IObjectReader, client *resty.Client) *Stager {
	if client == nil {
		client = resty.New()
	}
	return &Stager{engine: engine, blobs: blobs, http: client}
}

// Stage returns the object reference of media, copying it under objectKey
// when it is given as a URL.
func (s *Stager) Stage(ctx context.Context, objectKey string, media model.MediaRef) (*model.ObjectRef, error) {
	if media.ObjectKey != "" {
		body, ref, err := s.blobs.Open(ctx, media.ObjectKey)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, apperror.New(apperror.KindContentRejected, "media_missing", "media object "+media.ObjectKey+" does not exist")
			}
			return nil, apperror.Wrap(err, apperror.KindTransientNetwork, "media_lookup")
		}
		_ = body.Close()
		if ref.ContentType == "" {
			ref.ContentType = media.ContentType
		}
		return ref, nil
	}
	if media.URL == "" {
		return nil, apperror.New(apperror.KindContentRejected, "media_empty", "media item has neither object key nor url")
	}
	src, err := OpenHTTPSource(ctx, s.http, media.URL)
	if err != nil {
		return nil, err
	}
	contentType := media.ContentType
	if contentType == "" {
		contentType = src.ContentType()
	}
	return s.engine.Upload(ctx, UploadRequest{
		ObjectKey:   objectKey,
		Source:      src,
		TotalSize:   src.Size(),
		ContentType: contentType,
	})
}
