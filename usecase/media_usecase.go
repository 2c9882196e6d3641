package usecase

import (
	"context"
	"fmt"
	"io"
	"strings"

	"crosspost/domain/dto"
	"crosspost/domain/model"
	"crosspost/infrastructure/logger"
	"crosspost/infrastructure/transfer"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const defaultMaxMediaBytes int64 = 4 << 30

// IObjectUploader moves a sized source into the internal object store.
type IObjectUploader interface {
	Upload(ctx context.Context, req transfer.UploadRequest) (*model.ObjectRef, error)
}

type IMediaUsecase interface {
	Ingest(ctx context.Context, ownerID string, src io.ReaderAt, size int64) (*dto.MediaUploadResponse, error)
}

type mediaUsecase struct {
	uploader IObjectUploader
	maxBytes int64
}

func NewMediaUsecase(uploader IObjectUploader, maxBytes int64) IMediaUsecase {
	if maxBytes <= 0 {
		maxBytes = defaultMaxMediaBytes
	}
	return &mediaUsecase{uploader: uploader, maxBytes: maxBytes}
}

// Ingest sniffs the media type from the leading bytes and stores the media
// under a fresh key owned by ownerID. Only images and videos are accepted.
func (u *mediaUsecase) Ingest(ctx context.Context, ownerID string, src io.ReaderAt, size int64) (*dto.MediaUploadResponse, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidRequest)
	}
	if size > u.maxBytes {
		return nil, fmt.Errorf("%w: file exceeds max size of %d bytes", ErrInvalidRequest, u.maxBytes)
	}
	mt, err := mimetype.DetectReader(io.NewSectionReader(src, 0, size))
	if err != nil {
		return nil, fmt.Errorf("detect media type: %w", err)
	}
	contentType := mt.String()
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	if !strings.HasPrefix(contentType, "image/") && !strings.HasPrefix(contentType, "video/") {
		return nil, fmt.Errorf("%w: unsupported media type %s", ErrInvalidRequest, contentType)
	}

	key := fmt.Sprintf("media/%s/%s%s", ownerID, uuid.NewString(), mt.Extension())
	ref, err := u.uploader.Upload(ctx, transfer.UploadRequest{
		ObjectKey:   key,
		Source:      src,
		TotalSize:   size,
		ContentType: contentType,
	})
	if err != nil {
		return nil, err
	}
	logger.GetLogger().WithFields(logrus.Fields{
		"owner_id":     ownerID,
		"object_key":   ref.Key,
		"content_type": contentType,
		"size":         ref.Size,
	}).Info("media ingested")
	return &dto.MediaUploadResponse{ObjectKey: ref.Key, ContentType: contentType, Size: ref.Size}, nil
}
