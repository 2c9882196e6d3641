package tiktok

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"crosspost/domain/apperror"
	"crosspost/domain/model"
	"crosspost/domain/repository"

	"github.com/go-resty/resty/v2"
)

// uploadStore speaks the object store wire contract against a TikTok
// upload URL: the URL is the session, chunks are PUT with Content-Range and
// the last chunk completes the upload server side.
type uploadStore struct {
	http        *resty.Client
	uploadURL   string
	total       int64
	chunk       int64
	contentType string
}

func (s *uploadStore) Name() string { return "tiktok" }

func (s *uploadStore) Initiate(context.Context, string, string, int64) (string, error) {
	return s.uploadURL, nil
}

func (s *uploadStore) UploadPart(ctx context.Context, sessionID string, partNumber int, body io.Reader, size int64) (string, error) {
	offset := int64(partNumber-1) * s.chunk
	if err := s.put(ctx, sessionID, offset, body, size); err != nil {
		return "", err
	}
	return strconv.Itoa(partNumber), nil
}

// Complete checks that the acknowledged chunks cover the video; TikTok
// assembles the upload itself once the last chunk lands.
func (s *uploadStore) Complete(_ context.Context, _ string, parts []model.PartDescriptor) (*model.ObjectRef, error) {
	if err := model.ValidateCompleteParts(parts); err != nil {
		return nil, apperror.Wrap(err, apperror.KindInternal, "invalid_part_list")
	}
	var covered int64
	for _, p := range parts {
		if p.Tag != strconv.Itoa(p.Number) {
			return nil, apperror.New(apperror.KindInternal, "unknown_part_tag", fmt.Sprintf("part %d has unknown tag %q", p.Number, p.Tag))
		}
		covered += p.Size
	}
	if covered != s.total {
		return nil, apperror.New(apperror.KindTransferIncomplete, "short_upload", fmt.Sprintf("uploaded %d of %d bytes", covered, s.total))
	}
	return &model.ObjectRef{Key: s.uploadURL, Size: s.total, ContentType: s.contentType}, nil
}

// Abort is a no-op; unused upload URLs expire on their own.
func (s *uploadStore) Abort(context.Context, string) error { return nil }

func (s *uploadStore) PutObject(ctx context.Context, objectKey, contentType string, body io.Reader, size int64) (*model.ObjectRef, error) {
	if err := s.put(ctx, s.uploadURL, 0, body, size); err != nil {
		return nil, err
	}
	return &model.ObjectRef{Key: objectKey, Size: size, ContentType: contentType}, nil
}

func (s *uploadStore) put(ctx context.Context, uploadURL string, offset int64, body io.Reader, size int64) error {
	if size <= 0 {
		return apperror.New(apperror.KindContentRejected, "empty_video", "tiktok rejects empty uploads")
	}
	buf, err := io.ReadAll(io.LimitReader(body, size))
	if err != nil {
		return err
	}
	if int64(len(buf)) != size {
		return fmt.Errorf("short read: %d of %d bytes", len(buf), size)
	}
	resp, err := s.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", s.contentType).
		SetHeader("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+size-1, s.total)).
		SetBody(buf).
		Put(uploadURL)
	if err != nil {
		return networkError(err)
	}
	switch resp.StatusCode() {
	case http.StatusOK, http.StatusCreated, http.StatusPartialContent:
		return nil
	}
	return apperror.FromHTTPStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), resp.String())
}

var _ repository.IObjectStore = (*uploadStore)(nil)
