package usecase

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"crosspost/domain/model"
	"crosspost/infrastructure/transfer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingUploader struct {
	reqs []transfer.UploadRequest
}

func (r *recordingUploader) Upload(_ context.Context, req transfer.UploadRequest) (*model.ObjectRef, error) {
	r.reqs = append(r.reqs, req)
	return &model.ObjectRef{Key: req.ObjectKey, Size: req.TotalSize, ContentType: req.ContentType}, nil
}

// pngHeader is enough of a PNG for type detection.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

func TestMediaIngest_StoresImagesUnderOwner(t *testing.T) {
	up := &recordingUploader{}
	uc := NewMediaUsecase(up, 0)

	res, err := uc.Ingest(context.Background(), "u1", bytes.NewReader(pngHeader), int64(len(pngHeader)))
	require.NoError(t, err)

	assert.Equal(t, "image/png", res.ContentType)
	assert.True(t, strings.HasPrefix(res.ObjectKey, "media/u1/"))
	assert.True(t, strings.HasSuffix(res.ObjectKey, ".png"))
	assert.EqualValues(t, len(pngHeader), res.Size)
	require.Len(t, up.reqs, 1)
	assert.Equal(t, res.ObjectKey, up.reqs[0].ObjectKey)
}

func TestMediaIngest_Rejects(t *testing.T) {
	text := []byte("just some words, not media")
	cases := map[string]struct {
		data []byte
		size int64
		max  int64
	}{
		"empty":        {nil, 0, 0},
		"too large":    {pngHeader, int64(len(pngHeader)), 8},
		"not an image": {text, int64(len(text)), 0},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			up := &recordingUploader{}
			_, err := NewMediaUsecase(up, tc.max).Ingest(context.Background(), "u1", bytes.NewReader(tc.data), tc.size)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Empty(t, up.reqs)
		})
	}
}
