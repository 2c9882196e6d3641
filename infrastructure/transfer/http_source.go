package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"crosspost/domain/apperror"

	"github.com/go-resty/resty/v2"
)

// RangeOpener streams a whole byte span in one request. The engine prefers
// it over ReadAt when a source implements it.
type RangeOpener interface {
	OpenRange(ctx context.Context, off, n int64) (io.ReadCloser, error)
}

// HTTPSource reads a remote object through Range requests so it can be fed
// to the engine as an io.ReaderAt.
type HTTPSource struct {
	ctx         context.Context
	client      *resty.Client
	url         string
	size        int64
	contentType string
}

// OpenHTTPSource probes the remote object with HEAD for its size and type.
func OpenHTTPSource(ctx context.Context, client *resty.Client, url string) (*HTTPSource, error) {
	if client == nil {
		client = resty.New()
	}
	resp, err := client.R().SetContext(ctx).Head(url)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindTransientNetwork, "source_head")
	}
	if resp.IsError() {
		return nil, apperror.FromHTTPStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), "media source: "+resp.Status())
	}
	size, err := strconv.ParseInt(resp.Header().Get("Content-Length"), 10, 64)
	if err != nil || size < 0 {
		return nil, apperror.New(apperror.KindContentRejected, "source_size_unknown", "media source did not report a content length")
	}
	return &HTTPSource{
		ctx:         ctx,
		client:      client,
		url:         url,
		size:        size,
		contentType: resp.Header().Get("Content-Type"),
	}, nil
}

func (s *HTTPSource) Size() int64         { return s.size }
func (s *HTTPSource) ContentType() string { return s.contentType }

func errRangeUnsupported() error {
	return apperror.New(apperror.KindContentRejected, "source_range_unsupported", "media source does not support range requests")
}

// OpenRange issues one GET for [off, off+n) and returns the body limited to
// exactly n bytes. An origin that answers a partial range with the full
// object is rejected rather than read past the offset.
func (s *HTTPSource) OpenRange(ctx context.Context, off, n int64) (io.ReadCloser, error) {
	if off < 0 || n <= 0 || off+n > s.size {
		return nil, fmt.Errorf("range %d+%d outside source of %d bytes", off, n, s.size)
	}
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Range", fmt.Sprintf("bytes=%d-%d", off, off+n-1)).
		SetDoNotParseResponse(true).
		Get(s.url)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindTransientNetwork, "source_range")
	}
	body := resp.RawBody()
	switch resp.StatusCode() {
	case http.StatusPartialContent:
	case http.StatusOK:
		if off != 0 || n != s.size {
			_ = body.Close()
			return nil, errRangeUnsupported()
		}
	default:
		_ = body.Close()
		return nil, apperror.FromHTTPStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), "media source: "+resp.Status())
	}
	return &spanBody{body: body, left: n}, nil
}

// spanBody yields exactly left bytes and reports a body that ends early as a
// transient read failure.
type spanBody struct {
	body io.ReadCloser
	left int64
}

func (b *spanBody) Read(p []byte) (int, error) {
	if b.left <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.left {
		p = p[:b.left]
	}
	n, err := b.body.Read(p)
	b.left -= int64(n)
	if b.left <= 0 {
		return n, io.EOF
	}
	if err == io.EOF {
		return n, apperror.New(apperror.KindTransientNetwork, "source_short_read", "media source ended early")
	}
	if err != nil {
		return n, apperror.Wrap(err, apperror.KindTransientNetwork, "source_short_read")
	}
	return n, nil
}

func (b *spanBody) Close() error { return b.body.Close() }

// ReadAt fetches [off, off+len(p)) with a single Range request.
func (s *HTTPSource) ReadAt(p []byte, off int64) (int, error) {
	if off >= s.size {
		return 0, io.EOF
	}
	end := off + int64(len(p)) - 1
	if end >= s.size {
		end = s.size - 1
	}
	resp, err := s.client.R().
		SetContext(s.ctx).
		SetHeader("Range", fmt.Sprintf("bytes=%d-%d", off, end)).
		SetDoNotParseResponse(true).
		Get(s.url)
	if err != nil {
		return 0, apperror.Wrap(err, apperror.KindTransientNetwork, "source_range")
	}
	body := resp.RawBody()
	defer body.Close()
	switch resp.StatusCode() {
	case http.StatusPartialContent:
	case http.StatusOK:
		if off > 0 {
			return 0, errRangeUnsupported()
		}
	default:
		return 0, apperror.FromHTTPStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), "media source: "+resp.Status())
	}
	want := int(end - off + 1)
	n, err := io.ReadFull(body, p[:want])
	if err != nil {
		return n, apperror.Wrap(err, apperror.KindTransientNetwork, "source_short_read")
	}
	if want < len(p) {
		return n, io.EOF
	}
	return n, nil
}
