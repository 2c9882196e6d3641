package tiktok

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"crosspost/domain/apperror"
	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/logger"
	"crosspost/infrastructure/transfer"

	"github.com/go-resty/resty/v2"
	"github.com/google/go-querystring/query"
)

const (
	defaultAPIBaseURL = "https://open.tiktokapis.com"
	defaultAuthURL    = "https://www.tiktok.com/v2/auth/authorize/"
	// TikTok accepts chunks of 5 MB to 64 MB; the final chunk absorbs the
	// remainder.
	defaultChunkSize int64 = 10 << 20
	minChunkSize     int64 = 5 << 20
)

var defaultScopes = []string{"user.info.basic", "video.publish", "video.upload"}

// Config represents the TikTok app configuration.
type Config struct {
	ClientKey     string
	ClientSecret  string
	RedirectURI   string
	Scopes        []string
	APIBaseURL    string
	AuthURL       string
	ChunkSize     int64
	PrivacyLevel  string
	WebhookSecret string
	// WebhookTolerance bounds the age of a signed webhook timestamp.
	WebhookTolerance time.Duration
}

// Client publishes videos through the TikTok Content Posting API.
type Client struct {
	conf   Config
	http   *resty.Client
	blobs  repository.IObjectReader
	engine *transfer.Engine
	now    func() time.Time
}

func NewTikTokClient(conf Config, blobs repository.IObjectReader, engine *transfer.Engine) *Client {
	if conf.APIBaseURL == "" {
		conf.APIBaseURL = defaultAPIBaseURL
	}
	if conf.AuthURL == "" {
		conf.AuthURL = defaultAuthURL
	}
	if conf.ChunkSize <= 0 {
		conf.ChunkSize = defaultChunkSize
	}
	if len(conf.Scopes) == 0 {
		conf.Scopes = defaultScopes
	}
	if conf.PrivacyLevel == "" {
		conf.PrivacyLevel = "PUBLIC_TO_EVERYONE"
	}
	if conf.WebhookSecret == "" {
		conf.WebhookSecret = conf.ClientSecret
	}
	if conf.WebhookTolerance <= 0 {
		conf.WebhookTolerance = 5 * time.Minute
	}
	return &Client{
		conf: conf,
		http: resty.New().
			SetBaseURL(strings.TrimRight(conf.APIBaseURL, "/")).
			SetTimeout(60 * time.Second),
		blobs:  blobs,
		engine: engine,
		now:    time.Now,
	}
}

func (c *Client) Type() model.DestinationType { return model.DestinationTikTok }

func (c *Client) Capabilities() model.Capabilities {
	return model.Capabilities{
		SupportsRefresh: true,
		Ordering:        model.ContainerFirst,
		AsyncFinalize:   true,
		Kinds:           []model.ContentKind{model.ContentVideo},
		ChunkSize:       c.conf.ChunkSize,
	}
}

type authorizeQuery struct {
	ClientKey    string `url:"client_key"`
	ResponseType string `url:"response_type"`
	Scope        string `url:"scope"`
	RedirectURI  string `url:"redirect_uri"`
	State        string `url:"state"`
}

func (c *Client) BuildAuthorizationURL(state string) string {
	v, _ := query.Values(authorizeQuery{
		ClientKey:    c.conf.ClientKey,
		ResponseType: "code",
		Scope:        strings.Join(c.conf.Scopes, ","),
		RedirectURI:  c.conf.RedirectURI,
		State:        state,
	})
	return c.conf.AuthURL + "?" + v.Encode()
}

type tokenForm struct {
	ClientKey    string `url:"client_key"`
	ClientSecret string `url:"client_secret"`
	GrantType    string `url:"grant_type"`
	Code         string `url:"code,omitempty"`
	RedirectURI  string `url:"redirect_uri,omitempty"`
	RefreshToken string `url:"refresh_token,omitempty"`
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	OpenID           string `json:"open_id"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
	Scope            string `json:"scope"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *Client) ExchangeCode(ctx context.Context, code string) (*model.Grant, error) {
	tok, err := c.token(ctx, tokenForm{
		ClientKey:    c.conf.ClientKey,
		ClientSecret: c.conf.ClientSecret,
		GrantType:    "authorization_code",
		Code:         code,
		RedirectURI:  c.conf.RedirectURI,
	})
	if err != nil {
		return nil, err
	}
	grant := &model.Grant{Token: *c.toToken(tok), ExternalUserID: tok.OpenID}

	var info struct {
		Data struct {
			User struct {
				OpenID      string `json:"open_id"`
				DisplayName string `json:"display_name"`
			} `json:"user"`
		} `json:"data"`
		Error apiError `json:"error"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(tok.AccessToken).
		SetQueryParam("fields", "open_id,display_name").
		SetResult(&info).
		SetError(&info).
		Get("/v2/user/info/")
	if err := checkResponse(resp, err, &info.Error); err != nil {
		// The profile is cosmetic; the open id from the token is authoritative.
		logger.GetLogger().WithField("error", err).Warn("tiktok user info unavailable")
		return grant, nil
	}
	grant.DisplayName = info.Data.User.DisplayName
	return grant, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*model.Token, error) {
	tok, err := c.token(ctx, tokenForm{
		ClientKey:    c.conf.ClientKey,
		ClientSecret: c.conf.ClientSecret,
		GrantType:    "refresh_token",
		RefreshToken: refreshToken,
	})
	if err != nil {
		return nil, err
	}
	return c.toToken(tok), nil
}

func (c *Client) token(ctx context.Context, form tokenForm) (*tokenResponse, error) {
	v, err := query.Values(form)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindInternal, "encode_form")
	}
	var out tokenResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormDataFromValues(v).
		SetResult(&out).
		SetError(&out).
		Post("/v2/oauth/token/")
	if err != nil {
		return nil, networkError(err)
	}
	if out.Error != "" {
		switch out.Error {
		case "invalid_grant", "invalid_client", "access_denied", "unauthorized_client":
			return nil, apperror.New(apperror.KindAuthExpired, out.Error, out.ErrorDescription)
		}
		if resp.IsError() {
			return nil, apperror.FromHTTPStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), out.ErrorDescription)
		}
		return nil, apperror.New(apperror.KindTransientNetwork, out.Error, out.ErrorDescription)
	}
	if resp.IsError() {
		return nil, apperror.FromHTTPStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), resp.String())
	}
	return &out, nil
}

func (c *Client) toToken(t *tokenResponse) *model.Token {
	out := &model.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Scopes:       strings.Split(t.Scope, ","),
	}
	if t.ExpiresIn > 0 {
		exp := c.now().Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
		out.ExpiresAt = &exp
	}
	return out
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	LogID   string `json:"log_id"`
}

type initRequest struct {
	PostInfo   postInfo   `json:"post_info"`
	SourceInfo sourceInfo `json:"source_info"`
}

type postInfo struct {
	Title        string `json:"title,omitempty"`
	PrivacyLevel string `json:"privacy_level"`
}

type sourceInfo struct {
	Source          string `json:"source"`
	VideoSize       int64  `json:"video_size"`
	ChunkSize       int64  `json:"chunk_size"`
	TotalChunkCount int    `json:"total_chunk_count"`
}

// container is what the persisted container id carries.
type container struct {
	PublishID string
	UploadURL string
	ChunkSize int64
}

func (ct container) encode() string {
	return url.Values{
		"publish_id": {ct.PublishID},
		"upload_url": {ct.UploadURL},
		"chunk_size": {strconv.FormatInt(ct.ChunkSize, 10)},
	}.Encode()
}

func decodeContainer(id string) (container, error) {
	v, err := url.ParseQuery(id)
	if err != nil {
		return container{}, err
	}
	chunk, err := strconv.ParseInt(v.Get("chunk_size"), 10, 64)
	if err != nil {
		return container{}, fmt.Errorf("container chunk size: %w", err)
	}
	ct := container{PublishID: v.Get("publish_id"), UploadURL: v.Get("upload_url"), ChunkSize: chunk}
	if ct.PublishID == "" || ct.UploadURL == "" {
		return container{}, errors.New("container id is incomplete")
	}
	return ct, nil
}

// chunkPlan picks the chunk size TikTok expects for a video of total bytes.
// Videos below the minimum chunk size go up in a single chunk.
func (c *Client) chunkPlan(total int64) (int64, int) {
	chunk := c.conf.ChunkSize
	if total <= chunk || total < minChunkSize {
		chunk = total
	}
	return chunk, transfer.PartCount(total, chunk, true)
}

// CreateContainer initializes a FILE_UPLOAD post. The staged video size
// must be known.
func (c *Client) CreateContainer(ctx context.Context, token *model.Token, content model.PublishContent) (string, error) {
	if len(content.Media) != 1 || content.Media[0].Size <= 0 {
		return "", apperror.New(apperror.KindContentRejected, "video_required", "tiktok posts need exactly one video")
	}
	size := content.Media[0].Size
	chunk, count := c.chunkPlan(size)
	title := content.Title
	if title == "" {
		title = content.Body
	}
	var res struct {
		Data struct {
			PublishID string `json:"publish_id"`
			UploadURL string `json:"upload_url"`
		} `json:"data"`
		Error apiError `json:"error"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token.AccessToken).
		SetHeader("Content-Type", "application/json; charset=UTF-8").
		SetBody(initRequest{
			PostInfo: postInfo{Title: title, PrivacyLevel: c.conf.PrivacyLevel},
			SourceInfo: sourceInfo{
				Source:          "FILE_UPLOAD",
				VideoSize:       size,
				ChunkSize:       chunk,
				TotalChunkCount: count,
			},
		}).
		SetResult(&res).
		SetError(&res).
		Post("/v2/post/publish/video/init/")
	if err := checkResponse(resp, err, &res.Error); err != nil {
		return "", err
	}
	return container{PublishID: res.Data.PublishID, UploadURL: res.Data.UploadURL, ChunkSize: chunk}.encode(), nil
}

// AttachAsset streams the staged video to the upload URL of the container
// through the transfer engine, one chunk at a time.
func (c *Client) AttachAsset(ctx context.Context, token *model.Token, ctn model.Container, asset model.Asset) (string, error) {
	ct, err := decodeContainer(ctn.ID)
	if err != nil {
		return "", apperror.Wrap(err, apperror.KindInternal, "bad_container")
	}
	body, ref, err := c.blobs.Open(ctx, asset.Ref.Key)
	if err != nil {
		return "", apperror.Wrap(err, apperror.KindTransferIncomplete, "staged_object_unavailable")
	}
	src, release, err := readerAt(body)
	if err != nil {
		return "", apperror.Wrap(err, apperror.KindTransferIncomplete, "staging_failed")
	}
	defer release()

	contentType := asset.Ref.ContentType
	if contentType == "" {
		contentType = "video/mp4"
	}
	store := &uploadStore{
		http:        c.http,
		uploadURL:   ct.UploadURL,
		total:       ref.Size,
		chunk:       ct.ChunkSize,
		contentType: contentType,
	}
	if _, err := c.engine.UploadTo(ctx, store, transfer.UploadRequest{
		ObjectKey:   "tiktok/" + ct.PublishID,
		Source:      src,
		TotalSize:   ref.Size,
		ChunkSize:   ct.ChunkSize,
		ContentType: contentType,
		Concurrency: 1,
		MergeTail:   true,
	}); err != nil {
		return "", err
	}
	return ct.PublishID, nil
}

// Finalize returns the publish id; TikTok publishes once processing ends.
func (c *Client) Finalize(_ context.Context, _ *model.Token, ctn model.Container) (*model.FinalizeResult, error) {
	ct, err := decodeContainer(ctn.ID)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindInternal, "bad_container")
	}
	return &model.FinalizeResult{PendingHandle: ct.PublishID}, nil
}

func (c *Client) QueryStatus(ctx context.Context, token *model.Token, handle string) (*model.StatusResult, error) {
	var res struct {
		Data struct {
			Status     string  `json:"status"`
			FailReason string  `json:"fail_reason"`
			PostIDs    []int64 `json:"publicaly_available_post_id"`
		} `json:"data"`
		Error apiError `json:"error"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token.AccessToken).
		SetHeader("Content-Type", "application/json; charset=UTF-8").
		SetBody(map[string]string{"publish_id": handle}).
		SetResult(&res).
		SetError(&res).
		Post("/v2/post/publish/status/fetch/")
	if err := checkResponse(resp, err, &res.Error); err != nil {
		return nil, err
	}
	switch res.Data.Status {
	case "PUBLISH_COMPLETE", "SEND_TO_USER_INBOX":
		contentID := handle
		if len(res.Data.PostIDs) > 0 {
			contentID = strconv.FormatInt(res.Data.PostIDs[0], 10)
		}
		return &model.StatusResult{Outcome: model.StatusPublished, ExternalContentID: contentID}, nil
	case "FAILED":
		return &model.StatusResult{Outcome: model.StatusFailed, ErrorKind: string(apperror.KindContentRejected), ErrorDetail: res.Data.FailReason}, nil
	}
	return &model.StatusResult{Outcome: model.StatusStillPending}, nil
}

// checkResponse maps TikTok API envelopes onto the error taxonomy.
func checkResponse(resp *resty.Response, err error, apiErr *apiError) error {
	if err != nil {
		return networkError(err)
	}
	code := apiErr.Code
	if !resp.IsError() && (code == "" || code == "ok") {
		return nil
	}
	switch code {
	case "access_token_invalid", "scope_not_authorized", "scope_permission_missed":
		return apperror.New(apperror.KindAuthExpired, code, apiErr.Message)
	case "rate_limit_exceeded":
		return &apperror.Error{Kind: apperror.KindRateLimited, Code: code, Message: apiErr.Message,
			RetryAfter: apperror.ParseRetryAfter(resp.Header().Get("Retry-After"))}
	case "internal_error":
		return apperror.New(apperror.KindTransientNetwork, code, apiErr.Message)
	case "spam_risk_too_many_posts", "spam_risk_user_banned_from_posting", "reached_active_user_cap",
		"unaudited_client_can_only_post_to_private_accounts", "url_ownership_unverified",
		"privacy_level_option_mismatch", "invalid_params", "file_format_check_failed", "duration_check_failed",
		"frame_rate_check_failed", "picture_size_check_failed", "video_pull_failed":
		return apperror.New(apperror.KindContentRejected, code, apiErr.Message)
	}
	if !resp.IsError() {
		return apperror.New(apperror.KindContentRejected, code, apiErr.Message)
	}
	e := apperror.FromHTTPStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), apiErr.Message)
	if code != "" {
		e.Code = code
	}
	return e
}

func networkError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperror.Wrap(err, apperror.KindTransientNetwork, "tiktok_request_failed")
}

// readerAt gives random access to a staged object, spooling to a temporary
// file when the store only offers a stream.
func readerAt(body io.ReadCloser) (io.ReaderAt, func(), error) {
	if ra, ok := body.(io.ReaderAt); ok {
		return ra, func() { _ = body.Close() }, nil
	}
	defer body.Close()
	f, err := os.CreateTemp("", "crosspost-tiktok-*")
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	if _, err := io.Copy(f, body); err != nil {
		release()
		return nil, nil, err
	}
	return f, release, nil
}

var _ repository.IDestination = (*Client)(nil)
