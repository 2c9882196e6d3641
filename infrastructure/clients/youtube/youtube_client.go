package youtube

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"crosspost/domain/apperror"
	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/logger"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/youtube/v3"
)

const defaultChunkSize = 8 << 20

// Client is the YouTube destination adapter. Videos are uploaded through
// the resumable Data API upload and confirmed by polling processing status.
type Client struct {
	oauthConfig   *oauth2.Config
	blobs         repository.IObjectReader
	endpoint      string
	chunkSize     int
	privacyStatus string
	httpClient    *http.Client
}

// Config represents YouTube API configuration
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	// APIBaseURL overrides the Data API endpoint.
	APIBaseURL string
	// AuthBaseURL overrides the OAuth endpoint; <base>/auth and <base>/token.
	AuthBaseURL   string
	ChunkSize     int
	PrivacyStatus string
	HTTPClient    *http.Client
}

// NewYouTubeClient creates a new YouTube adapter reading staged media from blobs.
func NewYouTubeClient(config Config, blobs repository.IObjectReader) *Client {
	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{
			youtube.YoutubeReadonlyScope,
			youtube.YoutubeUploadScope,
		}
	}
	endpoint := google.Endpoint
	if config.AuthBaseURL != "" {
		base := strings.TrimRight(config.AuthBaseURL, "/")
		endpoint = oauth2.Endpoint{AuthURL: base + "/auth", TokenURL: base + "/token"}
	}
	chunk := config.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	privacy := config.PrivacyStatus
	if privacy == "" {
		privacy = "public"
	}
	return &Client{
		oauthConfig: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		blobs:         blobs,
		endpoint:      config.APIBaseURL,
		chunkSize:     chunk,
		privacyStatus: privacy,
		httpClient:    config.HTTPClient,
	}
}

func (c *Client) Type() model.DestinationType { return model.DestinationYouTube }

func (c *Client) Capabilities() model.Capabilities {
	return model.Capabilities{
		SupportsRefresh: true,
		Ordering:        model.ContentFirst,
		AsyncFinalize:   true,
		Kinds:           []model.ContentKind{model.ContentVideo},
		ChunkSize:       int64(c.chunkSize),
	}
}

// BuildAuthorizationURL asks for offline access so a refresh token is issued.
func (c *Client) BuildAuthorizationURL(state string) string {
	return c.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	if c.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	return ctx
}

func (c *Client) ExchangeCode(ctx context.Context, code string) (*model.Grant, error) {
	tok, err := c.oauthConfig.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return nil, classify(err)
	}
	token := fromOAuth2(tok)
	service, err := c.service(ctx, token)
	if err != nil {
		return nil, err
	}
	res, err := service.Channels.List([]string{"snippet"}).Mine(true).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	if len(res.Items) == 0 {
		return nil, apperror.New(apperror.KindContentRejected, "no_channel", "the authorized google account has no youtube channel")
	}
	ch := res.Items[0]
	grant := &model.Grant{Token: *token, ExternalUserID: ch.Id}
	if ch.Snippet != nil {
		grant.DisplayName = ch.Snippet.Title
	}
	return grant, nil
}

// Refresh exchanges the refresh token for a new access token. Google keeps
// the refresh token when it does not rotate it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*model.Token, error) {
	src := c.oauthConfig.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classify(err)
	}
	out := fromOAuth2(tok)
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	return out, nil
}

func (c *Client) CreateContainer(context.Context, *model.Token, model.PublishContent) (string, error) {
	return "", apperror.New(apperror.KindInternal, "container_unsupported", "youtube uploads carry their own metadata")
}

// AttachAsset streams the staged video into a resumable upload. The
// returned video id is both the attachment and the status handle.
func (c *Client) AttachAsset(ctx context.Context, token *model.Token, container model.Container, asset model.Asset) (string, error) {
	body, ref, err := c.blobs.Open(ctx, asset.Ref.Key)
	if err != nil {
		return "", apperror.Wrap(err, apperror.KindTransferIncomplete, "staged_object_unavailable")
	}
	defer body.Close()

	service, err := c.service(ctx, token)
	if err != nil {
		return "", err
	}
	content := container.Content
	title := content.Title
	if title == "" {
		title = firstLine(content.Body)
	}
	video := &youtube.Video{
		Snippet: &youtube.VideoSnippet{
			Title:       title,
			Description: content.Body,
			Tags:        content.Tags,
		},
		Status: &youtube.VideoStatus{
			PrivacyStatus: c.privacyStatus,
		},
	}
	contentType := asset.Ref.ContentType
	if contentType == "" {
		contentType = ref.ContentType
	}
	opts := []googleapi.MediaOption{googleapi.ChunkSize(c.chunkSize)}
	if contentType != "" {
		opts = append(opts, googleapi.ContentType(contentType))
	}
	res, err := service.Videos.Insert([]string{"snippet", "status"}, video).
		Media(body, opts...).
		Context(ctx).
		Do()
	if err != nil {
		return "", classify(err)
	}
	logger.GetLogger().WithField("video_id", res.Id).Info("youtube upload accepted")
	return res.Id, nil
}

// Finalize hands back the uploaded video id as pending handle; the video
// is live only once processing succeeds.
func (c *Client) Finalize(_ context.Context, _ *model.Token, container model.Container) (*model.FinalizeResult, error) {
	if len(container.Attachments) == 0 {
		return nil, apperror.New(apperror.KindInternal, "nothing_uploaded", "no video was uploaded")
	}
	return &model.FinalizeResult{PendingHandle: container.Attachments[0]}, nil
}

func (c *Client) QueryStatus(ctx context.Context, token *model.Token, handle string) (*model.StatusResult, error) {
	service, err := c.service(ctx, token)
	if err != nil {
		return nil, err
	}
	res, err := service.Videos.List([]string{"status", "processingDetails"}).Id(handle).Context(ctx).Do()
	if err != nil {
		return nil, classify(err)
	}
	if len(res.Items) == 0 || res.Items[0].Status == nil {
		return &model.StatusResult{
			Outcome:     model.StatusFailed,
			ErrorKind:   string(apperror.KindContentRejected),
			ErrorDetail: "video no longer exists",
		}, nil
	}
	return statusOf(res.Items[0]), nil
}

func statusOf(v *youtube.Video) *model.StatusResult {
	switch v.Status.UploadStatus {
	case "processed":
		return &model.StatusResult{Outcome: model.StatusPublished, ExternalContentID: v.Id}
	case "rejected":
		return &model.StatusResult{Outcome: model.StatusFailed, ErrorKind: string(apperror.KindContentRejected), ErrorDetail: v.Status.RejectionReason}
	case "failed":
		return &model.StatusResult{Outcome: model.StatusFailed, ErrorKind: string(apperror.KindContentRejected), ErrorDetail: v.Status.FailureReason}
	case "deleted":
		return &model.StatusResult{Outcome: model.StatusFailed, ErrorKind: string(apperror.KindContentRejected), ErrorDetail: "video was deleted"}
	}
	if pd := v.ProcessingDetails; pd != nil && pd.ProcessingStatus == "failed" {
		return &model.StatusResult{Outcome: model.StatusFailed, ErrorKind: string(apperror.KindContentRejected), ErrorDetail: pd.ProcessingFailureReason}
	}
	return &model.StatusResult{Outcome: model.StatusStillPending}
}

func (c *Client) service(ctx context.Context, token *model.Token) (*youtube.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.AccessToken, TokenType: "Bearer"})
	opts := []option.ClientOption{option.WithTokenSource(src)}
	if c.httpClient != nil {
		opts = []option.ClientOption{option.WithHTTPClient(&http.Client{
			Transport: &oauth2.Transport{Source: src, Base: c.httpClient.Transport},
		})}
	}
	if c.endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.endpoint))
	}
	service, err := youtube.NewService(ctx, opts...)
	if err != nil {
		return nil, apperror.Wrap(fmt.Errorf("failed to create YouTube service: %w", err), apperror.KindInternal, "service_init")
	}
	return service, nil
}

func fromOAuth2(tok *oauth2.Token) *model.Token {
	out := &model.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		out.ExpiresAt = &exp
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		out.Scopes = strings.Fields(scope)
	}
	return out
}

var quotaReasons = map[string]bool{
	"quotaExceeded":         true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"uploadLimitExceeded":   true,
}

// classify maps google api and oauth errors onto the error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusForbidden {
			for _, item := range gerr.Errors {
				if quotaReasons[item.Reason] {
					return &apperror.Error{Kind: apperror.KindRateLimited, Code: item.Reason, Message: gerr.Message, Err: err}
				}
			}
		}
		e := apperror.FromHTTPStatus(gerr.Code, gerr.Header.Get("Retry-After"), gerr.Message)
		e.Err = err
		return e
	}
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.ErrorCode == "invalid_grant" || rerr.ErrorCode == "unauthorized_client" {
			return &apperror.Error{Kind: apperror.KindAuthExpired, Code: rerr.ErrorCode, Message: rerr.ErrorDescription, Err: err}
		}
		status := http.StatusBadGateway
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		e := apperror.FromHTTPStatus(status, "", rerr.ErrorDescription)
		e.Err = err
		return e
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return apperror.Wrap(err, apperror.KindTransientNetwork, "network")
	}
	return apperror.Wrap(err, apperror.KindTransientNetwork, "request_failed")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

var _ repository.IDestination = (*Client)(nil)
