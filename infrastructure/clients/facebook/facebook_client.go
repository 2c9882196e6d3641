package facebook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"crosspost/domain/apperror"
	"crosspost/domain/model"
	"crosspost/domain/repository"
	"crosspost/infrastructure/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/go-querystring/query"
)

const (
	defaultGraphURL  = "https://graph.facebook.com/v19.0"
	defaultDialogURL = "https://www.facebook.com/v19.0/dialog/oauth"
)

var defaultScopes = []string{"pages_show_list", "pages_read_engagement", "pages_manage_posts", "public_profile"}

// Config represents the Facebook app configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	GraphBaseURL string
	DialogURL    string
	PresignTTL   time.Duration
}

// Client publishes to a Facebook page through the Graph API. Page tokens
// are long-lived and cannot be refreshed.
type Client struct {
	conf   Config
	http   *resty.Client
	blobs  repository.IObjectReader
	scopes []string
}

func NewFacebookClient(conf Config, blobs repository.IObjectReader) *Client {
	if conf.GraphBaseURL == "" {
		conf.GraphBaseURL = defaultGraphURL
	}
	if conf.DialogURL == "" {
		conf.DialogURL = defaultDialogURL
	}
	if conf.PresignTTL <= 0 {
		conf.PresignTTL = time.Hour
	}
	scopes := conf.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes
	}
	return &Client{
		conf: conf,
		http: resty.New().
			SetBaseURL(strings.TrimRight(conf.GraphBaseURL, "/")).
			SetTimeout(60 * time.Second),
		blobs:  blobs,
		scopes: scopes,
	}
}

func (c *Client) Type() model.DestinationType { return model.DestinationFacebook }

func (c *Client) Capabilities() model.Capabilities {
	return model.Capabilities{
		SupportsRefresh: false,
		Ordering:        model.ContentFirst,
		AsyncFinalize:   false,
		Kinds:           []model.ContentKind{model.ContentText, model.ContentImageSet, model.ContentVideo},
	}
}

type dialogQuery struct {
	ClientID    string `url:"client_id"`
	RedirectURI string `url:"redirect_uri"`
	State       string `url:"state"`
	Scope       string `url:"scope"`
}

// BuildAuthorizationURL builds the page consent dialog URL.
func (c *Client) BuildAuthorizationURL(state string) string {
	v, _ := query.Values(dialogQuery{
		ClientID:    c.conf.ClientID,
		RedirectURI: c.conf.RedirectURI,
		State:       state,
		Scope:       strings.Join(c.scopes, ","),
	})
	return c.conf.DialogURL + "?" + v.Encode()
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

type codeExchangeQuery struct {
	ClientID     string `url:"client_id"`
	ClientSecret string `url:"client_secret"`
	RedirectURI  string `url:"redirect_uri"`
	Code         string `url:"code"`
}

type longLivedQuery struct {
	GrantType       string `url:"grant_type"`
	ClientID        string `url:"client_id"`
	ClientSecret    string `url:"client_secret"`
	FBExchangeToken string `url:"fb_exchange_token"`
}

type pagesResponse struct {
	Data []struct {
		Name        string `json:"name"`
		ID          string `json:"id"`
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

// ExchangeCode trades the code for a short-lived user token, upgrades it
// to a long-lived one and selects the first managed page. The page token
// is what gets stored and used for posting.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*model.Grant, error) {
	var short tokenResponse
	if err := c.get(ctx, "/oauth/access_token", codeExchangeQuery{
		ClientID:     c.conf.ClientID,
		ClientSecret: c.conf.ClientSecret,
		RedirectURI:  c.conf.RedirectURI,
		Code:         code,
	}, &short); err != nil {
		return nil, err
	}

	var long tokenResponse
	if err := c.get(ctx, "/oauth/access_token", longLivedQuery{
		GrantType:       "fb_exchange_token",
		ClientID:        c.conf.ClientID,
		ClientSecret:    c.conf.ClientSecret,
		FBExchangeToken: short.AccessToken,
	}, &long); err != nil {
		return nil, err
	}

	var pages pagesResponse
	if err := c.get(ctx, "/me/accounts", struct {
		AccessToken string `url:"access_token"`
	}{long.AccessToken}, &pages); err != nil {
		return nil, err
	}
	if len(pages.Data) == 0 {
		return nil, apperror.New(apperror.KindContentRejected, "no_pages_available", "the facebook user manages no pages")
	}
	// The first page is linked; multi-page selection is not offered.
	selected := pages.Data[0]

	token := model.Token{AccessToken: selected.AccessToken, TokenType: "page", Scopes: c.scopes}
	if long.ExpiresIn > 0 {
		exp := time.Now().Add(time.Duration(long.ExpiresIn) * time.Second).UTC()
		token.ExpiresAt = &exp
	}
	logger.GetLogger().WithField("page_id", selected.ID).Info("facebook page linked")
	return &model.Grant{Token: token, ExternalUserID: selected.ID, DisplayName: selected.Name}, nil
}

func (c *Client) Refresh(context.Context, string) (*model.Token, error) {
	return nil, apperror.New(apperror.KindAuthExpired, "refresh_unsupported", "facebook page tokens cannot be refreshed")
}

func (c *Client) CreateContainer(context.Context, *model.Token, model.PublishContent) (string, error) {
	return "", apperror.New(apperror.KindInternal, "container_unsupported", "facebook posts are created at finalize")
}

type photoForm struct {
	URL         string `url:"url"`
	Published   bool   `url:"published"`
	AccessToken string `url:"access_token"`
}

type videoForm struct {
	FileURL     string `url:"file_url"`
	Title       string `url:"title,omitempty"`
	Description string `url:"description,omitempty"`
	AccessToken string `url:"access_token"`
}

type idResponse struct {
	ID     string `json:"id"`
	PostID string `json:"post_id"`
}

// AttachAsset lets Facebook pull the staged object from a presigned URL.
// Photos are uploaded unpublished and referenced by the feed post; a video
// upload is the post itself.
func (c *Client) AttachAsset(ctx context.Context, token *model.Token, container model.Container, asset model.Asset) (string, error) {
	src, err := c.blobs.PresignGet(ctx, asset.Ref.Key, c.conf.PresignTTL)
	if err != nil {
		return "", apperror.Wrap(err, apperror.KindTransferIncomplete, "presign_failed")
	}
	var res idResponse
	if container.Content.Kind == model.ContentVideo {
		err = c.post(ctx, "/me/videos", videoForm{
			FileURL:     src,
			Title:       container.Content.Title,
			Description: container.Content.Body,
			AccessToken: token.AccessToken,
		}, &res)
	} else {
		err = c.post(ctx, "/me/photos", photoForm{URL: src, Published: false, AccessToken: token.AccessToken}, &res)
	}
	if err != nil {
		return "", err
	}
	if res.ID == "" {
		return "", apperror.New(apperror.KindTransientNetwork, "empty_id", "graph api returned no media id")
	}
	return res.ID, nil
}

// Finalize publishes synchronously and returns the post id.
func (c *Client) Finalize(ctx context.Context, token *model.Token, container model.Container) (*model.FinalizeResult, error) {
	content := container.Content
	if content.Kind == model.ContentVideo {
		if len(container.Attachments) == 0 {
			return nil, apperror.New(apperror.KindInternal, "nothing_uploaded", "no video was uploaded")
		}
		return &model.FinalizeResult{ExternalContentID: container.Attachments[0]}, nil
	}
	form, err := query.Values(struct {
		Message     string `url:"message,omitempty"`
		AccessToken string `url:"access_token"`
	}{composeMessage(content), token.AccessToken})
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindInternal, "encode_form")
	}
	for i, id := range container.Attachments {
		form.Set("attached_media["+strconv.Itoa(i)+"]", `{"media_fbid":"`+id+`"}`)
	}
	var res idResponse
	if err := c.postValues(ctx, "/me/feed", form, &res); err != nil {
		return nil, err
	}
	return &model.FinalizeResult{ExternalContentID: res.ID}, nil
}

// QueryStatus is only reached for handles this adapter never issues.
func (c *Client) QueryStatus(context.Context, *model.Token, string) (*model.StatusResult, error) {
	return nil, apperror.New(apperror.KindInternal, "status_unsupported", "facebook publishes synchronously")
}

func composeMessage(content model.PublishContent) string {
	parts := make([]string, 0, 3)
	if content.Title != "" {
		parts = append(parts, content.Title)
	}
	if content.Body != "" {
		parts = append(parts, content.Body)
	}
	if len(content.Tags) > 0 {
		tags := make([]string, 0, len(content.Tags))
		for _, t := range content.Tags {
			tags = append(tags, "#"+strings.TrimPrefix(t, "#"))
		}
		parts = append(parts, strings.Join(tags, " "))
	}
	return strings.Join(parts, "\n\n")
}

type graphError struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
	} `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, params interface{}, out interface{}) error {
	v, err := query.Values(params)
	if err != nil {
		return apperror.Wrap(err, apperror.KindInternal, "encode_query")
	}
	var gerr graphError
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(v).
		SetResult(out).
		SetError(&gerr).
		Get(path)
	return checkResponse(resp, err, &gerr)
}

func (c *Client) post(ctx context.Context, path string, form interface{}, out interface{}) error {
	v, err := query.Values(form)
	if err != nil {
		return apperror.Wrap(err, apperror.KindInternal, "encode_form")
	}
	return c.postValues(ctx, path, v, out)
}

func (c *Client) postValues(ctx context.Context, path string, form url.Values, out interface{}) error {
	var gerr graphError
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormDataFromValues(form).
		SetResult(out).
		SetError(&gerr).
		Post(path)
	return checkResponse(resp, err, &gerr)
}

// checkResponse maps Graph API failures onto the error taxonomy.
func checkResponse(resp *resty.Response, err error, gerr *graphError) error {
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return apperror.Wrap(err, apperror.KindTransientNetwork, "graph_request_failed")
	}
	if !resp.IsError() {
		return nil
	}
	msg := gerr.Error.Message
	if msg == "" {
		msg = resp.String()
	}
	code := "graph_" + strconv.Itoa(gerr.Error.Code)
	switch gerr.Error.Code {
	case 190, 102:
		return apperror.New(apperror.KindAuthExpired, code, msg)
	case 4, 17, 32, 613:
		return &apperror.Error{Kind: apperror.KindRateLimited, Code: code, Message: msg,
			RetryAfter: apperror.ParseRetryAfter(resp.Header().Get("Retry-After"))}
	case 1, 2:
		return apperror.New(apperror.KindTransientNetwork, code, msg)
	}
	if resp.StatusCode() == http.StatusBadRequest && gerr.Error.Code != 0 {
		return apperror.New(apperror.KindContentRejected, code, msg)
	}
	e := apperror.FromHTTPStatus(resp.StatusCode(), resp.Header().Get("Retry-After"), msg)
	e.Err = fmt.Errorf("graph api status %d", resp.StatusCode())
	return e
}

var _ repository.IDestination = (*Client)(nil)
