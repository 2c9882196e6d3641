package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crosspost/domain/dto"
	"crosspost/domain/model"
	"crosspost/domain/repository"
	httpHandler "crosspost/interfaces/http"
	"crosspost/usecase"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPublishUsecase struct{ mock.Mock }

func (m *mockPublishUsecase) SubmitPublish(ctx context.Context, ownerID string, req dto.PublishRequest) (*dto.PublishAcceptedResponse, error) {
	args := m.Called(ownerID, req)
	res, _ := args.Get(0).(*dto.PublishAcceptedResponse)
	return res, args.Error(1)
}

func (m *mockPublishUsecase) GetTaskStatuses(ctx context.Context, ownerID, requestID string) ([]dto.TaskStatusResponse, error) {
	args := m.Called(ownerID, requestID)
	res, _ := args.Get(0).([]dto.TaskStatusResponse)
	return res, args.Error(1)
}

func (m *mockPublishUsecase) CancelRequest(ctx context.Context, ownerID, requestID string) error {
	return m.Called(ownerID, requestID).Error(0)
}

func (m *mockPublishUsecase) Run(context.Context) error { return nil }
func (m *mockPublishUsecase) Kick()                     {}

type mockOAuthUsecase struct{ mock.Mock }

func (m *mockOAuthUsecase) GetValidToken(ctx context.Context, accountID string) (*model.Token, error) {
	args := m.Called(accountID)
	res, _ := args.Get(0).(*model.Token)
	return res, args.Error(1)
}

func (m *mockOAuthUsecase) BeginAuthorization(ctx context.Context, ownerID string, dest model.DestinationType) (*dto.AuthorizationResponse, error) {
	args := m.Called(ownerID, dest)
	res, _ := args.Get(0).(*dto.AuthorizationResponse)
	return res, args.Error(1)
}

func (m *mockOAuthUsecase) CompleteAuthorization(ctx context.Context, dest model.DestinationType, code, state string) (*model.Account, error) {
	args := m.Called(dest, code, state)
	res, _ := args.Get(0).(*model.Account)
	return res, args.Error(1)
}

func (m *mockOAuthUsecase) ListAccounts(ctx context.Context, ownerID string) ([]*model.Account, error) {
	args := m.Called(ownerID)
	res, _ := args.Get(0).([]*model.Account)
	return res, args.Error(1)
}

type mockStatusUsecase struct{ mock.Mock }

func (m *mockStatusUsecase) Resolve(ctx context.Context, dest model.DestinationType, handle string, res model.StatusResult, source string) error {
	return m.Called(dest, handle, res, source).Error(0)
}

func (m *mockStatusUsecase) HandleWebhook(ctx context.Context, dest model.DestinationType, header http.Header, body []byte) (int, error) {
	args := m.Called(dest, string(body))
	return args.Int(0), args.Error(1)
}

func (m *mockStatusUsecase) Sweep(ctx context.Context, now time.Time) (int, error) { return 0, nil }
func (m *mockStatusUsecase) Run(context.Context) error                            { return nil }

type mockMediaUsecase struct{ mock.Mock }

func (m *mockMediaUsecase) Ingest(ctx context.Context, ownerID string, src io.ReaderAt, size int64) (*dto.MediaUploadResponse, error) {
	args := m.Called(ownerID, size)
	res, _ := args.Get(0).(*dto.MediaUploadResponse)
	return res, args.Error(1)
}

// withUser stands in for the auth middleware.
func withUser(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID != "" {
			c.Set("user_id", userID)
		}
		c.Next()
	}
}

func newRouter(user string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(withUser(user))
	return r
}

func do(r *gin.Engine, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPublishHandler_Submit(t *testing.T) {
	uc := &mockPublishUsecase{}
	h := httpHandler.NewPublishHandler(uc)
	r := newRouter("u1")
	r.POST("/api/publish", h.Submit)

	body := `{"content":{"kind":"video","media":[{"object_key":"media/a.mp4"}]},"target_account_ids":["acc-1"]}`
	uc.On("SubmitPublish", "u1", mock.MatchedBy(func(req dto.PublishRequest) bool {
		return req.Content.Kind == "video" && len(req.TargetAccountIDs) == 1
	})).Return(&dto.PublishAcceptedResponse{RequestID: "req-1", TaskIDs: []string{"t1"}}, nil).Once()

	w := do(r, http.MethodPost, "/api/publish", strings.NewReader(body), "application/json")
	require.Equal(t, http.StatusAccepted, w.Code)
	var res dto.PublishAcceptedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "req-1", res.RequestID)

	t.Run("validation error is 400", func(t *testing.T) {
		uc.On("SubmitPublish", "u1", mock.Anything).Return(nil, usecase.ErrInvalidRequest).Once()
		w := do(r, http.MethodPost, "/api/publish", strings.NewReader(body), "application/json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("malformed body is 400", func(t *testing.T) {
		w := do(r, http.MethodPost, "/api/publish", strings.NewReader(`{`), "application/json")
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("storage error is hidden", func(t *testing.T) {
		uc.On("SubmitPublish", "u1", mock.Anything).Return(nil, errors.New("pq: connection refused")).Once()
		w := do(r, http.MethodPost, "/api/publish", strings.NewReader(body), "application/json")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.NotContains(t, w.Body.String(), "pq:")
	})
	uc.AssertExpectations(t)
}

func TestPublishHandler_RequiresUser(t *testing.T) {
	h := httpHandler.NewPublishHandler(&mockPublishUsecase{})
	r := newRouter("")
	r.POST("/api/publish", h.Submit)
	w := do(r, http.MethodPost, "/api/publish", strings.NewReader(`{}`), "application/json")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPublishHandler_TasksAndCancel(t *testing.T) {
	uc := &mockPublishUsecase{}
	h := httpHandler.NewPublishHandler(uc)
	r := newRouter("u1")
	r.GET("/api/publish/:requestId/tasks", h.Tasks)
	r.POST("/api/publish/:requestId/cancel", h.Cancel)

	uc.On("GetTaskStatuses", "u1", "req-1").Return([]dto.TaskStatusResponse{{TaskID: "t1", State: "published"}}, nil)
	uc.On("GetTaskStatuses", "u1", "req-x").Return(nil, repository.ErrNotFound)
	uc.On("CancelRequest", "u1", "req-1").Return(nil)

	w := do(r, http.MethodGet, "/api/publish/req-1/tasks", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"published"`)

	w = do(r, http.MethodGet, "/api/publish/req-x/tasks", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/api/publish/req-1/cancel", nil, "")
	assert.Equal(t, http.StatusAccepted, w.Code)
	uc.AssertExpectations(t)
}

func TestOAuthHandler(t *testing.T) {
	uc := &mockOAuthUsecase{}
	h := httpHandler.NewOAuthHandler(uc)
	r := newRouter("u1")
	r.GET("/api/auth/:destination", h.GetAuthURL)
	r.GET("/auth/:destination/callback", h.Callback)
	r.GET("/api/accounts", h.Accounts)

	uc.On("BeginAuthorization", "u1", model.DestinationYouTube).Return(&dto.AuthorizationResponse{URL: "https://consent", State: "s1"}, nil)
	uc.On("BeginAuthorization", "u1", model.DestinationType("myspace")).Return(nil, usecase.ErrUnknownDestination)
	uc.On("CompleteAuthorization", model.DestinationYouTube, "c1", "s1").Return(&model.Account{ID: "acc-1", Destination: model.DestinationYouTube, Status: model.AccountActive}, nil)
	uc.On("CompleteAuthorization", model.DestinationYouTube, "c1", "s2").Return(nil, usecase.ErrCodeReplayed)
	uc.On("ListAccounts", "u1").Return([]*model.Account{{ID: "acc-1", Destination: model.DestinationYouTube}}, nil)

	w := do(r, http.MethodGet, "/api/auth/youtube", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "https://consent")

	w = do(r, http.MethodGet, "/api/auth/myspace", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/auth/youtube/callback?code=c1&state=s1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"acc-1"`)

	w = do(r, http.MethodGet, "/auth/youtube/callback?code=c1&state=s2", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/auth/youtube/callback?state=s1", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodGet, "/auth/youtube/callback?error=access_denied", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "consent_denied")

	w = do(r, http.MethodGet, "/api/accounts", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "acc-1")
	assert.NotContains(t, w.Body.String(), "token")
}

func TestWebhookHandler(t *testing.T) {
	uc := &mockStatusUsecase{}
	h := httpHandler.NewWebhookHandler(uc)
	r := newRouter("")
	r.POST("/webhooks/:destination", h.Receive)

	uc.On("HandleWebhook", model.DestinationTikTok, `{"ok":1}`).Return(1, nil)
	uc.On("HandleWebhook", model.DestinationTikTok, `{"forged":1}`).Return(0, repository.ErrInvalidSignature)

	w := do(r, http.MethodPost, "/webhooks/tiktok", strings.NewReader(`{"ok":1}`), "application/json")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"received":1`)

	w = do(r, http.MethodPost, "/webhooks/tiktok", strings.NewReader(`{"forged":1}`), "application/json")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMediaHandler_Upload(t *testing.T) {
	uc := &mockMediaUsecase{}
	h := httpHandler.NewMediaHandler(uc)
	r := newRouter("u1")
	r.POST("/api/media", h.Upload)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "clip.mp4")
	require.NoError(t, err)
	_, _ = part.Write([]byte("0123456789"))
	require.NoError(t, mw.Close())

	uc.On("Ingest", "u1", int64(10)).Return(&dto.MediaUploadResponse{ObjectKey: "media/u1/x.mp4", ContentType: "video/mp4", Size: 10}, nil)

	w := do(r, http.MethodPost, "/api/media", &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "media/u1/x.mp4")

	w = do(r, http.MethodPost, "/api/media", strings.NewReader("nope"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthHandler(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("dial tcp: refused") }

	r := newRouter("")
	r.GET("/healthz", httpHandler.NewHealthHandler(map[string]httpHandler.HealthCheck{"db": ok}).Healthz)
	r.GET("/degraded", httpHandler.NewHealthHandler(map[string]httpHandler.HealthCheck{"db": ok, "redis": down}).Healthz)

	w := do(r, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/degraded", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "refused")
}
