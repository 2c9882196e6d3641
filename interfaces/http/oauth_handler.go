package http

import (
	"net/http"

	"crosspost/domain/dto"
	"crosspost/domain/model"
	"crosspost/infrastructure/logger"
	"crosspost/usecase"

	"github.com/gin-gonic/gin"
)

type IOAuthHandler interface {
	GetAuthURL(ctx *gin.Context)
	Callback(ctx *gin.Context)
	Accounts(ctx *gin.Context)
}

type oauthHandler struct {
	oauthUsecase usecase.IOAuthUsecase
}

func NewOAuthHandler(uc usecase.IOAuthUsecase) IOAuthHandler {
	return &oauthHandler{oauthUsecase: uc}
}

// GetAuthURL returns the consent URL for linking a destination account.
func (h *oauthHandler) GetAuthURL(ctx *gin.Context) {
	userID, ok := ownerID(ctx)
	if !ok {
		return
	}
	res, err := h.oauthUsecase.BeginAuthorization(ctx.Request.Context(), userID, model.DestinationType(ctx.Param("destination")))
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, res)
}

// Callback completes the consent flow. The caller is identified by the
// state issued in GetAuthURL, not by a session.
func (h *oauthHandler) Callback(ctx *gin.Context) {
	destination := model.DestinationType(ctx.Param("destination"))
	if e := ctx.Query("error"); e != "" {
		logger.GetLogger().WithField("destination", destination).WithField("error", e).Warn("consent denied")
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "consent_denied", "detail": ctx.Query("error_description")})
		return
	}
	code, state := ctx.Query("code"), ctx.Query("state")
	if code == "" || state == "" {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "missing code or state"})
		return
	}
	acc, err := h.oauthUsecase.CompleteAuthorization(ctx.Request.Context(), destination, code, state)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"linked": true, "account": dto.NewAccountResponse(acc)})
}

func (h *oauthHandler) Accounts(ctx *gin.Context) {
	userID, ok := ownerID(ctx)
	if !ok {
		return
	}
	list, err := h.oauthUsecase.ListAccounts(ctx.Request.Context(), userID)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	out := make([]dto.AccountResponse, 0, len(list))
	for _, a := range list {
		out = append(out, dto.NewAccountResponse(a))
	}
	ctx.JSON(http.StatusOK, gin.H{"accounts": out})
}
