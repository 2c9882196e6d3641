package http

import (
	"errors"
	"net/http"

	"crosspost/domain/repository"
	"crosspost/infrastructure/logger"
	"crosspost/usecase"

	"github.com/gin-gonic/gin"
)

// abortWithError maps usecase errors onto HTTP statuses. Unexpected errors
// are logged and hidden behind a generic message.
func abortWithError(ctx *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, usecase.ErrInvalidRequest),
		errors.Is(err, usecase.ErrInvalidState),
		errors.Is(err, usecase.ErrCodeReplayed):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound),
		errors.Is(err, usecase.ErrUnknownDestination):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidSignature):
		status = http.StatusUnauthorized
	}
	if status == http.StatusInternalServerError {
		logger.GetLogger().WithField("path", ctx.FullPath()).WithField("error", err.Error()).Error("request failed")
		ctx.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	ctx.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// ownerID returns the authenticated user or aborts with 401.
func ownerID(ctx *gin.Context) (string, bool) {
	userID := ctx.GetString("user_id")
	if userID == "" {
		ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized: missing user_id"})
		return "", false
	}
	return userID, true
}
