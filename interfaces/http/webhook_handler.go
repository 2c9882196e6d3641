package http

import (
	"io"
	"net/http"

	"crosspost/domain/model"
	"crosspost/usecase"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

type IWebhookHandler interface {
	Receive(ctx *gin.Context)
}

type webhookHandler struct {
	statusUsecase usecase.IStatusUsecase
}

func NewWebhookHandler(uc usecase.IStatusUsecase) IWebhookHandler {
	return &webhookHandler{statusUsecase: uc}
}

// Receive verifies and applies a destination status callback.
func (h *webhookHandler) Receive(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBody))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	n, err := h.statusUsecase.HandleWebhook(ctx.Request.Context(), model.DestinationType(ctx.Param("destination")), ctx.Request.Header, body)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"received": n})
}
