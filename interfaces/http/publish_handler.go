package http

import (
	"net/http"

	"crosspost/domain/dto"
	"crosspost/usecase"

	"github.com/gin-gonic/gin"
)

type IPublishHandler interface {
	Submit(ctx *gin.Context)
	Tasks(ctx *gin.Context)
	Cancel(ctx *gin.Context)
}

type PublishHandler struct {
	publishUsecase usecase.IPublishUsecase
}

func NewPublishHandler(uc usecase.IPublishUsecase) IPublishHandler {
	return &PublishHandler{publishUsecase: uc}
}

func (h *PublishHandler) Submit(ctx *gin.Context) {
	userID, ok := ownerID(ctx)
	if !ok {
		return
	}
	var req dto.PublishRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := h.publishUsecase.SubmitPublish(ctx.Request.Context(), userID, req)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, res)
}

func (h *PublishHandler) Tasks(ctx *gin.Context) {
	userID, ok := ownerID(ctx)
	if !ok {
		return
	}
	requestID := ctx.Param("requestId")
	tasks, err := h.publishUsecase.GetTaskStatuses(ctx.Request.Context(), userID, requestID)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"request_id": requestID, "tasks": tasks})
}

func (h *PublishHandler) Cancel(ctx *gin.Context) {
	userID, ok := ownerID(ctx)
	if !ok {
		return
	}
	requestID := ctx.Param("requestId")
	if err := h.publishUsecase.CancelRequest(ctx.Request.Context(), userID, requestID); err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusAccepted, gin.H{"request_id": requestID, "cancelled": true})
}
