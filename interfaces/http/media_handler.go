package http

import (
	"net/http"

	"crosspost/usecase"

	"github.com/gin-gonic/gin"
)

type IMediaHandler interface {
	Upload(ctx *gin.Context)
}

type mediaHandler struct {
	mediaUsecase usecase.IMediaUsecase
}

func NewMediaHandler(uc usecase.IMediaUsecase) IMediaHandler {
	return &mediaHandler{mediaUsecase: uc}
}

// Upload stores the multipart "file" field in the object store.
func (h *mediaHandler) Upload(ctx *gin.Context) {
	userID, ok := ownerID(ctx)
	if !ok {
		return
	}
	header, err := ctx.FormFile("file")
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	file, err := header.Open()
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer file.Close()

	res, err := h.mediaUsecase.Ingest(ctx.Request.Context(), userID, file, header.Size)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, res)
}
