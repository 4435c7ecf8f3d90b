package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chaos-io/lookbook/cutout"
	"github.com/chaos-io/lookbook/model"
	"github.com/chaos-io/lookbook/util"
)

// Remover 抠图服务
type Remover interface {
	Remove(ctx context.Context, data []byte) (*cutout.Result, error)
}

type CutoutHandler struct {
	svc     Remover
	maxSize int64
}

func NewCutoutHandler(svc Remover, maxSize int64) *CutoutHandler {
	return &CutoutHandler{svc: svc, maxSize: maxSize}
}

// RemoveBackground 处理 multipart 上传的 image 字段，返回 WebP base64
func (h *CutoutHandler) RemoveBackground(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, model.NewError("No image provided", err))
		return
	}

	if h.maxSize > 0 && file.Size > h.maxSize {
		c.JSON(http.StatusRequestEntityTooLarge, model.NewError(
			fmt.Sprintf("Image exceeds the %d byte limit", h.maxSize), nil))
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, model.NewError("Failed to load image", err))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, model.NewError("Failed to load image", err))
		return
	}

	util.Logger.Info("image uploaded", zap.String("filename", file.Filename), zap.Int64("size", file.Size))

	res, err := h.svc.Remove(c.Request.Context(), data)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, util.ErrTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, model.NewError(err.Error(), nil))
	case errors.Is(err, cutout.ErrUnreadableImage):
		c.JSON(http.StatusBadRequest, model.NewError("Failed to load image", err))
	case errors.Is(err, cutout.ErrBusy):
		c.JSON(http.StatusServiceUnavailable, model.NewError(err.Error(), nil))
	default:
		util.Logger.Error("failed to remove background", zap.Error(err))
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, model.NewError(err.Error(), nil))
	}
}
