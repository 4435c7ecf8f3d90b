package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chaos-io/lookbook/model"
	"github.com/chaos-io/lookbook/preview"
	"github.com/chaos-io/lookbook/util"
)

const (
	HeaderRequestID      = "X-Request-Id"
	HeaderPreviewQuality = "X-Preview-Quality"
	HeaderPreviewSize    = "X-Preview-Size"
	HeaderPreviewSkipped = "X-Preview-Skipped"
)

// Renderer 穿搭预览服务
type Renderer interface {
	Render(ctx context.Context, req *preview.Request) (*preview.Result, error)
}

type PreviewHandler struct {
	svc Renderer
}

func NewPreviewHandler(svc Renderer) *PreviewHandler {
	return &PreviewHandler{svc: svc}
}

// Render 返回合成后的 JPEG，质量、大小和跳过数量放在响应头
func (h *PreviewHandler) Render(c *gin.Context) {
	var req preview.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, model.NewError("Invalid request", err))
		return
	}

	res, err := h.svc.Render(c.Request.Context(), &req)
	if res != nil && res.RequestID != "" {
		c.Header(HeaderRequestID, res.RequestID)
	}
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, preview.ErrNoItems):
			status = http.StatusBadRequest
		case errors.Is(err, preview.ErrNoRenderableItems):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, context.DeadlineExceeded):
			status = http.StatusGatewayTimeout
		default:
			util.Logger.Error("failed to render preview", zap.Error(err))
		}
		_ = c.Error(err)

		resp := model.NewError(err.Error(), nil)
		if res != nil {
			resp.Skipped = skipped(res.Skipped)
		}
		c.JSON(status, resp)
		return
	}

	c.Header(HeaderPreviewQuality, strconv.Itoa(res.Quality))
	c.Header(HeaderPreviewSize, strconv.Itoa(res.Size))
	c.Header(HeaderPreviewSkipped, strconv.Itoa(len(res.Skipped)))
	c.Data(http.StatusOK, "image/jpeg", res.Image)
}

func skipped(skips []preview.Skip) []model.SkippedItem {
	if len(skips) == 0 {
		return nil
	}
	items := make([]model.SkippedItem, 0, len(skips))
	for _, s := range skips {
		items = append(items, model.SkippedItem{ItemRef: s.ItemRef, Stage: s.Stage, Reason: s.Err.Error()})
	}
	return items
}
