package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/lookbook/compose"
	"github.com/chaos-io/lookbook/cutout"
	"github.com/chaos-io/lookbook/encode"
	"github.com/chaos-io/lookbook/geometry"
	"github.com/chaos-io/lookbook/loader"
	"github.com/chaos-io/lookbook/model"
	"github.com/chaos-io/lookbook/preview"
	"github.com/chaos-io/lookbook/segment"
	"github.com/chaos-io/lookbook/util"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var garment = color.NRGBA{R: 30, G: 60, B: 150, A: 255}

func subject(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			if x >= w/4 && x < w*3/4 && y >= h/4 && y < h*3/4 {
				c = garment
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartBody(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, "upload.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

type fakeRemover struct {
	err error
}

func (f *fakeRemover) Remove(ctx context.Context, data []byte) (*cutout.Result, error) {
	return nil, f.err
}

func TestCutoutHandler_RemoveBackground(t *testing.T) {
	t.Parallel()

	seg := cutout.NewService(segment.New(segment.DefaultOptions()), nil, nil, cutout.Options{})
	valid := encodePNG(t, subject(40, 40))

	tests := []struct {
		name        string
		svc         Remover
		maxSize     int64
		field       string
		data        []byte
		wantStatus  int
		wantMessage string
	}{
		{name: "抠图成功", svc: seg, field: "image", data: valid, wantStatus: http.StatusOK},
		{name: "缺少图片字段", svc: seg, field: "file", data: valid, wantStatus: http.StatusBadRequest, wantMessage: "No image provided"},
		{name: "无法解码", svc: seg, field: "image", data: []byte("not an image"), wantStatus: http.StatusBadRequest, wantMessage: "Failed to load image"},
		{name: "超过大小限制", svc: seg, maxSize: 10, field: "image", data: valid, wantStatus: http.StatusRequestEntityTooLarge},
		{name: "像素超过上限", svc: &fakeRemover{err: fmt.Errorf("%w: %w", cutout.ErrUnreadableImage, util.ErrTooLarge)}, field: "image", data: valid, wantStatus: http.StatusRequestEntityTooLarge},
		{name: "服务繁忙", svc: &fakeRemover{err: cutout.ErrBusy}, field: "image", data: valid, wantStatus: http.StatusServiceUnavailable},
		{name: "内部错误", svc: &fakeRemover{err: errors.New("boom")}, field: "image", data: valid, wantStatus: http.StatusInternalServerError, wantMessage: "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := gin.New()
			r.POST("/remove-bg", NewCutoutHandler(tt.svc, tt.maxSize).RemoveBackground)

			body, contentType := multipartBody(t, tt.field, tt.data)
			req := httptest.NewRequest(http.MethodPost, "/remove-bg", body)
			req.Header.Set("Content-Type", contentType)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus == http.StatusOK {
				var res cutout.Result
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
				assert.Equal(t, cutout.StatusSuccess, res.Status)
				assert.NotEmpty(t, res.Image)
				assert.Empty(t, res.Warning)
				return
			}

			var resp model.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, model.StatusError, resp.Status)
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, resp.Message)
			}
		})
	}
}

type mapLoader map[string]image.Image

func (m mapLoader) Load(ctx context.Context, ref string) (image.Image, error) {
	img, ok := m[ref]
	if !ok {
		return nil, loader.ErrItemNotFound
	}
	return img, nil
}

func newPreviewRouter() *gin.Engine {
	items := mapLoader{"shirt": subject(80, 100), "pants": subject(60, 120)}
	svc := preview.NewService(items, compose.NewCompositor(geometry.NewResolver(), nil, 2), encode.NewSizeEncoder(), preview.Options{})

	r := gin.New()
	r.POST("/previews", NewPreviewHandler(svc).Render)
	return r
}

func TestPreviewHandler_Render(t *testing.T) {
	t.Parallel()

	r := newPreviewRouter()

	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantSkipped string
		wantSkips   int
	}{
		{
			name:        "两件单品",
			body:        `{"items":[{"item_ref":"shirt","position":{"xPercent":50,"yPercent":30,"scale":1,"rotate":0,"zIndex":2}},{"item_ref":"pants","position":{"xPercent":50,"yPercent":60,"scale":1,"rotate":0,"zIndex":1}}],"background":"bg-gray-100"}`,
			wantStatus:  http.StatusOK,
			wantSkipped: "0",
		},
		{
			name:        "部分单品缺失",
			body:        `{"items":[{"item_ref":"shirt","position":{"xPercent":50,"yPercent":50,"scale":1}},{"item_ref":"hat","position":{"xPercent":50,"yPercent":10,"scale":1}}]}`,
			wantStatus:  http.StatusOK,
			wantSkipped: "1",
		},
		{name: "JSON 格式错误", body: `{"items":`, wantStatus: http.StatusBadRequest},
		{name: "没有单品", body: `{"items":[]}`, wantStatus: http.StatusBadRequest},
		{
			name:       "全部单品不可用",
			body:       `{"items":[{"item_ref":"hat","position":{"scale":1}},{"item_ref":"shirt","position":{"scale":-1}}]}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantSkips:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodPost, "/previews", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "image/jpeg", w.Header().Get("Content-Type"))
				assert.Equal(t, tt.wantSkipped, w.Header().Get(HeaderPreviewSkipped))
				assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
				assert.NotEmpty(t, w.Header().Get(HeaderPreviewQuality))
				assert.Equal(t, w.Header().Get(HeaderPreviewSize), strconv.Itoa(w.Body.Len()))

				img, err := jpeg.Decode(bytes.NewReader(w.Body.Bytes()))
				require.NoError(t, err)
				assert.Equal(t, image.Pt(geometry.DefaultCanvasWidth, geometry.DefaultCanvasHeight), img.Bounds().Size())
				return
			}

			var resp model.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, model.StatusError, resp.Status)
			assert.Len(t, resp.Skipped, tt.wantSkips)
		})
	}
}

func TestSystemHandlers(t *testing.T) {
	t.Parallel()

	info := BuildInfo{Version: "v1.2.3", GitCommit: "abc123"}
	r := gin.New()
	r.GET("/health", Health(info))
	r.GET("/version", Version(info))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","version":"v1.2.3"}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/version", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var got BuildInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, info, got)
}
