package util

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"os"

	"github.com/ftrvxmtrx/tga"
	"golang.org/x/image/webp"

	nhttp "github.com/chaos-io/lookbook/util/http"
)

var (
	// ErrEmptyImage 解码得到的图片没有像素
	ErrEmptyImage = errors.New("image has no pixels")
	ErrTooLarge   = errors.New("image too large")
	ErrFormat     = errors.New("unknown image format")
)

var (
	// MaxPixels 解码前按图片头检查的像素上限，<= 0 表示不限制
	MaxPixels = 50_000_000
	// MaxDownloadBytes 远程图片的字节上限
	MaxDownloadBytes int64 = 20 << 20

	downloader = nhttp.NewHTTPClient()
)

type imageFormat struct {
	name   string
	match  func(b []byte) bool
	decode func(io.Reader) (image.Image, error)
	config func(io.Reader) (image.Config, error)
}

// tga 没有魔数，只在其他格式都不匹配时尝试
// 不走 image.Decode：tga 包注册的空魔数会抢先匹配所有输入
var formats = []imageFormat{
	{name: "png", match: prefix("\x89PNG\r\n\x1a\n"), decode: png.Decode, config: png.DecodeConfig},
	{name: "jpeg", match: prefix("\xff\xd8"), decode: jpeg.Decode, config: jpeg.DecodeConfig},
	{name: "gif", match: prefix("GIF8"), decode: gif.Decode, config: gif.DecodeConfig},
	{name: "webp", match: isWebP, decode: webp.Decode, config: webp.DecodeConfig},
}

var tgaFormat = imageFormat{name: "tga", decode: tga.Decode, config: tga.DecodeConfig}

func prefix(magic string) func([]byte) bool {
	return func(b []byte) bool {
		return bytes.HasPrefix(b, []byte(magic))
	}
}

func isWebP(b []byte) bool {
	return len(b) >= 12 && string(b[:4]) == "RIFF" && string(b[8:12]) == "WEBP"
}

func sniff(data []byte) imageFormat {
	for _, f := range formats {
		if f.match(data) {
			return f
		}
	}
	return tgaFormat
}

// DecodeImage 从字节解码图片，支持 jpeg/png/gif/webp/tga
// 先读图片头，超过 MaxPixels 的图片不解码
func DecodeImage(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", ErrEmptyImage
	}

	f := sniff(data)
	cfg, err := f.config(bytes.NewReader(data))
	if err != nil {
		if f.name == tgaFormat.name {
			return nil, "", fmt.Errorf("decode image: %w: %w", ErrFormat, err)
		}
		return nil, f.name, fmt.Errorf("decode image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, f.name, ErrEmptyImage
	}
	if MaxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(MaxPixels) {
		return nil, f.name, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, MaxPixels)
	}

	img, err := f.decode(bytes.NewReader(data))
	if err != nil {
		return nil, f.name, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, f.name, ErrEmptyImage
	}
	return img, f.name, nil
}

// DownloadImage 下载图片，超时由 ctx 控制，响应体超过 MaxDownloadBytes 时失败
func DownloadImage(ctx context.Context, url string) (image.Image, error) {
	var data []byte
	err := downloader.DoHTTPRequest(ctx, &nhttp.RequestParam{
		RequestURI: url,
		Method:     http.MethodGet,
		Response:   &data,
		MaxBytes:   MaxDownloadBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}

	img, _, err := DecodeImage(data)
	return img, err
}

// OpenImage 打开本地图片
func OpenImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	img, _, err := DecodeImage(data)
	return img, err
}
