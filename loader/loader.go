package loader

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/chaos-io/lookbook/util"
)

var (
	ErrItemNotFound = errors.New("item not found")
	ErrInvalidRef   = errors.New("invalid item ref")
)

type Loader interface {
	Load(ctx context.Context, ref string) (image.Image, error)
}

// FileLoader 从根目录读取单品图片，ref 必须是根目录下的相对路径
type FileLoader struct {
	root string
}

func NewFileLoader(root string) *FileLoader {
	return &FileLoader{root: root}
}

func (l *FileLoader) Load(ctx context.Context, ref string) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := strings.TrimPrefix(ref, "file://")
	if name == "" || !filepath.IsLocal(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}

	img, err := util.OpenImage(filepath.Join(l.root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", ref, err)
	}
	return img, nil
}

// HTTPLoader 下载远程图片，每次请求受 timeout 限制
type HTTPLoader struct {
	timeout time.Duration
}

func NewHTTPLoader(timeout time.Duration) *HTTPLoader {
	return &HTTPLoader{timeout: timeout}
}

func (l *HTTPLoader) Load(ctx context.Context, ref string) (image.Image, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	img, err := util.DownloadImage(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", ref, err)
	}
	return img, nil
}

// Router http(s) 引用走远程下载，其余按本地文件处理
type Router struct {
	File   Loader
	Remote Loader
}

func (r *Router) Load(ctx context.Context, ref string) (image.Image, error) {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		if r.Remote == nil {
			return nil, fmt.Errorf("%w: remote refs disabled", ErrInvalidRef)
		}
		return r.Remote.Load(ctx, ref)
	}
	if r.File == nil {
		return nil, fmt.Errorf("%w: file refs disabled", ErrInvalidRef)
	}
	return r.File.Load(ctx, ref)
}
