package rembg

import (
	"context"
	"image"
	"time"
)

// Remover 抠图模型，返回带 alpha 的主体图
type Remover interface {
	Remove(ctx context.Context, img image.Image) (image.Image, error)
}

type timeoutRemover struct {
	next    Remover
	timeout time.Duration
}

// WithTimeout 每次抠图最多等待 timeout，超时后由调用方回退
func WithTimeout(next Remover, timeout time.Duration) Remover {
	if timeout <= 0 {
		return next
	}
	return &timeoutRemover{next: next, timeout: timeout}
}

func (r *timeoutRemover) Remove(ctx context.Context, img image.Image) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.next.Remove(ctx, img)
}
