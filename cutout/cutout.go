package cutout

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/chaos-io/lookbook/encode"
	"github.com/chaos-io/lookbook/rembg"
	"github.com/chaos-io/lookbook/segment"
	"github.com/chaos-io/lookbook/util"
)

const (
	DefaultMaxSize  = 1000
	StatusSuccess   = "success"
	FallbackWarning = "Background removal failed, returning original image."

	MethodAlpha   = "alpha"
	MethodMatting = "matting"
)

var (
	ErrUnreadableImage = errors.New("failed to load image")
	ErrBusy            = errors.New("too many background removals in progress")
)

// Cache 抠图结果缓存，key 为上传内容的 MD5
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte) error
}

type Result struct {
	Status          string  `json:"status"`
	Image           string  `json:"image"`
	ProcessTime     float64 `json:"process_time"`
	Warning         string  `json:"warning,omitempty"`
	Method          string  `json:"method,omitempty"`
	ForegroundRatio float64 `json:"foreground_ratio,omitempty"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	RequestID       string  `json:"request_id"`
	Cached          bool    `json:"cached,omitempty"`
	// LowConfidence 所有分割策略都未达到最小前景占比，使用的是最后一个掩码
	LowConfidence bool `json:"low_confidence,omitempty"`
}

type Options struct {
	// MaxSize 处理前最长边的上限
	MaxSize int
	// MaxConcurrent 同时进行的抠图数量
	MaxConcurrent int
	// QueueTimeout 排队等待的最长时间
	QueueTimeout time.Duration
}

type Service struct {
	segmenter *segment.Segmenter
	remover   rembg.Remover
	cache     Cache
	opts      Options
	semaphore chan struct{}
}

// NewService remover 与 cache 可以为 nil
func NewService(segmenter *segment.Segmenter, remover rembg.Remover, cache Cache, opts Options) *Service {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = 30 * time.Second
	}
	return &Service{
		segmenter: segmenter,
		remover:   remover,
		cache:     cache,
		opts:      opts,
		semaphore: make(chan struct{}, opts.MaxConcurrent),
	}
}

// Remove 解码 → 缩放 → 抠图（已有 alpha / 抠图模型 / 分割级联）→ 按主体裁剪 → WebP
// 没有得到掩码或掩码为空时返回原图并设置 Warning；只有无法解码时返回错误
func (s *Service) Remove(ctx context.Context, data []byte) (*Result, error) {
	defer util.Trace("cutout remove")()

	start := time.Now()
	requestID := ksuid.New().String()
	log := util.Logger.With(zap.String("requestID", requestID))

	key := util.BytesMD5(data)
	if res := s.fromCache(ctx, key); res != nil {
		res.RequestID, res.Cached = requestID, true
		res.ProcessTime = seconds(time.Since(start))
		return res, nil
	}

	img, format, err := util.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreadableImage, err)
	}

	timer := time.NewTimer(s.opts.QueueTimeout)
	defer timer.Stop()
	select {
	case s.semaphore <- struct{}{}:
		defer func() { <-s.semaphore }()
	case <-timer.C:
		return nil, ErrBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	src := resizeWithinMax(toNRGBA(img), s.opts.MaxSize)
	log.Debug("image decoded", zap.String("format", format), zap.Int("width", src.Rect.Dx()), zap.Int("height", src.Rect.Dy()))

	res := &Result{Status: StatusSuccess, RequestID: requestID}
	out, err := s.extract(ctx, src, res)
	if err == nil {
		var bbox image.Rectangle
		if bbox, err = alphaBBox(out, 0); err == nil {
			out = crop(out, bbox)
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		log.Warn("background removal failed", zap.Error(err))
		out, res.Warning, res.Method, res.ForegroundRatio, res.LowConfidence = src, FallbackWarning, "", 0, false
	}

	webp, err := encode.WebP(out)
	if err != nil {
		return nil, err
	}
	res.Image = base64.StdEncoding.EncodeToString(webp)
	res.Width, res.Height = out.Rect.Dx(), out.Rect.Dy()
	res.ProcessTime = seconds(time.Since(start))

	if res.Warning == "" {
		s.toCache(ctx, key, res)
	}
	log.Info("background removed",
		zap.String("method", res.Method), zap.Float64("ratio", res.ForegroundRatio),
		zap.Float64("processTime", res.ProcessTime), zap.Bool("degraded", res.Warning != ""))
	return res, nil
}

func (s *Service) extract(ctx context.Context, src *image.NRGBA, res *Result) (*image.NRGBA, error) {
	if hasUsefulAlpha(src) {
		res.Method, res.ForegroundRatio = MethodAlpha, alphaRatio(src)
		return src, nil
	}

	if s.remover != nil {
		matted, err := s.remover.Remove(ctx, src)
		if err == nil {
			if out := toNRGBA(matted); hasUsefulAlpha(out) {
				res.Method, res.ForegroundRatio = MethodMatting, alphaRatio(out)
				return out, nil
			}
			err = errors.New("matting output has no alpha")
		}
		util.Logger.Warn("matting failed, falling back to segmentation", zap.Error(err))
	}

	seg, err := s.segmenter.Segment(ctx, src)
	if err != nil {
		return nil, err
	}
	if !seg.Accepted {
		util.Logger.Warn("low confidence segmentation, using last mask",
			zap.String("strategy", string(seg.Strategy)), zap.Float64("ratio", seg.ForegroundRatio))
	}
	res.Method, res.ForegroundRatio, res.LowConfidence = string(seg.Strategy), seg.ForegroundRatio, !seg.Accepted
	return segment.ApplyMask(src, seg.Mask), nil
}

func (s *Service) fromCache(ctx context.Context, key string) *Result {
	if s.cache == nil {
		return nil
	}
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		util.Logger.Warn("cutout cache get failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	res := &Result{}
	if err := json.Unmarshal(data, res); err != nil {
		util.Logger.Warn("cutout cache entry corrupted", zap.String("key", key), zap.Error(err))
		return nil
	}
	return res
}

func (s *Service) toCache(ctx context.Context, key string, res *Result) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data); err != nil {
		util.Logger.Warn("cutout cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func seconds(d time.Duration) float64 {
	return math.Round(d.Seconds()*1000) / 1000
}
