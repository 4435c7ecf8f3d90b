package encode

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/chaos-io/lookbook/util"
)

const (
	DefaultTargetBytes  = 100 * 1024
	DefaultStartQuality = 95
	DefaultStep         = 5
	DefaultFloorQuality = 5
)

var (
	ErrEncode        = errors.New("encode image")
	ErrInvalidConfig = errors.New("invalid encoder config")
)

// Encoded 编码结果
//
//	Size <= 目标大小，或 Quality 已降到下限
type Encoded struct {
	Bytes      []byte
	Quality    int
	Size       int
	Iterations int
}

// SizeEncoder 逐步降低 JPEG 质量直到不超过目标字节数
type SizeEncoder struct {
	TargetBytes  int
	StartQuality int
	Step         int
	FloorQuality int
}

func NewSizeEncoder() *SizeEncoder {
	return &SizeEncoder{
		TargetBytes:  DefaultTargetBytes,
		StartQuality: DefaultStartQuality,
		Step:         DefaultStep,
		FloorQuality: DefaultFloorQuality,
	}
}

func (e *SizeEncoder) Validate() error {
	switch {
	case e.TargetBytes <= 0:
		return fmt.Errorf("%w: target bytes %d", ErrInvalidConfig, e.TargetBytes)
	case e.Step <= 0:
		return fmt.Errorf("%w: step %d", ErrInvalidConfig, e.Step)
	case e.FloorQuality < 1 || e.FloorQuality > e.StartQuality || e.StartQuality > 100:
		return fmt.Errorf("%w: quality range [%d, %d]", ErrInvalidConfig, e.FloorQuality, e.StartQuality)
	}
	return nil
}

// MaxIterations 最多编码次数
func (e *SizeEncoder) MaxIterations() int {
	return (e.StartQuality-e.FloorQuality+e.Step-1)/e.Step + 1
}

// Encode 从 StartQuality 开始每次降 Step，直到满足目标或到达 FloorQuality，返回最后一次的结果
func (e *SizeEncoder) Encode(img image.Image) (*Encoded, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrEncode)
	}

	var buf bytes.Buffer
	res := &Encoded{}
	for q := e.StartQuality; ; q = max(q-e.Step, e.FloorQuality) {
		buf.Reset()
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(q)); err != nil {
			return nil, fmt.Errorf("%w: quality %d: %w", ErrEncode, q, err)
		}
		res.Iterations++
		res.Quality, res.Size = q, buf.Len()

		if res.Size <= e.TargetBytes || q <= e.FloorQuality {
			break
		}
	}
	res.Bytes = bytes.Clone(buf.Bytes())

	if res.Size > e.TargetBytes {
		util.Logger.Warn("target size not reached",
			zap.Int("size", res.Size), zap.Int("target", e.TargetBytes), zap.Int("quality", res.Quality))
	}
	return res, nil
}

// WebP 无损 WebP，保留 alpha
func WebP(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := nativewebp.Encode(&buf, img, nil); err != nil {
		return nil, fmt.Errorf("%w: webp: %w", ErrEncode, err)
	}
	return buf.Bytes(), nil
}
