package segment

import (
	"context"
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/chaos-io/lookbook/util"
)

type StrategyName string

const (
	RegionGrowing StrategyName = "regionGrowing"
	Threshold     StrategyName = "threshold"
	ColorDistance StrategyName = "colorDistance"
)

var ErrNoMask = errors.New("no segmentation strategy produced a mask")

// StrategyFunc 输入 RGBA 栅格，输出单通道掩码（255 前景，0 背景）
type StrategyFunc func(img *image.NRGBA) (*image.Gray, error)

type Strategy struct {
	Name StrategyName
	Fn   StrategyFunc
}

// Attempt 一次策略尝试的诊断信息
type Attempt struct {
	Strategy StrategyName
	Ratio    float64
	Err      error
}

type Result struct {
	Mask            *image.Gray
	Strategy        StrategyName
	ForegroundRatio float64
	// Accepted 为 false 表示所有策略都未达到最小前景占比，Mask 是最后一次的结果
	Accepted bool
	Attempts []Attempt
}

type Options struct {
	MinRatio   float64
	Iterations int
	Components int
	BlurSigma  float64
}

func DefaultOptions() Options {
	return Options{
		MinRatio:   0.01,
		Iterations: 3,
		Components: 5,
		BlurSigma:  0.8,
	}
}

type Segmenter struct {
	strategies []Strategy
	minRatio   float64
	blurSigma  float64
	elements   *ElementTable
}

// New 按 区域生长 → 阈值 → 背景色距离 的固定顺序构建级联
func New(opts Options) *Segmenter {
	return NewWithStrategies(opts,
		Strategy{Name: RegionGrowing, Fn: RegionGrowingStrategy(opts.Iterations, opts.Components)},
		Strategy{Name: Threshold, Fn: OtsuThreshold},
		Strategy{Name: ColorDistance, Fn: BackgroundDistance},
	)
}

func NewWithStrategies(opts Options, strategies ...Strategy) *Segmenter {
	return &Segmenter{
		strategies: strategies,
		minRatio:   opts.MinRatio,
		blurSigma:  opts.BlurSigma,
		elements:   Elements,
	}
}

// Segment 依次尝试各策略，第一个前景占比超过阈值的掩码被接受
func (s *Segmenter) Segment(ctx context.Context, img image.Image) (*Result, error) {
	defer util.Trace("segment")()

	src := toNRGBA(img)
	if src.Rect.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrNoMask)
	}

	res := &Result{}
	var last *image.Gray
	var errs []error
	for _, st := range s.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		mask, err := st.Fn(src)
		if err != nil {
			util.Logger.Warn("segmentation strategy failed", zap.String("strategy", string(st.Name)), zap.Error(err))
			res.Attempts = append(res.Attempts, Attempt{Strategy: st.Name, Err: err})
			errs = append(errs, fmt.Errorf("%s: %w", st.Name, err))
			continue
		}

		ratio := ForegroundRatio(mask)
		res.Attempts = append(res.Attempts, Attempt{Strategy: st.Name, Ratio: ratio})
		last, res.Strategy, res.ForegroundRatio = mask, st.Name, ratio
		if ratio > s.minRatio {
			res.Accepted = true
			break
		}
		util.Logger.Debug("segmentation mask rejected", zap.String("strategy", string(st.Name)), zap.Float64("ratio", ratio))
	}

	if last == nil {
		if len(errs) == 0 {
			return nil, ErrNoMask
		}
		return nil, fmt.Errorf("%w: %w", ErrNoMask, errors.Join(errs...))
	}

	res.Mask = s.Refine(last)
	return res, nil
}

// Refine 闭运算填洞，开运算去噪，再对掩码做轻微模糊柔化边缘
func (s *Segmenter) Refine(mask *image.Gray) *image.Gray {
	el := s.elements.Get(3)
	out := Open(Close(mask, el), el)
	return blurMask(out, s.blurSigma)
}
