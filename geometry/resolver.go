package geometry

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

const (
	DefaultCanvasWidth  = 600
	DefaultCanvasHeight = 750
	DefaultBoxWidth     = 160
	DefaultBoxHeight    = 200
	DefaultYOffset      = 40

	// DefaultMaxSideFactor MaxSide 未设置时，变换后边长上限为画布长边的倍数
	DefaultMaxSideFactor = 4
)

var (
	ErrInvalidScale      = errors.New("placement scale must be greater than zero")
	ErrInvalidPlacement  = errors.New("placement has non-finite values")
	ErrEmptySource       = errors.New("source image is empty")
	ErrPlacementTooLarge = errors.New("placement exceeds the maximum layer size")
)

// Placement 单品在画布上的相对位置
//
//	XPercent/YPercent: 中心点在参考画布上的百分比坐标
//	Scale: 在适配框之后的均匀缩放系数
//	Rotate: 顺时针旋转角度
type Placement struct {
	XPercent float64 `json:"xPercent"`
	YPercent float64 `json:"yPercent"`
	Scale    float64 `json:"scale"`
	Rotate   float64 `json:"rotate"`
	ZIndex   int     `json:"zIndex"`
}

// Placed 变换后的栅格及其在画布上的左上角坐标
type Placed struct {
	Image  *image.NRGBA
	Origin image.Point
}

// Resolver 把相对布局映射到参考画布上的绝对像素
type Resolver struct {
	CanvasWidth  int
	CanvasHeight int
	BoxWidth     int
	BoxHeight    int
	// YOffset 所有单品中心统一下移的校准值
	YOffset float64
	// MaxSide 缩放旋转后允许的最长边，<= 0 时取画布长边的 DefaultMaxSideFactor 倍
	MaxSide int
}

func NewResolver() *Resolver {
	return &Resolver{
		CanvasWidth:  DefaultCanvasWidth,
		CanvasHeight: DefaultCanvasHeight,
		BoxWidth:     DefaultBoxWidth,
		BoxHeight:    DefaultBoxHeight,
		YOffset:      DefaultYOffset,
	}
}

func (p Placement) validate() error {
	if math.IsNaN(p.Scale) || math.IsInf(p.Scale, 0) || p.Scale <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidScale, p.Scale)
	}
	for _, v := range []float64{p.XPercent, p.YPercent, p.Rotate} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidPlacement
		}
	}
	return nil
}

// Resolve 适配框缩放 → 均匀缩放 → 旋转 → 计算粘贴坐标
func (r *Resolver) Resolve(src image.Image, p Placement) (*Placed, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, ErrEmptySource
	}

	size := Fit(b.Dx(), b.Dy(), r.BoxWidth, r.BoxHeight)
	w, h := float64(size.X)*p.Scale, float64(size.Y)*p.Scale
	rw, rh := rotatedSize(w, h, p.Rotate)
	if limit := float64(r.maxSide()); max(w, h, rw, rh) > limit {
		return nil, fmt.Errorf("%w: %.0fx%.0f rotated %.0fx%.0f, limit %.0f", ErrPlacementTooLarge, w, h, rw, rh, limit)
	}
	if p.Scale != 1 {
		size = image.Pt(max(1, int(math.Round(w))), max(1, int(math.Round(h))))
	}

	var img *image.NRGBA
	if size.X == b.Dx() && size.Y == b.Dy() {
		img = toNRGBA(src)
	} else {
		img = toNRGBA(resize.Resize(uint(size.X), uint(size.Y), src, resize.Lanczos3))
	}

	img = Rotate(img, p.Rotate)

	return &Placed{Image: img, Origin: r.Origin(p, img.Bounds().Size())}, nil
}

func (r *Resolver) maxSide() int {
	if r.MaxSide > 0 {
		return r.MaxSide
	}
	return DefaultMaxSideFactor * max(r.CanvasWidth, r.CanvasHeight, r.BoxWidth, r.BoxHeight)
}

// Origin 使栅格中心落在 (x%·W, y%·H + YOffset) 的左上角坐标
func (r *Resolver) Origin(p Placement, size image.Point) image.Point {
	cx := p.XPercent / 100 * float64(r.CanvasWidth)
	cy := p.YPercent/100*float64(r.CanvasHeight) + r.YOffset
	return image.Pt(
		int(math.Round(cx-float64(size.X)/2)),
		int(math.Round(cy-float64(size.Y)/2)),
	)
}

// Fit 等比缩放到适配框内，不放大
func Fit(w, h, boxW, boxH int) image.Point {
	if w <= 0 || h <= 0 {
		return image.Point{}
	}
	ratio := math.Min(float64(boxW)/float64(w), float64(boxH)/float64(h))
	if ratio >= 1 {
		return image.Pt(w, h)
	}
	return image.Pt(
		max(1, int(math.Round(float64(w)*ratio))),
		max(1, int(math.Round(float64(h)*ratio))),
	)
}

// Rotate 顺时针旋转 degrees 度，扩展画布避免裁掉四角
func Rotate(img *image.NRGBA, degrees float64) *image.NRGBA {
	if math.Mod(degrees, 360) == 0 {
		return img
	}

	sin, cos := math.Sincos(degrees * math.Pi / 180)
	w, h := float64(img.Bounds().Dx()), float64(img.Bounds().Dy())
	fw, fh := rotatedSize(w, h, degrees)
	nw, nh := int(math.Ceil(fw-1e-9)), int(math.Ceil(fh-1e-9))

	dst := image.NewNRGBA(image.Rect(0, 0, nw, nh))

	// src → dst 仿射矩阵，图像坐标系 y 轴向下，正角度即屏幕上顺时针
	cx, cy := w/2+float64(img.Bounds().Min.X), h/2+float64(img.Bounds().Min.Y)
	ncx, ncy := float64(nw)/2, float64(nh)/2
	m := f64.Aff3{
		cos, -sin, ncx - (cos*cx - sin*cy),
		sin, cos, ncy - (sin*cx + cos*cy),
	}
	draw.BiLinear.Transform(dst, m, img, img.Bounds(), draw.Src, nil)
	return dst
}

// rotatedSize 旋转后外接矩形的宽高
func rotatedSize(w, h, degrees float64) (float64, float64) {
	if math.Mod(degrees, 360) == 0 {
		return w, h
	}
	sin, cos := math.Sincos(degrees * math.Pi / 180)
	sin, cos = math.Abs(sin), math.Abs(cos)
	return w*cos + h*sin, w*sin + h*cos
}

func toNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Rect.Min == (image.Point{}) {
		return nrgba
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
