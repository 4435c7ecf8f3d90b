package compose

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/chaos-io/lookbook/geometry"
	"github.com/chaos-io/lookbook/util"
)

var (
	ErrNoDrawableLayers = errors.New("no drawable layers")
	ErrNilImage         = errors.New("layer has no image")
)

type Canvas struct {
	Width      int
	Height     int
	Background string
}

type Layer struct {
	ID        string
	Image     image.Image
	Placement geometry.Placement
}

// Skip 被跳过的图层及原因
type Skip struct {
	ID  string
	Err error
}

type Composite struct {
	Image   *image.RGBA
	Drawn   []string
	Skipped []Skip
}

type Compositor struct {
	resolver *geometry.Resolver
	palette  *Palette
	workers  int
}

func NewCompositor(resolver *geometry.Resolver, palette *Palette, workers int) *Compositor {
	if resolver == nil {
		resolver = geometry.NewResolver()
	}
	if palette == nil {
		palette = DefaultPalette
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Compositor{resolver: resolver, palette: palette, workers: workers}
}

// Compose 填充背景 → 按 ZIndex 稳定排序 → 并行缩放旋转 → 按顺序 over 合成
// 单个图层失败只记录并跳过，不影响其他图层
func (c *Compositor) Compose(ctx context.Context, canvas Canvas, layers []Layer) (*Composite, error) {
	defer util.Trace("compose")()

	resolver := *c.resolver
	if canvas.Width > 0 && canvas.Height > 0 {
		resolver.CanvasWidth, resolver.CanvasHeight = canvas.Width, canvas.Height
	}

	order := make([]int, len(layers))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return layers[order[a]].Placement.ZIndex < layers[order[b]].Placement.ZIndex
	})

	placed := make([]*geometry.Placed, len(layers))
	errs := make([]error, len(layers))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)
	for i := range layers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if layers[i].Image == nil {
				errs[i] = ErrNilImage
				return nil
			}
			placed[i], errs[i] = resolver.Resolve(layers[i].Image, layers[i].Placement)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dst := image.NewRGBA(image.Rect(0, 0, resolver.CanvasWidth, resolver.CanvasHeight))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(c.palette.Color(canvas.Background)), image.Point{}, draw.Src)

	res := &Composite{Image: dst}
	for _, i := range order {
		l := layers[i]
		if errs[i] != nil {
			util.Logger.Warn("skip layer", zap.String("id", l.ID), zap.Error(errs[i]))
			res.Skipped = append(res.Skipped, Skip{ID: l.ID, Err: errs[i]})
			continue
		}
		p := placed[i]
		draw.Draw(dst, p.Image.Bounds().Add(p.Origin), p.Image, image.Point{}, draw.Over)
		res.Drawn = append(res.Drawn, l.ID)
	}

	if len(res.Drawn) == 0 {
		return res, fmt.Errorf("%w: %d skipped", ErrNoDrawableLayers, len(res.Skipped))
	}
	return res, nil
}
