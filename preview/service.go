package preview

import (
	"context"
	"errors"
	"fmt"
	"image"
	"runtime"
	"strconv"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chaos-io/lookbook/compose"
	"github.com/chaos-io/lookbook/encode"
	"github.com/chaos-io/lookbook/geometry"
	"github.com/chaos-io/lookbook/util"
)

var (
	ErrNoItems           = errors.New("no items to render")
	ErrNoRenderableItems = errors.New("no renderable items")
)

const (
	StageLoad    = "load"
	StageCompose = "compose"
)

// Loader 按引用加载单品源图
type Loader interface {
	Load(ctx context.Context, ref string) (image.Image, error)
}

type Item struct {
	ItemRef  string             `json:"item_ref"`
	Position geometry.Placement `json:"position"`
}

type Request struct {
	Items      []Item `json:"items"`
	Background string `json:"background"`
}

type Skip struct {
	ItemRef string
	Stage   string
	Err     error
}

type Result struct {
	RequestID  string
	Image      []byte
	Quality    int
	Size       int
	Iterations int
	Drawn      int
	Skipped    []Skip
	Trace      []State
	// Recovered 为 true 表示有单品被跳过
	Recovered bool
}

type Options struct {
	FetchTimeout time.Duration
	Workers      int
}

type Service struct {
	loader     Loader
	compositor *compose.Compositor
	encoder    *encode.SizeEncoder
	opts       Options
}

func NewService(loader Loader, compositor *compose.Compositor, encoder *encode.SizeEncoder, opts Options) *Service {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Second
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	return &Service{loader: loader, compositor: compositor, encoder: encoder, opts: opts}
}

// Render 加载单品 → 合成 → 按目标大小编码
// 单个单品失败只跳过；没有单品、没有可绘制单品或编码失败时返回错误
func (s *Service) Render(ctx context.Context, req *Request) (*Result, error) {
	res := &Result{RequestID: ksuid.New().String()}
	log := util.Logger.With(zap.String("requestID", res.RequestID))
	m := newMachine()
	defer func() {
		res.Trace = m.trace
	}()

	fail := func(err error) (*Result, error) {
		if terr := m.to(Failed); terr != nil {
			err = errors.Join(err, terr)
		}
		log.Warn("preview failed", zap.Error(err), zap.Any("trace", m.trace))
		return res, err
	}

	if err := m.to(Resolving); err != nil {
		return res, err
	}
	if req == nil || len(req.Items) == 0 {
		return fail(ErrNoItems)
	}

	layers, refs := s.load(ctx, req.Items, res)
	if err := ctx.Err(); err != nil {
		return fail(err)
	}
	if len(res.Skipped) > 0 {
		res.Recovered = true
		if err := m.to(ErrorRecovered); err != nil {
			return fail(err)
		}
	}

	if err := m.to(Compositing); err != nil {
		return fail(err)
	}
	canvas := compose.Canvas{Background: req.Background}
	if canvas.Background == "" {
		canvas.Background = compose.DefaultBackground
	}
	comp, err := s.compositor.Compose(ctx, canvas, layers)
	if comp != nil {
		for _, sk := range comp.Skipped {
			res.Skipped = append(res.Skipped, Skip{ItemRef: refs[sk.ID], Stage: StageCompose, Err: sk.Err})
		}
	}
	if errors.Is(err, compose.ErrNoDrawableLayers) {
		return fail(fmt.Errorf("%w: %d of %d skipped", ErrNoRenderableItems, len(res.Skipped), len(req.Items)))
	}
	if err != nil {
		return fail(err)
	}
	if len(comp.Skipped) > 0 {
		res.Recovered = true
		if err := m.to(ErrorRecovered, Compositing); err != nil {
			return fail(err)
		}
	}
	res.Drawn = len(comp.Drawn)

	if err := m.to(Encoding); err != nil {
		return fail(err)
	}
	enc, err := s.encoder.Encode(comp.Image)
	if err != nil {
		return fail(err)
	}
	if err := m.to(Done); err != nil {
		return fail(err)
	}

	res.Image, res.Quality, res.Size, res.Iterations = enc.Bytes, enc.Quality, enc.Size, enc.Iterations
	log.Info("preview rendered",
		zap.Int("items", len(req.Items)), zap.Int("drawn", res.Drawn), zap.Int("skipped", len(res.Skipped)),
		zap.Int("quality", res.Quality), zap.Int("size", res.Size))
	return res, nil
}

// load 并发加载，每个单品受 FetchTimeout 限制，失败记录到 res.Skipped
func (s *Service) load(ctx context.Context, items []Item, res *Result) ([]compose.Layer, map[string]string) {
	imgs := make([]image.Image, len(items))
	errs := make([]error, len(items))

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for i, it := range items {
		g.Go(func() error {
			lctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
			defer cancel()
			imgs[i], errs[i] = s.loader.Load(lctx, it.ItemRef)
			return nil
		})
	}
	_ = g.Wait()

	layers := make([]compose.Layer, 0, len(items))
	refs := make(map[string]string, len(items))
	for i, it := range items {
		if errs[i] != nil {
			util.Logger.Warn("skip item", zap.String("ref", it.ItemRef), zap.Error(errs[i]))
			res.Skipped = append(res.Skipped, Skip{ItemRef: it.ItemRef, Stage: StageLoad, Err: errs[i]})
			continue
		}
		id := strconv.Itoa(i)
		refs[id] = it.ItemRef
		layers = append(layers, compose.Layer{ID: id, Image: imgs[i], Placement: it.Position})
	}
	return layers, refs
}
