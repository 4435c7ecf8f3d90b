package compose

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaos-io/lookbook/geometry"
)

var (
	red  = color.NRGBA{R: 255, A: 255}
	blue = color.NRGBA{B: 255, A: 255}
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func rgbaAt(img *image.RGBA, x, y int) color.RGBA {
	return img.RGBAAt(x, y)
}

func center(z int) geometry.Placement {
	return geometry.Placement{XPercent: 50, YPercent: 50, Scale: 1, ZIndex: z}
}

func TestCompositor_Compose_ZOrder(t *testing.T) {
	t.Parallel()

	c := NewCompositor(nil, nil, 2)
	layers := []Layer{
		{ID: "top", Image: solid(80, 100, blue), Placement: center(2)},
		{ID: "bottom", Image: solid(80, 100, red), Placement: center(1)},
	}

	res, err := c.Compose(context.Background(), Canvas{Background: "white"}, layers)
	require.NoError(t, err)

	assert.Equal(t, []string{"bottom", "top"}, res.Drawn)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, image.Rect(0, 0, 600, 750), res.Image.Bounds())

	// 中心 (300, 375+40) 只显示上层
	assert.Equal(t, color.RGBA{B: 255, A: 255}, rgbaAt(res.Image, 300, 415))
	whitePx := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	for _, p := range []image.Point{{0, 0}, {599, 0}, {0, 749}, {599, 749}} {
		assert.Equal(t, whitePx, rgbaAt(res.Image, p.X, p.Y))
	}
}

func TestCompositor_Compose_StableForEqualZIndex(t *testing.T) {
	t.Parallel()

	res, err := NewCompositor(nil, nil, 4).Compose(context.Background(), Canvas{}, []Layer{
		{ID: "first", Image: solid(40, 40, red), Placement: center(0)},
		{ID: "second", Image: solid(40, 40, blue), Placement: center(0)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, res.Drawn)
	assert.Equal(t, color.RGBA{B: 255, A: 255}, rgbaAt(res.Image, 300, 415))
}

func TestCompositor_Compose_Deterministic(t *testing.T) {
	t.Parallel()

	gradient := image.NewNRGBA(image.Rect(0, 0, 300, 240))
	for y := 0; y < 240; y++ {
		for x := 0; x < 300; x++ {
			gradient.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: uint8((x + y) % 256)})
		}
	}
	layers := []Layer{
		{ID: "a", Image: gradient, Placement: geometry.Placement{XPercent: 30, YPercent: 40, Scale: 1.3, Rotate: 17, ZIndex: 3}},
		{ID: "b", Image: solid(50, 90, red), Placement: geometry.Placement{XPercent: 60, YPercent: 55, Scale: 0.8, Rotate: -30, ZIndex: 1}},
		{ID: "c", Image: gradient, Placement: geometry.Placement{XPercent: 95, YPercent: 98, Scale: 2, ZIndex: 2}},
	}

	c := NewCompositor(nil, nil, 3)
	first, err := c.Compose(context.Background(), Canvas{Background: "bg-sky-100"}, layers)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := c.Compose(context.Background(), Canvas{Background: "bg-sky-100"}, layers)
		require.NoError(t, err)
		assert.Equal(t, first.Image.Pix, again.Image.Pix)
	}
}

func TestCompositor_Compose_SkipsBadLayers(t *testing.T) {
	t.Parallel()

	res, err := NewCompositor(nil, nil, 2).Compose(context.Background(), Canvas{}, []Layer{
		{ID: "nil", Placement: center(0)},
		{ID: "ok", Image: solid(10, 10, red), Placement: center(1)},
		{ID: "bad-scale", Image: solid(10, 10, blue), Placement: geometry.Placement{Scale: 0}},
		{ID: "huge", Image: solid(10, 10, blue), Placement: geometry.Placement{XPercent: 50, YPercent: 50, Scale: 1e7, ZIndex: 2}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"ok"}, res.Drawn)
	require.Len(t, res.Skipped, 3)
	assert.Equal(t, "nil", res.Skipped[0].ID)
	assert.ErrorIs(t, res.Skipped[0].Err, ErrNilImage)
	assert.Equal(t, "bad-scale", res.Skipped[1].ID)
	assert.ErrorIs(t, res.Skipped[1].Err, geometry.ErrInvalidScale)
	assert.Equal(t, "huge", res.Skipped[2].ID)
	assert.ErrorIs(t, res.Skipped[2].Err, geometry.ErrPlacementTooLarge)
}

func TestCompositor_Compose_NothingDrawable(t *testing.T) {
	t.Parallel()

	c := NewCompositor(nil, nil, 1)

	_, err := c.Compose(context.Background(), Canvas{}, nil)
	assert.ErrorIs(t, err, ErrNoDrawableLayers)

	_, err = c.Compose(context.Background(), Canvas{}, []Layer{{ID: "x"}})
	assert.ErrorIs(t, err, ErrNoDrawableLayers)
}

func TestCompositor_Compose_Canceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewCompositor(nil, nil, 1).Compose(ctx, Canvas{}, []Layer{{ID: "x", Image: solid(4, 4, red), Placement: center(0)}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCompositor_Compose_TransparentPixelsKeepBackground(t *testing.T) {
	t.Parallel()

	img := solid(40, 40, red)
	img.SetNRGBA(20, 20, color.NRGBA{})

	res, err := NewCompositor(nil, nil, 1).Compose(context.Background(), Canvas{Background: "bg-slate-600"}, []Layer{
		{ID: "holey", Image: img, Placement: center(0)},
	})
	require.NoError(t, err)

	// 40x40 中心在 (300,415)，左上角为 (280,395)
	assert.Equal(t, color.RGBA{R: 0x47, G: 0x55, B: 0x69, A: 255}, rgbaAt(res.Image, 300, 415))
	assert.Equal(t, color.RGBA{R: 255, A: 255}, rgbaAt(res.Image, 281, 396))
}

func TestPalette(t *testing.T) {
	t.Parallel()

	tests := []struct {
		token string
		want  color.NRGBA
	}{
		{token: "bg-white", want: color.NRGBA{R: 255, G: 255, B: 255, A: 255}},
		{token: "BG-Red-600 ", want: color.NRGBA{R: 0xdc, G: 0x26, B: 0x26, A: 255}},
		{token: "bg-indigo-700", want: color.NRGBA{R: 0x43, G: 0x38, B: 0xca, A: 255}},
		{token: "black", want: color.NRGBA{A: 255}},
		{token: "bg-unknown", want: white},
		{token: "", want: white},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DefaultPalette.Color(tt.token))
		})
	}

	_, err := NewPalette(map[string]string{"bad": "#zzz"})
	assert.Error(t, err)
}
