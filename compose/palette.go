package compose

import (
	"image/color"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

const DefaultBackground = "bg-white"

var white = color.NRGBA{R: 255, G: 255, B: 255, A: 255}

// Palette 背景色令牌到颜色的查找表，构建后只读
type Palette struct {
	colors map[string]color.NRGBA
}

// DefaultPalette 前端可选的背景色
var DefaultPalette = MustPalette(map[string]string{
	"bg-white":      "#ffffff",
	"bg-slate-100":  "#f1f5f9",
	"bg-red-100":    "#fee2e2",
	"bg-orange-100": "#ffedd5",
	"bg-yellow-100": "#fef9c3",
	"bg-green-100":  "#dcfce7",
	"bg-sky-100":    "#e0f2fe",
	"bg-indigo-100": "#e0e7ff",
	"bg-pink-100":   "#fce7f3",
	"bg-slate-600":  "#475569",
	"bg-red-600":    "#dc2626",
	"bg-orange-700": "#c2410c",
	"bg-yellow-700": "#a16207",
	"bg-green-700":  "#15803d",
	"bg-sky-700":    "#0369a1",
	"bg-indigo-700": "#4338ca",
	"white":         "#ffffff",
	"black":         "#000000",
})

func NewPalette(tokens map[string]string) (*Palette, error) {
	p := &Palette{colors: make(map[string]color.NRGBA, len(tokens))}
	for token, hex := range tokens {
		c, err := colorful.Hex(hex)
		if err != nil {
			return nil, err
		}
		r, g, b := c.RGB255()
		p.colors[normalize(token)] = color.NRGBA{R: r, G: g, B: b, A: 255}
	}
	return p, nil
}

func MustPalette(tokens map[string]string) *Palette {
	p, err := NewPalette(tokens)
	if err != nil {
		panic(err)
	}
	return p
}

// Color 未知令牌返回白色
func (p *Palette) Color(token string) color.NRGBA {
	if c, ok := p.Lookup(token); ok {
		return c
	}
	return white
}

func (p *Palette) Lookup(token string) (color.NRGBA, bool) {
	c, ok := p.colors[normalize(token)]
	return c, ok
}

func normalize(token string) string {
	return strings.ToLower(strings.TrimSpace(token))
}
