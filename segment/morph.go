package segment

import (
	"image"

	"github.com/disintegration/imaging"
)

// Element 方形结构元素
type Element struct {
	size    int
	offsets []image.Point
}

func (e Element) Size() int {
	return e.size
}

// ElementTable 结构元素查找表，初始化后只读，可在并发请求间共享
type ElementTable struct {
	elements map[int]Element
}

// Elements 进程内共享的结构元素表
var Elements = NewElementTable(3, 5, 7)

func NewElementTable(sizes ...int) *ElementTable {
	t := &ElementTable{elements: make(map[int]Element, len(sizes))}
	for _, size := range sizes {
		if size <= 0 || size%2 == 0 {
			continue
		}
		r := size / 2
		offsets := make([]image.Point, 0, size*size)
		for dy := -r; dy <= r; dy++ {
			for dx := -r; dx <= r; dx++ {
				offsets = append(offsets, image.Pt(dx, dy))
			}
		}
		t.elements[size] = Element{size: size, offsets: offsets}
	}
	return t
}

// Get 取指定尺寸的结构元素，不存在时退回 3×3
func (t *ElementTable) Get(size int) Element {
	if el, ok := t.elements[size]; ok {
		return el
	}
	if el, ok := t.elements[3]; ok {
		return el
	}
	return NewElementTable(3).elements[3]
}

// Dilate 膨胀：邻域内任一像素为前景则为前景，越界邻居忽略
func Dilate(mask *image.Gray, el Element) *image.Gray {
	return morph(mask, el, true)
}

// Erode 腐蚀：邻域内全部为前景才为前景，越界邻居忽略
func Erode(mask *image.Gray, el Element) *image.Gray {
	return morph(mask, el, false)
}

func Close(mask *image.Gray, el Element) *image.Gray {
	return Erode(Dilate(mask, el), el)
}

func Open(mask *image.Gray, el Element) *image.Gray {
	return Dilate(Erode(mask, el), el)
}

func morph(mask *image.Gray, el Element, dilate bool) *image.Gray {
	b := mask.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			hit := !dilate
			for _, o := range el.offsets {
				nx, ny := x+o.X, y+o.Y
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				fg := mask.Pix[ny*mask.Stride+nx] > 127
				if dilate && fg {
					hit = true
					break
				}
				if !dilate && !fg {
					hit = false
					break
				}
			}
			if hit {
				out.Pix[y*out.Stride+x] = 255
			}
		}
	}
	return out
}

// blurMask 只作用于掩码（即最终的 alpha 通道）
func blurMask(mask *image.Gray, sigma float64) *image.Gray {
	if sigma <= 0 {
		return mask
	}
	blurred := imaging.Blur(mask, sigma)
	b := blurred.Bounds()
	out := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			out.Pix[y*out.Stride+x] = blurred.Pix[y*blurred.Stride+x*4]
		}
	}
	return out
}
