package segment

import (
	"image"
	"image/draw"
)

// ForegroundRatio 掩码中前景像素的占比
func ForegroundRatio(mask *image.Gray) float64 {
	b := mask.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0
	}
	fg := 0
	for y := 0; y < b.Dy(); y++ {
		row := mask.Pix[y*mask.Stride : y*mask.Stride+b.Dx()]
		for _, v := range row {
			if v > 127 {
				fg++
			}
		}
	}
	return float64(fg) / float64(total)
}

// ApplyMask 把掩码写入 alpha 通道，原有透明度按比例保留
func ApplyMask(img image.Image, mask *image.Gray) *image.NRGBA {
	out := cloneNRGBA(img)
	b := out.Bounds()
	for y := 0; y < b.Dy() && y < mask.Bounds().Dy(); y++ {
		for x := 0; x < b.Dx() && x < mask.Bounds().Dx(); x++ {
			i := y*out.Stride + x*4 + 3
			m := uint32(mask.Pix[y*mask.Stride+x])
			out.Pix[i] = uint8(uint32(out.Pix[i]) * m / 255)
		}
	}
	return out
}

// luminance 灰度化，权重同 ITU-R BT.601
func luminance(img *image.NRGBA) []float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	lum := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*img.Stride + x*4
			lum[y*w+x] = 0.299*float64(img.Pix[i]) + 0.587*float64(img.Pix[i+1]) + 0.114*float64(img.Pix[i+2])
		}
	}
	return lum
}

func toNRGBA(img image.Image) *image.NRGBA {
	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Rect.Min == (image.Point{}) {
		return nrgba
	}
	return cloneNRGBA(img)
}

func cloneNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
