package segment

import (
	"image"
)

var gaussian3 = [3][3]float64{
	{1 / 16.0, 2 / 16.0, 1 / 16.0},
	{2 / 16.0, 4 / 16.0, 2 / 16.0},
	{1 / 16.0, 2 / 16.0, 1 / 16.0},
}

// OtsuThreshold 亮度 → 3×3 高斯平滑 → Otsu 全局阈值
// 边框像素多数被判为背景的一侧作为背景；直方图只有一个灰度级时返回空掩码
func OtsuThreshold(img *image.NRGBA) (*image.Gray, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	smoothed := smooth3(luminance(img), w, h)

	var hist [256]int
	levels := make([]uint8, len(smoothed))
	for i, v := range smoothed {
		l := uint8(min(255, max(0, v+0.5)))
		levels[i] = l
		hist[l]++
	}

	mask := image.NewGray(image.Rect(0, 0, w, h))
	t, ok := otsu(hist, len(levels))
	if !ok {
		return mask, nil
	}

	for i, l := range levels {
		if l > t {
			mask.Pix[(i/w)*mask.Stride+i%w] = 255
		}
	}

	if borderForeground(mask) {
		for y := 0; y < h; y++ {
			row := mask.Pix[y*mask.Stride : y*mask.Stride+w]
			for x := range row {
				row[x] = 255 - row[x]
			}
		}
	}
	return mask, nil
}

// otsu 返回使类间方差最大的阈值，像素 > t 为一类
func otsu(hist [256]int, total int) (uint8, bool) {
	var sum float64
	nonEmpty := 0
	for i, c := range hist {
		sum += float64(i * c)
		if c > 0 {
			nonEmpty++
		}
	}
	if nonEmpty < 2 {
		return 0, false
	}

	var sumB, best float64
	var wB int
	var t uint8
	for i := 0; i < 256; i++ {
		wB += hist[i]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(i * hist[i])
		mB := sumB / float64(wB)
		mF := (sum - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			t = uint8(i)
		}
	}
	return t, true
}

// smooth3 3×3 高斯卷积，边缘按最近像素延拓
func smooth3(src []float64, w, h int) []float64 {
	dst := make([]float64, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			for ky := -1; ky <= 1; ky++ {
				yy := min(h-1, max(0, y+ky))
				for kx := -1; kx <= 1; kx++ {
					xx := min(w-1, max(0, x+kx))
					sum += src[yy*w+xx] * gaussian3[ky+1][kx+1]
				}
			}
			dst[y*w+x] = sum
		}
	}
	return dst
}

// borderForeground 边框上前景像素是否占多数
func borderForeground(mask *image.Gray) bool {
	w, h := mask.Bounds().Dx(), mask.Bounds().Dy()
	fg, total := 0, 0
	count := func(x, y int) {
		total++
		if mask.Pix[y*mask.Stride+x] > 127 {
			fg++
		}
	}
	for x := 0; x < w; x++ {
		count(x, 0)
		if h > 1 {
			count(x, h-1)
		}
	}
	for y := 1; y < h-1; y++ {
		count(0, y)
		if w > 1 {
			count(w-1, y)
		}
	}
	return fg*2 > total
}
