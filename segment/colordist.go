package segment

import (
	"errors"
	"image"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// BackgroundDistance 取四条边框像素的逐通道中位数作为背景色，
// 与背景色的欧氏距离大于 mean+std 的像素视为前景
func BackgroundDistance(img *image.NRGBA) (*image.Gray, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w == 0 || h == 0 {
		return nil, errors.New("empty image")
	}

	bg := borderMedian(img)
	dist := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*img.Stride + x*4
			dr := float64(img.Pix[i]) - bg[0]
			dg := float64(img.Pix[i+1]) - bg[1]
			db := float64(img.Pix[i+2]) - bg[2]
			dist[y*w+x] = math.Sqrt(dr*dr + dg*dg + db*db)
		}
	}

	mean, std := stat.PopMeanStdDev(dist, nil)
	th := mean + std

	mask := image.NewGray(image.Rect(0, 0, w, h))
	for i, d := range dist {
		if d > th {
			mask.Pix[(i/w)*mask.Stride+i%w] = 255
		}
	}
	return mask, nil
}

func borderMedian(img *image.NRGBA) [3]float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	var channels [3][]float64
	add := func(x, y int) {
		i := y*img.Stride + x*4
		for c := 0; c < 3; c++ {
			channels[c] = append(channels[c], float64(img.Pix[i+c]))
		}
	}
	for x := 0; x < w; x++ {
		add(x, 0)
		add(x, h-1)
	}
	for y := 0; y < h; y++ {
		add(0, y)
		add(w-1, y)
	}

	var med [3]float64
	for c := range channels {
		med[c] = median(channels[c])
	}
	return med
}

// median 偶数个元素时取中间两个的平均值，会就地排序 values
func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sort.Float64s(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}
