package segment

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	// seedMargin 初始矩形相对短边的内缩比例
	seedMargin = 0.02
	// smoothGamma 平滑项权重
	smoothGamma = 50.0
	// covarianceReg 协方差对角线正则，避免纯色区域奇异
	covarianceReg = 0.01
	// tieEps 能量相等时判为背景
	tieEps = 1e-9
)

var errTooSmall = errors.New("image too small for region seeding")

// RegionGrowingStrategy 类 GrabCut 的前景提取：
// 内缩矩形外为确定背景，矩形内为可能前景；每轮用前景/背景两个高斯混合模型
// 按数据项重新标注可能前景，再做一次对比度敏感的 ICM 平滑
func RegionGrowingStrategy(iterations, components int) StrategyFunc {
	if iterations <= 0 {
		iterations = 3
	}
	if components <= 0 {
		components = 5
	}
	return func(img *image.NRGBA) (*image.Gray, error) {
		return regionGrow(img, iterations, components)
	}
}

func regionGrow(img *image.NRGBA, iterations, k int) (*image.Gray, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	margin := max(1, int(math.Round(seedMargin*float64(min(w, h)))))
	seed := image.Rect(margin, margin, w-margin, h-margin)
	if seed.Empty() {
		return nil, fmt.Errorf("%w: %dx%d", errTooSmall, w, h)
	}

	n := w * h
	pix := make([][3]float64, n)
	fixed := make([]bool, n)
	fg := make([]bool, n)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*img.Stride + x*4
			p := y*w + x
			pix[p] = [3]float64{float64(img.Pix[i]), float64(img.Pix[i+1]), float64(img.Pix[i+2])}
			if image.Pt(x, y).In(seed) {
				fg[p] = true
			} else {
				fixed[p] = true
			}
		}
	}

	beta := contrastBeta(pix, w, h)
	dFg := make([]float64, n)
	dBg := make([]float64, n)

	var fgModel, bgModel *gmm
	for it := 0; it < iterations; it++ {
		var fgIdx, bgIdx []int
		for i, f := range fg {
			if f {
				fgIdx = append(fgIdx, i)
			} else {
				bgIdx = append(bgIdx, i)
			}
		}
		if len(fgIdx) == 0 || len(bgIdx) == 0 {
			break
		}

		var err error
		if fgModel, err = learnGMM(pix, fgIdx, fgModel, k); err != nil {
			return nil, fmt.Errorf("learn foreground model: %w", err)
		}
		if bgModel, err = learnGMM(pix, bgIdx, bgModel, k); err != nil {
			return nil, fmt.Errorf("learn background model: %w", err)
		}

		for i := range pix {
			if fixed[i] {
				continue
			}
			dFg[i] = -fgModel.logPDF(pix[i])
			dBg[i] = -bgModel.logPDF(pix[i])
			fg[i] = dFg[i]+tieEps < dBg[i]
		}

		smoothICM(fg, fixed, dFg, dBg, pix, w, h, beta)
	}

	mask := image.NewGray(image.Rect(0, 0, w, h))
	for i, f := range fg {
		if f {
			mask.Pix[(i/w)*mask.Stride+i%w] = 255
		}
	}
	return mask, nil
}

// smoothICM 一次迭代条件众数：数据项加上与异标签 4 邻域的对比度敏感惩罚
func smoothICM(fg, fixed []bool, dFg, dBg []float64, pix [][3]float64, w, h int, beta float64) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if fixed[i] {
				continue
			}
			eFg, eBg := dFg[i], dBg[i]
			for _, d := range [4][2]int{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
				nx, ny := x+d[0], y+d[1]
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				v := smoothGamma * math.Exp(-beta*sqDist(pix[i], pix[j]))
				if fg[j] {
					eBg += v
				} else {
					eFg += v
				}
			}
			fg[i] = eFg+tieEps < eBg
		}
	}
}

// contrastBeta β = 1 / (2·E[‖zp−zq‖²])，邻域颜色完全一致时为 0
func contrastBeta(pix [][3]float64, w, h int) float64 {
	var sum float64
	var count int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := y*w + x
			if x+1 < w {
				sum += sqDist(pix[i], pix[i+1])
				count++
			}
			if y+1 < h {
				sum += sqDist(pix[i], pix[i+w])
				count++
			}
		}
	}
	if count == 0 || sum <= math.SmallestNonzeroFloat64 {
		return 0
	}
	return 1 / (2 * sum / float64(count))
}

func sqDist(a, b [3]float64) float64 {
	dr, dg, db := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return dr*dr + dg*dg + db*db
}

type gaussian struct {
	mean [3]float64
	inv  [9]float64
	// logNorm = log(weight) − ½·log|Σ| − 3/2·log(2π)
	logNorm float64
}

func (g *gaussian) logPDF(x [3]float64) float64 {
	d := [3]float64{x[0] - g.mean[0], x[1] - g.mean[1], x[2] - g.mean[2]}
	var q float64
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			q += d[r] * g.inv[r*3+c] * d[c]
		}
	}
	return g.logNorm - 0.5*q
}

type gmm struct {
	comps []gaussian
}

func (m *gmm) logPDF(x [3]float64) float64 {
	best := math.Inf(-1)
	var buf [16]float64
	logs := buf[:0]
	for i := range m.comps {
		l := m.comps[i].logPDF(x)
		logs = append(logs, l)
		best = math.Max(best, l)
	}
	if math.IsInf(best, -1) {
		return best
	}
	var sum float64
	for _, l := range logs {
		sum += math.Exp(l - best)
	}
	return best + math.Log(sum)
}

func (m *gmm) component(x [3]float64) int {
	best, idx := math.Inf(-1), 0
	for i := range m.comps {
		if l := m.comps[i].logPDF(x); l > best {
			best, idx = l, i
		}
	}
	return idx
}

// learnGMM 首轮按亮度排序均分到 k 个分量，之后按上一轮模型的最大似然分量重新归类
func learnGMM(pix [][3]float64, idx []int, prev *gmm, k int) (*gmm, error) {
	groups := make([][]int, k)
	if prev == nil {
		sorted := append([]int(nil), idx...)
		sort.SliceStable(sorted, func(a, b int) bool {
			return lum3(pix[sorted[a]]) < lum3(pix[sorted[b]])
		})
		for r, i := range sorted {
			c := r * k / len(sorted)
			groups[c] = append(groups[c], i)
		}
	} else {
		for _, i := range idx {
			c := prev.component(pix[i]) % k
			groups[c] = append(groups[c], i)
		}
	}

	model := &gmm{}
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		comp, err := fitGaussian(pix, g, float64(len(g))/float64(len(idx)))
		if err != nil {
			return nil, err
		}
		model.comps = append(model.comps, comp)
	}
	if len(model.comps) == 0 {
		return nil, errors.New("no samples")
	}
	return model, nil
}

func fitGaussian(pix [][3]float64, idx []int, weight float64) (gaussian, error) {
	data := make([]float64, 0, len(idx)*3)
	for _, i := range idx {
		data = append(data, pix[i][:]...)
	}
	x := mat.NewDense(len(idx), 3, data)

	var g gaussian
	for c := 0; c < 3; c++ {
		g.mean[c] = stat.Mean(mat.Col(nil, c, x), nil)
	}

	cov := mat.NewSymDense(3, nil)
	if len(idx) > 1 {
		stat.CovarianceMatrix(cov, x, nil)
	}
	for c := 0; c < 3; c++ {
		cov.SetSym(c, c, cov.At(c, c)+covarianceReg)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return g, errors.New("covariance is not positive definite")
	}
	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		return g, fmt.Errorf("invert covariance: %w", err)
	}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			g.inv[r*3+c] = inv.At(r, c)
		}
	}
	g.logNorm = math.Log(weight) - 0.5*chol.LogDet() - 1.5*math.Log(2*math.Pi)
	return g, nil
}

func lum3(p [3]float64) float64 {
	return 0.299*p[0] + 0.587*p[1] + 0.114*p[2]
}
