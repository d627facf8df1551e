package fitter

import (
	"math"

	"github.com/bioc/crossmeta/exprset"
	"github.com/bioc/crossmeta/linmod"
	"github.com/bioc/crossmeta/prep"
	"github.com/carbocation/runningvariance"
	"github.com/gonum/stat"
	"gonum.org/v1/gonum/mat"
)

// qualityWeights scores each sample by the inverse variance of its
// residuals from an initial ordinary fit, scaled by the sample's effective
// library size for count assays, and normalized to mean one. Samples whose
// weight lands outside three standard deviations of the rest are clamped
// so a single bad array cannot dominate. When the initial fit is not
// possible every sample weighs one.
func qualityWeights(set *exprset.ExpressionSet, y, x *mat.Dense) []float64 {
	_, ns := y.Dims()

	w := make([]float64, ns)
	for i := range w {
		w[i] = 1
	}

	ls, err := linmod.Fit(y, x)
	if err != nil || ls.ResidDF <= 0 {
		return w
	}

	nf, _ := ls.Residuals.Dims()
	for j := 0; j < ns; j++ {
		rs := runningvariance.NewRunningStat()
		for i := 0; i < nf; i++ {
			rs.Push(ls.Residuals.At(i, j))
		}
		sd := rs.StandardDeviation()
		if sd > 0 {
			w[j] = 1 / (sd * sd)
		}
	}

	if set.CountBased {
		lib := prep.LibSizes(set)
		var mean float64
		for _, l := range lib {
			mean += l
		}
		mean /= float64(ns)
		if mean > 0 {
			for j := range w {
				w[j] *= lib[j] / mean
			}
		}
	}

	m, sd := stat.MeanStdDev(w, nil)
	for j := range w {
		if w[j] > m+3*sd {
			w[j] = m + 3*sd
		} else if w[j] < m-3*sd || w[j] <= 0 {
			w[j] = math.Max(m-3*sd, 1e-6)
		}
	}

	var sum float64
	for _, v := range w {
		sum += v
	}
	if sum <= 0 {
		for j := range w {
			w[j] = 1
		}
		return w
	}
	scale := float64(ns) / sum
	for j := range w {
		w[j] *= scale
	}
	return w
}
