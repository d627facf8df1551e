package linmod

import (
	"errors"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mathext"
)

// SqueezeResult carries the empirical-Bayes prior fitted to the per-feature
// residual variances and the posterior variances used for moderated testing.
type SqueezeResult struct {
	DFPrior  float64
	VarPrior []float64
	VarPost  []float64
}

// Squeeze shrinks per-feature sample variances toward a common (or
// mean-trended) prior by fitting a scaled inverse chi-square distribution to
// them, following Smyth's moment estimator on the log scale. df is the
// residual degrees of freedom shared by all features. With trend set, the
// prior variance follows a binned running median against amean; with robust
// set, the log variances are winsorized before the moment fit so outlier
// features do not inflate the prior.
func Squeeze(s2 []float64, df float64, amean []float64, trend, robust bool) (*SqueezeResult, error) {
	if df <= 0 {
		return nil, errors.New("linmod: cannot squeeze variances without residual degrees of freedom")
	}

	g := len(s2)
	z := make([]float64, g)
	for i, v := range s2 {
		if v <= 0 || math.IsNaN(v) {
			// Zero sample variance carries no information; pin it just
			// above the smallest representable log.
			v = 1e-15
		}
		z[i] = math.Log(v)
	}

	// e is an unbiased estimator of log(sigma^2) under the chi-square
	// sampling model.
	bias := digamma(df/2) - math.Log(df/2)
	e := make([]float64, g)
	for i := range z {
		e[i] = z[i] - bias
	}

	if robust {
		lo, err1 := stats.Percentile(stats.Float64Data(e), 5)
		hi, err2 := stats.Percentile(stats.Float64Data(e), 95)
		if err1 == nil && err2 == nil {
			for i := range e {
				if e[i] < lo {
					e[i] = lo
				} else if e[i] > hi {
					e[i] = hi
				}
			}
		}
	}

	emean := make([]float64, g)
	if trend && len(amean) == g && g >= 20 {
		fitted := binnedMedianTrend(amean, e, 10)
		copy(emean, fitted)
	} else {
		var sum float64
		for _, v := range e {
			sum += v
		}
		m := sum / float64(g)
		for i := range emean {
			emean[i] = m
		}
	}

	var evar float64
	for i := range e {
		d := e[i] - emean[i]
		evar += d * d
	}
	if g > 1 {
		evar /= float64(g - 1)
	}
	evar -= trigamma(df / 2)

	res := &SqueezeResult{
		VarPrior: make([]float64, g),
		VarPost:  make([]float64, g),
	}

	if evar > 0 {
		res.DFPrior = 2 * trigammaInverse(evar)
		for i := range res.VarPrior {
			res.VarPrior[i] = math.Exp(emean[i] + digamma(res.DFPrior/2) - math.Log(res.DFPrior/2))
		}
	} else {
		res.DFPrior = math.Inf(1)
		for i := range res.VarPrior {
			res.VarPrior[i] = math.Exp(emean[i])
		}
	}

	for i := range res.VarPost {
		if math.IsInf(res.DFPrior, 1) {
			res.VarPost[i] = res.VarPrior[i]
			continue
		}
		res.VarPost[i] = (res.DFPrior*res.VarPrior[i] + df*s2[i]) / (res.DFPrior + df)
	}

	return res, nil
}

// AdjustBH returns Benjamini-Hochberg adjusted p-values in input order.
func AdjustBH(p []float64) []float64 {
	n := len(p)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return p[idx[a]] < p[idx[b]] })

	adj := make([]float64, n)
	min := 1.0
	for r := n - 1; r >= 0; r-- {
		i := idx[r]
		v := p[i] * float64(n) / float64(r+1)
		if v < min {
			min = v
		}
		adj[i] = min
	}
	return adj
}

func digamma(x float64) float64 { return mathext.Digamma(x) }

// trigamma via the Hurwitz zeta function: psi'(x) = zeta(2, x).
func trigamma(x float64) float64 { return mathext.Zeta(2, x) }

// tetragamma: psi''(x) = -2*zeta(3, x).
func tetragamma(x float64) float64 { return -2 * mathext.Zeta(3, x) }

// trigammaInverse solves trigamma(x) = y by Newton iteration, with the
// asymptotic closed forms at the extremes.
func trigammaInverse(y float64) float64 {
	if y > 1e7 {
		return 1 / math.Sqrt(y)
	}
	if y < 1e-6 {
		return 1 / y
	}

	x := 0.5 + 1/y
	for i := 0; i < 50; i++ {
		tri := trigamma(x)
		dif := tri * (1 - tri/y) / tetragamma(x)
		x += dif
		if -dif/x < 1e-8 {
			break
		}
	}
	return x
}

// binnedMedianTrend fits a coarse trend of y against x: features are split
// into nbins equal-count bins by x and each feature takes its bin's median.
func binnedMedianTrend(x, y []float64, nbins int) []float64 {
	g := len(x)
	idx := make([]int, g)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })

	out := make([]float64, g)
	per := g / nbins
	if per < 1 {
		per = 1
	}
	for start := 0; start < g; start += per {
		end := start + per
		if end > g || g-end < per {
			end = g
		}
		vals := make([]float64, 0, end-start)
		for _, i := range idx[start:end] {
			vals = append(vals, y[i])
		}
		med, err := stats.Median(stats.Float64Data(vals))
		if err != nil {
			med = 0
		}
		for _, i := range idx[start:end] {
			out[i] = med
		}
		if end == g {
			break
		}
	}
	return out
}
