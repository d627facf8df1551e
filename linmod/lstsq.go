// Package linmod provides the numerical primitives the expression pipeline
// orchestrates: per-feature least squares against a shared design, block
// correlation estimation and whitening for non-independent replicates, and
// empirical-Bayes variance squeezing for moderated testing.
package linmod

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	// ErrSingular reports a design the solver cannot invert.
	ErrSingular = errors.New("linmod: singular or near-singular design")

	// ErrCorrelation reports that a block correlation could not be
	// estimated from the residuals.
	ErrCorrelation = errors.New("linmod: block correlation undefined")
)

// LSFit is a least-squares fit of every feature (matrix row) against one
// shared design. CovUnscaled is (X'X)^-1 on the whitened scale; multiplying
// by a feature's Sigma2 gives that feature's coefficient covariance.
type LSFit struct {
	Coef        *mat.Dense // features x p
	CovUnscaled *mat.Dense // p x p
	Sigma2      []float64  // per-feature residual variance
	ResidDF     float64    // n - p, floored at zero
	Residuals   *mat.Dense // features x n
}

// Fit solves the per-feature least-squares problem y ~ x, with y laid out
// features x samples and x samples x coefficients. A rank-deficient design
// returns ErrSingular. Zero residual degrees of freedom is not an error
// here: Sigma2 becomes NaN and the caller decides whether a degraded result
// is acceptable.
func Fit(y, x *mat.Dense) (*LSFit, error) {
	g, n := y.Dims()
	xn, p := x.Dims()
	if xn != n {
		return nil, errors.New("linmod: design rows do not match sample count")
	}

	yt := mat.DenseCopyOf(y.T()) // n x g

	var beta mat.Dense
	if err := beta.Solve(x, yt); err != nil {
		return nil, ErrSingular
	}

	var fitted mat.Dense
	fitted.Mul(x, &beta) // n x g

	resid := mat.NewDense(g, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < g; j++ {
			resid.Set(j, i, yt.At(i, j)-fitted.At(i, j))
		}
	}

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	var cov mat.Dense
	if err := cov.Inverse(&xtx); err != nil {
		return nil, ErrSingular
	}

	df := float64(n - p)
	if df < 0 {
		df = 0
	}

	sigma2 := make([]float64, g)
	for j := 0; j < g; j++ {
		if df == 0 {
			sigma2[j] = math.NaN()
			continue
		}
		var rss float64
		for i := 0; i < n; i++ {
			e := resid.At(j, i)
			rss += e * e
		}
		sigma2[j] = rss / df
	}

	return &LSFit{
		Coef:        mat.DenseCopyOf(beta.T()),
		CovUnscaled: &cov,
		Sigma2:      sigma2,
		ResidDF:     df,
		Residuals:   resid,
	}, nil
}

// ApplyWeights scales each sample (column of y, row of x) by the square root
// of its weight, turning a weighted least-squares problem into an ordinary
// one. The inputs are copied, not mutated.
func ApplyWeights(y, x *mat.Dense, w []float64) (*mat.Dense, *mat.Dense, error) {
	g, n := y.Dims()
	_, p := x.Dims()
	if len(w) != n {
		return nil, nil, errors.New("linmod: weight count does not match sample count")
	}

	wy := mat.NewDense(g, n, nil)
	wx := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		if w[i] <= 0 || math.IsNaN(w[i]) {
			return nil, nil, errors.New("linmod: nonpositive sample weight")
		}
		s := math.Sqrt(w[i])
		for j := 0; j < g; j++ {
			wy.Set(j, i, y.At(j, i)*s)
		}
		for k := 0; k < p; k++ {
			wx.Set(i, k, x.At(i, k)*s)
		}
	}

	return wy, wx, nil
}
