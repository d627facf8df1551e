// Package sva estimates surrogate variables: latent covariates capturing
// unmodelled variation (batch effects and the like), discovered from the
// expression data itself. The estimate is orchestration around a residual
// SVD with a permutation significance test; any numerical failure recovers
// to zero surrogate variables so the pipeline continues unadjusted.
package sva

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/bioc/crossmeta/design"
	"github.com/bioc/crossmeta/exprset"
	"github.com/bioc/crossmeta/linmod"
	"github.com/minio/blake2b-simd"
	"gonum.org/v1/gonum/mat"
)

// Options control estimation. The seed is scoped to the call, so
// concurrent per-dataset runs stay deterministic regardless of order.
type Options struct {
	Enabled      bool
	Seed         int64
	Permutations int // default 20
}

// Result is zero or more surrogate variables, one column per variable,
// aligned to samples. The zero value means none were estimated.
type Result struct {
	SVs *mat.Dense `json:"-"`
	N   int        `json:"n"`
}

// Estimate discovers surrogate variables from the stabilized expression
// layer given the full and null designs. Disabled estimation returns zero
// columns without touching the data. Failures are recoverable by contract:
// the notice records what went wrong and the pipeline proceeds without
// surrogate adjustment.
func Estimate(set *exprset.ExpressionSet, full, null *design.Model, opts Options) (Result, string) {
	if !opts.Enabled {
		return Result{}, ""
	}
	if opts.Permutations <= 0 {
		opts.Permutations = 20
	}

	y := set.Layer(exprset.LayerVstab)
	if y == nil {
		y = set.Layer(exprset.LayerRaw)
	}

	// One-to-many feature-to-identifier maps upstream can leave exact
	// duplicate rows, which would bias the latent-factor estimate.
	y = dropDuplicateRows(y)

	fit, err := linmod.Fit(y, full.X)
	if err != nil {
		return Result{}, fmt.Sprintf("dataset %s: surrogate variable estimation failed (%v); continuing with none", set.Dataset, err)
	}

	resid := fit.Residuals
	fracs, vecs, ok := varianceFractions(resid)
	if !ok {
		return Result{}, fmt.Sprintf("dataset %s: surrogate variable estimation failed (degenerate residual matrix); continuing with none", set.Dataset)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	thresh, ok := permutationThresholds(resid, len(fracs), opts.Permutations, rng)
	if !ok {
		return Result{}, fmt.Sprintf("dataset %s: surrogate variable estimation failed (permutation SVD did not converge); continuing with none", set.Dataset)
	}

	n := 0
	for i := range fracs {
		if fracs[i] <= thresh[i] {
			break
		}
		n++
	}

	// At most n-of-samples minus model rank surrogate variables are
	// identifiable.
	_, p := full.X.Dims()
	if max := set.NumSamples() - p; n > max {
		n = max
	}
	if n <= 0 {
		return Result{}, ""
	}

	ns := set.NumSamples()
	svs := mat.NewDense(ns, n, nil)
	for j := 0; j < n; j++ {
		for i := 0; i < ns; i++ {
			svs.Set(i, j, vecs.At(i, j))
		}
	}

	return Result{SVs: svs, N: n}, ""
}

// varianceFractions runs the residual SVD and reports each component's
// share of total variance plus the sample-space singular vectors.
func varianceFractions(resid *mat.Dense) ([]float64, *mat.Dense, bool) {
	var svd mat.SVD
	if ok := svd.Factorize(resid, mat.SVDThin); !ok {
		return nil, nil, false
	}

	vals := svd.Values(nil)
	var total float64
	for _, d := range vals {
		total += d * d
	}
	if total <= 0 || math.IsNaN(total) {
		return nil, nil, false
	}

	fracs := make([]float64, len(vals))
	for i, d := range vals {
		fracs[i] = d * d / total
	}

	var v mat.Dense
	svd.VTo(&v)
	return fracs, &v, true
}

// permutationThresholds builds a null distribution of variance fractions by
// permuting each residual row independently, per Buja and Eyuboglu. The
// threshold per component is the 95th percentile across permutations.
func permutationThresholds(resid *mat.Dense, k, perms int, rng *rand.Rand) ([]float64, bool) {
	g, n := resid.Dims()

	null := make([][]float64, k)
	perm := mat.NewDense(g, n, nil)
	order := make([]int, n)

	for b := 0; b < perms; b++ {
		for i := 0; i < g; i++ {
			for j := range order {
				order[j] = j
			}
			rng.Shuffle(n, func(a, c int) { order[a], order[c] = order[c], order[a] })
			for j := 0; j < n; j++ {
				perm.Set(i, j, resid.At(i, order[j]))
			}
		}

		fracs, _, ok := varianceFractions(perm)
		if !ok {
			return nil, false
		}
		for i := 0; i < k && i < len(fracs); i++ {
			null[i] = append(null[i], fracs[i])
		}
	}

	thresh := make([]float64, k)
	for i := range thresh {
		if len(null[i]) == 0 {
			thresh[i] = math.Inf(1)
			continue
		}
		sort.Float64s(null[i])
		q := int(math.Ceil(0.95*float64(len(null[i])))) - 1
		if q < 0 {
			q = 0
		}
		thresh[i] = null[i][q]
	}
	return thresh, true
}

// dropDuplicateRows removes rows whose values are bit-identical to an
// earlier row, keyed by a blake2b fingerprint of the row bytes.
func dropDuplicateRows(y *mat.Dense) *mat.Dense {
	g, n := y.Dims()

	seen := make(map[[32]byte]bool, g)
	var keep []int
	buf := make([]byte, 8*n)
	for i := 0; i < g; i++ {
		for j := 0; j < n; j++ {
			binary.LittleEndian.PutUint64(buf[8*j:], math.Float64bits(y.At(i, j)))
		}
		sum := blake2b.Sum256(buf)
		if seen[sum] {
			continue
		}
		seen[sum] = true
		keep = append(keep, i)
	}

	if len(keep) == g {
		return y
	}
	out := mat.NewDense(len(keep), n, nil)
	for ii, i := range keep {
		for j := 0; j < n; j++ {
			out.Set(ii, j, y.At(i, j))
		}
	}
	return out
}
