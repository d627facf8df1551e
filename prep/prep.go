// Package prep readies an expression set for model fitting: low-count
// feature filtering, variance stabilization, and regressing surrogate
// variation out of a copy of the data used only for deduplication ranking.
package prep

import (
	"fmt"
	"math"

	"github.com/bioc/crossmeta/design"
	"github.com/bioc/crossmeta/exprset"
	"github.com/bioc/crossmeta/linmod"
	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/mat"
)

// LibSizes returns each sample's effective library size: library size times
// normalization factor, falling back to the raw column sum when the
// metadata does not carry a library size.
func LibSizes(set *exprset.ExpressionSet) []float64 {
	raw := set.Layer(exprset.LayerRaw)
	nf, ns := raw.Dims()

	out := make([]float64, ns)
	for j := 0; j < ns; j++ {
		l := 0.0
		if set.Samples[j].LibSize.Valid {
			l = set.Samples[j].LibSize.Float64
		} else {
			for i := 0; i < nf; i++ {
				l += raw.At(i, j)
			}
		}
		if set.Samples[j].NormFactor.Valid {
			l *= set.Samples[j].NormFactor.Float64
		}
		out[j] = l
	}
	return out
}

// FilterLowCounts removes features whose counts are too low to model
// reliably: a feature is kept when its counts-per-million clear a
// library-size-scaled cutoff in at least as many samples as the smallest
// group. No-op for continuous-intensity assays.
func FilterLowCounts(set *exprset.ExpressionSet) (*exprset.ExpressionSet, error) {
	if !set.CountBased {
		return set, nil
	}

	lib := LibSizes(set)
	med, err := stats.Median(stats.Float64Data(lib))
	if err != nil || med <= 0 {
		return nil, fmt.Errorf("dataset %s: cannot determine median library size", set.Dataset)
	}
	cutoff := 10 / (med / 1e6)

	minGroup := minGroupSize(set)
	if minGroup < 1 {
		minGroup = 1
	}

	raw := set.Layer(exprset.LayerRaw)
	nf, ns := raw.Dims()
	var keep []int
	for i := 0; i < nf; i++ {
		pass := 0
		for j := 0; j < ns; j++ {
			if lib[j] <= 0 {
				continue
			}
			if raw.At(i, j)/lib[j]*1e6 >= cutoff {
				pass++
			}
		}
		if pass >= minGroup {
			keep = append(keep, i)
		}
	}

	if len(keep) == 0 {
		return nil, fmt.Errorf("dataset %s: no features pass the low-count filter", set.Dataset)
	}
	return set.SelectFeatures(keep)
}

// StabilizeVariance attaches the variance-stabilized layer. Counts get a
// log2 counts-per-million transform with a half-count offset; microarray
// intensities are already approximately variance-stable after upstream
// normalization, so the stabilized layer is the raw one. Idempotent: an
// existing stabilized layer (e.g. supplied externally) is kept unchanged.
func StabilizeVariance(set *exprset.ExpressionSet) (*exprset.ExpressionSet, error) {
	if set.Layer(exprset.LayerVstab) != nil {
		return set, nil
	}

	raw := set.Layer(exprset.LayerRaw)
	if !set.CountBased {
		return set.WithLayer(exprset.LayerVstab, raw)
	}

	lib := LibSizes(set)
	nf, ns := raw.Dims()
	v := mat.NewDense(nf, ns, nil)
	for j := 0; j < ns; j++ {
		l := lib[j] + 1
		for i := 0; i < nf; i++ {
			v.Set(i, j, math.Log2((raw.At(i, j)+0.5)/l*1e6))
		}
	}
	return set.WithLayer(exprset.LayerVstab, v)
}

// AdjustForNuisance attaches the adjusted layer: the stabilized values with
// the surrogate-variable component regressed out. The adjusted layer ranks
// features during deduplication only; the final statistical fit always uses
// the unadjusted values with the surrogates as model covariates. A solve
// failure is recoverable: the stabilized layer stands in unadjusted and the
// returned notice records the fallback.
func AdjustForNuisance(set *exprset.ExpressionSet, svs *mat.Dense, nsv int) (*exprset.ExpressionSet, string, error) {
	vstab := set.Layer(exprset.LayerVstab)
	if vstab == nil {
		return nil, "", fmt.Errorf("dataset %s: variance-stabilized layer missing", set.Dataset)
	}

	if svs == nil || nsv == 0 {
		out, err := set.WithLayer(exprset.LayerAdjusted, vstab)
		return out, "", err
	}

	model, err := design.Intercept(set.NumSamples()).WithSVs(svs, nsv)
	if err != nil {
		return nil, "", err
	}

	fit, err := linmod.Fit(vstab, model.X)
	if err != nil {
		// Rank-deficient nuisance design: fall back to the unadjusted
		// matrix rather than aborting the dataset.
		out, werr := set.WithLayer(exprset.LayerAdjusted, vstab)
		if werr != nil {
			return nil, "", werr
		}
		return out, fmt.Sprintf("dataset %s: nuisance adjustment failed (%v); ranking on unadjusted values", set.Dataset, err), nil
	}

	nf, ns := vstab.Dims()
	adj := mat.NewDense(nf, ns, nil)
	for i := 0; i < nf; i++ {
		for j := 0; j < ns; j++ {
			sv := 0.0
			for k := 0; k < nsv; k++ {
				// Coefficient column k+1: column 0 is the intercept,
				// which is deliberately left in.
				sv += svs.At(j, k) * fit.Coef.At(i, k+1)
			}
			adj.Set(i, j, vstab.At(i, j)-sv)
		}
	}

	out, err := set.WithLayer(exprset.LayerAdjusted, adj)
	return out, "", err
}

func minGroupSize(set *exprset.ExpressionSet) int {
	counts := make(map[string]int)
	for _, s := range set.Samples {
		if s.Group.Valid && s.Group.String != "" {
			counts[s.Group.String]++
		}
	}
	min := 0
	for _, c := range counts {
		if min == 0 || c < min {
			min = c
		}
	}
	return min
}
