package linmod

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Blocks groups sample indices by a shared block label (pair identifier,
// two-channel spot). Samples with no label become singleton blocks. Block
// order is deterministic: labelled blocks sorted by label, then singletons
// in sample order.
func Blocks(labels []string) [][]int {
	byLabel := make(map[string][]int)
	var singles [][]int
	for i, l := range labels {
		if l == "" {
			singles = append(singles, []int{i})
			continue
		}
		byLabel[l] = append(byLabel[l], i)
	}

	keys := make([]string, 0, len(byLabel))
	for k := range byLabel {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([][]int, 0, len(keys)+len(singles))
	for _, k := range keys {
		out = append(out, byLabel[k])
	}
	return append(out, singles...)
}

// BlockCorrelation estimates the common within-block correlation of the
// residuals, pooling per-feature estimates on the Fisher z scale with a
// trimmed mean. Residuals are laid out features x samples. Returns
// ErrCorrelation when no feature yields a defined estimate, which is the
// signal for the caller's fallback ladder.
func BlockCorrelation(resid *mat.Dense, blocks [][]int) (float64, error) {
	g, _ := resid.Dims()

	zs := make([]float64, 0, g)
	for j := 0; j < g; j++ {
		var sxy, sxx, syy float64
		for _, b := range blocks {
			if len(b) < 2 {
				continue
			}
			for a := 0; a < len(b); a++ {
				for c := a + 1; c < len(b); c++ {
					ea := resid.At(j, b[a])
					ec := resid.At(j, b[c])
					sxy += ea * ec
					sxx += ea * ea
					syy += ec * ec
				}
			}
		}
		if sxx <= 0 || syy <= 0 {
			continue
		}
		r := sxy / math.Sqrt(sxx*syy)
		if math.IsNaN(r) || math.IsInf(r, 0) {
			continue
		}
		// Guard atanh against |r| ~ 1.
		if r > 0.99 {
			r = 0.99
		} else if r < -0.99 {
			r = -0.99
		}
		zs = append(zs, math.Atanh(r))
	}

	if len(zs) == 0 {
		return 0, ErrCorrelation
	}

	rho := math.Tanh(trimmedMean(zs, 0.15))
	if math.IsNaN(rho) {
		return 0, ErrCorrelation
	}
	return rho, nil
}

// WhitenBlocks decorrelates samples that share a block under an
// equicorrelated model: cov within a block of size m is (1-rho)I + rho*J.
// The transform a*I + b*J per block is the inverse square root of that
// correlation matrix, so an ordinary fit on the transformed data is the
// generalized fit on the original. Inputs are copied. rho outside the valid
// range for the largest block returns ErrCorrelation.
func WhitenBlocks(y, x *mat.Dense, blocks [][]int, rho float64) (*mat.Dense, *mat.Dense, error) {
	g, n := y.Dims()
	_, p := x.Dims()

	wy := mat.NewDense(g, n, nil)
	wx := mat.NewDense(n, p, nil)

	for _, b := range blocks {
		m := float64(len(b))
		lam1 := 1 + (m-1)*rho // eigenvalue along the block mean
		lam2 := 1 - rho       // eigenvalue on the complement
		if lam1 <= 0 || lam2 <= 0 {
			return nil, nil, ErrCorrelation
		}
		a := 1 / math.Sqrt(lam2)
		bb := (1/math.Sqrt(lam1) - a) / m

		for j := 0; j < g; j++ {
			var sum float64
			for _, i := range b {
				sum += y.At(j, i)
			}
			for _, i := range b {
				wy.Set(j, i, a*y.At(j, i)+bb*sum)
			}
		}
		for k := 0; k < p; k++ {
			var sum float64
			for _, i := range b {
				sum += x.At(i, k)
			}
			for _, i := range b {
				wx.Set(i, k, a*x.At(i, k)+bb*sum)
			}
		}
	}

	return wy, wx, nil
}

func trimmedMean(xs []float64, trim float64) float64 {
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	lo := int(math.Floor(float64(len(s)) * trim))
	hi := len(s) - lo
	var sum float64
	for _, v := range s[lo:hi] {
		sum += v
	}
	return sum / float64(hi-lo)
}
