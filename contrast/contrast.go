// Package contrast extracts a single test-versus-control comparison from a
// fitted model, applies empirical-Bayes moderated testing, and computes
// standardized effect sizes for downstream meta-analysis.
package contrast

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/bioc/crossmeta/design"
	"github.com/bioc/crossmeta/fitter"
	"github.com/bioc/crossmeta/linmod"
	"gonum.org/v1/gonum/stat/distuv"
)

// ErrNoResidualDF reports a saturated fit that cannot support significance
// testing. Callers that can use effect magnitudes alone may opt in to the
// degraded result instead via Options.AllowNoResidDF.
var ErrNoResidualDF = errors.New("contrast: no residual degrees of freedom")

// Options tune the moderated test.
type Options struct {
	Robust         bool // winsorize variances against outlier features
	Trend          bool // fit the variance prior against mean expression
	AllowNoResidDF bool // permit the degraded, p-value-free result
	EffectSize     bool // append standardized effect size columns
}

// Row is one feature's differential statistics. The test and effect-size
// fields are pointers so a degraded table (and a run without effect sizes)
// serializes with those columns genuinely absent rather than as sentinel
// values.
type Row struct {
	ID        string   `csv:"id" json:"id"`
	LogFC     float64  `csv:"logfc" json:"logfc"`
	AveExpr   float64  `csv:"ave_expr" json:"ave_expr"`
	T         *float64 `csv:"t" json:"t,omitempty"`
	P         *float64 `csv:"p" json:"p,omitempty"`
	AdjP      *float64 `csv:"adj_p" json:"adj_p,omitempty"`
	Dprime    *float64 `csv:"dprime" json:"dprime,omitempty"`
	Vardprime *float64 `csv:"vardprime" json:"vardprime,omitempty"`
}

// TopTable is the ordered per-feature result for one contrast.
type TopTable struct {
	Contrast string  `json:"contrast"`
	Rows     []Row   `json:"rows"`
	Degraded bool    `json:"degraded"`
	DFTotal  float64 `json:"df_total"`
}

// Evaluate applies the test-minus-control contrast to the fit. Group names
// are sanitized identically to the design builder, so a lookup can only
// fail when the group genuinely was not modelled.
func Evaluate(fit *fitter.ModelFit, test, ctrl string, opts Options) (*TopTable, error) {
	ti := fit.Design.Column(design.Sanitize(test))
	ci := fit.Design.Column(design.Sanitize(ctrl))
	if ti < 0 || ci < 0 {
		return nil, fmt.Errorf("contrast %s-%s: group not present in design columns %v", test, ctrl, fit.Design.ColNames)
	}

	g, _ := fit.Coef.Dims()
	name := fmt.Sprintf("%s-%s", test, ctrl)

	logFC := make([]float64, g)
	for i := 0; i < g; i++ {
		logFC[i] = fit.Coef.At(i, ti) - fit.Coef.At(i, ci)
	}

	if fit.ResidDF <= 0 {
		if !opts.AllowNoResidDF {
			return nil, fmt.Errorf("contrast %s: %w", name, ErrNoResidualDF)
		}
		return degraded(fit, name, logFC), nil
	}

	// Contrast variance on the unscaled covariance: c'(X'X)^-1 c.
	varc := fit.CovUnscaled.At(ti, ti) + fit.CovUnscaled.At(ci, ci) - 2*fit.CovUnscaled.At(ti, ci)
	if varc <= 0 || math.IsNaN(varc) {
		return nil, fmt.Errorf("contrast %s: nonpositive contrast variance", name)
	}

	sq, err := linmod.Squeeze(fit.Sigma2, fit.ResidDF, fit.AMean, opts.Trend, opts.Robust)
	if err != nil {
		return nil, fmt.Errorf("contrast %s: %v", name, err)
	}

	dfTotal := fit.ResidDF + sq.DFPrior
	if math.IsInf(dfTotal, 1) || dfTotal > 1e6 {
		dfTotal = 1e6
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: dfTotal}

	ts := make([]float64, g)
	ps := make([]float64, g)
	for i := 0; i < g; i++ {
		se := math.Sqrt(varc * sq.VarPost[i])
		if se <= 0 {
			ts[i] = 0
			ps[i] = 1
			continue
		}
		ts[i] = logFC[i] / se
		ps[i] = 2 * dist.CDF(-math.Abs(ts[i]))
	}
	adj := linmod.AdjustBH(ps)

	// Effective per-group sample sizes from the indicator column sums.
	var n1, n2 float64
	ns, _ := fit.Design.X.Dims()
	for r := 0; r < ns; r++ {
		n1 += fit.Design.X.At(r, ti)
		n2 += fit.Design.X.At(r, ci)
	}

	rows := make([]Row, g)
	for i := 0; i < g; i++ {
		t, p, a := ts[i], ps[i], adj[i]
		rows[i] = Row{
			ID:      fit.Features.Names[i],
			LogFC:   logFC[i],
			AveExpr: fit.AMean[i],
			T:       &t,
			P:       &p,
			AdjP:    &a,
		}
		if opts.EffectSize && n1 > 0 && n2 > 0 {
			d := ts[i] * math.Sqrt(1/n1+1/n2)
			cm := 1 - 3/(4*dfTotal-1)
			dp := cm * d
			vdp := 1/n1 + 1/n2 + dp*dp/(2*(n1+n2))
			rows[i].Dprime = &dp
			rows[i].Vardprime = &vdp
		}
	}

	sort.SliceStable(rows, func(a, b int) bool {
		if *rows[a].AdjP != *rows[b].AdjP {
			return *rows[a].AdjP < *rows[b].AdjP
		}
		if *rows[a].P != *rows[b].P {
			return *rows[a].P < *rows[b].P
		}
		return math.Abs(*rows[a].T) > math.Abs(*rows[b].T)
	})

	return &TopTable{Contrast: name, Rows: rows, DFTotal: dfTotal}, nil
}

// degraded builds the minimal result for a saturated model: effect
// magnitudes only, ranked by absolute size, no statistical testing.
func degraded(fit *fitter.ModelFit, name string, logFC []float64) *TopTable {
	rows := make([]Row, len(logFC))
	for i := range rows {
		rows[i] = Row{
			ID:      fit.Features.Names[i],
			LogFC:   logFC[i],
			AveExpr: fit.AMean[i],
		}
	}
	sort.SliceStable(rows, func(a, b int) bool {
		return math.Abs(rows[a].LogFC) > math.Abs(rows[b].LogFC)
	})
	return &TopTable{Contrast: name, Rows: rows, Degraded: true}
}
