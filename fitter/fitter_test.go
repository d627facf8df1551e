package fitter

import (
	"math"
	"strings"
	"testing"

	"github.com/bioc/crossmeta/design"
	"github.com/bioc/crossmeta/exprset"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/guregu/null.v3"
)

func buildSet(t *testing.T, raw *mat.Dense, groups, pairs []string, counts, twoChannel bool) *exprset.ExpressionSet {
	t.Helper()

	nf, ns := raw.Dims()
	samples := make([]exprset.Sample, ns)
	for j := range samples {
		samples[j].Name = "s" + string(rune('1'+j))
		samples[j].Group = null.StringFrom(groups[j])
		if pairs != nil && pairs[j] != "" {
			samples[j].Pair = null.StringFrom(pairs[j])
		}
	}
	names := make([]string, nf)
	for i := range names {
		names[i] = "g" + string(rune('1'+i))
	}
	set := exprset.New("test", raw, samples, exprset.FeatureTable{Names: names, Columns: map[string][]string{}})
	set.CountBased = counts
	set.TwoChannel = twoChannel

	out, err := set.WithLayer(exprset.LayerVstab, raw)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestShapeOf(t *testing.T) {
	raw := mat.NewDense(1, 4, []float64{1, 2, 3, 4})
	groups := []string{"a", "a", "b", "b"}
	pairs := []string{"p1", "p2", "p1", "p2"}

	for _, v := range []struct {
		pairs      []string
		counts     bool
		twoChannel bool
		want       Shape
	}{
		{nil, false, false, SingleUnpaired},
		{pairs, false, false, SinglePaired},
		{nil, true, false, CountUnpaired},
		{pairs, true, false, CountPaired},
		{pairs, false, true, TwoChannel},
	} {
		set := buildSet(t, raw, groups, v.pairs, v.counts, v.twoChannel)
		if got := ShapeOf(set); got != v.want {
			t.Errorf("ShapeOf(counts=%v, twoChannel=%v, paired=%v) = %v, want %v",
				v.counts, v.twoChannel, v.pairs != nil, got, v.want)
		}
	}
}

func TestFitSingleUnpaired(t *testing.T) {
	raw := mat.NewDense(2, 6, []float64{
		1, 2, 3, 7, 8, 9,
		4, 4, 4, 4, 4, 4,
	})
	groups := []string{"a", "a", "a", "b", "b", "b"}
	set := buildSet(t, raw, groups, nil, false, false)

	m, err := design.Groups(groups)
	if err != nil {
		t.Fatal(err)
	}

	fit, err := Fit(set, m)
	if err != nil {
		t.Fatal(err)
	}

	// Coefficients are the group means.
	if got := fit.Coef.At(0, 0); math.Abs(got-2) > 1e-10 {
		t.Errorf("coef a = %v, want 2", got)
	}
	if got := fit.Coef.At(0, 1); math.Abs(got-8) > 1e-10 {
		t.Errorf("coef b = %v, want 8", got)
	}
	if fit.ResidDF != 4 {
		t.Errorf("ResidDF = %v, want 4", fit.ResidDF)
	}
	if got := fit.AMean[0]; math.Abs(got-5) > 1e-10 {
		t.Errorf("AMean[0] = %v, want 5", got)
	}
	if len(fit.Notices) != 0 {
		t.Errorf("unexpected notices %v", fit.Notices)
	}
}

func TestFitSinglePaired(t *testing.T) {
	// Each pair shares an offset, so the residuals correlate within pairs
	// and the correlated fit applies cleanly.
	raw := mat.NewDense(3, 8, []float64{
		1.5, 2.4, 1.6, 2.6, 7.4, 8.5, 7.6, 8.6,
		3.1, 4.0, 2.9, 4.1, 5.0, 6.1, 4.9, 5.9,
		2.2, 3.3, 2.1, 3.2, 6.3, 7.2, 6.2, 7.3,
	})
	groups := []string{"a", "a", "a", "a", "b", "b", "b", "b"}
	pairs := []string{"p1", "p2", "p3", "p4", "p1", "p2", "p3", "p4"}
	set := buildSet(t, raw, groups, pairs, false, false)

	m, err := design.Groups(groups)
	if err != nil {
		t.Fatal(err)
	}

	fit, err := Fit(set, m)
	if err != nil {
		t.Fatal(err)
	}
	if fit.ResidDF <= 0 {
		t.Fatalf("ResidDF = %v", fit.ResidDF)
	}
	// Whitening preserves the estimable group difference closely for a
	// balanced design.
	diff := fit.Coef.At(0, 1) - fit.Coef.At(0, 0)
	if math.Abs(diff-6) > 0.5 {
		t.Errorf("group difference = %v, want near 6", diff)
	}
}

func TestFitPairedFallbackLadder(t *testing.T) {
	// A perfect fit leaves zero residuals, so the pair correlation is
	// undefined and the fit must degrade to fixed-effect pairing.
	raw := mat.NewDense(2, 4, []float64{
		1, 1, 2, 2,
		5, 5, 9, 9,
	})
	groups := []string{"a", "a", "b", "b"}
	pairs := []string{"p1", "p2", "p1", "p2"}
	set := buildSet(t, raw, groups, pairs, false, false)

	m, err := design.Groups(groups)
	if err != nil {
		t.Fatal(err)
	}

	fit, err := Fit(set, m)
	if err != nil {
		t.Fatal(err)
	}

	if len(fit.Notices) == 0 {
		t.Fatal("expected a fallback notice")
	}
	if !strings.Contains(fit.Notices[0], "fixed effect") {
		t.Fatalf("unexpected notice %q", fit.Notices[0])
	}
	// The design actually fitted carries the pair column.
	found := false
	for _, n := range fit.Design.ColNames {
		if strings.HasPrefix(n, "pair") {
			found = true
		}
	}
	if !found {
		t.Fatalf("fallback design %v has no pair column", fit.Design.ColNames)
	}
}

func TestFitCountPairedFallback(t *testing.T) {
	// Four pairs whose counts the group model explains exactly: zero
	// residuals leave the pair correlation undefined, so the count-paired
	// strategy must degrade to fixed-effect pairing and keep positive
	// residual degrees of freedom.
	raw := mat.NewDense(2, 8, []float64{
		4, 4, 4, 4, 6, 6, 6, 6,
		2, 2, 2, 2, 9, 9, 9, 9,
	})
	groups := []string{"a", "a", "a", "a", "b", "b", "b", "b"}
	pairs := []string{"p1", "p2", "p3", "p4", "p1", "p2", "p3", "p4"}
	set := buildSet(t, raw, groups, pairs, true, false)

	m, err := design.Groups(groups)
	if err != nil {
		t.Fatal(err)
	}

	fit, err := Fit(set, m)
	if err != nil {
		t.Fatal(err)
	}
	if len(fit.Notices) == 0 {
		t.Fatal("expected a fallback notice")
	}
	if !strings.Contains(fit.Notices[0], "fixed effect") {
		t.Fatalf("unexpected notice %q", fit.Notices[0])
	}
	// Two groups plus three pair columns over eight samples.
	if fit.ResidDF != 3 {
		t.Fatalf("ResidDF = %v, want 3", fit.ResidDF)
	}
}

func TestFitPairedDropsPairing(t *testing.T) {
	// One real pair plus two singletons: fixed-effect pairing saturates the
	// design, so the final rung drops pairing and refits on groups alone.
	raw := mat.NewDense(2, 4, []float64{
		1, 5, 1, 5,
		3, 8, 3, 8,
	})
	groups := []string{"a", "b", "a", "b"}
	pairs := []string{"p1", "p1", "p2", "p3"}
	set := buildSet(t, raw, groups, pairs, false, false)

	m, err := design.Groups(groups)
	if err != nil {
		t.Fatal(err)
	}

	fit, err := Fit(set, m)
	if err != nil {
		t.Fatal(err)
	}
	if len(fit.Notices) < 2 || !strings.Contains(fit.Notices[1], "dropping pairing") {
		t.Fatalf("expected a drop-pairing notice, got %v", fit.Notices)
	}
	if fit.ResidDF != 2 {
		t.Fatalf("ResidDF = %v, want 2 after dropping pairing", fit.ResidDF)
	}
	for _, n := range fit.Design.ColNames {
		if strings.HasPrefix(n, "pair") {
			t.Fatalf("dropped design still carries pair column %q", n)
		}
	}
}

func TestFitCountUnpaired(t *testing.T) {
	raw := mat.NewDense(3, 6, []float64{
		5.1, 5.9, 5.4, 8.2, 8.8, 8.5,
		3.2, 3.9, 3.5, 3.3, 3.8, 3.6,
		6.5, 7.1, 6.8, 4.2, 4.9, 4.5,
	})
	groups := []string{"a", "a", "a", "b", "b", "b"}
	set := buildSet(t, raw, groups, nil, true, false)

	m, err := design.Groups(groups)
	if err != nil {
		t.Fatal(err)
	}

	fit, err := Fit(set, m)
	if err != nil {
		t.Fatal(err)
	}
	if fit.ResidDF != 4 {
		t.Errorf("ResidDF = %v, want 4", fit.ResidDF)
	}
	// Weighted group estimates stay close to the plain means.
	if got := fit.Coef.At(0, 0); math.Abs(got-5.47) > 0.45 {
		t.Errorf("coef a = %v, want near 5.47", got)
	}
}

func TestFitTwoChannelIndependentFallback(t *testing.T) {
	// Zero residuals: the intra-spot correlation cannot be estimated and
	// the channels are treated as independent, with a notice.
	raw := mat.NewDense(2, 4, []float64{
		1, 1, 3, 3,
		2, 2, 5, 5,
	})
	groups := []string{"a", "a", "b", "b"}
	pairs := []string{"a1", "a2", "a1", "a2"}
	set := buildSet(t, raw, groups, pairs, false, true)

	m, err := design.Groups(groups)
	if err != nil {
		t.Fatal(err)
	}

	fit, err := Fit(set, m)
	if err != nil {
		t.Fatal(err)
	}
	if len(fit.Notices) == 0 {
		t.Fatal("expected an independence notice")
	}
	if !strings.Contains(fit.Notices[0], "independent") {
		t.Fatalf("unexpected notice %q", fit.Notices[0])
	}
	if got := fit.Coef.At(0, 1); math.Abs(got-3) > 1e-10 {
		t.Errorf("coef b = %v, want 3", got)
	}
}

func TestQualityWeightsFallback(t *testing.T) {
	// Saturated design: weights degrade to all ones.
	raw := mat.NewDense(1, 2, []float64{3, 7})
	groups := []string{"a", "b"}
	set := buildSet(t, raw, groups, nil, true, false)

	m, err := design.Groups(groups)
	if err != nil {
		t.Fatal(err)
	}

	w := qualityWeights(set, set.Layer(exprset.LayerVstab), m.X)
	for j, v := range w {
		if v != 1 {
			t.Fatalf("weight[%d] = %v, want 1", j, v)
		}
	}
}
