package linmod

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// Two groups of three samples each; the group-means design recovers the
// per-group means exactly and the residual variance by hand.
func TestFitGroupMeans(t *testing.T) {
	y := mat.NewDense(2, 6, []float64{
		1, 2, 3, 7, 8, 9,
		5, 5, 5, 5, 5, 5,
	})
	x := mat.NewDense(6, 2, []float64{
		1, 0,
		1, 0,
		1, 0,
		0, 1,
		0, 1,
		0, 1,
	})

	fit, err := Fit(y, x)
	if err != nil {
		t.Fatal(err)
	}

	if fit.ResidDF != 4 {
		t.Fatalf("ResidDF = %v, want 4", fit.ResidDF)
	}

	for _, v := range []struct {
		row, col int
		want     float64
	}{
		{0, 0, 2}, {0, 1, 8},
		{1, 0, 5}, {1, 1, 5},
	} {
		if got := fit.Coef.At(v.row, v.col); math.Abs(got-v.want) > 1e-10 {
			t.Errorf("coef[%d][%d] = %v, want %v", v.row, v.col, got, v.want)
		}
	}

	// Feature 0: residuals (-1,0,1,-1,0,1), RSS 4, df 4.
	if got := fit.Sigma2[0]; math.Abs(got-1) > 1e-10 {
		t.Errorf("Sigma2[0] = %v, want 1", got)
	}
	if got := fit.Sigma2[1]; math.Abs(got) > 1e-10 {
		t.Errorf("Sigma2[1] = %v, want 0", got)
	}

	// (X'X)^-1 for balanced groups of 3.
	if got := fit.CovUnscaled.At(0, 0); math.Abs(got-1.0/3) > 1e-10 {
		t.Errorf("CovUnscaled[0][0] = %v, want 1/3", got)
	}
	if got := fit.CovUnscaled.At(0, 1); math.Abs(got) > 1e-10 {
		t.Errorf("CovUnscaled[0][1] = %v, want 0", got)
	}
}

func TestFitSingular(t *testing.T) {
	y := mat.NewDense(1, 3, []float64{1, 2, 3})
	// Second column duplicates the first.
	x := mat.NewDense(3, 2, []float64{
		1, 1,
		1, 1,
		1, 1,
	})

	if _, err := Fit(y, x); !errors.Is(err, ErrSingular) {
		t.Fatalf("expected ErrSingular, got %v", err)
	}
}

func TestFitSaturated(t *testing.T) {
	y := mat.NewDense(1, 2, []float64{3, 7})
	x := mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})

	fit, err := Fit(y, x)
	if err != nil {
		t.Fatal(err)
	}
	if fit.ResidDF != 0 {
		t.Fatalf("ResidDF = %v, want 0", fit.ResidDF)
	}
	if !math.IsNaN(fit.Sigma2[0]) {
		t.Fatalf("saturated Sigma2 = %v, want NaN", fit.Sigma2[0])
	}
}

func TestApplyWeights(t *testing.T) {
	y := mat.NewDense(1, 2, []float64{2, 3})
	x := mat.NewDense(2, 1, []float64{1, 1})

	wy, wx, err := ApplyWeights(y, x, []float64{4, 1})
	if err != nil {
		t.Fatal(err)
	}
	if got := wy.At(0, 0); got != 4 {
		t.Errorf("weighted y[0] = %v, want 4", got)
	}
	if got := wx.At(0, 0); got != 2 {
		t.Errorf("weighted x[0] = %v, want 2", got)
	}
	// Inputs untouched.
	if y.At(0, 0) != 2 || x.At(0, 0) != 1 {
		t.Error("ApplyWeights mutated its inputs")
	}

	if _, _, err := ApplyWeights(y, x, []float64{1, 0}); err == nil {
		t.Fatal("expected an error for a zero weight")
	}
	if _, _, err := ApplyWeights(y, x, []float64{1}); err == nil {
		t.Fatal("expected an error for a short weight vector")
	}
}

func TestBlocks(t *testing.T) {
	blocks := Blocks([]string{"p2", "p1", "", "p1", "p2", ""})

	if len(blocks) != 4 {
		t.Fatalf("got %d blocks, want 4", len(blocks))
	}
	// Labelled blocks sorted by label, then singletons in sample order.
	if blocks[0][0] != 1 || blocks[0][1] != 3 {
		t.Errorf("p1 block = %v", blocks[0])
	}
	if blocks[1][0] != 0 || blocks[1][1] != 4 {
		t.Errorf("p2 block = %v", blocks[1])
	}
	if blocks[2][0] != 2 || blocks[3][0] != 5 {
		t.Errorf("singletons = %v %v", blocks[2], blocks[3])
	}
}

func TestBlockCorrelation(t *testing.T) {
	// Residuals identical within each pair: correlation 1, clamped for the
	// Fisher transform.
	resid := mat.NewDense(2, 4, []float64{
		1, 1, -2, -2,
		3, 3, -1, -1,
	})
	blocks := [][]int{{0, 1}, {2, 3}}

	rho, err := BlockCorrelation(resid, blocks)
	if err != nil {
		t.Fatal(err)
	}
	if rho < 0.98 {
		t.Fatalf("rho = %v, want near 1 for identical pair residuals", rho)
	}

	// Zero residuals leave the correlation undefined.
	zero := mat.NewDense(2, 4, nil)
	if _, err := BlockCorrelation(zero, blocks); !errors.Is(err, ErrCorrelation) {
		t.Fatalf("expected ErrCorrelation, got %v", err)
	}
}

// With rho = 0 the whitening transform is the identity, so the whitened fit
// must match the ordinary one.
func TestWhitenBlocksZeroRho(t *testing.T) {
	y := mat.NewDense(1, 4, []float64{1, 2, 3, 4})
	x := mat.NewDense(4, 2, []float64{
		1, 0,
		1, 0,
		0, 1,
		0, 1,
	})
	blocks := [][]int{{0, 2}, {1, 3}}

	wy, wx, err := WhitenBlocks(y, x, blocks, 0)
	if err != nil {
		t.Fatal(err)
	}

	for j := 0; j < 4; j++ {
		if math.Abs(wy.At(0, j)-y.At(0, j)) > 1e-10 {
			t.Fatalf("rho=0 changed y at %d", j)
		}
		for k := 0; k < 2; k++ {
			if math.Abs(wx.At(j, k)-x.At(j, k)) > 1e-10 {
				t.Fatalf("rho=0 changed x at %d,%d", j, k)
			}
		}
	}
}

func TestWhitenBlocksInvalidRho(t *testing.T) {
	y := mat.NewDense(1, 2, []float64{1, 2})
	x := mat.NewDense(2, 1, []float64{1, 1})
	blocks := [][]int{{0, 1}}

	if _, _, err := WhitenBlocks(y, x, blocks, 1); !errors.Is(err, ErrCorrelation) {
		t.Fatalf("expected ErrCorrelation at rho=1, got %v", err)
	}
	if _, _, err := WhitenBlocks(y, x, blocks, -1); !errors.Is(err, ErrCorrelation) {
		t.Fatalf("expected ErrCorrelation at rho=-1, got %v", err)
	}
}
