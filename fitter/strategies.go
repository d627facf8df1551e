package fitter

import (
	"github.com/bioc/crossmeta/design"
	"github.com/bioc/crossmeta/exprset"
	"github.com/bioc/crossmeta/linmod"
)

// singleUnpaired: continuous intensities, independent samples. One ordinary
// fit.
type singleUnpaired struct{}

func (singleUnpaired) fit(set *exprset.ExpressionSet, m *design.Model) (*ModelFit, error) {
	y := set.Layer(exprset.LayerVstab)
	ls, err := linmod.Fit(y, m.X)
	if err != nil {
		return nil, err
	}
	return finish(set, m, ls, nil), nil
}

// singlePaired: continuous intensities with pair structure. The block
// correlation is estimated directly from the intensities; when it is
// numerically undefined the fixed fallback ladder applies.
type singlePaired struct{}

func (singlePaired) fit(set *exprset.ExpressionSet, m *design.Model) (*ModelFit, error) {
	y := set.Layer(exprset.LayerVstab)
	blocks := linmod.Blocks(pairLabels(set))

	ls0, err := linmod.Fit(y, m.X)
	if err != nil {
		return nil, err
	}

	rho, err := linmod.BlockCorrelation(ls0.Residuals, blocks)
	if err != nil {
		return fallbackLadder(set, m, y, nil, "pair correlation could not be estimated")
	}

	wy, wx, err := linmod.WhitenBlocks(y, m.X, blocks, rho)
	if err != nil {
		return fallbackLadder(set, m, y, nil, "pair correlation outside the valid range")
	}
	ls, err := linmod.Fit(wy, wx)
	if err != nil {
		return fallbackLadder(set, m, y, nil, "correlated fit failed")
	}
	return finish(set, m, ls, nil), nil
}

// countUnpaired: a single fit with per-sample quality weights, normalized
// by library size times normalization factor.
type countUnpaired struct{}

func (countUnpaired) fit(set *exprset.ExpressionSet, m *design.Model) (*ModelFit, error) {
	y := set.Layer(exprset.LayerVstab)
	w := qualityWeights(set, y, m.X)

	wy, wx, err := linmod.ApplyWeights(y, m.X, w)
	if err != nil {
		return nil, err
	}
	ls, err := linmod.Fit(wy, wx)
	if err != nil {
		return nil, err
	}
	return finish(set, m, ls, nil), nil
}

// countPaired: two-round iterative fit. Round one fits with quality weights
// to obtain residuals; the pair correlation estimated from those residuals
// feeds a correlated refit, and the correlation is re-estimated once more
// for the final coefficients. Any failed round drops to the fixed fallback
// ladder.
type countPaired struct{}

func (countPaired) fit(set *exprset.ExpressionSet, m *design.Model) (*ModelFit, error) {
	y := set.Layer(exprset.LayerVstab)
	blocks := linmod.Blocks(pairLabels(set))
	w := qualityWeights(set, y, m.X)

	wy, wx, err := linmod.ApplyWeights(y, m.X, w)
	if err != nil {
		return nil, err
	}

	ls1, err := linmod.Fit(wy, wx)
	if err != nil {
		return fallbackLadder(set, m, y, w, "initial weighted fit failed")
	}

	rho, err := linmod.BlockCorrelation(ls1.Residuals, blocks)
	if err != nil {
		return fallbackLadder(set, m, y, w, "pair correlation could not be estimated")
	}

	cy, cx, err := linmod.WhitenBlocks(wy, wx, blocks, rho)
	if err != nil {
		return fallbackLadder(set, m, y, w, "pair correlation outside the valid range")
	}
	ls2, err := linmod.Fit(cy, cx)
	if err != nil {
		return fallbackLadder(set, m, y, w, "correlated refit failed")
	}

	rho2, err := linmod.BlockCorrelation(ls2.Residuals, blocks)
	if err != nil {
		rho2 = rho
	}
	cy, cx, err = linmod.WhitenBlocks(wy, wx, blocks, rho2)
	if err != nil {
		return fallbackLadder(set, m, y, w, "re-estimated pair correlation outside the valid range")
	}
	ls, err := linmod.Fit(cy, cx)
	if err != nil {
		return fallbackLadder(set, m, y, w, "final correlated fit failed")
	}
	return finish(set, m, ls, nil), nil
}

// twoChannel: Agilent-style red/green arrays. The pair labels link the two
// channels measured on one array, giving the paired-channel representation;
// the intra-spot correlation is estimated from the channel residuals and
// fitted as a fixed block term. When it cannot be estimated, the channels
// are treated as independent and the notice records it.
type twoChannel struct{}

func (twoChannel) fit(set *exprset.ExpressionSet, m *design.Model) (*ModelFit, error) {
	y := set.Layer(exprset.LayerVstab)
	blocks := linmod.Blocks(pairLabels(set))

	ls0, err := linmod.Fit(y, m.X)
	if err != nil {
		return nil, err
	}

	rho, err := linmod.BlockCorrelation(ls0.Residuals, blocks)
	if err != nil {
		return finish(set, m, ls0, []string{
			"dataset " + set.Dataset + ": intra-spot correlation could not be estimated; treating channels as independent",
		}), nil
	}

	wy, wx, err := linmod.WhitenBlocks(y, m.X, blocks, rho)
	if err != nil {
		return finish(set, m, ls0, []string{
			"dataset " + set.Dataset + ": intra-spot correlation outside the valid range; treating channels as independent",
		}), nil
	}
	ls, err := linmod.Fit(wy, wx)
	if err != nil {
		return nil, err
	}
	return finish(set, m, ls, nil), nil
}
