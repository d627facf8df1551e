// Package fitter fits the per-feature linear model against the design
// matrix. The assay shape (channel count, count vs intensity, paired vs
// unpaired) selects a fitting strategy; strategies that model pair or
// within-spot correlation degrade along a fixed ladder when estimation
// fails, and every returned fit keeps the full feature annotations and a
// design consistent with the coefficients actually estimated.
package fitter

import (
	"fmt"

	"github.com/bioc/crossmeta/design"
	"github.com/bioc/crossmeta/exprset"
	"github.com/bioc/crossmeta/linmod"
	"gonum.org/v1/gonum/mat"
)

// Shape is the assay shape driving strategy dispatch.
type Shape int

const (
	SingleUnpaired Shape = iota
	SinglePaired
	CountUnpaired
	CountPaired
	TwoChannel
)

func (s Shape) String() string {
	switch s {
	case SingleUnpaired:
		return "single-channel unpaired"
	case SinglePaired:
		return "single-channel paired"
	case CountUnpaired:
		return "count-based unpaired"
	case CountPaired:
		return "count-based paired"
	case TwoChannel:
		return "two-channel"
	}
	return "unknown"
}

// ModelFit is the fitted linear model for one dataset. Contrasts are
// extracted from it afterward; it is never per-contrast.
type ModelFit struct {
	Coef        *mat.Dense   // features x coefficients
	CovUnscaled *mat.Dense   // coefficient covariance / sigma^2
	Sigma2      []float64    // per-feature residual variance
	ResidDF     float64      // residual degrees of freedom
	Design      *design.Model
	Features    exprset.FeatureTable
	AMean       []float64 // per-feature mean stabilized expression
	Notices     []string  // fallbacks taken while fitting
}

// ShapeOf inspects the prepared set and its sample metadata to choose the
// fitting strategy.
func ShapeOf(set *exprset.ExpressionSet) Shape {
	paired := false
	for _, s := range set.Samples {
		if s.Pair.Valid && s.Pair.String != "" {
			paired = true
			break
		}
	}

	switch {
	case set.TwoChannel:
		return TwoChannel
	case set.CountBased && paired:
		return CountPaired
	case set.CountBased:
		return CountUnpaired
	case paired:
		return SinglePaired
	}
	return SingleUnpaired
}

type strategy interface {
	fit(set *exprset.ExpressionSet, m *design.Model) (*ModelFit, error)
}

// Fit dispatches on the assay shape and fits the stabilized expression
// layer against the design (group indicators plus surrogate columns).
func Fit(set *exprset.ExpressionSet, m *design.Model) (*ModelFit, error) {
	if set.Layer(exprset.LayerVstab) == nil {
		return nil, fmt.Errorf("dataset %s: variance-stabilized layer missing", set.Dataset)
	}

	var s strategy
	switch ShapeOf(set) {
	case TwoChannel:
		s = twoChannel{}
	case CountPaired:
		s = countPaired{}
	case CountUnpaired:
		s = countUnpaired{}
	case SinglePaired:
		s = singlePaired{}
	default:
		s = singleUnpaired{}
	}

	fit, err := s.fit(set, m)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %s fit: %w", set.Dataset, ShapeOf(set), err)
	}
	return fit, nil
}

func pairLabels(set *exprset.ExpressionSet) []string {
	out := make([]string, len(set.Samples))
	for i, s := range set.Samples {
		if s.Pair.Valid {
			out[i] = s.Pair.String
		}
	}
	return out
}

func finish(set *exprset.ExpressionSet, m *design.Model, ls *linmod.LSFit, notices []string) *ModelFit {
	v := set.Layer(exprset.LayerVstab)
	nf, ns := v.Dims()
	amean := make([]float64, nf)
	for i := 0; i < nf; i++ {
		var sum float64
		for j := 0; j < ns; j++ {
			sum += v.At(i, j)
		}
		amean[i] = sum / float64(ns)
	}

	return &ModelFit{
		Coef:        ls.Coef,
		CovUnscaled: ls.CovUnscaled,
		Sigma2:      ls.Sigma2,
		ResidDF:     ls.ResidDF,
		Design:      m,
		Features:    set.Features,
		AMean:       amean,
		Notices:     notices,
	}
}

// fallbackLadder is the shared degradation path when correlation modelling
// fails: refit with pairing as a fixed-effect column, and if that leaves no
// residual degrees of freedom, drop pairing entirely.
func fallbackLadder(set *exprset.ExpressionSet, m *design.Model, y *mat.Dense, w []float64, why string) (*ModelFit, error) {
	notices := []string{fmt.Sprintf("dataset %s: %s; refitting pairing as a fixed effect", set.Dataset, why)}

	fy, fx := y, m.X
	if w != nil {
		var err error
		fy, fx, err = linmod.ApplyWeights(y, m.X, w)
		if err != nil {
			return nil, err
		}
	}

	paired, err := m.WithPairs(pairLabels(set))
	if err == nil && paired != m {
		py, px := fy, paired.X
		if w != nil {
			py, px, err = linmod.ApplyWeights(y, paired.X, w)
		}
		if err == nil {
			if ls, ferr := linmod.Fit(py, px); ferr == nil && ls.ResidDF > 0 {
				return finish(set, paired, ls, notices), nil
			}
		}
	}

	notices = append(notices, fmt.Sprintf("dataset %s: fixed-effect pairing left no residual degrees of freedom; dropping pairing", set.Dataset))
	ls, err := linmod.Fit(fy, fx)
	if err != nil {
		return nil, err
	}
	return finish(set, m, ls, notices), nil
}
