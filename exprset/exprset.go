// Package exprset holds the annotated expression matrix that flows through
// the differential-expression pipeline. A set carries its original values
// plus derived same-shaped layers (variance-stabilized, nuisance-adjusted)
// under distinct names, so the raw data always remains recoverable.
package exprset

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/guregu/null.v3"
)

// Layer names attached by successive pipeline stages.
const (
	LayerRaw      = "raw"
	LayerVstab    = "vstab"
	LayerAdjusted = "adjusted"
)

// Sample is the per-column metadata for one array or library. LibSize and
// NormFactor are only populated for count-based assays.
type Sample struct {
	Name       string      `json:"name" csv:"sample"`
	Group      null.String `json:"group" csv:"group"`
	Pair       null.String `json:"pair" csv:"pair"`
	LibSize    null.Float  `json:"lib_size" csv:"lib_size"`
	NormFactor null.Float  `json:"norm_factor" csv:"norm_factor"`
}

// FeatureTable is the per-row metadata: the feature (probe) names in matrix
// order plus identifier columns such as SYMBOL or ENTREZID.
type FeatureTable struct {
	Names   []string            `json:"names"`
	Columns map[string][]string `json:"columns"`
}

// Column returns the named identifier column, or an error naming the column
// when it is absent.
func (ft FeatureTable) Column(name string) ([]string, error) {
	col, ok := ft.Columns[name]
	if !ok {
		return nil, fmt.Errorf("feature annotation column %q not present", name)
	}
	return col, nil
}

// ExpressionSet is one dataset's matrix plus metadata. Transformations
// return new sets sharing the untouched layers rather than mutating in
// place, so per-dataset pipeline runs stay independent.
type ExpressionSet struct {
	Dataset    string
	Layers     map[string]*mat.Dense
	Samples    []Sample
	Features   FeatureTable
	CountBased bool
	TwoChannel bool
}

// New builds a set over the raw layer.
func New(dataset string, raw *mat.Dense, samples []Sample, features FeatureTable) *ExpressionSet {
	return &ExpressionSet{
		Dataset:  dataset,
		Layers:   map[string]*mat.Dense{LayerRaw: raw},
		Samples:  samples,
		Features: features,
	}
}

// Layer returns the named layer, or nil when it has not been attached.
func (s *ExpressionSet) Layer(name string) *mat.Dense {
	return s.Layers[name]
}

// NumFeatures reports the number of matrix rows.
func (s *ExpressionSet) NumFeatures() int {
	r, _ := s.Layer(LayerRaw).Dims()
	return r
}

// NumSamples reports the number of matrix columns.
func (s *ExpressionSet) NumSamples() int {
	_, c := s.Layer(LayerRaw).Dims()
	return c
}

// WithLayer returns a copy of the set carrying the additional named layer.
// Existing layers are shared, not copied; they are never written through.
func (s *ExpressionSet) WithLayer(name string, m *mat.Dense) (*ExpressionSet, error) {
	r, c := m.Dims()
	if r != s.NumFeatures() || c != s.NumSamples() {
		return nil, fmt.Errorf("dataset %s: layer %q is %dx%d, want %dx%d", s.Dataset, name, r, c, s.NumFeatures(), s.NumSamples())
	}

	out := s.shallow()
	out.Layers[name] = m
	return out, nil
}

func (s *ExpressionSet) shallow() *ExpressionSet {
	layers := make(map[string]*mat.Dense, len(s.Layers))
	for k, v := range s.Layers {
		layers[k] = v
	}

	return &ExpressionSet{
		Dataset:    s.Dataset,
		Layers:     layers,
		Samples:    s.Samples,
		Features:   s.Features,
		CountBased: s.CountBased,
		TwoChannel: s.TwoChannel,
	}
}

// Validate checks the shape invariants: sample metadata must match the
// column count and feature metadata the row count on every layer. A
// mismatch is fatal for the dataset; the caller must never truncate.
func (s *ExpressionSet) Validate() error {
	raw := s.Layer(LayerRaw)
	if raw == nil {
		return fmt.Errorf("dataset %s: missing raw layer", s.Dataset)
	}

	nf, ns := raw.Dims()
	if len(s.Samples) != ns {
		return fmt.Errorf("dataset %s: %d samples annotated but matrix has %d columns", s.Dataset, len(s.Samples), ns)
	}
	if len(s.Features.Names) != nf {
		return fmt.Errorf("dataset %s: %d features annotated but matrix has %d rows", s.Dataset, len(s.Features.Names), nf)
	}
	for col, vals := range s.Features.Columns {
		if len(vals) != nf {
			return fmt.Errorf("dataset %s: feature column %q has %d values but matrix has %d rows", s.Dataset, col, len(vals), nf)
		}
	}
	for name, layer := range s.Layers {
		r, c := layer.Dims()
		if r != nf || c != ns {
			return fmt.Errorf("dataset %s: layer %q is %dx%d, want %dx%d", s.Dataset, name, r, c, nf, ns)
		}
	}

	return nil
}

// SelectSamples returns a new set restricted to the given column indices, in
// order. All attached layers are sliced identically.
func (s *ExpressionSet) SelectSamples(keep []int) (*ExpressionSet, error) {
	ns := s.NumSamples()
	for _, j := range keep {
		if j < 0 || j >= ns {
			return nil, fmt.Errorf("dataset %s: sample index %d out of range (%d samples)", s.Dataset, j, ns)
		}
	}

	out := s.shallow()
	out.Layers = make(map[string]*mat.Dense, len(s.Layers))
	for name, layer := range s.Layers {
		out.Layers[name] = subsetColumns(layer, keep)
	}

	out.Samples = make([]Sample, len(keep))
	for i, j := range keep {
		out.Samples[i] = s.Samples[j]
	}

	return out, nil
}

// SelectFeatures returns a new set restricted to the given row indices, in
// order, carrying the matching slice of every feature column.
func (s *ExpressionSet) SelectFeatures(keep []int) (*ExpressionSet, error) {
	nf := s.NumFeatures()
	for _, i := range keep {
		if i < 0 || i >= nf {
			return nil, fmt.Errorf("dataset %s: feature index %d out of range (%d features)", s.Dataset, i, nf)
		}
	}

	out := s.shallow()
	out.Layers = make(map[string]*mat.Dense, len(s.Layers))
	for name, layer := range s.Layers {
		out.Layers[name] = subsetRows(layer, keep)
	}

	names := make([]string, len(keep))
	for i, j := range keep {
		names[i] = s.Features.Names[j]
	}
	cols := make(map[string][]string, len(s.Features.Columns))
	for col, vals := range s.Features.Columns {
		sub := make([]string, len(keep))
		for i, j := range keep {
			sub[i] = vals[j]
		}
		cols[col] = sub
	}
	out.Features = FeatureTable{Names: names, Columns: cols}

	return out, nil
}

// RenameFeatures replaces the feature names, e.g. after deduplication has
// made an identifier column unique.
func (s *ExpressionSet) RenameFeatures(names []string) (*ExpressionSet, error) {
	if len(names) != s.NumFeatures() {
		return nil, fmt.Errorf("dataset %s: %d names for %d features", s.Dataset, len(names), s.NumFeatures())
	}

	out := s.shallow()
	out.Features = FeatureTable{Names: names, Columns: s.Features.Columns}
	return out, nil
}

func subsetColumns(m *mat.Dense, keep []int) *mat.Dense {
	r, _ := m.Dims()
	out := mat.NewDense(r, len(keep), nil)
	for i := 0; i < r; i++ {
		for jj, j := range keep {
			out.Set(i, jj, m.At(i, j))
		}
	}
	return out
}

func subsetRows(m *mat.Dense, keep []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(keep), c, nil)
	for ii, i := range keep {
		for j := 0; j < c; j++ {
			out.Set(ii, j, m.At(i, j))
		}
	}
	return out
}
