// Package design builds model matrices for the expression pipeline: group
// indicator columns without an intercept, optional fixed-effect pairing
// columns, and appended surrogate-variable columns. The full and null
// variants are built from the same selections so they always describe the
// same sample set and pairing structure.
package design

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// Model is a design matrix with its column names. Column names are
// sanitized, and the contrast evaluator sanitizes identically, so lookups
// by group name cannot silently miss.
type Model struct {
	X        *mat.Dense
	ColNames []string
}

// NumSamples reports the number of design rows.
func (m *Model) NumSamples() int {
	r, _ := m.X.Dims()
	return r
}

// Column returns the index of the named column, or -1.
func (m *Model) Column(name string) int {
	for i, n := range m.ColNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Groups builds the base design: one indicator column per distinct group
// label, no intercept, labels sorted. Every sample must carry a label.
func Groups(groups []string) (*Model, error) {
	n := len(groups)
	if n == 0 {
		return nil, fmt.Errorf("design: no samples")
	}

	seen := make(map[string]bool)
	var labels []string
	for i, g := range groups {
		if g == "" {
			return nil, fmt.Errorf("design: sample %d has no group label", i)
		}
		if !seen[g] {
			seen[g] = true
			labels = append(labels, g)
		}
	}
	sort.Strings(labels)

	x := mat.NewDense(n, len(labels), nil)
	names := make([]string, len(labels))
	col := make(map[string]int, len(labels))
	for j, l := range labels {
		names[j] = Sanitize(l)
		col[l] = j
	}
	for i, g := range groups {
		x.Set(i, col[g], 1)
	}

	return &Model{X: x, ColNames: names}, nil
}

// Intercept builds the intercept-only design for n samples.
func Intercept(n int) *Model {
	x := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		x.Set(i, 0, 1)
	}
	return &Model{X: x, ColNames: []string{"Intercept"}}
}

// WithPairs appends treatment-coded indicator columns for the pairing
// labels, dropping the first pair as reference. Samples with no pairing
// label load zero on every pair column. Used by the null model and by the
// fixed-effect fallback when correlation modelling fails.
func (m *Model) WithPairs(pairs []string) (*Model, error) {
	n := m.NumSamples()
	if len(pairs) != n {
		return nil, fmt.Errorf("design: %d pairing labels for %d samples", len(pairs), n)
	}

	seen := make(map[string]bool)
	var labels []string
	for _, p := range pairs {
		if p != "" && !seen[p] {
			seen[p] = true
			labels = append(labels, p)
		}
	}
	sort.Strings(labels)
	if len(labels) < 2 {
		// One or zero pairs yields no estimable pair effect.
		return m, nil
	}
	ref := labels[0]
	labels = labels[1:]

	_, p0 := m.X.Dims()
	x := mat.NewDense(n, p0+len(labels), nil)
	names := append([]string(nil), m.ColNames...)
	for i := 0; i < n; i++ {
		for j := 0; j < p0; j++ {
			x.Set(i, j, m.X.At(i, j))
		}
	}
	for j, l := range labels {
		names = append(names, "pair"+Sanitize(l))
		for i, p := range pairs {
			if p == l && p != ref {
				x.Set(i, p0+j, 1)
			}
		}
	}

	return &Model{X: x, ColNames: names}, nil
}

// WithSVs appends exactly nsv surrogate-variable columns, named
// sequentially. A nil surrogate matrix or nsv of zero returns the model
// unchanged, which is the path taken when surrogate analysis is disabled or
// has failed.
func (m *Model) WithSVs(svs *mat.Dense, nsv int) (*Model, error) {
	if svs == nil || nsv == 0 {
		return m, nil
	}

	n := m.NumSamples()
	sr, sc := svs.Dims()
	if sr != n {
		return nil, fmt.Errorf("design: surrogate matrix has %d rows for %d samples", sr, n)
	}
	if nsv > sc {
		return nil, fmt.Errorf("design: %d surrogate columns requested but only %d estimated", nsv, sc)
	}

	_, p0 := m.X.Dims()
	x := mat.NewDense(n, p0+nsv, nil)
	names := append([]string(nil), m.ColNames...)
	for i := 0; i < n; i++ {
		for j := 0; j < p0; j++ {
			x.Set(i, j, m.X.At(i, j))
		}
		for j := 0; j < nsv; j++ {
			x.Set(i, p0+j, svs.At(i, j))
		}
	}
	for j := 0; j < nsv; j++ {
		names = append(names, fmt.Sprintf("SV%d", j+1))
	}

	return &Model{X: x, ColNames: names}, nil
}

// Matrices returns the full and null model pair used by surrogate-variable
// estimation and nuisance adjustment: full is group indicators plus pairing,
// null is intercept plus the same pairing.
func Matrices(groups, pairs []string) (full, null *Model, err error) {
	full, err = Groups(groups)
	if err != nil {
		return nil, nil, err
	}
	full, err = full.WithPairs(pairs)
	if err != nil {
		return nil, nil, err
	}
	null, err = Intercept(len(groups)).WithPairs(pairs)
	if err != nil {
		return nil, nil, err
	}
	return full, null, nil
}

// Sanitize maps an arbitrary group or pair label onto a syntactically safe
// column name, the same way for the builder and the contrast evaluator:
// runs of non-alphanumeric characters become dots and a leading digit gains
// an "X" prefix.
func Sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('.')
		}
	}
	s := b.String()
	if s == "" {
		return "X"
	}
	if c := s[0]; c >= '0' && c <= '9' {
		s = "X" + s
	}
	return s
}
