// Package diffexpr runs the full differential-expression pipeline for each
// dataset: preparation, surrogate-variable estimation, deduplication, model
// fitting, and per-contrast moderated testing. Datasets are independent; a
// failure in one never unwinds past its boundary, and recoverable fallbacks
// are logged and recorded on the dataset result.
package diffexpr

import (
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/bioc/crossmeta/contrast"
	"github.com/bioc/crossmeta/dedupe"
	"github.com/bioc/crossmeta/design"
	"github.com/bioc/crossmeta/exprset"
	"github.com/bioc/crossmeta/fitter"
	"github.com/bioc/crossmeta/prep"
	"github.com/bioc/crossmeta/sva"
	"gopkg.in/guregu/null.v3"
)

// ErrNoSelections signals that a dataset arrived without group and contrast
// assignments; the caller should obtain them from the selection UI (or a
// prior run) and retry.
var ErrNoSelections = errors.New("diffexpr: no sample selections for dataset")

// Contrast names one requested test-versus-control comparison by group
// label.
type Contrast struct {
	Test string `json:"test" csv:"test"`
	Ctrl string `json:"ctrl" csv:"ctrl"`
}

// Selections are the user-made assignments for one dataset: a group label
// per sample (empty means unselected), optional pairing labels, and the
// ordered contrasts. Created by the selection UI (out of scope here) and
// reusable verbatim from a previous run.
type Selections struct {
	Groups    []string   `json:"groups"`
	Pairs     []string   `json:"pairs,omitempty"`
	Contrasts []Contrast `json:"contrasts"`
}

// Options apply to every dataset in a run.
type Options struct {
	Annotation     string // feature column to collapse on; default SYMBOL
	SVA            bool
	Seed           int64
	Permutations   int
	Robust         bool
	Trend          bool
	AllowNoResidDF bool
	EffectSize     bool
	DropDuplicates bool // additional exact-duplicate row pass after collapse
}

// Result bundles one dataset's output: contrast tables keyed
// "<dataset>_<test>-<ctrl>", the identifier column used for deduplication,
// the selections (so the analysis can be re-derived without re-prompting),
// and the notices emitted by recoverable fallbacks.
type Result struct {
	Dataset    string                        `json:"dataset"`
	Annotation string                        `json:"annotation"`
	Selections *Selections                   `json:"selections"`
	TopTables  map[string]*contrast.TopTable `json:"top_tables"`
	Notices    []string                      `json:"notices,omitempty"`
}

// Run processes each dataset independently and in deterministic order. A
// dataset's fatal error is reported under its identifier and the run
// continues with the next dataset.
func Run(sets map[string]*exprset.ExpressionSet, selections map[string]*Selections, opts Options) (map[string]*Result, map[string]error) {
	ids := make([]string, 0, len(sets))
	for id := range sets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	results := make(map[string]*Result, len(ids))
	failures := make(map[string]error)
	for _, id := range ids {
		res, err := RunOne(sets[id], selections[id], opts)
		if err != nil {
			log.Printf("dataset %s: %v", id, err)
			failures[id] = err
			continue
		}
		results[id] = res
	}
	return results, failures
}

// RunOne runs the pipeline for a single dataset.
func RunOne(set *exprset.ExpressionSet, sel *Selections, opts Options) (*Result, error) {
	if opts.Annotation == "" {
		opts.Annotation = "SYMBOL"
	}

	if set == nil {
		return nil, errors.New("diffexpr: nil expression set")
	}
	if err := set.Validate(); err != nil {
		return nil, err
	}
	if sel == nil {
		return nil, fmt.Errorf("%w %s", ErrNoSelections, set.Dataset)
	}
	if len(sel.Groups) != set.NumSamples() {
		return nil, fmt.Errorf("dataset %s: %d group assignments for %d samples", set.Dataset, len(sel.Groups), set.NumSamples())
	}
	if len(sel.Pairs) != 0 && len(sel.Pairs) != set.NumSamples() {
		return nil, fmt.Errorf("dataset %s: %d pairing assignments for %d samples", set.Dataset, len(sel.Pairs), set.NumSamples())
	}
	if len(sel.Contrasts) == 0 {
		return nil, fmt.Errorf("dataset %s: no contrasts requested", set.Dataset)
	}

	// The identifier column must exist before any heavy work begins.
	if _, err := set.Features.Column(opts.Annotation); err != nil {
		return nil, fmt.Errorf("dataset %s: %v", set.Dataset, err)
	}

	set, err := selectSamples(set, sel)
	if err != nil {
		return nil, err
	}

	var notices []string
	note := func(s string) {
		if s != "" {
			log.Println(s)
			notices = append(notices, s)
		}
	}

	set, err = prep.FilterLowCounts(set)
	if err != nil {
		return nil, err
	}
	set, err = prep.StabilizeVariance(set)
	if err != nil {
		return nil, err
	}

	groups := make([]string, len(set.Samples))
	pairs := make([]string, len(set.Samples))
	for i, s := range set.Samples {
		groups[i] = s.Group.String
		if s.Pair.Valid {
			pairs[i] = s.Pair.String
		}
	}

	full, null, err := design.Matrices(groups, pairs)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %v", set.Dataset, err)
	}

	svres, svnote := sva.Estimate(set, full, null, sva.Options{
		Enabled:      opts.SVA,
		Seed:         opts.Seed,
		Permutations: opts.Permutations,
	})
	note(svnote)

	set, adjnote, err := prep.AdjustForNuisance(set, svres.SVs, svres.N)
	if err != nil {
		return nil, err
	}
	note(adjnote)

	set, err = dedupe.Collapse(set, opts.Annotation, exprset.LayerAdjusted)
	if err != nil {
		return nil, err
	}
	if opts.DropDuplicates {
		set, err = dedupe.DropDuplicateRows(set, exprset.LayerAdjusted)
		if err != nil {
			return nil, err
		}
	}

	base, err := design.Groups(groups)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %v", set.Dataset, err)
	}
	model, err := base.WithSVs(svres.SVs, svres.N)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %v", set.Dataset, err)
	}

	fit, err := fitter.Fit(set, model)
	if err != nil {
		return nil, err
	}
	for _, n := range fit.Notices {
		note(n)
	}

	res := &Result{
		Dataset:    set.Dataset,
		Annotation: opts.Annotation,
		Selections: sel,
		TopTables:  make(map[string]*contrast.TopTable, len(sel.Contrasts)),
		Notices:    notices,
	}

	copts := contrast.Options{
		Robust:         opts.Robust,
		Trend:          opts.Trend,
		AllowNoResidDF: opts.AllowNoResidDF,
		EffectSize:     opts.EffectSize,
	}
	for _, c := range sel.Contrasts {
		tt, err := contrast.Evaluate(fit, c.Test, c.Ctrl, copts)
		if err != nil {
			// Fatal for this contrast only; the remaining contrasts
			// still run.
			note(fmt.Sprintf("dataset %s: contrast %s-%s failed: %v", set.Dataset, c.Test, c.Ctrl, err))
			continue
		}
		res.TopTables[fmt.Sprintf("%s_%s", set.Dataset, tt.Contrast)] = tt
	}
	res.Notices = notices

	if len(res.TopTables) == 0 {
		return nil, fmt.Errorf("dataset %s: every requested contrast failed", set.Dataset)
	}

	return res, nil
}

// selectSamples writes the user's assignments onto the sample metadata and
// restricts the set to the samples given a group label.
func selectSamples(set *exprset.ExpressionSet, sel *Selections) (*exprset.ExpressionSet, error) {
	samples := make([]exprset.Sample, len(set.Samples))
	copy(samples, set.Samples)

	var keep []int
	for i := range samples {
		g := sel.Groups[i]
		if g == "" {
			samples[i].Group = null.String{}
			continue
		}
		samples[i].Group = null.StringFrom(g)
		if len(sel.Pairs) > 0 && sel.Pairs[i] != "" {
			samples[i].Pair = null.StringFrom(sel.Pairs[i])
		} else {
			samples[i].Pair = null.String{}
		}
		keep = append(keep, i)
	}

	if len(keep) == 0 {
		return nil, fmt.Errorf("dataset %s: no samples assigned to any group", set.Dataset)
	}

	withMeta := *set
	withMeta.Samples = samples
	return withMeta.SelectSamples(keep)
}
