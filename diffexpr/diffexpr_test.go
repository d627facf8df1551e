package diffexpr

import (
	"errors"
	"strings"
	"testing"

	"github.com/bioc/crossmeta/contrast"
	"github.com/bioc/crossmeta/exprset"
	"gonum.org/v1/gonum/mat"
)

// microarraySet is a small single-channel intensity dataset: ten samples of
// which eight are assigned, probes with duplicate and blank symbols.
func microarraySet(id string) *exprset.ExpressionSet {
	raw := mat.NewDense(6, 10, []float64{
		2.1, 1.9, 2.2, 1.8, 8.9, 9.1, 9.2, 8.8, 5.0, 5.0,
		2.0, 2.2, 1.9, 2.1, 8.8, 9.0, 9.1, 8.9, 5.0, 5.0,
		5.2, 4.8, 5.1, 4.9, 6.1, 5.8, 6.2, 5.9, 5.0, 5.0,
		3.5, 3.1, 3.6, 3.0, 3.9, 3.5, 4.0, 3.4, 5.0, 5.0,
		7.2, 6.8, 7.3, 6.7, 6.3, 5.9, 6.4, 5.8, 5.0, 5.0,
		4.4, 4.0, 4.5, 3.9, 4.6, 4.2, 4.7, 4.1, 5.0, 5.0,
	})

	samples := make([]exprset.Sample, 10)
	for j := range samples {
		samples[j].Name = "GSM" + string(rune('0'+j))
	}

	features := exprset.FeatureTable{
		Names: []string{"p1", "p2", "p3", "p4", "p5", "p6"},
		Columns: map[string][]string{
			// p1 and p2 both map to BRCA1; p6 is unannotated.
			"SYMBOL": {"BRCA1", "BRCA1", "TP53", "EGFR", "MYC", ""},
		},
	}

	return exprset.New(id, raw, samples, features)
}

func demoSelections() *Selections {
	return &Selections{
		// The last two samples stay unassigned and must be excluded.
		Groups:    []string{"ctrl", "ctrl", "ctrl", "ctrl", "test", "test", "test", "test", "", ""},
		Contrasts: []Contrast{{Test: "test", Ctrl: "ctrl"}},
	}
}

func TestRunOne(t *testing.T) {
	set := microarraySet("GSE1")

	res, err := RunOne(set, demoSelections(), Options{})
	if err != nil {
		t.Fatal(err)
	}

	if res.Dataset != "GSE1" || res.Annotation != "SYMBOL" {
		t.Fatalf("result header %q %q", res.Dataset, res.Annotation)
	}

	tt, ok := res.TopTables["GSE1_test-ctrl"]
	if !ok {
		t.Fatalf("missing top table; keys: %v", tableKeys(res.TopTables))
	}

	// Five probes carry a symbol, BRCA1 collapses to one row.
	if len(tt.Rows) != 4 {
		t.Fatalf("got %d rows, want 4", len(tt.Rows))
	}
	seen := map[string]bool{}
	for _, r := range tt.Rows {
		seen[r.ID] = true
		if r.P == nil || r.AdjP == nil {
			t.Fatalf("row %q missing statistics", r.ID)
		}
	}
	for _, want := range []string{"BRCA1", "TP53", "EGFR", "MYC"} {
		if !seen[want] {
			t.Fatalf("missing gene %q; got %v", want, boolKeys(seen))
		}
	}

	// The unassigned constant samples must not flatten the fold change.
	if tt.Rows[0].ID != "BRCA1" {
		t.Fatalf("top gene %q, want BRCA1", tt.Rows[0].ID)
	}
}

func TestRunOneMissingAnnotation(t *testing.T) {
	set := microarraySet("GSE1")

	_, err := RunOne(set, demoSelections(), Options{Annotation: "ENTREZID"})
	if err == nil {
		t.Fatal("expected an error for a missing annotation column")
	}
	if !strings.Contains(err.Error(), "GSE1") || !strings.Contains(err.Error(), "ENTREZID") {
		t.Fatalf("error does not name the dataset and column: %v", err)
	}
}

func TestRunOneNoSelections(t *testing.T) {
	set := microarraySet("GSE1")

	_, err := RunOne(set, nil, Options{})
	if !errors.Is(err, ErrNoSelections) {
		t.Fatalf("expected ErrNoSelections, got %v", err)
	}
}

func TestRunOneNoContrasts(t *testing.T) {
	set := microarraySet("GSE1")
	sel := demoSelections()
	sel.Contrasts = nil

	if _, err := RunOne(set, sel, Options{}); err == nil {
		t.Fatal("expected an error for zero contrasts")
	}
}

func TestRunOneBadContrastIsRecorded(t *testing.T) {
	set := microarraySet("GSE1")
	sel := demoSelections()
	sel.Contrasts = append(sel.Contrasts, Contrast{Test: "bogus", Ctrl: "ctrl"})

	res, err := RunOne(set, sel, Options{})
	if err != nil {
		t.Fatal(err)
	}
	// The good contrast ran, the bad one left a notice.
	if _, ok := res.TopTables["GSE1_test-ctrl"]; !ok {
		t.Fatal("valid contrast missing")
	}
	found := false
	for _, n := range res.Notices {
		if strings.Contains(n, "bogus") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no notice for the failed contrast: %v", res.Notices)
	}
}

// A surrogate-estimation failure must leave a notice and run the rest of
// the pipeline without surrogate columns.
func TestRunOneSVAFailureRecovers(t *testing.T) {
	// The group model explains the data exactly, so the residual matrix is
	// degenerate and estimation cannot succeed.
	raw := mat.NewDense(2, 4, []float64{
		1, 1, 2, 2,
		5, 5, 3, 3,
	})
	samples := make([]exprset.Sample, 4)
	for j := range samples {
		samples[j].Name = "GSM" + string(rune('1'+j))
	}
	set := exprset.New("GSE1", raw, samples, exprset.FeatureTable{
		Names:   []string{"p1", "p2"},
		Columns: map[string][]string{"SYMBOL": {"A", "B"}},
	})
	sel := &Selections{
		Groups:    []string{"ctrl", "ctrl", "test", "test"},
		Contrasts: []Contrast{{Test: "test", Ctrl: "ctrl"}},
	}

	res, err := RunOne(set, sel, Options{SVA: true, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, n := range res.Notices {
		if strings.Contains(n, "surrogate") {
			found = true
		}
	}
	if !found {
		t.Fatalf("no surrogate recovery notice: %v", res.Notices)
	}
	if _, ok := res.TopTables["GSE1_test-ctrl"]; !ok {
		t.Fatal("pipeline did not complete after the surrogate fallback")
	}
}

// A failing dataset must not take down its siblings.
func TestRunContainsFailures(t *testing.T) {
	sets := map[string]*exprset.ExpressionSet{
		"GSE1": microarraySet("GSE1"),
		"GSE2": microarraySet("GSE2"),
	}
	sels := map[string]*Selections{
		"GSE1": demoSelections(),
		// GSE2 has no selections and must fail alone.
	}

	results, failures := Run(sets, sels, Options{})

	if _, ok := results["GSE1"]; !ok {
		t.Fatal("healthy dataset missing from results")
	}
	if err, ok := failures["GSE2"]; !ok || !errors.Is(err, ErrNoSelections) {
		t.Fatalf("expected a contained ErrNoSelections for GSE2, got %v", failures)
	}
	if _, ok := results["GSE2"]; ok {
		t.Fatal("failed dataset present in results")
	}
}

func tableKeys(m map[string]*contrast.TopTable) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func boolKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
