package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/carbocation/pfx"
	"github.com/gocarina/gocsv"
	"gonum.org/v1/gonum/mat"

	crossmeta "github.com/bioc/crossmeta"
	"github.com/bioc/crossmeta/contrast"
	"github.com/bioc/crossmeta/diffexpr"
	"github.com/bioc/crossmeta/exprset"
)

func loadDatasets(ids, matFiles, phenoFiles, featFiles []string, annot string, ctr []diffexpr.Contrast, counts, twoChan bool) (map[string]*exprset.ExpressionSet, map[string]*diffexpr.Selections, error) {
	sets := make(map[string]*exprset.ExpressionSet, len(ids))
	sels := make(map[string]*diffexpr.Selections, len(ids))

	for i, id := range ids {
		set, sel, err := loadDataset(id, matFiles[i], phenoFiles[i], pick(featFiles, i), annot, ctr, counts, twoChan)
		if err != nil {
			return nil, nil, fmt.Errorf("dataset %s: %w", id, err)
		}
		sets[id] = set
		sels[id] = sel
	}
	return sets, sels, nil
}

func pick(files []string, i int) string {
	if files == nil {
		return ""
	}
	return files[i]
}

func loadDataset(id, matFile, phenoFile, featFile, annot string, ctr []diffexpr.Contrast, counts, twoChan bool) (*exprset.ExpressionSet, *diffexpr.Selections, error) {
	table, err := crossmeta.ReadTable(matFile)
	if err != nil {
		return nil, nil, err
	}

	pheno, err := readPheno(phenoFile)
	if err != nil {
		return nil, nil, err
	}

	// Order the pheno rows to the matrix columns; every matrix column must
	// be annotated.
	byName := make(map[string]exprset.Sample, len(pheno))
	for _, s := range pheno {
		byName[s.Name] = s
	}
	samples := make([]exprset.Sample, len(table.ColNames))
	for j, name := range table.ColNames {
		s, ok := byName[name]
		if !ok {
			return nil, nil, fmt.Errorf("sample %q in matrix but not in pheno sheet %s", name, phenoFile)
		}
		samples[j] = s
	}

	ft := exprset.FeatureTable{Names: table.RowNames, Columns: map[string][]string{}}
	if featFile != "" {
		cols, err := readFeatureColumns(featFile, table.RowNames)
		if err != nil {
			return nil, nil, err
		}
		ft.Columns = cols
	} else {
		// No annotation file: the row names stand in for the identifier.
		ft.Columns[annot] = table.RowNames
	}

	nf, ns := len(table.RowNames), len(table.ColNames)
	raw := mat.NewDense(nf, ns, nil)
	for i, row := range table.Values {
		if len(row) != ns {
			return nil, nil, fmt.Errorf("feature %q has %d values for %d samples", table.RowNames[i], len(row), ns)
		}
		raw.SetRow(i, row)
	}

	set := exprset.New(id, raw, samples, ft)
	set.CountBased = counts
	set.TwoChannel = twoChan
	if err := set.Validate(); err != nil {
		return nil, nil, err
	}

	sel := &diffexpr.Selections{
		Groups:    make([]string, ns),
		Pairs:     make([]string, ns),
		Contrasts: ctr,
	}
	for j, s := range samples {
		if s.Group.Valid {
			sel.Groups[j] = s.Group.String
		}
		if s.Pair.Valid {
			sel.Pairs[j] = s.Pair.String
		}
	}

	return set, sel, nil
}

func readPheno(path string) ([]exprset.Sample, error) {
	f, err := os.Open(crossmeta.ExpandHome(path))
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer f.Close()

	rc, err := crossmeta.DecompressReadCloser(f)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer rc.Close()

	contents, err := io.ReadAll(rc)
	if err != nil {
		return nil, pfx.Err(err)
	}
	delim := crossmeta.DetermineDelimiter(strings.NewReader(string(contents)))

	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		r := csv.NewReader(in)
		r.Comma = delim
		r.LazyQuotes = true
		return r
	})

	var rows []*exprset.Sample
	if err := gocsv.UnmarshalBytes(contents, &rows); err != nil {
		return nil, pfx.Err(err)
	}

	out := make([]exprset.Sample, len(rows))
	for i, r := range rows {
		out[i] = *r
	}
	return out, nil
}

// readFeatureColumns parses a feature annotation table whose first column
// is the probe name, returning the remaining columns aligned to the matrix
// row order. Probes missing from the file get empty annotation values.
func readFeatureColumns(path string, rowNames []string) (map[string][]string, error) {
	f, err := os.Open(crossmeta.ExpandHome(path))
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer f.Close()

	rc, err := crossmeta.DecompressReadCloser(f)
	if err != nil {
		return nil, pfx.Err(err)
	}
	defer rc.Close()

	contents, err := io.ReadAll(rc)
	if err != nil {
		return nil, pfx.Err(err)
	}

	cr := csv.NewReader(strings.NewReader(string(contents)))
	cr.Comma = crossmeta.DetermineDelimiter(strings.NewReader(string(contents)))
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		return nil, pfx.Err(err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("%s: want a probe column plus at least one identifier column", path)
	}

	byProbe := make(map[string][]string)
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, pfx.Err(err)
		}
		byProbe[rec[0]] = rec[1:]
	}

	cols := make(map[string][]string, len(header)-1)
	for c, name := range header[1:] {
		vals := make([]string, len(rowNames))
		for i, probe := range rowNames {
			if rec, ok := byProbe[probe]; ok && c < len(rec) {
				vals[i] = rec[c]
			}
		}
		cols[name] = vals
	}
	return cols, nil
}

func writeResult(outDir string, res *diffexpr.Result) error {
	dir := filepath.Join(outDir, res.Dataset)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return pfx.Err(err)
	}

	for key, tt := range res.TopTables {
		if err := writeTopTable(filepath.Join(dir, key+".csv"), tt); err != nil {
			return err
		}
	}

	// The JSON bundle round-trips the full result, selections included, so
	// a later run can re-derive the analysis without re-prompting.
	f, err := os.Create(filepath.Join(dir, res.Dataset+"_diff_expr.json"))
	if err != nil {
		return pfx.Err(err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	return enc.Encode(res)
}

func writeTopTable(path string, tt *contrast.TopTable) error {
	f, err := os.Create(path)
	if err != nil {
		return pfx.Err(err)
	}
	defer f.Close()

	rows := make([]*contrast.Row, len(tt.Rows))
	for i := range tt.Rows {
		rows[i] = &tt.Rows[i]
	}
	return gocsv.MarshalFile(&rows, f)
}
