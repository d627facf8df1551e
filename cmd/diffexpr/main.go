// diffexpr runs the differential-expression pipeline over one or more
// datasets: an expression matrix (optionally compressed, delimiter
// sniffed), a pheno sheet assigning samples to groups and pairs, and a
// shared list of test:control contrasts. One TopTable CSV is written per
// contrast, plus a JSON bundle per dataset for downstream meta-analysis.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/carbocation/pfx"

	"github.com/bioc/crossmeta/diffexpr"
)

func main() {
	var (
		datasets  string
		matrices  string
		phenos    string
		features  string
		contrasts string
		annot     string
		outDir    string
		counts    bool
		twoChan   bool
		svaOn     bool
		seed      int64
		robust    bool
		trend     bool
		allowNoDF bool
		noEffect  bool
		dropDups  bool
	)

	flag.StringVar(&datasets, "dataset", "", "Comma-delimited dataset identifiers, e.g. GSE9601,GSE19485.")
	flag.StringVar(&matrices, "matrix", "", "Comma-delimited expression matrix files, one per dataset. May be gzip/zip/xz compressed; delimiter is sniffed.")
	flag.StringVar(&phenos, "pheno", "", "Comma-delimited pheno sheets, one per dataset: sample,group,pair,lib_size,norm_factor.")
	flag.StringVar(&features, "features", "", "Optional comma-delimited feature annotation files (probe plus identifier columns). Without one, row names stand in for the identifier column.")
	flag.StringVar(&contrasts, "contrasts", "", "Semicolon-delimited test:control group pairs, e.g. test:ctrl, applied to every dataset.")
	flag.StringVar(&annot, "annot", "SYMBOL", "Feature identifier column to collapse duplicate features on.")
	flag.StringVar(&outDir, "out", ".", "Output directory.")
	flag.BoolVar(&counts, "counts", false, "Treat the matrices as RNA-seq counts (low-count filter + log-CPM stabilization).")
	flag.BoolVar(&twoChan, "twochannel", false, "Treat the matrices as two-channel arrays; pair labels link the channels of one array.")
	flag.BoolVar(&svaOn, "sva", true, "Estimate surrogate variables.")
	flag.Int64Var(&seed, "seed", 100, "Seed for surrogate-variable estimation; scoped per dataset call.")
	flag.BoolVar(&robust, "robust", false, "Robust empirical-Bayes moderation.")
	flag.BoolVar(&trend, "trend", false, "Fit the variance prior against mean expression.")
	flag.BoolVar(&allowNoDF, "allowdegraded", false, "Permit effect-only results when a model has no residual degrees of freedom.")
	flag.BoolVar(&noEffect, "noeffectsize", false, "Skip standardized effect-size columns.")
	flag.BoolVar(&dropDups, "dropduplicates", false, "Also drop features whose adjusted values exactly duplicate another feature's.")
	flag.Parse()

	if datasets == "" || matrices == "" || phenos == "" || contrasts == "" {
		flag.PrintDefaults()
		return
	}

	ids := strings.Split(datasets, ",")
	matFiles := strings.Split(matrices, ",")
	phenoFiles := strings.Split(phenos, ",")
	var featFiles []string
	if features != "" {
		featFiles = strings.Split(features, ",")
	}
	if len(matFiles) != len(ids) || len(phenoFiles) != len(ids) || (featFiles != nil && len(featFiles) != len(ids)) {
		log.Fatalln("need one -matrix and one -pheno (and, if given, one -features) entry per -dataset entry")
	}

	ctr, err := parseContrasts(contrasts)
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}

	sets, sels, err := loadDatasets(ids, matFiles, phenoFiles, featFiles, annot, ctr, counts, twoChan)
	if err != nil {
		log.Fatalln(pfx.Err(err))
	}

	opts := diffexpr.Options{
		Annotation:     annot,
		SVA:            svaOn,
		Seed:           seed,
		Robust:         robust,
		Trend:          trend,
		AllowNoResidDF: allowNoDF,
		EffectSize:     !noEffect,
		DropDuplicates: dropDups,
	}

	results, failures := diffexpr.Run(sets, sels, opts)
	for id, err := range failures {
		log.Println("skipped dataset", id, "due to error:", err)
	}
	if len(results) == 0 {
		log.Fatalln("no dataset completed")
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		log.Fatalln(pfx.Err(err))
	}

	for id, res := range results {
		if err := writeResult(outDir, res); err != nil {
			log.Fatalln(pfx.Err(err))
		}

		for key, tt := range res.TopTables {
			if tt.Degraded {
				log.Println(key, "is a degraded result: ranked by effect magnitude, no p-values")
				continue
			}

			adj := make([]float64, 0, len(tt.Rows))
			for _, r := range tt.Rows {
				adj = append(adj, *r.AdjP)
			}
			fmt.Println("\nAdjusted p-value distribution for", key+":")
			hist := histogram.Hist(20, adj)
			if err := histogram.Fprint(os.Stdout, hist, histogram.Linear(40)); err != nil {
				log.Println(err)
			}
		}
		log.Println("dataset", id, "complete:", len(res.TopTables), "contrast(s) written to", filepath.Join(outDir, id))
	}
}

func parseContrasts(s string) ([]diffexpr.Contrast, error) {
	var out []diffexpr.Contrast
	for _, part := range strings.Split(s, ";") {
		bits := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(bits) != 2 || bits[0] == "" || bits[1] == "" {
			return nil, fmt.Errorf("malformed contrast %q: want test:control", part)
		}
		out = append(out, diffexpr.Contrast{Test: bits[0], Ctrl: bits[1]})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no contrasts given")
	}
	return out, nil
}
