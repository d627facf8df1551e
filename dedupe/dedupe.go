// Package dedupe collapses multiple measured features (probes) that map to
// the same biological identifier, keeping the most variable representative
// so downstream analysis sees one row per identifier.
package dedupe

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/bioc/crossmeta/exprset"
	"github.com/minio/blake2b-simd"
	"github.com/montanaflynn/stats"
)

// Collapse keeps, for every identifier value in the named feature column,
// the single feature with the highest interquartile range on the ranking
// layer over the currently selected samples; earlier rows win ties.
// Features with a blank identifier are dropped. The identifiers become the
// feature names of the result.
//
// When no identifier is repeated the IQR computation is skipped entirely
// and this is a pure row filter; the IQR pass over all samples dominates
// the cost for large feature counts, so the fast path matters.
func Collapse(set *exprset.ExpressionSet, column, layer string) (*exprset.ExpressionSet, error) {
	ids, err := set.Features.Column(column)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %v", set.Dataset, err)
	}

	counts := make(map[string]int, len(ids))
	for _, id := range ids {
		if id != "" {
			counts[id]++
		}
	}

	anyDup := false
	for _, c := range counts {
		if c > 1 {
			anyDup = true
			break
		}
	}

	var keep []int
	if !anyDup {
		for i, id := range ids {
			if id != "" {
				keep = append(keep, i)
			}
		}
	} else {
		rank := set.Layer(layer)
		if rank == nil {
			return nil, fmt.Errorf("dataset %s: ranking layer %q missing", set.Dataset, layer)
		}
		_, ns := rank.Dims()

		best := make(map[string]int, len(counts))    // id -> row index
		bestIQR := make(map[string]float64, len(counts))
		row := make([]float64, ns)
		for i, id := range ids {
			if id == "" {
				continue
			}
			if counts[id] == 1 {
				best[id] = i
				continue
			}
			for j := 0; j < ns; j++ {
				row[j] = rank.At(i, j)
			}
			iqr, err := stats.InterQuartileRange(stats.Float64Data(row))
			if err != nil {
				iqr = 0
			}
			if _, ok := best[id]; !ok || iqr > bestIQR[id] {
				best[id] = i
				bestIQR[id] = iqr
			}
		}
		for _, i := range best {
			keep = append(keep, i)
		}
		sort.Ints(keep)
	}

	if len(keep) == 0 {
		return nil, fmt.Errorf("dataset %s: no features carry a %s identifier", set.Dataset, column)
	}

	out, err := set.SelectFeatures(keep)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(keep))
	for i, j := range keep {
		names[i] = ids[j]
	}
	return out.RenameFeatures(names)
}

// DropDuplicateRows removes features whose values on the named layer are
// exact duplicates of an earlier retained feature's values. Used when
// downstream analysis should not overcount many-to-one identifier
// mappings; independent of the per-identifier collapse.
func DropDuplicateRows(set *exprset.ExpressionSet, layer string) (*exprset.ExpressionSet, error) {
	m := set.Layer(layer)
	if m == nil {
		return nil, fmt.Errorf("dataset %s: layer %q missing", set.Dataset, layer)
	}
	nf, ns := m.Dims()

	seen := make(map[[32]byte]bool, nf)
	var keep []int
	buf := make([]byte, 8*ns)
	for i := 0; i < nf; i++ {
		for j := 0; j < ns; j++ {
			binary.LittleEndian.PutUint64(buf[8*j:], math.Float64bits(m.At(i, j)))
		}
		sum := blake2b.Sum256(buf)
		if seen[sum] {
			continue
		}
		seen[sum] = true
		keep = append(keep, i)
	}

	if len(keep) == nf {
		return set, nil
	}
	return set.SelectFeatures(keep)
}
