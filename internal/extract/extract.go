// Package extract pulls the two artifacts the next stage needs out of a
// parsed run: the classification logit matrix and the per-case saved data.
//
// Both extractions require output that the producing spec must have asked
// for. A missing section is reported as failure.ErrMissingRequestedOutput,
// never as an empty table.
package extract

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"threestep/internal/dataset"
	"threestep/internal/failure"
	"threestep/internal/interp"
	"threestep/internal/output"
)

// DefaultLatentColumn is the saved-data column holding the most likely
// class when the latent class variable is named C. The engine names the
// column after the class variable.
const DefaultLatentColumn = "C"

// zeroTolerance bounds the values accepted in the reference column. The
// engine prints the column as 0.000.
const zeroTolerance = 5e-4

// Logits returns the K x (K-1) logit matrix for the most likely class
// table, with reference as the reference class (1-based). The reference
// column of the printed table must be all zero: any other value means the
// engine used a different reference than the caller expects.
func Logits(res *output.Result, k, reference int) (interp.LogitMatrix, error) {
	if res == nil || res.ClassCounts == nil || res.ClassCounts.LogitsMostLikely == nil {
		return interp.LogitMatrix{}, failure.Missingf("no classification logit table in engine output")
	}
	table := res.ClassCounts.LogitsMostLikely
	if len(table) != k {
		return interp.LogitMatrix{}, failure.Mismatchf("logit table has %d rows, expected %d classes", len(table), k)
	}
	if reference < 1 || reference > k {
		return interp.LogitMatrix{}, failure.Mismatchf("reference class %d outside 1..%d", reference, k)
	}

	values := make([][]float64, k)
	for i, row := range table {
		if len(row) != k {
			return interp.LogitMatrix{}, failure.Mismatchf("logit table row %d has %d columns, expected %d", i+1, len(row), k)
		}
		if v := row[reference-1]; math.Abs(v) > zeroTolerance {
			return interp.LogitMatrix{}, failure.Mismatchf(
				"logit table column %d is not the reference column (row %d is %g)", reference, i+1, v)
		}
		out := make([]float64, 0, k-1)
		for j, v := range row {
			if j != reference-1 {
				out = append(out, v)
			}
		}
		values[i] = out
	}
	return interp.NewLogitMatrix(values, reference)
}

// SavedDataOptions controls SavedData.
type SavedDataOptions struct {
	// Classes is K; the class column must only hold values in 1..K.
	Classes int

	// LatentColumn is the saved-data column holding the most likely class,
	// which is the class variable's name. Defaults to "C".
	LatentColumn string

	// ClassColumn is the identifier the reserved class column is renamed
	// to. Defaults to "N".
	ClassColumn string

	// Keep, when non-empty, selects these columns (plus ClassColumn) in
	// order. Posterior probability columns are dropped this way.
	Keep []string
}

// DefaultClassColumn is the pseudo-class variable name used downstream.
const DefaultClassColumn = "N"

// SavedData reads the per-case file named in res from dir. Columns follow
// the engine's declared order, the engine's missing symbol becomes
// missing, and the most-likely-class column is renamed.
func SavedData(res *output.Result, dir string, opts SavedDataOptions) (*dataset.Dataset, error) {
	if res == nil || res.SaveData == nil {
		return nil, failure.Missingf("no saved data section in engine output")
	}
	sd := res.SaveData
	if len(sd.Variables) == 0 || sd.File == "" {
		return nil, failure.Missingf("saved data section lists no file or variables")
	}
	if opts.ClassColumn == "" {
		opts.ClassColumn = DefaultClassColumn
	}
	if opts.LatentColumn == "" {
		opts.LatentColumn = DefaultLatentColumn
	}

	path := sd.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, failure.Missingf("saved data file %s not found", path)
		}
		return nil, fmt.Errorf("extract: %w", err)
	}
	defer f.Close()

	d, err := dataset.ReadFree(f, sd.Variables, sd.MissingSymbol)
	if err != nil {
		return nil, fmt.Errorf("extract: %s: %w", path, err)
	}
	if d.Len() == 0 {
		return nil, failure.Missingf("saved data file %s is empty", path)
	}
	if !d.Has(opts.LatentColumn) {
		return nil, failure.Missingf("saved data has no %s column", opts.LatentColumn)
	}
	d, err = d.Rename(opts.LatentColumn, opts.ClassColumn)
	if err != nil {
		return nil, failure.Mismatchf("%v", err)
	}
	if err := checkDomain(d, opts.ClassColumn, opts.Classes); err != nil {
		return nil, err
	}

	if len(opts.Keep) == 0 {
		return d, nil
	}
	keep := append([]string(nil), opts.Keep...)
	if !containsFold(keep, opts.ClassColumn) {
		keep = append(keep, opts.ClassColumn)
	}
	d, err = d.Select(keep...)
	if err != nil {
		return nil, failure.Mismatchf("%v", err)
	}
	return d, nil
}

// checkDomain requires every class value to be an integer in 1..k.
func checkDomain(d *dataset.Dataset, col string, k int) error {
	if k < 2 {
		return failure.Mismatchf("class count %d, need at least 2", k)
	}
	vals, err := d.Distinct(col)
	if err != nil {
		return failure.Mismatchf("%v", err)
	}
	for _, v := range vals {
		if v != math.Trunc(v) || v < 1 || v > float64(k) {
			return failure.Mismatchf("class column %s holds %g, outside 1..%d", col, v, k)
		}
	}
	return nil
}

func containsFold(set []string, s string) bool {
	for _, v := range set {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
