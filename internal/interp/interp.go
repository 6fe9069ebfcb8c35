// Package interp carries stage-1 classification uncertainty into later
// stages.
//
// The logits of the most-likely-class table are pinned as literal constants
// on a nominal pseudo-class indicator, one block per latent class. Nothing
// here is ever re-estimated: that is what keeps the class-enumeration model
// from being re-fit jointly with the auxiliary-variable model.
package interp

import (
	"fmt"
	"strconv"

	"threestep/internal/failure"
)

// LogitMatrix holds the non-reference logits of the most-likely-class
// table: K rows (latent class 1..K) by K-1 columns (every class except the
// reference, in ascending class order).
type LogitMatrix struct {
	reference int
	values    [][]float64
}

// NewLogitMatrix validates shape and reference class and copies values.
func NewLogitMatrix(values [][]float64, reference int) (LogitMatrix, error) {
	k := len(values)
	if k < 2 {
		return LogitMatrix{}, failure.Mismatchf("logit matrix needs at least 2 rows, got %d", k)
	}
	if reference < 1 || reference > k {
		return LogitMatrix{}, failure.Mismatchf("reference class %d outside 1..%d", reference, k)
	}
	cp := make([][]float64, k)
	for i, row := range values {
		if len(row) != k-1 {
			return LogitMatrix{}, failure.Mismatchf("logit matrix row %d has %d columns, want %d", i+1, len(row), k-1)
		}
		cp[i] = append([]float64(nil), row...)
	}
	return LogitMatrix{reference: reference, values: cp}, nil
}

// Rows returns the number of latent classes.
func (m LogitMatrix) Rows() int { return len(m.values) }

// Cols returns the number of non-reference logit columns.
func (m LogitMatrix) Cols() int {
	if len(m.values) == 0 {
		return 0
	}
	return len(m.values[0])
}

// Reference returns the 1-based reference class.
func (m LogitMatrix) Reference() int { return m.reference }

// Categories returns the pseudo-class category each column pins, which is
// every class number except the reference.
func (m LogitMatrix) Categories() []int {
	out := make([]int, 0, m.Cols())
	for c := 1; c <= m.Rows(); c++ {
		if c != m.reference {
			out = append(out, c)
		}
	}
	return out
}

// At returns the logit at [class, column], both 1-based.
func (m LogitMatrix) At(class, column int) float64 {
	return m.values[class-1][column-1]
}

// Values returns a copy of the matrix rows.
func (m LogitMatrix) Values() [][]float64 {
	out := make([][]float64, len(m.values))
	for i, row := range m.values {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// Assignment pins one category of the pseudo-class indicator to a constant
// inside one latent-class block.
type Assignment struct {
	Indicator string
	Category  int
	Value     float64
}

// Syntax renders the assignment as engine model syntax, e.g. "[N#1@3.756];".
func (a Assignment) Syntax() string {
	return fmt.Sprintf("[%s#%d@%s];", a.Indicator, a.Category, FormatLogit(a.Value))
}

// FormatLogit renders a logit verbatim: the shortest decimal form that
// round-trips to the same float64.
func FormatLogit(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ClassAssignments is the set of fixed assignments for one latent class.
type ClassAssignments struct {
	Class int
	Fixed []Assignment
}

// Interpolate produces, for every class 1..k, one fixed assignment per
// non-reference column of m. Calling it twice with the same inputs yields
// identical output.
func Interpolate(m LogitMatrix, k int, indicator string) ([]ClassAssignments, error) {
	if indicator == "" {
		return nil, failure.Mismatchf("pseudo-class indicator name is empty")
	}
	if k < 2 {
		return nil, failure.Mismatchf("class count %d, need at least 2", k)
	}
	if m.Rows() != k {
		return nil, failure.Mismatchf("class count %d but logit matrix has %d rows", k, m.Rows())
	}
	cats := m.Categories()
	out := make([]ClassAssignments, k)
	for c := 1; c <= k; c++ {
		fixed := make([]Assignment, len(cats))
		for j, cat := range cats {
			fixed[j] = Assignment{Indicator: indicator, Category: cat, Value: m.At(c, j+1)}
		}
		out[c-1] = ClassAssignments{Class: c, Fixed: fixed}
	}
	return out, nil
}
