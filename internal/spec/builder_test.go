package spec_test

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"threestep/internal/dataset"
	"threestep/internal/failure"
	"threestep/internal/interp"
	"threestep/internal/spec"
)

func sampleData(t *testing.T) *dataset.Dataset {
	t.Helper()
	d, err := dataset.New([]string{"u1", "u2", "x1", "d1", "n"}, [][]float64{
		{1, 0, 0.5, 2.1, 1},
		{0, 1, -0.2, 3.4, 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func base(t *testing.T, k int) spec.Builder {
	return spec.NewBuilder("stage2", "pseudo-class model").
		Data(sampleData(t)).
		Use("n").
		Nominal("n").
		Classes("c", k).
		Analysis(spec.AnalysisSection{Type: "MIXTURE", Starts: "0"})
}

func matrix(t *testing.T, k int) interp.LogitMatrix {
	t.Helper()
	vals := make([][]float64, k)
	for i := range vals {
		vals[i] = make([]float64, k-1)
		for j := range vals[i] {
			vals[i][j] = float64(i) - float64(j)/2
		}
	}
	m, err := interp.NewLogitMatrix(vals, k)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// For every K >= 2, a logit matrix with a row count other than K is
// rejected before rendering.
func TestBuildRejectsLogitRowMismatch(t *testing.T) {
	for k := 2; k <= 6; k++ {
		for _, rows := range []int{k - 1, k + 1} {
			if rows < 2 {
				continue
			}
			t.Run(fmt.Sprintf("k%d_rows%d", k, rows), func(t *testing.T) {
				_, err := base(t, k).FixedLogits("n", matrix(t, rows)).Build()
				if !errors.Is(err, failure.ErrConfigurationMismatch) {
					t.Fatalf("err = %v, want ConfigurationMismatch", err)
				}
			})
		}
	}
}

func TestBuildFixedLogitBlocks(t *testing.T) {
	s, err := base(t, 3).FixedLogits("n", matrix(t, 3)).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(s.Model.Classes) != 3 {
		t.Fatalf("got %d class blocks, want 3", len(s.Model.Classes))
	}
	for _, blk := range s.Model.Classes {
		fixed := 0
		for _, st := range blk.Statements {
			if _, ok := st.(spec.FixedLogit); ok {
				fixed++
			}
		}
		if fixed != 2 {
			t.Errorf("class %d: %d fixed logits, want 2", blk.Class, fixed)
		}
	}
}

func TestBuildPerClassGenerator(t *testing.T) {
	gen := func(c, k int) []spec.Statement {
		return []spec.Statement{
			spec.Mean{Variable: "d1", Name: fmt.Sprintf("m1_%d", c)},
			spec.Regression{Outcome: "d1", Predictors: []string{"x1"}, Name: fmt.Sprintf("s1_%d", c)},
		}
	}
	s, err := base(t, 4).FixedLogits("n", matrix(t, 4)).PerClass(gen).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	labels := spec.Labels(s)
	for c := 1; c <= 4; c++ {
		want := []string{fmt.Sprintf("m1_%d", c), fmt.Sprintf("s1_%d", c)}
		if !reflect.DeepEqual(labels[c], want) {
			t.Errorf("class %d labels = %v, want %v", c, labels[c], want)
		}
		// fixed logits come first, then the generated statements
		if _, ok := s.Model.Classes[c-1].Statements[0].(spec.FixedLogit); !ok {
			t.Errorf("class %d: first statement is %T", c, s.Model.Classes[c-1].Statements[0])
		}
	}
}

func TestBuildRejectsDuplicateLabels(t *testing.T) {
	gen := func(c, k int) []spec.Statement {
		return []spec.Statement{spec.Mean{Variable: "d1", Name: "m1"}}
	}
	_, err := base(t, 2).PerClass(gen).Build()
	if !errors.Is(err, failure.ErrConfigurationMismatch) {
		t.Fatalf("err = %v, want ConfigurationMismatch", err)
	}
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name string
		b    spec.Builder
	}{
		{"one class", base(t, 1)},
		{"no title", spec.NewBuilder("x", "").Data(sampleData(t)).Use("n").Classes("c", 2).Analysis(spec.AnalysisSection{Type: "MIXTURE"})},
		{"bad stem", spec.NewBuilder("a/b", "t").Data(sampleData(t)).Use("n").Classes("c", 2).Analysis(spec.AnalysisSection{Type: "MIXTURE"})},
		{"no data", spec.NewBuilder("x", "t").Use("n").Classes("c", 2).Analysis(spec.AnalysisSection{Type: "MIXTURE"})},
		{"no usevariables", spec.NewBuilder("x", "t").Data(sampleData(t)).Classes("c", 2).Analysis(spec.AnalysisSection{Type: "MIXTURE"})},
		{"no analysis type", spec.NewBuilder("x", "t").Data(sampleData(t)).Use("n").Classes("c", 2)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.b.Build(); !errors.Is(err, failure.ErrConfigurationMismatch) {
				t.Errorf("err = %v, want ConfigurationMismatch", err)
			}
		})
	}
}

// Builders are values: configuring a derived builder must not change the
// spec built from its parent.
func TestBuilderIsImmutable(t *testing.T) {
	parent := base(t, 2).Output("TECH11")
	child := parent.Output("TECH14").Use("u1", "u2")

	p, err := parent.Build()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := child.Build(); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(p.Output, []string{"TECH11"}) || !reflect.DeepEqual(p.Variable.UseVariables, []string{"n"}) {
		t.Errorf("parent spec changed: %v %v", p.Output, p.Variable.UseVariables)
	}
}

func TestStatementSyntax(t *testing.T) {
	tests := []struct {
		st   spec.Statement
		want string
	}{
		{spec.FixedLogit{Assignment: interp.Assignment{Indicator: "N", Category: 2, Value: -3.044}}, "[N#2@-3.044];"},
		{spec.Mean{Variable: "D1", Name: "m1_1"}, "[D1] (m1_1);"},
		{spec.Mean{Variable: "D1"}, "[D1];"},
		{spec.Variance{Variable: "D1", Name: "v1"}, "D1 (v1);"},
		{spec.Regression{Outcome: "D1", Predictors: []string{"X1", "X2"}, Name: "s1"}, "D1 ON X1 X2 (s1);"},
		{spec.Raw("C ON X1"), "C ON X1;"},
		{spec.Raw("C ON X1;"), "C ON X1;"},
	}
	for _, tc := range tests {
		if got := tc.st.Syntax(); got != tc.want {
			t.Errorf("%T Syntax = %q, want %q", tc.st, got, tc.want)
		}
	}
}
