package spec

import (
	"fmt"
	"strings"

	"threestep/internal/interp"
)

// Statement is one model statement. The set of implementations is closed:
// FixedLogit, Mean, Variance, Regression and Raw.
type Statement interface {
	// Label returns the parameter label, or "" when the statement has none.
	Label() string
	// Syntax returns the statement in engine syntax, terminated by ';'.
	Syntax() string

	statement()
}

// FixedLogit pins one category of the pseudo-class indicator to a
// constant: "[N#1@3.756];".
type FixedLogit struct {
	interp.Assignment
}

func (FixedLogit) Label() string    { return "" }
func (f FixedLogit) Syntax() string { return f.Assignment.Syntax() }
func (FixedLogit) statement()       {}

// Mean frees (and optionally labels) the mean or intercept of a variable:
// "[D1] (m1_1);".
type Mean struct {
	Variable string
	Name     string
}

func (m Mean) Label() string  { return m.Name }
func (m Mean) Syntax() string { return withLabel("["+m.Variable+"]", m.Name) }
func (Mean) statement()       {}

// Variance frees (and optionally labels) the variance of a variable:
// "D1 (v1_1);".
type Variance struct {
	Variable string
	Name     string
}

func (v Variance) Label() string  { return v.Name }
func (v Variance) Syntax() string { return withLabel(v.Variable, v.Name) }
func (Variance) statement()       {}

// Regression regresses an outcome on predictors: "D1 ON X1 (s1_1);".
type Regression struct {
	Outcome    string
	Predictors []string
	Name       string
}

func (r Regression) Label() string { return r.Name }
func (r Regression) Syntax() string {
	return withLabel(fmt.Sprintf("%s ON %s", r.Outcome, strings.Join(r.Predictors, " ")), r.Name)
}
func (Regression) statement() {}

// Raw is a statement passed through verbatim. A terminating ';' is added
// if missing.
type Raw string

func (Raw) Label() string { return "" }
func (r Raw) Syntax() string {
	s := strings.TrimSpace(string(r))
	if !strings.HasSuffix(s, ";") {
		s += ";"
	}
	return s
}
func (Raw) statement() {}

func withLabel(body, label string) string {
	if label == "" {
		return body + ";"
	}
	return fmt.Sprintf("%s (%s);", body, label)
}

// ClassGenerator returns the class-specific statements for class c of K.
// A single generator replaces one hand-written block per class.
type ClassGenerator func(c, k int) []Statement

// ClassBlocks runs gen once for every class 1..k.
func ClassBlocks(k int, gen ClassGenerator) []ClassBlock {
	blocks := make([]ClassBlock, k)
	for c := 1; c <= k; c++ {
		blocks[c-1] = ClassBlock{Class: c, Statements: gen(c, k)}
	}
	return blocks
}
