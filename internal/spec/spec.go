// Package spec defines the typed model specification that the renderer
// turns into engine input syntax, and the Builder that assembles it.
//
// A ModelSpec is a value object: the Builder never hands out a spec that a
// later call can change, and nothing downstream patches a built spec.
package spec

import (
	"threestep/internal/dataset"
)

// DefaultMissing is the missing-value sentinel declared for every column
// of data handed from one stage to the next.
const DefaultMissing = 999.0

// ModelSpec is the complete description of one engine run.
type ModelSpec struct {
	// Name is the file stem for the rendered input and data files.
	Name  string `validate:"required,stem"`
	Title string `validate:"required"`

	Data *dataset.Dataset `validate:"required"`

	Variable   VariableSection
	Define     []string
	Analysis   AnalysisSection
	Model      ModelSection
	Constraint ConstraintSection
	Test       TestSection
	Output     []string
	SaveData   *SaveDataSection
	Plot       *PlotSection
}

// DataFile returns the name of the exported dataset file.
func (s *ModelSpec) DataFile() string { return s.Name + ".dat" }

// InputFile returns the name of the rendered input file.
func (s *ModelSpec) InputFile() string { return s.Name + ".inp" }

// OutputFile returns the name of the file the engine writes its results to.
func (s *ModelSpec) OutputFile() string { return s.Name + ".out" }

// VariableSection declares the variables of a run. Names is not stored: the
// renderer derives it from the dataset columns.
type VariableSection struct {
	UseVariables []string `validate:"required,min=1,dive,required"`
	Categorical  []string `validate:"dive,required"`
	Nominal      []string `validate:"dive,required"`
	Auxiliary    []string `validate:"dive,required"`

	// Missing is the sentinel declared for all variables. Nil omits the
	// declaration.
	Missing *float64

	Classes ClassSpec
}

// ClassSpec names the latent class variable and its class count K.
type ClassSpec struct {
	Name string `validate:"required,alphanum"`
	K    int    `validate:"gte=2"`
}

// AnalysisSection holds the ANALYSIS options. Extra options are rendered
// after the named ones, sorted by key.
type AnalysisSection struct {
	Type       string `validate:"required"`
	Estimator  string
	Starts     string
	Processors int `validate:"gte=0"`
	Algorithm  string
	Extra      map[string]string
}

// ModelSection is the MODEL section: overall statements plus one block per
// latent class.
type ModelSection struct {
	Overall []Statement
	Classes []ClassBlock
}

// ClassBlock holds the statements that apply inside one latent class.
type ClassBlock struct {
	Class      int
	Statements []Statement
}

// ConstraintSection is MODEL CONSTRAINT: new derived parameters and the
// expressions that define them.
type ConstraintSection struct {
	New         []string
	Expressions []string
}

// Empty reports whether the section renders nothing.
func (c ConstraintSection) Empty() bool {
	return len(c.New) == 0 && len(c.Expressions) == 0
}

// TestSection is MODEL TEST: a set of equalities tested jointly with a
// Wald test.
type TestSection struct {
	Equalities []string
}

// SaveDataSection requests per-case output.
type SaveDataSection struct {
	File string `validate:"required"`
	Save string `validate:"required"`
}

// PlotSection requests engine plots.
type PlotSection struct {
	Type   string `validate:"required"`
	Series string
}
