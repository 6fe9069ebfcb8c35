package spec

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/go-playground/validator/v10"

	"threestep/internal/dataset"
	"threestep/internal/failure"
	"threestep/internal/interp"
)

// specValidate checks struct-level constraints on a built ModelSpec.
var specValidate *validator.Validate

var stemRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func init() {
	specValidate = validator.New()
	_ = specValidate.RegisterValidation("stem", func(fl validator.FieldLevel) bool {
		return stemRe.MatchString(fl.Field().String())
	})
}

// Builder assembles a ModelSpec. Every method returns a new Builder, so a
// partially configured Builder can be shared as a template without one
// stage's settings leaking into another's.
type Builder struct {
	spec ModelSpec

	logits    *interp.LogitMatrix
	indicator string
	gen       ClassGenerator
}

// NewBuilder starts a spec with the given file stem and title.
func NewBuilder(name, title string) Builder {
	return Builder{spec: ModelSpec{Name: name, Title: title}}
}

// Data sets the input dataset.
func (b Builder) Data(d *dataset.Dataset) Builder {
	b.spec.Data = d
	return b
}

// Use sets the USEVARIABLES list.
func (b Builder) Use(vars ...string) Builder {
	b.spec.Variable.UseVariables = clone(vars)
	return b
}

// Categorical declares binary/ordered categorical variables.
func (b Builder) Categorical(vars ...string) Builder {
	b.spec.Variable.Categorical = clone(vars)
	return b
}

// Nominal declares unordered categorical variables.
func (b Builder) Nominal(vars ...string) Builder {
	b.spec.Variable.Nominal = clone(vars)
	return b
}

// Auxiliary declares variables carried along into saved data without
// entering the model.
func (b Builder) Auxiliary(vars ...string) Builder {
	b.spec.Variable.Auxiliary = clone(vars)
	return b
}

// Missing declares sentinel as the missing-value flag for all variables.
func (b Builder) Missing(sentinel float64) Builder {
	b.spec.Variable.Missing = &sentinel
	return b
}

// Classes declares the latent class variable and its class count.
func (b Builder) Classes(name string, k int) Builder {
	b.spec.Variable.Classes = ClassSpec{Name: name, K: k}
	return b
}

// Define sets DEFINE statements.
func (b Builder) Define(stmts ...string) Builder {
	b.spec.Define = clone(stmts)
	return b
}

// Analysis sets the ANALYSIS section.
func (b Builder) Analysis(a AnalysisSection) Builder {
	if a.Extra != nil {
		extra := make(map[string]string, len(a.Extra))
		for k, v := range a.Extra {
			extra[k] = v
		}
		a.Extra = extra
	}
	b.spec.Analysis = a
	return b
}

// Overall sets the %OVERALL% statements.
func (b Builder) Overall(stmts ...Statement) Builder {
	b.spec.Model.Overall = append([]Statement(nil), stmts...)
	return b
}

// PerClass sets the generator for class-specific statements.
func (b Builder) PerClass(gen ClassGenerator) Builder {
	b.gen = gen
	return b
}

// FixedLogits pins the pseudo-class indicator's logits from m inside each
// class block. Build fails if m does not have one row per class.
func (b Builder) FixedLogits(indicator string, m interp.LogitMatrix) Builder {
	b.logits = &m
	b.indicator = indicator
	return b
}

// Constraint sets MODEL CONSTRAINT.
func (b Builder) Constraint(c ConstraintSection) Builder {
	b.spec.Constraint = ConstraintSection{New: clone(c.New), Expressions: clone(c.Expressions)}
	return b
}

// Test sets MODEL TEST equalities.
func (b Builder) Test(equalities ...string) Builder {
	b.spec.Test = TestSection{Equalities: clone(equalities)}
	return b
}

// Output sets the OUTPUT requests.
func (b Builder) Output(requests ...string) Builder {
	b.spec.Output = clone(requests)
	return b
}

// SaveData requests per-case output.
func (b Builder) SaveData(file, save string) Builder {
	b.spec.SaveData = &SaveDataSection{File: file, Save: save}
	return b
}

// Plot requests engine plots.
func (b Builder) Plot(typ, series string) Builder {
	b.spec.Plot = &PlotSection{Type: typ, Series: series}
	return b
}

// Build validates the configuration and returns the finished spec.
//
// A logit matrix whose row count differs from K fails with
// failure.ErrConfigurationMismatch before anything is rendered.
func (b Builder) Build() (*ModelSpec, error) {
	s := b.spec
	k := s.Variable.Classes.K

	if b.logits != nil && b.logits.Rows() != k {
		return nil, failure.Mismatchf("spec %q: %d classes but logit matrix has %d rows", s.Name, k, b.logits.Rows())
	}
	if err := specValidate.Struct(&s); err != nil {
		return nil, failure.Mismatchf("spec %q: %v", s.Name, err)
	}

	var fixed []interp.ClassAssignments
	if b.logits != nil {
		var err error
		fixed, err = interp.Interpolate(*b.logits, k, b.indicator)
		if err != nil {
			return nil, err
		}
	}
	if b.gen != nil || fixed != nil {
		blocks := make([]ClassBlock, k)
		var generated []ClassBlock
		if b.gen != nil {
			generated = ClassBlocks(k, b.gen)
		}
		for c := 1; c <= k; c++ {
			var stmts []Statement
			if fixed != nil {
				for _, a := range fixed[c-1].Fixed {
					stmts = append(stmts, FixedLogit{a})
				}
			}
			if generated != nil {
				stmts = append(stmts, generated[c-1].Statements...)
			}
			blocks[c-1] = ClassBlock{Class: c, Statements: stmts}
		}
		s.Model.Classes = blocks
	}

	if err := checkLabels(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// checkLabels rejects duplicate parameter labels; a duplicate would silently
// constrain two parameters to be equal.
func checkLabels(s *ModelSpec) error {
	seen := make(map[string]string)
	record := func(where string, stmts []Statement) error {
		for _, st := range stmts {
			l := st.Label()
			if l == "" {
				continue
			}
			if prev, ok := seen[l]; ok {
				return failure.Mismatchf("spec %q: label %q used in %s and %s", s.Name, l, prev, where)
			}
			seen[l] = where
		}
		return nil
	}
	if err := record("%OVERALL%", s.Model.Overall); err != nil {
		return err
	}
	for _, blk := range s.Model.Classes {
		if err := record(fmt.Sprintf("class %d", blk.Class), blk.Statements); err != nil {
			return err
		}
	}
	return nil
}

// Labels returns every parameter label of s keyed by class (0 for
// %OVERALL%), in declaration order.
func Labels(s *ModelSpec) map[int][]string {
	out := make(map[int][]string)
	add := func(class int, stmts []Statement) {
		for _, st := range stmts {
			if l := st.Label(); l != "" {
				out[class] = append(out[class], l)
			}
		}
	}
	add(0, s.Model.Overall)
	for _, blk := range s.Model.Classes {
		add(blk.Class, blk.Statements)
	}
	return out
}

// SortedExtra returns the extra analysis options as sorted key/value pairs.
func (a AnalysisSection) SortedExtra() [][2]string {
	keys := make([]string, 0, len(a.Extra))
	for k := range a.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, len(keys))
	for i, k := range keys {
		out[i] = [2]string{k, a.Extra[k]}
	}
	return out
}

func clone(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}
