package pipeline

// stages.go — the three model specifications.
//
//   stage1  enumeration: latent classes from the indicators, auxiliaries
//           carried into per-case saved data with posterior probabilities
//   stage2  pseudo-class n with logits fixed from stage 1, c ON covariates
//   stage3  distal outcomes with class-specific labeled means, pairwise
//           differences in MODEL CONSTRAINT, omnibus Wald test

import (
	"fmt"

	"threestep/internal/config"
	"threestep/internal/dataset"
	"threestep/internal/interp"
	"threestep/internal/spec"
)

// Stage names, which are also the file stems and directory names.
const (
	Stage1 = "stage1"
	Stage2 = "stage2"
	Stage3 = "stage3"
)

// SaveFile is the per-case output requested from stage 1.
const SaveFile = "savedata.dat"

// Stage1Spec builds the enumeration model over the raw dataset.
func Stage1Spec(cfg *config.Config, data *dataset.Dataset) (*spec.ModelSpec, error) {
	m := cfg.Model
	b := spec.NewBuilder(Stage1, cfg.Title+" (stage 1: enumeration)").
		Data(data).
		Use(m.Indicators...).
		Auxiliary(auxiliaries(cfg)...).
		Missing(cfg.Sentinel()).
		Classes(m.ClassVariable, m.Classes).
		Analysis(analysis(cfg, "")).
		Output(cfg.Stage1.Output...).
		SaveData(SaveFile, "CPROB")
	if m.Categorical {
		b = b.Categorical(m.Indicators...)
	}
	if p := cfg.Stage1.Plot; p != nil {
		b = b.Plot(p.Type, p.Series)
	}
	return b.Build()
}

// Stage2Spec builds the covariate model on stage-1 saved data with the
// pseudo-class indicator's logits fixed to logits.
func Stage2Spec(cfg *config.Config, data *dataset.Dataset, logits interp.LogitMatrix) (*spec.ModelSpec, error) {
	m := cfg.Model
	b := spec.NewBuilder(Stage2, cfg.Title+" (stage 2: covariates)").
		Data(data).
		Use(append([]string{m.PseudoClass}, m.Covariates...)...).
		Nominal(m.PseudoClass).
		Missing(cfg.Sentinel()).
		Classes(m.ClassVariable, m.Classes).
		Analysis(analysis(cfg, "0")).
		FixedLogits(m.PseudoClass, logits)
	if len(m.Covariates) > 0 {
		b = b.Overall(spec.Regression{Outcome: m.ClassVariable, Predictors: m.Covariates})
	}
	return b.Build()
}

// Stage3Spec builds the distal-outcome model on stage-1 saved data with the
// pseudo-class indicator's logits fixed to logits.
func Stage3Spec(cfg *config.Config, data *dataset.Dataset, logits interp.LogitMatrix) (*spec.ModelSpec, error) {
	m := cfg.Model
	use := append([]string{m.PseudoClass}, m.Distals...)
	use = append(use, m.Covariates...)

	b := spec.NewBuilder(Stage3, cfg.Title+" (stage 3: distal outcomes)").
		Data(data).
		Use(use...).
		Nominal(m.PseudoClass).
		Missing(cfg.Sentinel()).
		Classes(m.ClassVariable, m.Classes).
		Analysis(analysis(cfg, "0")).
		FixedLogits(m.PseudoClass, logits).
		PerClass(distalBlock(m.Distals, m.Covariates)).
		Constraint(pairwiseDifferences(len(m.Distals), m.Classes)).
		Test(omnibus(1, m.Classes)...)
	if len(m.Covariates) > 0 {
		b = b.Overall(spec.Regression{Outcome: m.ClassVariable, Predictors: m.Covariates})
	}
	return b.Build()
}

// MeanLabel names the class-c mean of the d-th distal (1-based).
func MeanLabel(d, c int) string { return fmt.Sprintf("m%d_%d", d, c) }

// SlopeLabel names the class-c slope of the d-th distal on the covariate.
func SlopeLabel(d, c int) string { return fmt.Sprintf("s%d_%d", d, c) }

// DiffLabel names the difference between classes a and b on distal d.
func DiffLabel(d, a, b int) string { return fmt.Sprintf("d%d_%d%d", d, a, b) }

// distalBlock generates, for each class, a labeled mean and a free
// variance for every distal, plus a regression on the covariates. The
// slope is labeled when there is a single covariate.
func distalBlock(distals, covariates []string) spec.ClassGenerator {
	return func(c, k int) []spec.Statement {
		var out []spec.Statement
		for i, d := range distals {
			out = append(out,
				spec.Mean{Variable: d, Name: MeanLabel(i+1, c)},
				spec.Variance{Variable: d},
			)
			if len(covariates) > 0 {
				r := spec.Regression{Outcome: d, Predictors: covariates}
				if len(covariates) == 1 {
					r.Name = SlopeLabel(i+1, c)
				}
				out = append(out, r)
			}
		}
		return out
	}
}

// pairwiseDifferences defines one NEW parameter per distal and class pair.
func pairwiseDifferences(distals, k int) spec.ConstraintSection {
	var cs spec.ConstraintSection
	for d := 1; d <= distals; d++ {
		for a := 1; a <= k; a++ {
			for b := a + 1; b <= k; b++ {
				name := DiffLabel(d, a, b)
				cs.New = append(cs.New, name)
				cs.Expressions = append(cs.Expressions,
					fmt.Sprintf("%s = %s - %s", name, MeanLabel(d, a), MeanLabel(d, b)))
			}
		}
	}
	return cs
}

// omnibus tests equality of distal d's mean across all k classes.
func omnibus(d, k int) []string {
	out := make([]string, 0, k-1)
	for c := 1; c < k; c++ {
		out = append(out, fmt.Sprintf("%s = %s", MeanLabel(d, c), MeanLabel(d, c+1)))
	}
	return out
}

func auxiliaries(cfg *config.Config) []string {
	aux := append([]string(nil), cfg.Model.Covariates...)
	return append(aux, cfg.Model.Distals...)
}

// analysis returns the shared ANALYSIS options. starts overrides the
// configured value when non-empty; later stages have nothing to search
// over once the logits are fixed.
func analysis(cfg *config.Config, starts string) spec.AnalysisSection {
	a := cfg.Analysis
	if starts == "" {
		starts = a.Starts
	}
	return spec.AnalysisSection{
		Type:       "MIXTURE",
		Estimator:  a.Estimator,
		Starts:     starts,
		Processors: a.Processors,
		Algorithm:  a.Algorithm,
		Extra:      a.Extra,
	}
}
