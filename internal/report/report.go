package report

// report.go — inspection artifacts for each stage.
//
// Every stage directory gets:
//   result.yaml   — the parsed engine result, verbatim
//   report.md     — markdown with YAML frontmatter: fit summaries, class
//                   proportions, and proportion drift against stage 1
//
// The run directory gets index.md linking the stage reports. Generate is
// pure; Write puts files on disk in sorted path order.

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"threestep/internal/output"
)

const (
	// ResultFile is the YAML dump of the parsed result.
	ResultFile = "result.yaml"
	// ReportFile is the markdown inspection report.
	ReportFile = "report.md"
	// IndexFile lists every stage report of a run.
	IndexFile = "index.md"
)

// Meta is the frontmatter of report.md.
type Meta struct {
	Stage              string   `yaml:"stage"`
	RunID              string   `yaml:"run_id,omitempty"`
	Classes            int      `yaml:"classes"`
	TerminatedNormally bool     `yaml:"terminated_normally"`
	Warnings           int      `yaml:"warnings"`
	MaxDrift           *float64 `yaml:"max_drift,omitempty"`
	Tags               []string `yaml:"tags"`
}

// Stage describes one stage for Generate.
type Stage struct {
	Name    string
	RunID   string
	Classes int
	Input   string // input file name, for the report heading
	Result  *output.Result

	// Baseline holds stage-1 model proportions; nil for stage 1 itself.
	Baseline []output.ClassCount
}

// Pages maps a path relative to the stage directory to file content.
type Pages map[string][]byte

// Generate builds result.yaml and report.md for s. No files are written.
func Generate(s Stage) (Pages, error) {
	if s.Result == nil {
		return nil, fmt.Errorf("report: stage %s has no result", s.Name)
	}
	res, err := yaml.Marshal(s.Result)
	if err != nil {
		return nil, fmt.Errorf("report: marshal result: %w", err)
	}

	meta := Meta{
		Stage:              s.Name,
		RunID:              s.RunID,
		Classes:            s.Classes,
		TerminatedNormally: s.Result.TerminatedNormally,
		Warnings:           len(s.Result.Warnings),
		Tags:               []string{"threestep/stage", "threestep/" + s.Name},
	}
	var drift []float64
	if s.Baseline != nil && s.Result.ClassCounts != nil {
		drift, err = Drift(s.Baseline, s.Result.ClassCounts.Model)
		if err != nil {
			return nil, err
		}
		m := maxAbs(drift)
		meta.MaxDrift = &m
	}

	doc, err := withFrontmatter(meta, body(s, drift))
	if err != nil {
		return nil, err
	}
	return Pages{ResultFile: res, ReportFile: doc}, nil
}

// Write writes pages into dir in sorted path order.
func Write(pages Pages, dir string) error {
	paths := make([]string, 0, len(pages))
	for p := range pages {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if err := writeNote(filepath.Join(dir, filepath.FromSlash(p)), pages[p]); err != nil {
			return err
		}
	}
	return nil
}

// ReadMeta parses the frontmatter of a report.md.
func ReadMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	fm, _, err := splitFrontmatter(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var m Meta
	if err := yaml.Unmarshal(fm, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// Drift returns cur[i].Proportion - base[i].Proportion for each class.
// Both tables must list the same classes in the same order.
func Drift(base, cur []output.ClassCount) ([]float64, error) {
	if len(base) != len(cur) {
		return nil, fmt.Errorf("report: %d baseline classes, %d current", len(base), len(cur))
	}
	out := make([]float64, len(base))
	for i := range base {
		if base[i].Class != cur[i].Class {
			return nil, fmt.Errorf("report: class %d compared with class %d", base[i].Class, cur[i].Class)
		}
		out[i] = cur[i].Proportion - base[i].Proportion
	}
	return out, nil
}

// MaxDrift is the largest absolute proportion change between two tables.
func MaxDrift(base, cur []output.ClassCount) (float64, error) {
	d, err := Drift(base, cur)
	if err != nil {
		return 0, err
	}
	return maxAbs(d), nil
}

// Index builds the run-level index.md. Stages are listed in the order
// given; links use the [[stage/report|stage]] wiki form.
func Index(title, runID string, stages []Meta) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "- **Run**: `%s`\n\n", runID)
	b.WriteString("## Stages\n\n")
	b.WriteString("| Stage | Terminated normally | Warnings | Max drift |\n")
	b.WriteString("|-------|---------------------|----------|-----------|\n")
	for _, m := range stages {
		drift := "-"
		if m.MaxDrift != nil {
			drift = fmt.Sprintf("%.4f", *m.MaxDrift)
		}
		fmt.Fprintf(&b, "| [[%s/report|%s]] | %t | %d | %s |\n",
			m.Stage, m.Stage, m.TerminatedNormally, m.Warnings, drift)
	}
	return withFrontmatter(struct {
		RunID string   `yaml:"run_id"`
		Tags  []string `yaml:"tags"`
	}{runID, []string{"threestep/index"}}, b.String())
}

// ---------------------------------------------------------------------------
// Page builders
// ---------------------------------------------------------------------------

func body(s Stage, drift []float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", s.Name)
	if s.Input != "" {
		fmt.Fprintf(&b, "- **Input**: `%s`\n", s.Input)
	}
	fmt.Fprintf(&b, "- **Classes**: %d\n\n", s.Classes)

	r := s.Result
	if sm := r.Summaries; sm != nil {
		b.WriteString("## Model Fit\n\n")
		b.WriteString("| Statistic | Value |\n")
		b.WriteString("|-----------|-------|\n")
		fmt.Fprintf(&b, "| Parameters | %d |\n", sm.Parameters)
		fmt.Fprintf(&b, "| Log-likelihood | %.3f |\n", sm.LogLikelihood)
		fmt.Fprintf(&b, "| AIC | %.3f |\n", sm.AIC)
		fmt.Fprintf(&b, "| BIC | %.3f |\n", sm.BIC)
		if sm.AdjustedBIC != 0 {
			fmt.Fprintf(&b, "| Adjusted BIC | %.3f |\n", sm.AdjustedBIC)
		}
		if sm.Entropy != 0 {
			fmt.Fprintf(&b, "| Entropy | %.3f |\n", sm.Entropy)
		}
		b.WriteString("\n")
	}

	if cc := r.ClassCounts; cc != nil && len(cc.Model) > 0 {
		b.WriteString("## Class Proportions\n\n")
		if drift != nil {
			b.WriteString("| Class | Count | Proportion | Stage 1 | Drift |\n")
			b.WriteString("|-------|-------|------------|---------|-------|\n")
			for i, c := range cc.Model {
				fmt.Fprintf(&b, "| %d | %.2f | %.5f | %.5f | %+.5f |\n",
					c.Class, c.Count, c.Proportion, s.Baseline[i].Proportion, drift[i])
			}
		} else {
			b.WriteString("| Class | Count | Proportion |\n")
			b.WriteString("|-------|-------|------------|\n")
			for _, c := range cc.Model {
				fmt.Fprintf(&b, "| %d | %.2f | %.5f |\n", c.Class, c.Count, c.Proportion)
			}
		}
		b.WriteString("\n")
	}

	if cc := r.ClassCounts; cc != nil && len(cc.LogitsMostLikely) > 0 {
		b.WriteString("## Classification Logits\n\n")
		for _, row := range cc.LogitsMostLikely {
			cells := make([]string, len(row))
			for j, v := range row {
				cells[j] = fmt.Sprintf("%.3f", v)
			}
			b.WriteString("    " + strings.Join(cells, "  ") + "\n")
		}
		b.WriteString("\n")
	}

	if len(r.Warnings) > 0 {
		b.WriteString("## Engine Warnings\n\n")
		for _, w := range r.Warnings {
			b.WriteString("```\n" + w + "\n```\n\n")
		}
	}
	return b.String()
}

func maxAbs(vals []float64) float64 {
	m := 0.0
	for _, v := range vals {
		m = math.Max(m, math.Abs(v))
	}
	return m
}

// writeNote writes content to path, creating parent directories as needed.
func writeNote(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
