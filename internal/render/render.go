package render

// render.go — turns a spec.ModelSpec into engine input syntax.
//
// Render is pure: it builds the input text and the exported dataset in
// memory. Write puts both on disk, in sorted path order, overwriting any
// previous files of the same name. Identical specs render byte-identical
// output.
//
// Input layout (empty sections omitted):
//   TITLE, DATA, VARIABLE, DEFINE, ANALYSIS, MODEL, MODEL CONSTRAINT,
//   MODEL TEST, OUTPUT, SAVEDATA, PLOT

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"threestep/internal/dataset"
	"threestep/internal/failure"
	"threestep/internal/spec"
)

// MaxLineWidth is the widest line Render emits. The engine rejects input
// lines longer than 90 characters.
const MaxLineWidth = 85

const indent = "  "

// RenderedSpec is the serialized form of one ModelSpec. It is never
// modified after Render returns it.
type RenderedSpec struct {
	Name string
	Dir  string

	Input []byte
	Data  []byte

	InputFile  string
	DataFile   string
	OutputFile string
	SaveFile   string // empty when no per-case output was requested

	// Classes is K, carried for the extractor.
	Classes int
}

// InputPath returns the absolute location of the input file.
func (r *RenderedSpec) InputPath() string { return filepath.Join(r.Dir, r.InputFile) }

// DataPath returns the absolute location of the exported dataset.
func (r *RenderedSpec) DataPath() string { return filepath.Join(r.Dir, r.DataFile) }

// OutputPath returns where the engine writes its results.
func (r *RenderedSpec) OutputPath() string { return filepath.Join(r.Dir, r.OutputFile) }

// SHA256 returns the hex digest of the input followed by the data.
func (r *RenderedSpec) SHA256() string {
	h := sha256.New()
	h.Write(r.Input)
	h.Write(r.Data)
	return hex.EncodeToString(h.Sum(nil))
}

// Render serializes s for the engine. dir is where the files will live;
// no files are written.
func Render(s *spec.ModelSpec, dir string) (*RenderedSpec, error) {
	if s == nil || s.Data == nil {
		return nil, fmt.Errorf("render: spec has no dataset")
	}
	if s.Variable.Missing == nil && hasMissing(s.Data) {
		return nil, failure.Mismatchf("spec %q: dataset has missing values but no missing flag is declared", s.Name)
	}
	if err := checkClassBlocks(s); err != nil {
		return nil, err
	}

	var data bytes.Buffer
	sentinel := spec.DefaultMissing
	if s.Variable.Missing != nil {
		sentinel = *s.Variable.Missing
	}
	if err := s.Data.Encode(&data, sentinel); err != nil {
		return nil, fmt.Errorf("render: encode data: %w", err)
	}

	r := &RenderedSpec{
		Name:       s.Name,
		Dir:        dir,
		Input:      []byte(renderInput(s)),
		Data:       data.Bytes(),
		InputFile:  s.InputFile(),
		DataFile:   s.DataFile(),
		OutputFile: s.OutputFile(),
		Classes:    s.Variable.Classes.K,
	}
	if s.SaveData != nil {
		r.SaveFile = s.SaveData.File
	}
	return r, nil
}

// Write writes the input and data files into r.Dir, creating it if needed.
func Write(r *RenderedSpec) error {
	files := map[string][]byte{
		r.InputFile: r.Input,
		r.DataFile:  r.Data,
	}
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		if err := writeFile(filepath.Join(r.Dir, n), files[n]); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Section builders
// ---------------------------------------------------------------------------

func renderInput(s *spec.ModelSpec) string {
	var b strings.Builder

	section(&b, "TITLE", []string{s.Title})
	section(&b, "DATA", []string{fmt.Sprintf("FILE = %s;", s.DataFile())})
	section(&b, "VARIABLE", variableLines(s))
	section(&b, "DEFINE", terminated(s.Define))
	section(&b, "ANALYSIS", analysisLines(s.Analysis))
	section(&b, "MODEL", modelLines(s))
	section(&b, "MODEL CONSTRAINT", constraintLines(s.Constraint))
	section(&b, "MODEL TEST", terminated(s.Test.Equalities))
	if len(s.Output) > 0 {
		section(&b, "OUTPUT", []string{strings.Join(s.Output, " ") + ";"})
	}
	if s.SaveData != nil {
		section(&b, "SAVEDATA", []string{
			fmt.Sprintf("FILE = %s;", s.SaveData.File),
			fmt.Sprintf("SAVE = %s;", s.SaveData.Save),
		})
	}
	if s.Plot != nil {
		lines := []string{fmt.Sprintf("TYPE = %s;", s.Plot.Type)}
		if s.Plot.Series != "" {
			lines = append(lines, fmt.Sprintf("SERIES = %s;", s.Plot.Series))
		}
		section(&b, "PLOT", lines)
	}
	return b.String()
}

// section writes "NAME:" followed by the indented, wrapped lines. Empty
// sections are skipped.
func section(b *strings.Builder, name string, lines []string) {
	if len(lines) == 0 {
		return
	}
	b.WriteString(name + ":\n")
	for _, l := range lines {
		for _, w := range wrap(l, MaxLineWidth-len(indent)) {
			b.WriteString(indent + w + "\n")
		}
	}
}

func variableLines(s *spec.ModelSpec) []string {
	v := s.Variable
	lines := []string{listLine("NAMES", s.Data.Columns)}
	lines = append(lines, listLine("USEVARIABLES", v.UseVariables))
	if len(v.Categorical) > 0 {
		lines = append(lines, listLine("CATEGORICAL", v.Categorical))
	}
	if len(v.Nominal) > 0 {
		lines = append(lines, listLine("NOMINAL", v.Nominal))
	}
	if len(v.Auxiliary) > 0 {
		lines = append(lines, listLine("AUXILIARY", v.Auxiliary))
	}
	if v.Missing != nil {
		lines = append(lines, fmt.Sprintf("MISSING ARE ALL (%s);", dataset.FormatValue(*v.Missing)))
	}
	if v.Classes.K > 0 {
		lines = append(lines, fmt.Sprintf("CLASSES = %s(%d);", v.Classes.Name, v.Classes.K))
	}
	return lines
}

func analysisLines(a spec.AnalysisSection) []string {
	var lines []string
	add := func(key, val string) {
		if val != "" {
			lines = append(lines, fmt.Sprintf("%s = %s;", key, val))
		}
	}
	add("TYPE", a.Type)
	add("ESTIMATOR", a.Estimator)
	add("STARTS", a.Starts)
	if a.Processors > 0 {
		add("PROCESSORS", fmt.Sprint(a.Processors))
	}
	add("ALGORITHM", a.Algorithm)
	for _, kv := range a.SortedExtra() {
		add(strings.ToUpper(kv[0]), kv[1])
	}
	return lines
}

func modelLines(s *spec.ModelSpec) []string {
	m := s.Model
	if len(m.Overall) == 0 && len(m.Classes) == 0 {
		return nil
	}
	var lines []string
	lines = append(lines, "%OVERALL%")
	for _, st := range m.Overall {
		lines = append(lines, st.Syntax())
	}
	cv := strings.ToUpper(s.Variable.Classes.Name)
	for _, blk := range m.Classes {
		lines = append(lines, fmt.Sprintf("%%%s#%d%%", cv, blk.Class))
		for _, st := range blk.Statements {
			lines = append(lines, st.Syntax())
		}
	}
	return lines
}

func constraintLines(c spec.ConstraintSection) []string {
	if c.Empty() {
		return nil
	}
	var lines []string
	if len(c.New) > 0 {
		lines = append(lines, fmt.Sprintf("NEW(%s);", strings.Join(c.New, " ")))
	}
	return append(lines, terminated(c.Expressions)...)
}

func listLine(key string, vals []string) string {
	return fmt.Sprintf("%s = %s;", key, strings.Join(vals, " "))
}

func terminated(stmts []string) []string {
	out := make([]string, 0, len(stmts))
	for _, st := range stmts {
		st = strings.TrimSpace(st)
		if st == "" {
			continue
		}
		if !strings.HasSuffix(st, ";") {
			st += ";"
		}
		out = append(out, st)
	}
	return out
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// wrap breaks line at spaces so no piece exceeds width. A single word wider
// than width is emitted on its own line unbroken. Continuation lines are
// indented by two extra spaces.
func wrap(line string, width int) []string {
	if len(line) <= width {
		return []string{line}
	}
	var out []string
	var cur strings.Builder
	for _, w := range strings.Fields(line) {
		limit := width
		if len(out) > 0 {
			limit = width - len(indent)
		}
		if cur.Len() > 0 && cur.Len()+1+len(w) > limit {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	for i := 1; i < len(out); i++ {
		out[i] = indent + out[i]
	}
	return out
}

// checkClassBlocks requires class blocks, when present, to cover 1..K
// exactly once and in order.
func checkClassBlocks(s *spec.ModelSpec) error {
	blocks := s.Model.Classes
	if len(blocks) == 0 {
		return nil
	}
	k := s.Variable.Classes.K
	if len(blocks) != k {
		return failure.Mismatchf("spec %q: %d class blocks for %d classes", s.Name, len(blocks), k)
	}
	for i, blk := range blocks {
		if blk.Class != i+1 {
			return failure.Mismatchf("spec %q: class block %d is numbered %d", s.Name, i+1, blk.Class)
		}
	}
	return nil
}

func hasMissing(d *dataset.Dataset) bool {
	for _, row := range d.Rows {
		for _, v := range row {
			if dataset.Missing(v) {
				return true
			}
		}
	}
	return false
}

// writeFile writes content to path, creating parent directories as needed.
func writeFile(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
