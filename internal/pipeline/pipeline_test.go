package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/tools/txtar"

	"threestep/internal/config"
	"threestep/internal/engine"
	"threestep/internal/failure"
	"threestep/internal/interp"
	"threestep/internal/report"
	"threestep/internal/spec"
	"threestep/internal/workspace"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const fixtures = "../../testdata/engine"

const csvData = `u1,u2,u3,u4,u5,x1,d1,d2
1,0,1,1,0,0.25,3.1,1
0,0,1,0,0,-1.5,2.7,NA
1,1,1,1,1,0.75,4.2,0
0,0,0,0,0,1.1,1.9,1
`

// testConfig writes a dataset into a temp dir and returns the starter
// config anchored there.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "data.csv"), []byte(csvData), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Parse([]byte(config.DefaultYAML()), dir)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return cfg
}

// replayDir copies the stage fixtures into a temp dir, replacing stage
// archives with the given overrides (stage name -> archive whose single
// .out file is renamed to match the stage).
func replayDir(t *testing.T, overrides map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for _, stage := range []string{Stage1, Stage2, Stage3} {
		src := stage + ".txtar"
		if o, ok := overrides[stage]; ok {
			src = o
		}
		a, err := txtar.ParseFile(filepath.Join(fixtures, src))
		if err != nil {
			t.Fatal(err)
		}
		for i, f := range a.Files {
			if strings.HasSuffix(f.Name, ".out") {
				a.Files[i].Name = stage + ".out"
			}
		}
		if err := os.WriteFile(filepath.Join(dir, stage+".txtar"), txtar.Format(a), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func logits3x2(t *testing.T) interp.LogitMatrix {
	t.Helper()
	m, err := interp.NewLogitMatrix([][]float64{
		{3.756, 1.312},
		{-1.022, 2.561},
		{-4.163, -3.044},
	}, 3)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// ---------------------------------------------------------------------------
// Specs
// ---------------------------------------------------------------------------

func TestStage2SpecPinsLogits(t *testing.T) {
	cfg := testConfig(t)
	data, err := LoadData(cfg)
	if err != nil {
		t.Fatal(err)
	}
	s, err := Stage2Spec(cfg, data, logits3x2(t))
	if err != nil {
		t.Fatalf("Stage2Spec: %v", err)
	}
	if len(s.Model.Classes) != 3 {
		t.Fatalf("class blocks = %d, want 3", len(s.Model.Classes))
	}
	for _, blk := range s.Model.Classes {
		if len(blk.Statements) != 2 {
			t.Errorf("class %d has %d statements, want 2", blk.Class, len(blk.Statements))
		}
		for _, st := range blk.Statements {
			if _, ok := st.(spec.FixedLogit); !ok {
				t.Errorf("class %d: non-fixed statement %q", blk.Class, st.Syntax())
			}
		}
	}
	if got := s.Model.Overall[0].Syntax(); got != "c ON x1;" {
		t.Errorf("overall = %q", got)
	}
}

func TestStageSpecsRejectWrongClassCount(t *testing.T) {
	cfg := testConfig(t)
	data, _ := LoadData(cfg)
	m, _ := interp.NewLogitMatrix([][]float64{{1.5}, {-0.5}}, 2)
	for name, build := range map[string]func() (*spec.ModelSpec, error){
		Stage2: func() (*spec.ModelSpec, error) { return Stage2Spec(cfg, data, m) },
		Stage3: func() (*spec.ModelSpec, error) { return Stage3Spec(cfg, data, m) },
	} {
		if _, err := build(); !errors.Is(err, failure.ErrConfigurationMismatch) {
			t.Errorf("%s: err = %v, want ConfigurationMismatch", name, err)
		}
	}
}

func TestStage3SpecLabelsAndConstraints(t *testing.T) {
	cfg := testConfig(t)
	data, _ := LoadData(cfg)
	s, err := Stage3Spec(cfg, data, logits3x2(t))
	if err != nil {
		t.Fatalf("Stage3Spec: %v", err)
	}
	labels := spec.Labels(s)
	if want := []string{"m1_2", "s1_2", "m2_2", "s2_2"}; !reflect.DeepEqual(labels[2], want) {
		t.Errorf("class 2 labels = %v, want %v", labels[2], want)
	}
	if want := []string{"d1_12", "d1_13", "d1_23", "d2_12", "d2_13", "d2_23"}; !reflect.DeepEqual(s.Constraint.New, want) {
		t.Errorf("NEW = %v", s.Constraint.New)
	}
	if want := []string{"m1_1 = m1_2", "m1_2 = m1_3"}; !reflect.DeepEqual(s.Test.Equalities, want) {
		t.Errorf("MODEL TEST = %v", s.Test.Equalities)
	}
}

func TestRenderStage1(t *testing.T) {
	cfg := testConfig(t)
	r, err := Render(cfg, t.TempDir())
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	in, err := os.ReadFile(r.InputPath())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"CATEGORICAL = u1 u2 u3 u4 u5;",
		"AUXILIARY = x1 d1 d2;",
		"MISSING ARE ALL (999);",
		"SAVE = CPROB;",
		"TECH11 TECH14;",
		"TYPE = PLOT3;",
	} {
		if !strings.Contains(string(in), want) {
			t.Errorf("stage 1 input missing %q:\n%s", want, in)
		}
	}
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestRunEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	var seen []string
	gate := GateFunc(func(ctx context.Context, cp Checkpoint) error {
		seen = append(seen, cp.Stage)
		return AutoGate{Tolerance: cfg.DriftTolerance}.Inspect(ctx, cp)
	})
	p := New(cfg, &engine.Replay{Dir: fixtures}, gate, nil)

	out, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := []string{Stage1, Stage2, Stage3}; !reflect.DeepEqual(seen, want) {
		t.Errorf("gate saw %v, want %v", seen, want)
	}

	// stage 1 extraction
	if out.Logits == nil || out.Logits.Rows() != 3 || out.Logits.Cols() != 2 {
		t.Fatalf("Logits = %+v", out.Logits)
	}
	domain, err := out.SavedData.Distinct("n")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(domain, []float64{1, 2, 3}) {
		t.Errorf("class domain = %v", domain)
	}

	// stage 2 carries the stage-1 logits verbatim
	st2, ok := out.Stage(Stage2)
	if !ok {
		t.Fatal("stage2 missing")
	}
	in2 := string(st2.Rendered.Input)
	for _, want := range []string{"%C#1%\n  [n#1@3.756];\n  [n#2@1.312];", "NOMINAL = n;", "MISSING ARE ALL (999);"} {
		if !strings.Contains(in2, want) {
			t.Errorf("stage 2 input missing %q:\n%s", want, in2)
		}
	}

	st3, _ := out.Stage(Stage3)
	in3 := string(st3.Rendered.Input)
	for _, want := range []string{"d1_12 = m1_1 - m1_2;", "MODEL TEST:\n  m1_1 = m1_2;", "[d1] (m1_3);"} {
		if !strings.Contains(in3, want) {
			t.Errorf("stage 3 input missing %q:\n%s", want, in3)
		}
	}

	// artifacts
	for _, stage := range []string{Stage1, Stage2, Stage3} {
		for _, f := range []string{stage + ".inp", stage + ".dat", report.ResultFile, report.ReportFile} {
			if _, err := os.Stat(filepath.Join(out.Dir, stage, f)); err != nil {
				t.Errorf("artifact: %v", err)
			}
		}
	}
	ws, err := workspace.Open(out.Dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range ws.Manifest.Stages {
		if s.Status != workspace.StatusDone || s.SHA256 == "" {
			t.Errorf("manifest stage = %+v", s)
		}
	}
	if !reflect.DeepEqual(ws.Manifest.Inputs, []string{"inputs/data.csv"}) {
		t.Errorf("inputs = %v", ws.Manifest.Inputs)
	}
	m, err := report.ReadMeta(filepath.Join(out.Dir, Stage2, report.ReportFile))
	if err != nil {
		t.Fatal(err)
	}
	if m.MaxDrift == nil {
		t.Error("stage 2 report has no drift")
	}
	if _, err := os.Stat(filepath.Join(out.Dir, report.IndexFile)); err != nil {
		t.Errorf("index: %v", err)
	}
}

// Stage 2 proportions drift by about 0.003 from stage 1; a tighter
// tolerance stops the run before stage 3 is rendered.
func TestRunHaltsOnDrift(t *testing.T) {
	cfg := testConfig(t)
	cfg.DriftTolerance = 0.001
	out, err := New(cfg, &engine.Replay{Dir: fixtures}, nil, nil).Run(context.Background())
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("err = %v, want ErrHalted", err)
	}
	if len(out.Stages) != 2 {
		t.Errorf("completed stages = %d, want 2", len(out.Stages))
	}
	if _, err := os.Stat(filepath.Join(out.Dir, Stage3)); !os.IsNotExist(err) {
		t.Errorf("stage3 dir exists after halt: %v", err)
	}
	ws, _ := workspace.Open(out.Dir)
	if rec, _ := ws.Stage(Stage2); rec.Status != workspace.StatusHalted {
		t.Errorf("stage2 status = %q", rec.Status)
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]string
		want      error
		stage     string
	}{
		{"stage 2 does not converge", map[string]string{Stage2: "nonconvergence.txtar"}, failure.ErrEstimationFailure, Stage2},
		{"stage 1 input rejected", map[string]string{Stage1: "input_error.txtar"}, failure.ErrEstimationFailure, Stage1},
		{"stage 1 without requested output", map[string]string{Stage1: "stage2.txtar"}, failure.ErrMissingRequestedOutput, Stage1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			eng := &engine.Replay{Dir: replayDir(t, tc.overrides)}
			_, err := New(cfg, eng, nil, nil).Run(context.Background())
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
			var fe *failure.Error
			if !errors.As(err, &fe) || fe.Stage != tc.stage {
				t.Errorf("stage = %+v, want %s", fe, tc.stage)
			}
		})
	}
}

// The recorded stage-1 run saves its class column as C. A config naming
// the class variable cl must look for CL instead.
func TestRunReadsClassVariableColumn(t *testing.T) {
	cfg := testConfig(t)
	cfg.Model.ClassVariable = "cl"
	_, err := New(cfg, &engine.Replay{Dir: fixtures}, nil, nil).Run(context.Background())
	if !errors.Is(err, failure.ErrMissingRequestedOutput) {
		t.Fatalf("err = %v, want MissingRequestedOutput", err)
	}
	if !strings.Contains(err.Error(), "no CL column") {
		t.Errorf("err = %v, want it to name the CL column", err)
	}
}

func TestAutoGate(t *testing.T) {
	small, big := 0.01, 0.2
	tests := []struct {
		name string
		gate AutoGate
		cp   Checkpoint
		halt bool
	}{
		{"no drift info", AutoGate{Tolerance: 0.05}, Checkpoint{Stage: Stage1}, false},
		{"within tolerance", AutoGate{Tolerance: 0.05}, Checkpoint{Stage: Stage2, MaxDrift: &small}, false},
		{"beyond tolerance", AutoGate{Tolerance: 0.05}, Checkpoint{Stage: Stage2, MaxDrift: &big}, true},
		{"check disabled", AutoGate{}, Checkpoint{Stage: Stage2, MaxDrift: &big}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.gate.Inspect(context.Background(), tc.cp)
			if got := errors.Is(err, ErrHalted); got != tc.halt {
				t.Errorf("halted = %v (%v), want %v", got, err, tc.halt)
			}
		})
	}
}
