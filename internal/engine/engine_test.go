package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"golang.org/x/tools/txtar"

	"threestep/internal/failure"
	"threestep/internal/render"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

const fixtures = "../../testdata/engine"

// unpack writes every file of a fixture archive into dir and returns the
// directory.
func unpack(t *testing.T, archive string) string {
	t.Helper()
	a, err := txtar.ParseFile(filepath.Join(fixtures, archive))
	if err != nil {
		t.Fatalf("parse %s: %v", archive, err)
	}
	dir := t.TempDir()
	for _, f := range a.Files {
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

// fakeEngine writes a shell script standing in for the engine. It copies
// src to its second argument and exits with status code.
func fakeEngine(t *testing.T, src string, code int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine requires a POSIX shell")
	}
	script := "#!/bin/sh\n"
	if src != "" {
		script += "cp '" + src + "' \"$2\"\n"
	}
	script += "echo engine says hi\n"
	if code != 0 {
		script += "echo boom >&2\nexit " + string(rune('0'+code)) + "\n"
	}
	path := filepath.Join(t.TempDir(), "mplus")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func stageSpec(t *testing.T, name string) *render.RenderedSpec {
	t.Helper()
	dir := t.TempDir()
	r := &render.RenderedSpec{
		Name:       name,
		Dir:        dir,
		Input:      []byte("TITLE:\n  test\n"),
		InputFile:  name + ".inp",
		DataFile:   name + ".dat",
		OutputFile: name + ".out",
		Classes:    3,
	}
	if err := render.Write(r); err != nil {
		t.Fatal(err)
	}
	return r
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

func TestRunnerSuccess(t *testing.T) {
	src := filepath.Join(unpack(t, "stage1.txtar"), "stage1.out")
	r := stageSpec(t, "stage1")
	e := NewRunner(fakeEngine(t, src, 0), nil)

	res, err := e.Run(context.Background(), r)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.TerminatedNormally {
		t.Error("TerminatedNormally = false")
	}
	if res.ClassCounts == nil || len(res.ClassCounts.LogitsMostLikely) != 3 {
		t.Errorf("ClassCounts = %+v", res.ClassCounts)
	}
}

func TestRunnerFailures(t *testing.T) {
	tests := []struct {
		name     string
		archive  string
		code     int
		wantKind error
		wantDiag string
	}{
		{"input error", "input_error.txtar", 0, failure.ErrEstimationFailure, "Unknown variable"},
		{"nonconvergence", "nonconvergence.txtar", 0, failure.ErrEstimationFailure, "DID NOT TERMINATE NORMALLY"},
		{"no output file", "", 1, failure.ErrEstimationFailure, "boom"},
		{"non-zero exit", "stage1.txtar", 2, failure.ErrEstimationFailure, "boom"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			src := ""
			if tc.archive != "" {
				src = filepath.Join(unpack(t, tc.archive), "stage1.out")
			}
			r := stageSpec(t, "stage1")
			e := NewRunner(fakeEngine(t, src, tc.code), nil)

			_, err := e.Run(context.Background(), r)
			if !errors.Is(err, tc.wantKind) {
				t.Fatalf("err = %v, want %v", err, tc.wantKind)
			}
			diag := strings.Join(failure.Diagnostics(err), "\n")
			if !strings.Contains(diag, tc.wantDiag) {
				t.Errorf("diagnostics = %q, want %q", diag, tc.wantDiag)
			}
		})
	}
}

func TestRunnerUnavailable(t *testing.T) {
	e := NewRunner(filepath.Join(t.TempDir(), "no-such-engine"), nil)
	if err := e.Available(); !errors.Is(err, failure.ErrEngineUnavailable) {
		t.Errorf("Available = %v, want EngineUnavailable", err)
	}
	_, err := e.Run(context.Background(), stageSpec(t, "stage1"))
	if !errors.Is(err, failure.ErrEngineUnavailable) {
		t.Errorf("Run = %v, want EngineUnavailable", err)
	}
}

// A stale output file from an earlier run is removed before the engine
// starts, so an engine that writes nothing cannot pass for a success.
func TestRunnerIgnoresStaleOutput(t *testing.T) {
	r := stageSpec(t, "stage1")
	stale := filepath.Join(unpack(t, "stage1.txtar"), "stage1.out")
	data, _ := os.ReadFile(stale)
	if err := os.WriteFile(r.OutputPath(), data, 0o644); err != nil {
		t.Fatal(err)
	}
	e := NewRunner(fakeEngine(t, "", 0), nil)
	if _, err := e.Run(context.Background(), r); !errors.Is(err, failure.ErrEstimationFailure) {
		t.Errorf("err = %v, want EstimationFailure", err)
	}
}

// Cancelling the run kills the engine and reports the context error, even
// when a child of the engine still holds its output open.
func TestRunnerInterrupted(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script engine requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "mplus")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nsleep 5\necho late\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	r := stageSpec(t, "stage1")
	e := NewRunner(path, nil)
	e.WaitDelay = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := e.Run(ctx, r)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if errors.Is(err, failure.ErrEstimationFailure) {
		t.Errorf("interruption reported as estimation failure: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Run returned after %v, want it to stop waiting soon after the deadline", elapsed)
	}
}

func TestNewRunnerDefaultCommand(t *testing.T) {
	if got := NewRunner("", nil).Command; got != DefaultCommand {
		t.Errorf("Command = %q, want %q", got, DefaultCommand)
	}
}

// ---------------------------------------------------------------------------
// Replay
// ---------------------------------------------------------------------------

func TestReplay(t *testing.T) {
	r := stageSpec(t, "stage1")
	e := &Replay{Dir: fixtures}
	res, err := e.Run(context.Background(), r)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SaveData == nil {
		t.Fatal("SaveData nil")
	}
	if _, err := os.Stat(filepath.Join(r.Dir, res.SaveData.File)); err != nil {
		t.Errorf("save file not written: %v", err)
	}
}

func TestReplayClassifiesFailures(t *testing.T) {
	r := stageSpec(t, "nonconvergence")
	// archive holds stage1.out; point the spec at it
	r.OutputFile = "stage1.out"
	e := &Replay{Dir: fixtures}
	if _, err := e.Run(context.Background(), r); !errors.Is(err, failure.ErrEstimationFailure) {
		t.Errorf("err = %v, want EstimationFailure", err)
	}
}

// A recording without an output file must not pass off the previous run's
// output as its own.
func TestReplayIgnoresStaleOutput(t *testing.T) {
	r := stageSpec(t, "stage1")
	stale := filepath.Join(unpack(t, "stage1.txtar"), "stage1.out")
	data, _ := os.ReadFile(stale)
	if err := os.WriteFile(r.OutputPath(), data, 0o644); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	a := &txtar.Archive{Files: []txtar.File{{Name: "savedata.dat", Data: []byte("1 2\n")}}}
	if err := os.WriteFile(filepath.Join(dir, "stage1.txtar"), txtar.Format(a), 0o644); err != nil {
		t.Fatal(err)
	}
	e := &Replay{Dir: dir}
	if _, err := e.Run(context.Background(), r); !errors.Is(err, failure.ErrEstimationFailure) {
		t.Errorf("err = %v, want EstimationFailure", err)
	}
}
