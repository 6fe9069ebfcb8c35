package bundle_test

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"golang.org/x/tools/txtar"

	"threestep/internal/bundle"
	"threestep/internal/workspace"
)

func newRun(t *testing.T) *workspace.Workspace {
	t.Helper()
	w, err := workspace.Create(t.TempDir(), "demo", "replay")
	if err != nil {
		t.Fatal(err)
	}
	dir, _ := w.StageDir("stage1")
	os.WriteFile(filepath.Join(dir, "stage1.inp"), []byte("TITLE:\n  demo\n"), 0o644)
	os.WriteFile(filepath.Join(dir, "stage1.dat"), []byte("1 2 3"), 0o644)
	if err := w.Record(workspace.StageRecord{Name: "stage1", Status: workspace.StatusDone}); err != nil {
		t.Fatal(err)
	}
	return w
}

func TestBuildIsSortedAndDeterministic(t *testing.T) {
	w := newRun(t)
	a, err := bundle.Build(w, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var names []string
	for _, f := range a.Files {
		names = append(names, f.Name)
	}
	want := []string{"manifest.yaml", "stage1/stage1.dat", "stage1/stage1.inp"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("files = %v, want %v", names, want)
	}
	if !strings.Contains(string(a.Comment), "stage1: done") {
		t.Errorf("comment = %q", a.Comment)
	}

	b, _ := bundle.Build(w, nil)
	if !bytes.Equal(txtar.Format(a), txtar.Format(b)) {
		t.Error("two bundles of the same run differ")
	}
}

func TestBuildSkip(t *testing.T) {
	w := newRun(t)
	a, err := bundle.Build(w, func(rel string) bool { return strings.HasSuffix(rel, ".dat") })
	if err != nil {
		t.Fatal(err)
	}
	for _, f := range a.Files {
		if strings.HasSuffix(f.Name, ".dat") {
			t.Errorf("skipped file %s archived", f.Name)
		}
	}
}

func TestWriteUnpackRoundTrip(t *testing.T) {
	w := newRun(t)
	a, _ := bundle.Build(w, nil)
	path := filepath.Join(t.TempDir(), "run"+bundle.Ext)
	if err := bundle.Write(a, path); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dst := t.TempDir()
	names, err := bundle.Unpack(path, dst)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if len(names) != 3 {
		t.Errorf("names = %v", names)
	}
	got, _ := os.ReadFile(filepath.Join(dst, "stage1", "stage1.inp"))
	if string(got) != "TITLE:\n  demo\n" {
		t.Errorf("unpacked input = %q", got)
	}
	// unterminated files gain a newline in the archive
	got, _ = os.ReadFile(filepath.Join(dst, "stage1", "stage1.dat"))
	if string(got) != "1 2 3\n" {
		t.Errorf("unpacked data = %q", got)
	}
}

func TestUnpackRejectsEscapingPaths(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.txtar")
	os.WriteFile(path, []byte("-- ../evil --\nx\n"), 0o644)
	if _, err := bundle.Unpack(path, t.TempDir()); err == nil {
		t.Fatal("expected error for entry outside target")
	}
}
