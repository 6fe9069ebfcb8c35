// Package workspace manages the explicit output directory of a run.
//
// Directory layout:
//
//	<output_dir>/
//	    manifest.yaml            # run id, timestamps, one record per stage
//	    run.log                  # JSON log of the run
//	    inputs/                  # copies of the config and source data
//	    <stage>/                 # everything one stage rendered and produced
//
// The directory is always given explicitly. Nothing here depends on the
// process working directory.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the run manifest inside the workspace.
const ManifestFile = "manifest.yaml"

// InputsDir holds copies of the run's inputs.
const InputsDir = "inputs"

// Status values for StageRecord.
const (
	StatusRendered = "rendered"
	StatusDone     = "done"
	StatusFailed   = "failed"
	StatusHalted   = "halted"
)

// Workspace is an open output directory.
type Workspace struct {
	Dir      string
	Manifest Manifest
}

// Manifest records what a run did, stage by stage.
type Manifest struct {
	RunID   string        `yaml:"run_id"`
	Title   string        `yaml:"title,omitempty"`
	Engine  string        `yaml:"engine,omitempty"`
	Created time.Time     `yaml:"created"`
	Updated time.Time     `yaml:"updated"`
	Inputs  []string      `yaml:"inputs,omitempty"`
	Stages  []StageRecord `yaml:"stages,omitempty"`
}

// StageRecord is one stage's entry in the manifest.
type StageRecord struct {
	Name   string   `yaml:"name"`
	Dir    string   `yaml:"dir"`
	Input  string   `yaml:"input"`
	SHA256 string   `yaml:"sha256"`
	Status string   `yaml:"status"`
	Error  string   `yaml:"error,omitempty"`
	Files  []string `yaml:"files,omitempty"`
}

// Create prepares dir for a new run. Stage directories left by an earlier
// run are removed; inputs and the log are kept until overwritten.
func Create(dir, title, engine string) (*Workspace, error) {
	if dir == "" {
		return nil, fmt.Errorf("workspace: output directory not set")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	if prev, err := Open(dir); err == nil {
		for _, s := range prev.Manifest.Stages {
			if s.Dir == "" || !filepath.IsLocal(s.Dir) {
				continue
			}
			if err := os.RemoveAll(filepath.Join(dir, s.Dir)); err != nil {
				return nil, fmt.Errorf("remove stage %q: %w", s.Name, err)
			}
		}
	}
	now := time.Now().UTC()
	w := &Workspace{
		Dir: dir,
		Manifest: Manifest{
			RunID:   uuid.NewString(),
			Title:   title,
			Engine:  engine,
			Created: now,
			Updated: now,
		},
	}
	if err := w.save(); err != nil {
		return nil, err
	}
	return w, nil
}

// Open loads an existing workspace. Returns an error if it has no manifest.
func Open(dir string) (*Workspace, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("workspace %s has no %s (run 'threestep run' first)", dir, ManifestFile)
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &Workspace{Dir: dir, Manifest: m}, nil
}

// StageDir returns the directory for stage name, creating it.
func (w *Workspace) StageDir(name string) (string, error) {
	dir := filepath.Join(w.Dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create stage dir: %w", err)
	}
	return dir, nil
}

// Record adds or replaces the manifest entry for rec.Name and saves. The
// file list is refreshed from the stage directory.
func (w *Workspace) Record(rec StageRecord) error {
	if rec.Dir == "" {
		rec.Dir = rec.Name
	}
	files, err := listFiles(filepath.Join(w.Dir, rec.Dir))
	if err != nil {
		return err
	}
	rec.Files = files
	replaced := false
	for i, s := range w.Manifest.Stages {
		if s.Name == rec.Name {
			w.Manifest.Stages[i] = rec
			replaced = true
		}
	}
	if !replaced {
		w.Manifest.Stages = append(w.Manifest.Stages, rec)
	}
	return w.save()
}

// Stage returns the manifest entry for name.
func (w *Workspace) Stage(name string) (StageRecord, bool) {
	for _, s := range w.Manifest.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageRecord{}, false
}

// CopyInput copies src into the inputs directory and records it. Returns
// the copy's path.
func (w *Workspace) CopyInput(src string) (string, error) {
	dir := filepath.Join(w.Dir, InputsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create inputs dir: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(src))
	if err := copyFile(src, dst); err != nil {
		return "", fmt.Errorf("copy input %s: %w", src, err)
	}
	rel := filepath.ToSlash(filepath.Join(InputsDir, filepath.Base(src)))
	for _, in := range w.Manifest.Inputs {
		if in == rel {
			return dst, w.save()
		}
	}
	w.Manifest.Inputs = append(w.Manifest.Inputs, rel)
	return dst, w.save()
}

// Files lists every regular file in the workspace, relative and
// slash-separated, in sorted order.
func (w *Workspace) Files() ([]string, error) {
	return listFiles(w.Dir)
}

func (w *Workspace) save() error {
	w.Manifest.Updated = time.Now().UTC()
	data, err := yaml.Marshal(w.Manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.Dir, ManifestFile), data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// copyFile copies a single file from src to dst, preserving permissions.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
