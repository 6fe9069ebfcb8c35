// Package bundle packs a run directory into a single txtar archive and
// unpacks it again.
//
// The archive comment carries the run id and title; each file is stored
// under its slash-separated path relative to the run directory, in sorted
// order, so two bundles of the same run are byte-identical.
package bundle

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/tools/txtar"

	"threestep/internal/workspace"
)

// Ext is the file extension of run bundles.
const Ext = ".txtar"

// Build archives every text file in w. Files for which skip returns true
// are left out; skip may be nil.
func Build(w *workspace.Workspace, skip func(rel string) bool) (*txtar.Archive, error) {
	files, err := w.Files()
	if err != nil {
		return nil, err
	}
	a := &txtar.Archive{Comment: comment(w.Manifest)}
	for _, rel := range files {
		if skip != nil && skip(rel) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(w.Dir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, fmt.Errorf("bundle: %w", err)
		}
		if !utf8.Valid(data) || bytes.Contains(data, []byte("\n-- ")) {
			return nil, fmt.Errorf("bundle: %s cannot be stored in a text archive", rel)
		}
		if len(data) > 0 && data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		a.Files = append(a.Files, txtar.File{Name: rel, Data: data})
	}
	return a, nil
}

// Write formats a and writes it to path.
func Write(a *txtar.Archive, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("bundle: mkdir: %w", err)
	}
	if err := os.WriteFile(path, txtar.Format(a), 0o644); err != nil {
		return fmt.Errorf("bundle: write %s: %w", path, err)
	}
	return nil
}

// Unpack writes every file of the archive at path under dir. Entries that
// would land outside dir are rejected.
func Unpack(path, dir string) ([]string, error) {
	a, err := txtar.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: %w", err)
	}
	names := make([]string, 0, len(a.Files))
	for _, f := range a.Files {
		rel := filepath.FromSlash(f.Name)
		if !filepath.IsLocal(rel) {
			return nil, fmt.Errorf("bundle: entry %q escapes the target directory", f.Name)
		}
		dst := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, fmt.Errorf("bundle: mkdir: %w", err)
		}
		if err := os.WriteFile(dst, f.Data, 0o644); err != nil {
			return nil, fmt.Errorf("bundle: write %s: %w", dst, err)
		}
		names = append(names, f.Name)
	}
	return names, nil
}

func comment(m workspace.Manifest) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "threestep run %s\n", m.RunID)
	if m.Title != "" {
		fmt.Fprintf(&b, "title: %s\n", m.Title)
	}
	if m.Engine != "" {
		fmt.Fprintf(&b, "engine: %s\n", m.Engine)
	}
	for _, s := range m.Stages {
		fmt.Fprintf(&b, "%s: %s\n", s.Name, s.Status)
	}
	return []byte(b.String())
}
