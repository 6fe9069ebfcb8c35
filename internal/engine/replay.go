package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/tools/txtar"

	"threestep/internal/failure"
	"threestep/internal/output"
	"threestep/internal/render"
)

// Replay is an Engine that plays back recorded engine output instead of
// running the program. Each spec name maps to a txtar archive in Dir
// named "<spec>.txtar"; every file in the archive is written into the
// spec's directory and "<spec>.out" is then parsed and classified exactly
// as a live run would be.
//
// Replay makes it possible to rerun the pipeline's file handling on a
// machine without the engine installed.
type Replay struct {
	Dir string
}

func (e *Replay) Name() string { return "replay" }

func (e *Replay) Run(ctx context.Context, r *render.RenderedSpec) (*output.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	archive := filepath.Join(e.Dir, r.Name+".txtar")
	a, err := txtar.ParseFile(archive)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	if err := os.Remove(r.OutputPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("replay: remove stale output: %w", err)
	}
	for _, f := range a.Files {
		path := filepath.Join(r.Dir, filepath.Base(f.Name))
		if err := os.WriteFile(path, f.Data, 0o644); err != nil {
			return nil, fmt.Errorf("replay: write %s: %w", path, err)
		}
	}
	res, err := output.ParseFile(r.OutputPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, failure.Estimation(fmt.Sprintf("%s: recording %s has no %s", r.Name, archive, r.OutputFile), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("replay: %s: %w", archive, err)
	}
	if err := Classify(r.Name, res); err != nil {
		return nil, err
	}
	return res, nil
}
