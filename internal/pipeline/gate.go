package pipeline

import (
	"context"
	"errors"
	"fmt"

	"threestep/internal/dataset"
	"threestep/internal/interp"
	"threestep/internal/output"
)

// ErrHalted is returned when an inspection gate stops the run.
var ErrHalted = errors.New("halted at inspection gate")

// Checkpoint is what a gate sees after a stage completes.
type Checkpoint struct {
	Stage  string
	Next   string // empty after the last stage
	Result *output.Result

	// ReportPath is the stage's report.md.
	ReportPath string

	// Set after stage 1.
	Logits    *interp.LogitMatrix
	SavedData *dataset.Dataset

	// Set after stage 2: largest absolute change in a class proportion
	// relative to stage 1.
	MaxDrift *float64
}

// Gate decides whether the pipeline proceeds past a checkpoint. Returning
// a non-nil error stops the run; gates that stop on purpose should wrap
// ErrHalted.
type Gate interface {
	Inspect(ctx context.Context, cp Checkpoint) error
}

// GateFunc adapts a function to Gate.
type GateFunc func(ctx context.Context, cp Checkpoint) error

func (f GateFunc) Inspect(ctx context.Context, cp Checkpoint) error { return f(ctx, cp) }

// AutoGate proceeds unless the engine reported warnings it was told to
// stop on, or class proportions drifted further than Tolerance between
// stage 1 and stage 2. A zero Tolerance disables the drift check.
type AutoGate struct {
	Tolerance      float64
	StopOnWarnings bool
}

func (g AutoGate) Inspect(ctx context.Context, cp Checkpoint) error {
	if g.StopOnWarnings && cp.Result != nil && len(cp.Result.Warnings) > 0 {
		return fmt.Errorf("%w: %s reported %d warning(s)", ErrHalted, cp.Stage, len(cp.Result.Warnings))
	}
	if g.Tolerance > 0 && cp.MaxDrift != nil && *cp.MaxDrift > g.Tolerance {
		return fmt.Errorf("%w: class proportions drifted %.4f after %s (tolerance %.4f)",
			ErrHalted, *cp.MaxDrift, cp.Stage, g.Tolerance)
	}
	return nil
}
