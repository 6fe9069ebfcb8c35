// Package engine invokes the external estimation engine.
//
// Every run is a single blocking attempt. A Runner never retries and never
// adjusts starting values on its own: a failed run is reported to the
// caller with the engine's diagnostics so a person can decide what to
// change.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"threestep/internal/failure"
	"threestep/internal/output"
	"threestep/internal/render"
)

// Engine runs one rendered spec to completion.
type Engine interface {
	// Name returns the engine's short identifier (e.g. "mplus").
	Name() string

	// Run executes r, whose files must already be written, and returns the
	// parsed result.
	Run(ctx context.Context, r *render.RenderedSpec) (*output.Result, error)
}

// DefaultCommand is the engine executable looked up on PATH.
const DefaultCommand = "mplus"

// DefaultWaitDelay bounds how long Run waits for the engine's output pipes
// to close once the process has been killed.
const DefaultWaitDelay = 2 * time.Second

// Runner runs the engine as a subprocess: "<command> <input> <output>" in
// the spec's directory.
type Runner struct {
	// Command is the executable name or path.
	Command string

	// Logger receives one line per run. May be nil.
	Logger *slog.Logger

	// WaitDelay is passed to exec.Cmd.WaitDelay. Zero means
	// DefaultWaitDelay.
	WaitDelay time.Duration
}

// NewRunner returns a Runner for command, or DefaultCommand if empty.
func NewRunner(command string, logger *slog.Logger) *Runner {
	if command == "" {
		command = DefaultCommand
	}
	return &Runner{Command: command, Logger: logger, WaitDelay: DefaultWaitDelay}
}

func (e *Runner) Name() string { return "mplus" }

// Available reports whether the engine executable can be found.
func (e *Runner) Available() error {
	if _, err := exec.LookPath(e.Command); err != nil {
		return failure.Unavailablef("%s: %v", e.Command, err)
	}
	return nil
}

// Run invokes the engine and classifies the outcome.
//
//   - command not found or not startable    -> failure.ErrEngineUnavailable
//   - ctx cancelled or past its deadline    -> ctx.Err(), wrapped
//   - non-zero exit, no output, engine errors,
//     or no normal-termination marker       -> failure.ErrEstimationFailure
func (e *Runner) Run(ctx context.Context, r *render.RenderedSpec) (*output.Result, error) {
	path, err := exec.LookPath(e.Command)
	if err != nil {
		return nil, failure.Unavailablef("%s: %v", e.Command, err)
	}

	// A stale .out from a previous run must not be mistaken for this one.
	if err := os.Remove(r.OutputPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("engine: remove stale output: %w", err)
	}

	cmd := exec.CommandContext(ctx, path, r.InputFile, r.OutputFile)
	cmd.Dir = r.Dir
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.log("engine run", "engine", e.Command, "input", r.InputPath())
	runErr := cmd.Run()

	// A killed engine exits with a signal status; report the interruption,
	// not the missing output.
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("engine: %s interrupted: %w", r.Name, err)
	}
	var exitErr *exec.ExitError
	if runErr != nil && !errors.As(runErr, &exitErr) {
		return nil, failure.Unavailablef("%s: %v", e.Command, runErr)
	}

	res, parseErr := output.ParseFile(r.OutputPath())
	if parseErr != nil {
		diag := processOutput(&stdout, &stderr)
		if errors.Is(parseErr, os.ErrNotExist) {
			return nil, failure.Estimation(fmt.Sprintf("%s wrote no output file", r.Name), diag)
		}
		return nil, failure.Estimation(parseErr.Error(), diag)
	}

	if err := Classify(r.Name, res); err != nil {
		return nil, err
	}
	if exitErr != nil {
		return nil, failure.Estimation(fmt.Sprintf("%s: engine exited with status %d", r.Name, exitErr.ExitCode()),
			append(res.Diagnostics(), processOutput(&stdout, &stderr)...))
	}
	e.log("engine done", "input", r.InputPath(), "warnings", len(res.Warnings))
	return res, nil
}

// Classify turns a parsed result that reports errors or did not terminate
// normally into an EstimationFailure carrying the diagnostics.
func Classify(name string, res *output.Result) error {
	if len(res.Errors) > 0 {
		return failure.Estimation(fmt.Sprintf("%s: engine reported %d error(s)", name, len(res.Errors)), res.Diagnostics())
	}
	if !res.TerminatedNormally {
		return failure.Estimation(fmt.Sprintf("%s: estimation did not terminate normally", name), res.Diagnostics())
	}
	return nil
}

func (e *Runner) log(msg string, args ...any) {
	if e.Logger != nil {
		e.Logger.Info(msg, args...)
	}
}

func processOutput(stdout, stderr *bytes.Buffer) []string {
	var out []string
	for _, b := range []*bytes.Buffer{stderr, stdout} {
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}
