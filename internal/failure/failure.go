// Package failure defines the error taxonomy shared by every pipeline stage.
//
// Each failure carries one of four kinds. Callers match kinds with errors.Is
// and read the engine diagnostics (if any) from *Error. Nothing in the
// pipeline retries: every error propagates to the top-level caller.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfigurationMismatch reports a class-count or data-shape
	// inconsistency detected before the engine is invoked.
	ErrConfigurationMismatch = errors.New("configuration mismatch")

	// ErrEngineUnavailable reports that the external engine is missing or
	// not executable.
	ErrEngineUnavailable = errors.New("engine unavailable")

	// ErrEstimationFailure reports that the engine ran but did not converge,
	// rejected its input, or produced no usable output.
	ErrEstimationFailure = errors.New("estimation failure")

	// ErrMissingRequestedOutput reports that a result lacks an output
	// section the producing spec should have requested.
	ErrMissingRequestedOutput = errors.New("missing requested output")
)

// Error is a classified pipeline failure.
type Error struct {
	Kind  error
	Stage string // optional: "stage1", "stage2", "stage3"
	Msg   string

	// Diagnostics holds the engine's own error and warning text, verbatim.
	Diagnostics []string

	// cause is the wrapped error this one was re-tagged from, if any.
	cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(e.Stage)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.cause != nil {
		return []error{e.Kind, e.cause}
	}
	return []error{e.Kind}
}

// Mismatchf returns a ConfigurationMismatch failure.
func Mismatchf(format string, args ...any) error {
	return &Error{Kind: ErrConfigurationMismatch, Msg: fmt.Sprintf(format, args...)}
}

// Unavailablef returns an EngineUnavailable failure.
func Unavailablef(format string, args ...any) error {
	return &Error{Kind: ErrEngineUnavailable, Msg: fmt.Sprintf(format, args...)}
}

// Estimation returns an EstimationFailure carrying the engine diagnostics.
func Estimation(msg string, diagnostics []string) error {
	return &Error{Kind: ErrEstimationFailure, Msg: msg, Diagnostics: diagnostics}
}

// Missingf returns a MissingRequestedOutput failure.
func Missingf(format string, args ...any) error {
	return &Error{Kind: ErrMissingRequestedOutput, Msg: fmt.Sprintf(format, args...)}
}

// WithStage tags err with the stage it occurred in. Errors that are not
// *Error are wrapped unchanged.
//
// When err wraps an *Error, the result keeps the outer context in its
// message and err in its chain.
func WithStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if !errors.As(err, &fe) {
		return fmt.Errorf("%s: %w", stage, err)
	}
	cp := *fe
	cp.Stage = stage
	if err != error(fe) {
		cp.Msg = strings.Replace(err.Error(), fe.Error(), fe.Msg, 1)
		cp.cause = err
	}
	return &cp
}

// Diagnostics returns the engine diagnostics attached to err, if any.
func Diagnostics(err error) []string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Diagnostics
	}
	return nil
}
