package madx

import (
	"errors"
	"fmt"
)

// Failure signals raised by a simulator session.
var (
	// ErrTwissFailed indicates the optics solve did not converge or the
	// configuration is unphysical. Expected at the edges of a sweep.
	ErrTwissFailed = errors.New("madx: twiss failed")

	// ErrMachineNotClosed indicates the survey did not close the ring within
	// tolerance.
	ErrMachineNotClosed = errors.New("madx: machine is not closed")

	// ErrNoMatchFound indicates the log carries no emittance report line.
	ErrNoMatchFound = errors.New("madx: no emittance line found in output")

	// ErrParseEmittance marks every failure to extract emittances from a log.
	ErrParseEmittance = errors.New("madx: could not parse emittance")

	// ErrCommandFailed indicates the engine reported an error for a command.
	ErrCommandFailed = errors.New("madx: command failed")

	// ErrSessionClosed indicates the session was closed, exited, or left in an
	// unknown state by an interrupted command.
	ErrSessionClosed = errors.New("madx: session closed")
)

// ParseError describes a failed emittance extraction. It matches both
// ErrParseEmittance and the underlying cause under errors.Is.
type ParseError struct {
	Path string
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("%v: %s: %v (line %q)", ErrParseEmittance, e.Path, e.Err, e.Line)
	}
	return fmt.Sprintf("%v: %s: %v", ErrParseEmittance, e.Path, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Is reports ErrParseEmittance as a match so callers need not know the cause.
func (e *ParseError) Is(target error) bool { return target == ErrParseEmittance }
