// Package madx drives a MAD-X style accelerator simulator and reads back the
// results the emittance scans need.
//
// The engine is a black box reached through its scripting language. A Session
// exposes the subset the scan harness uses: a global variable store, the
// twiss, survey and emit commands, raw script input, and the path of the text
// log that collects everything the engine prints.
package madx

import (
	"context"

	"github.com/banshee-data/emittance.scan/internal/tfs"
)

// DefaultSequence is the sequence name used by the Elettra lattice files.
const DefaultSequence = "ring"

// TwissOptions selects what the twiss command runs on.
type TwissOptions struct {
	Sequence string // empty uses the sequence selected by "use"
	Table    string // empty writes the default "twiss" table
}

// Session is one running simulator instance. Calls block until the engine
// finishes the command or ctx is done.
type Session interface {
	// SetGlobal assigns a numeric global variable.
	SetGlobal(ctx context.Context, name string, value float64) error

	// Global reads back a numeric global variable.
	Global(ctx context.Context, name string) (float64, error)

	// Input runs raw script text (call, use, beam, ...).
	Input(ctx context.Context, script string) error

	// Twiss runs the linear optics solve and returns the resulting table.
	// A non-convergent solve returns an error matching ErrTwissFailed.
	Twiss(ctx context.Context, opts TwissOptions) (*tfs.Table, error)

	// Survey runs the geometry computation and returns the survey table.
	Survey(ctx context.Context) (*tfs.Table, error)

	// Emit runs the emittance computation at the given momentum offset.
	// Its report lands in the log at LogPath.
	Emit(ctx context.Context, deltap float64) error

	// LogPath is the file that accumulates the engine's text output.
	LogPath() string

	// Close stops the engine.
	Close() error
}
