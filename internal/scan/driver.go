package scan

import (
	"context"
	"errors"
	"fmt"

	"github.com/banshee-data/emittance.scan/internal/fsutil"
	"github.com/banshee-data/emittance.scan/internal/madx"
	"github.com/banshee-data/emittance.scan/internal/monitoring"
)

// DeltapGlobal is the global whose value is passed to every emit.
const DeltapGlobal = "deltap"

// Opener creates a fresh, fully prepared session. Implementations remove the
// previous log before starting the engine.
type Opener interface {
	Open(ctx context.Context) (madx.Session, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (madx.Session, error)

func (f OpenerFunc) Open(ctx context.Context) (madx.Session, error) { return f(ctx) }

// Driver runs scans against a simulator. Exactly one of Session or Opener
// is used: with an Opener every point runs in its own session.
type Driver struct {
	Session madx.Session
	Opener  Opener

	// FS reads the session log. Nil means the OS filesystem.
	FS fsutil.FileSystem
	// Tolerance is the closure tolerance in meters; zero selects
	// madx.DefaultClosureTolerance.
	Tolerance float64
	// Twiss is passed to every optics solve.
	Twiss madx.TwissOptions
	// Linked lists globals written with the same value as a swept
	// variable, e.g. a family of magnets powered in series.
	Linked map[string][]string
}

type assignment struct {
	name  string
	value float64
}

func (d *Driver) fs() fsutil.FileSystem {
	if d.FS == nil {
		return fsutil.OSFileSystem{}
	}
	return d.FS
}

func (d *Driver) tolerance() float64 {
	if d.Tolerance <= 0 {
		return madx.DefaultClosureTolerance
	}
	return d.Tolerance
}

func (d *Driver) check() error {
	if d.Session == nil && d.Opener == nil {
		return errors.New("scan driver needs a session or an opener")
	}
	return nil
}

// Scan sweeps cfg.VariableName over cfg.Space(). Optics failures and
// unclosed rings become NaN rows; any other error stops the sweep and is
// returned together with the rows recorded so far.
func (d *Driver) Scan(ctx context.Context, cfg ScanConfig) (*Table1D, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := d.check(); err != nil {
		return nil, err
	}

	monitoring.Logf("Scanning parameter %s for emittance results (%d points)", cfg.VariableName, cfg.NPoints)
	table := &Table1D{Variable: cfg.VariableName}
	for i, v := range cfg.Space() {
		monitoring.Debugf("Attempting emittance calculation for %s=%.5g", cfg.VariableName, v)
		pt, err := d.point(ctx, []assignment{{cfg.VariableName, v}})
		if err != nil {
			o := Classify(err)
			if o != NonConvergent && o != Unclosed {
				return table, fmt.Errorf("scan %s point %d (%g): %w", cfg.VariableName, i, v, err)
			}
			monitoring.Logf("WARNING: %s=%g recorded as NaN (%s): %v", cfg.VariableName, v, o, err)
			pt = failed(o, err)
		}
		table.Rows = append(table.Rows, Row{Value: v, Point: pt})
	}
	logCounts(cfg.VariableName, table.Counts())
	return table, nil
}

// ScanGrid sweeps the Cartesian product of rows and cols, rows outermost.
// Every failure except cancellation or session construction is recorded as
// a NaN cell.
func (d *Driver) ScanGrid(ctx context.Context, rows, cols ScanConfig) (*Table2D, error) {
	for _, c := range []ScanConfig{rows, cols} {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	if rows.VariableName == cols.VariableName {
		return nil, fmt.Errorf("grid scan needs two distinct variables, got %s twice", rows.VariableName)
	}
	if err := d.check(); err != nil {
		return nil, err
	}

	table := &Table2D{
		RowVariable: rows.VariableName,
		ColVariable: cols.VariableName,
		RowValues:   rows.Space(),
		ColValues:   cols.Space(),
	}
	name := rows.VariableName + "x" + cols.VariableName
	monitoring.Logf("Scanning grid %s by %s (%d points)", rows.VariableName, cols.VariableName, rows.NPoints*cols.NPoints)
	for _, rv := range table.RowValues {
		line := make([]Point, 0, len(table.ColValues))
		table.Cells = append(table.Cells, line)
		for _, cv := range table.ColValues {
			pt, err := d.point(ctx, []assignment{{rows.VariableName, rv}, {cols.VariableName, cv}})
			if err != nil {
				var oe *openError
				if interrupted(err) || errors.As(err, &oe) {
					return table, fmt.Errorf("grid %s at (%g, %g): %w", name, rv, cv, err)
				}
				o := Classify(err)
				monitoring.Logf("WARNING: %s=%g %s=%g recorded as NaN (%s): %v",
					rows.VariableName, rv, cols.VariableName, cv, o, err)
				pt = failed(o, err)
			}
			line = append(line, pt)
			table.Cells[len(table.Cells)-1] = line
		}
	}
	logCounts(name, table.Counts())
	return table, nil
}

// openError marks a failure to construct a per-point session.
type openError struct{ err error }

func (e *openError) Error() string { return "open session: " + e.err.Error() }
func (e *openError) Unwrap() error { return e.err }

// point evaluates one coordinate end to end.
func (d *Driver) point(ctx context.Context, set []assignment) (Point, error) {
	if err := ctx.Err(); err != nil {
		return Point{}, err
	}
	sess := d.Session
	if d.Opener != nil {
		s, err := d.Opener.Open(ctx)
		if err != nil {
			return Point{}, &openError{err: err}
		}
		defer func() {
			if cerr := s.Close(); cerr != nil {
				monitoring.Logf("WARNING: closing point session: %v", cerr)
			}
		}()
		sess = s
	}

	for _, a := range set {
		names := append([]string{a.name}, d.Linked[a.name]...)
		for _, n := range names {
			if err := sess.SetGlobal(ctx, n, a.value); err != nil {
				return Point{}, err
			}
		}
	}
	if _, err := sess.Twiss(ctx, d.Twiss); err != nil {
		return Point{}, err
	}
	if _, err := madx.CheckClosedMachine(ctx, sess, d.tolerance()); err != nil {
		return Point{}, err
	}
	deltap, err := sess.Global(ctx, DeltapGlobal)
	if err != nil {
		return Point{}, err
	}
	offset, err := madx.LogOffset(d.fs(), sess.LogPath())
	if err != nil {
		return Point{}, err
	}
	// Emit runs twice; the parser reads the last report written by this point.
	for i := 0; i < 2; i++ {
		if err := sess.Emit(ctx, deltap); err != nil {
			return Point{}, err
		}
	}
	em, err := madx.ParseEmittancesSince(d.fs(), sess.LogPath(), offset, true)
	if err != nil {
		return Point{}, err
	}
	return converged(em), nil
}

func logCounts(name string, c map[Outcome]int) {
	monitoring.Logf("Scan %s finished: %d converged, %d non-convergent, %d unclosed, %d fault",
		name, c[Converged], c[NonConvergent], c[Unclosed], c[Fault])
}
