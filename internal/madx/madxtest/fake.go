// Package madxtest provides an in-memory simulator session for tests of code
// built on madx.Session.
package madxtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/emittance.scan/internal/fsutil"
	"github.com/banshee-data/emittance.scan/internal/madx"
	"github.com/banshee-data/emittance.scan/internal/tfs"
)

// Globals is the fake's variable store.
type Globals map[string]float64

// Session is a scripted madx.Session. Behaviour hooks see the current globals;
// a nil hook selects the benign default.
type Session struct {
	FS      fsutil.FileSystem
	Log     string
	Globals Globals

	// Emittances returns raw pi·micro-meter values written to the log by Emit.
	Emittances func(g Globals) madx.Emittances
	// TwissErr fails the optics solve when it returns non-nil.
	TwissErr func(g Globals) error
	// Closure returns the survey offsets between #s and #e.
	Closure func(g Globals) (xDiff, zDiff float64)
	// EmitLine overrides the log line written by Emit.
	EmitLine func(g Globals) string

	mu     sync.Mutex
	calls  []string
	closed bool
}

var _ madx.Session = (*Session)(nil)

// New returns a fake session logging to path on fs.
func New(fs fsutil.FileSystem, path string) *Session {
	return &Session{FS: fs, Log: path, Globals: Globals{"deltap": 0}}
}

func (s *Session) record(format string, args ...interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return madx.ErrSessionClosed
	}
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
	return nil
}

// Calls returns the commands seen so far, in order.
func (s *Session) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) SetGlobal(ctx context.Context, name string, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.record("set %s=%s", name, madx.FormatValue(value)); err != nil {
		return err
	}
	s.Globals[name] = value
	return nil
}

func (s *Session) Global(ctx context.Context, name string) (float64, error) {
	if err := s.record("value %s", name); err != nil {
		return 0, err
	}
	v, ok := s.Globals[name]
	if !ok {
		return 0, fmt.Errorf("global %s: no value in engine output", name)
	}
	return v, nil
}

func (s *Session) Input(ctx context.Context, script string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.record("input %s", script)
}

func (s *Session) Twiss(ctx context.Context, opts madx.TwissOptions) (*tfs.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.record("twiss %s", opts.Sequence); err != nil {
		return nil, err
	}
	if s.TwissErr != nil {
		if err := s.TwissErr(s.Globals); err != nil {
			return nil, err
		}
	}
	return OpticsTable(), nil
}

func (s *Session) Survey(ctx context.Context) (*tfs.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.record("survey"); err != nil {
		return nil, err
	}
	var dx, dz float64
	if s.Closure != nil {
		dx, dz = s.Closure(s.Globals)
	}
	return tfs.New([]string{"name", "x", "z"}, [][]string{
		{"#s", "0", "0"},
		{"#e", madx.FormatValue(dx), madx.FormatValue(dz)},
	}), nil
}

func (s *Session) Emit(ctx context.Context, deltap float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.record("emit %s", madx.FormatValue(deltap)); err != nil {
		return err
	}
	var line string
	switch {
	case s.EmitLine != nil:
		line = s.EmitLine(s.Globals)
	default:
		em := madx.Emittances{Ex: 130, Ey: 13, Ez: 1}
		if s.Emittances != nil {
			em = s.Emittances(s.Globals)
		}
		line = EmittanceLine(em)
	}
	return s.FS.AppendFile(s.Log, []byte(" ++++++ emit summary\n"+line+"\n"))
}

func (s *Session) LogPath() string { return s.Log }

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// EmittanceLine formats em the way EMIT reports it.
func EmittanceLine(em madx.Emittances) string {
	return fmt.Sprintf("%s    %.10E   %.10E   %.10E", madx.EmittancePrefix, em.Ex, em.Ey, em.Ez)
}

// OpticsTable is a small three-element twiss table.
func OpticsTable() *tfs.Table {
	return tfs.New([]string{"name", "s", "betx", "bety", "dx"}, [][]string{
		{"#s", "0", "8.1", "3.2", "0"},
		{"ll", "1.5", "9.0", "2.9", "0.01"},
		{"qf1", "3.0", "12.4", "1.8", "0.03"},
		{"ll", "4.5", "9.0", "2.9", "0.01"},
		{"#e", "6.0", "8.1", "3.2", "0"},
	})
}
