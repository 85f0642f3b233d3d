package lattice

import (
	"fmt"
	"math"

	"github.com/banshee-data/emittance.scan/internal/tfs"
)

// Window is an s range of the machine, in meters.
type Window struct {
	Title  string
	S0, S1 float64
}

// FullMachine spans every row of a twiss table.
func FullMachine(t *tfs.Table, title string) (Window, error) {
	s, err := t.Floats("s")
	if err != nil {
		return Window{}, err
	}
	if len(s) == 0 {
		return Window{}, fmt.Errorf("twiss table is empty")
	}
	return Window{Title: title, S0: s[0], S1: s[len(s)-1]}, nil
}

// ElementWindow spans from the element named from to the element named to.
// Names may carry an ":n" occurrence suffix.
func ElementWindow(t *tfs.Table, title, from, to string) (Window, error) {
	s0, err := t.At("s", from)
	if err != nil {
		return Window{}, fmt.Errorf("window %q start: %w", title, err)
	}
	s1, err := t.At("s", to)
	if err != nil {
		return Window{}, fmt.Errorf("window %q end: %w", title, err)
	}
	if s1 < s0 {
		s0, s1 = s1, s0
	}
	return Window{Title: title, S0: s0, S1: s1}, nil
}

// DispersionLimits returns the symmetric y range ±2·max(dx) used for the
// dispersion panel. A flat or negative dispersion falls back to ±1.
func DispersionLimits(t *tfs.Table) (lo, hi float64, err error) {
	m, err := t.Max("dx")
	if err != nil {
		return 0, 0, err
	}
	lim := 2 * m
	if !(lim > 0) || math.IsInf(lim, 0) {
		lim = 1
	}
	return -lim, lim, nil
}
