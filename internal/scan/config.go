// Package scan sweeps simulator globals over a grid and collects the
// emittances computed at every point.
package scan

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/emittance.scan/internal/madx"
	"gonum.org/v1/gonum/floats"
)

// maxPoints caps the samples of one scan dimension.
const maxPoints = 100000

// ScanConfig describes one swept global. The sample points are always derived
// from the four scalar fields by Space; they are never stored.
type ScanConfig struct {
	VariableName string
	InitialValue float64 // baseline, informational only
	ScanStart    float64
	ScanEnd      float64 // may be below ScanStart for a descending scan
	NPoints      int
}

// NewScanConfig builds and validates a ScanConfig.
func NewScanConfig(name string, initial, start, end float64, n int) (ScanConfig, error) {
	c := ScanConfig{VariableName: name, InitialValue: initial, ScanStart: start, ScanEnd: end, NPoints: n}
	if err := c.Validate(); err != nil {
		return ScanConfig{}, err
	}
	return c, nil
}

// Around scans initial-delta to initial+delta, the shape every lattice scan
// in this repository uses.
func Around(name string, initial, delta float64, n int) (ScanConfig, error) {
	return NewScanConfig(name, initial, initial-delta, initial+delta, n)
}

// Validate checks the fields.
func (c ScanConfig) Validate() error {
	if !madx.ValidName(c.VariableName) {
		return fmt.Errorf("invalid scan variable name %q", c.VariableName)
	}
	for label, v := range map[string]float64{"initial": c.InitialValue, "start": c.ScanStart, "end": c.ScanEnd} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("scan %s: %s value must be finite, got %v", c.VariableName, label, v)
		}
	}
	if c.NPoints < 1 {
		return fmt.Errorf("scan %s: n_points must be at least 1, got %d", c.VariableName, c.NPoints)
	}
	if c.NPoints > maxPoints {
		return fmt.Errorf("scan %s: n_points %d exceeds limit of %d", c.VariableName, c.NPoints, maxPoints)
	}
	return nil
}

// Space returns NPoints evenly spaced values from ScanStart to ScanEnd
// inclusive. A single point scan is [ScanStart]; NPoints < 1 yields nil.
func (c ScanConfig) Space() []float64 {
	switch {
	case c.NPoints < 1:
		return nil
	case c.NPoints == 1:
		return []float64{c.ScanStart}
	}
	s := floats.Span(make([]float64, c.NPoints), c.ScanStart, c.ScanEnd)
	s[len(s)-1] = c.ScanEnd
	return s
}

// Step returns the spacing between samples, zero for a single point.
func (c ScanConfig) Step() float64 {
	if c.NPoints < 2 {
		return 0
	}
	return (c.ScanEnd - c.ScanStart) / float64(c.NPoints-1)
}

func (c ScanConfig) String() string {
	return fmt.Sprintf("%s=%g:%g:%g:%d", c.VariableName, c.InitialValue, c.ScanStart, c.ScanEnd, c.NPoints)
}

// ParseScanConfig parses "name=initial:start:end:n".
func ParseScanConfig(s string) (ScanConfig, error) {
	name, rest, ok := strings.Cut(s, "=")
	if !ok {
		return ScanConfig{}, fmt.Errorf("invalid scan format %q: expected name=initial:start:end:n", s)
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 4 {
		return ScanConfig{}, fmt.Errorf("invalid scan format %q: expected name=initial:start:end:n", s)
	}

	var vals [3]float64
	for i, label := range []string{"initial", "start", "end"} {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return ScanConfig{}, fmt.Errorf("invalid %s value %q: %w", label, parts[i], err)
		}
		vals[i] = v
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[3]))
	if err != nil {
		return ScanConfig{}, fmt.Errorf("invalid n_points value %q: %w", parts[3], err)
	}
	return NewScanConfig(strings.TrimSpace(name), vals[0], vals[1], vals[2], n)
}
