package madx

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/emittance.scan/internal/fsutil"
	"github.com/google/shlex"
)

// EmittancePrefix starts the line EMIT prints with the three emittances.
const EmittancePrefix = " Emittances [pi micro m]"

// Token positions of ex, ey, ez after shell splitting the EMIT report line:
// "Emittances", "[pi", "micro", "m]", ex, ey, ez. This follows the engine's
// fixed column layout.
const (
	exToken = 4
	eyToken = 5
	ezToken = 6
)

// microToMeters converts pi·micro-meters to meters.
const microToMeters = 1e6

// Emittances holds the three emittance components of one EMIT call.
type Emittances struct {
	Ex float64
	Ey float64
	Ez float64
}

// ParseEmittances reads the log at path and returns the emittances reported by
// the last EMIT call in it. Earlier reports in the same log are ignored.
//
// With toMeters the raw pi·micro-meter values are divided by 1e6. Every failure
// is a *ParseError matching ErrParseEmittance.
func ParseEmittances(fs fsutil.FileSystem, path string, toMeters bool) (Emittances, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return Emittances{}, &ParseError{Path: path, Err: err}
	}
	return parseEmittanceText(path, string(data), toMeters)
}

// ParseEmittancesSince is ParseEmittances restricted to the log text written
// after the first offset bytes, so reports from earlier commands in a shared
// log are never returned. An offset past the end of the log (after a reset)
// reads the whole log.
func ParseEmittancesSince(fs fsutil.FileSystem, path string, offset int64, toMeters bool) (Emittances, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return Emittances{}, &ParseError{Path: path, Err: err}
	}
	if offset > 0 && offset <= int64(len(data)) {
		data = data[offset:]
	}
	return parseEmittanceText(path, string(data), toMeters)
}

// LogOffset returns the current length of the log at path, zero when it
// does not exist yet.
func LogOffset(fs fsutil.FileSystem, path string) (int64, error) {
	if !fs.Exists(path) {
		return 0, nil
	}
	data, err := fs.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read log %s: %w", path, err)
	}
	return int64(len(data)), nil
}

func parseEmittanceText(path, text string, toMeters bool) (Emittances, error) {
	var last string
	found := false
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.HasPrefix(line, EmittancePrefix) {
			last, found = line, true
		}
	}
	if !found {
		return Emittances{}, &ParseError{Path: path, Err: ErrNoMatchFound}
	}

	tokens, err := shlex.Split(last)
	if err != nil {
		return Emittances{}, &ParseError{Path: path, Line: last, Err: err}
	}
	if len(tokens) <= ezToken {
		return Emittances{}, &ParseError{Path: path, Line: last,
			Err: fmt.Errorf("expected at least %d tokens, got %d", ezToken+1, len(tokens))}
	}

	var vals [3]float64
	for i, idx := range []int{exToken, eyToken, ezToken} {
		v, err := strconv.ParseFloat(tokens[idx], 64)
		if err != nil {
			return Emittances{}, &ParseError{Path: path, Line: last, Err: err}
		}
		if toMeters {
			v /= microToMeters
		}
		vals[i] = v
	}
	return Emittances{Ex: vals[0], Ey: vals[1], Ez: vals[2]}, nil
}
