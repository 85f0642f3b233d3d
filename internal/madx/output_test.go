package madx

import (
	"errors"
	"strings"
	"testing"

	"github.com/banshee-data/emittance.scan/internal/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emitLog(lines ...string) []byte {
	return []byte(strings.Join(lines, "\n") + "\n")
}

func TestParseEmittances_TakesLastMatch(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.WriteFile("/run/stdout.out", emitLog(
		"  ++++++++++++++++++++++++++++++++++++++++++++",
		" Emittances [pi micro m]    1.00000000E-04   2.00000000E-05   3.0",
		" some other output",
		" Emittances [pi micro m]    2.12000000E-04   1.06000000E-05   1.25",
		" Emittance in [m]: 9.9",
	), 0644))

	em, err := ParseEmittances(mfs, "/run/stdout.out", false)
	require.NoError(t, err)
	assert.Equal(t, Emittances{Ex: 2.12e-4, Ey: 1.06e-5, Ez: 1.25}, em)
}

func TestParseEmittances_UnitConversion(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.WriteFile("/log", emitLog(
		` Emittances [pi micro m]  "130.5"   7.25    1.5e3`,
	), 0644))

	raw, err := ParseEmittances(mfs, "/log", false)
	require.NoError(t, err)
	assert.Equal(t, Emittances{Ex: 130.5, Ey: 7.25, Ez: 1500}, raw)

	m, err := ParseEmittances(mfs, "/log", true)
	require.NoError(t, err)
	assert.Equal(t, Emittances{Ex: 130.5 / 1e6, Ey: 7.25 / 1e6, Ez: 1500 / 1e6}, m)
}

func TestParseEmittances_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		content string
		cause   error
	}{
		{"no matching line", " Emittance in [m]: 1 2 3\nfinished\n", ErrNoMatchFound},
		{"prefix not at line start", "x Emittances [pi micro m] 1 2 3\n", ErrNoMatchFound},
		{"short line", " Emittances [pi micro m]  1.0  2.0\n", nil},
		{"not a number", " Emittances [pi micro m]  1.0  abc  3.0\n", nil},
		{"broken quoting", ` Emittances [pi micro m]  "1.0  2.0  3.0` + "\n", nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mfs := fsutil.NewMemoryFileSystem()
			require.NoError(t, mfs.WriteFile("/log", []byte(tc.content), 0644))

			_, err := ParseEmittances(mfs, "/log", true)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrParseEmittance), "expected ErrParseEmittance, got %v", err)
			var pe *ParseError
			assert.True(t, errors.As(err, &pe))
			if tc.cause != nil {
				assert.True(t, errors.Is(err, tc.cause), "expected %v, got %v", tc.cause, err)
			}
		})
	}
}

func TestParseEmittances_MissingFile(t *testing.T) {
	_, err := ParseEmittances(fsutil.NewMemoryFileSystem(), "/nope", false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParseEmittance))
	assert.False(t, errors.Is(err, ErrNoMatchFound))
}

func TestParseEmittances_CRLF(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.WriteFile("/log", []byte(" Emittances [pi micro m]  1  2  3\r\n"), 0644))

	em, err := ParseEmittances(mfs, "/log", false)
	require.NoError(t, err)
	assert.Equal(t, Emittances{Ex: 1, Ey: 2, Ez: 3}, em)
}

func TestParseEmittancesSince(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	first := emitLog(" Emittances [pi micro m]    1.0   2.0   3.0")
	require.NoError(t, mfs.WriteFile("/log", first, 0644))

	offset, err := LogOffset(mfs, "/log")
	require.NoError(t, err)
	assert.Equal(t, int64(len(first)), offset)

	// Nothing new: the earlier report must not be returned.
	require.NoError(t, mfs.AppendFile("/log", emitLog(" emit produced no report")))
	_, err = ParseEmittancesSince(mfs, "/log", offset, false)
	assert.ErrorIs(t, err, ErrParseEmittance)
	assert.ErrorIs(t, err, ErrNoMatchFound)

	require.NoError(t, mfs.AppendFile("/log", emitLog(" Emittances [pi micro m]    4.0   5.0   6.0")))
	em, err := ParseEmittancesSince(mfs, "/log", offset, false)
	require.NoError(t, err)
	assert.Equal(t, Emittances{Ex: 4, Ey: 5, Ez: 6}, em)

	// A log reset below the offset is read from the start.
	require.NoError(t, mfs.WriteFile("/log", emitLog(" Emittances [pi micro m] 7 8 9"), 0644))
	em, err = ParseEmittancesSince(mfs, "/log", offset, false)
	require.NoError(t, err)
	assert.Equal(t, Emittances{Ex: 7, Ey: 8, Ez: 9}, em)
}

func TestLogOffset_MissingLog(t *testing.T) {
	offset, err := LogOffset(fsutil.NewMemoryFileSystem(), "/nope")
	require.NoError(t, err)
	assert.Zero(t, offset)
}
