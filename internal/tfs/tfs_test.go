package tfs

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const surveyTFS = `@ NAME             %06s "SURVEY"
@ TYPE             %06s "SURVEY"
@ SEQUENCE         %04s "RING"
* NAME       KEYWORD     S         X          Z
$ %s         %s          %le       %le        %le
 "#S"        "MARKER"    0         0          0
 "LL"        "MARKER"    10.5      0.1        9.9
 "QF1"       "QUADRUPOLE" 20       0.2        19.8
 "LL"        "MARKER"    30.0      0.1        29.7
 "#E"        "MARKER"    259.2     0.0004     -0.0002
`

func TestRead(t *testing.T) {
	tbl, err := Read(strings.NewReader(surveyTFS))
	require.NoError(t, err)

	assert.Equal(t, []string{"NAME", "KEYWORD", "S", "X", "Z"}, tbl.Columns)
	assert.Equal(t, 5, tbl.Len())
	assert.Equal(t, "SURVEY", tbl.Headers["NAME"])
	assert.Equal(t, "RING", tbl.Headers["SEQUENCE"])

	names, err := tbl.Strings("name")
	require.NoError(t, err)
	assert.Equal(t, "#S", names[0])

	s, err := tbl.Floats("S")
	require.NoError(t, err)
	assert.InDelta(t, 259.2, s[4], 1e-12)
}

func TestLookup(t *testing.T) {
	tbl, err := Read(strings.NewReader(surveyTFS))
	require.NoError(t, err)

	testCases := []struct {
		name    string
		element string
		row     int
		wantErr bool
	}{
		{"start marker lowercase", "#s", 0, false},
		{"end marker", "#E", 4, false},
		{"first occurrence implicit", "ll", 1, false},
		{"first occurrence explicit", "ll:1", 1, false},
		{"second occurrence", "LL:2", 3, false},
		{"missing occurrence", "ll:3", 0, true},
		{"missing element", "qd9", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			row, err := tbl.Lookup(tc.element)
			if tc.wantErr {
				assert.True(t, errors.Is(err, ErrNoSuchRow), "expected ErrNoSuchRow, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.row, row)
		})
	}
}

func TestAtAndMax(t *testing.T) {
	tbl, err := Read(strings.NewReader(surveyTFS))
	require.NoError(t, err)

	x, err := tbl.At("x", "#e")
	require.NoError(t, err)
	assert.InDelta(t, 0.0004, x, 1e-15)

	m, err := tbl.Max("z")
	require.NoError(t, err)
	assert.InDelta(t, 29.7, m, 1e-12)

	_, err = tbl.At("betx", "#e")
	assert.True(t, errors.Is(err, ErrNoSuchColumn))
}

func TestReadErrors(t *testing.T) {
	testCases := []struct {
		name  string
		input string
	}{
		{"no columns", "@ NAME %06s \"TWISS\"\n"},
		{"row before columns", " \"#S\" 0 0\n* NAME S X\n"},
		{"short row", "* NAME S X\n$ %s %le %le\n \"#S\" 0\n"},
		{"unterminated quote", "* NAME S\n$ %s %le\n \"#S 0\n"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tc.input))
			assert.Error(t, err)
		})
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "survey.tfs")
	require.NoError(t, os.WriteFile(path, []byte(surveyTFS), 0644))

	tbl, err := ReadFile(path)
	require.NoError(t, err)
	assert.True(t, tbl.HasColumn("keyword"))

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.tfs"))
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	tbl := New([]string{"name", "x"}, [][]string{{"#s", "0.5"}})
	v, err := tbl.At("X", "#S")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)
}
