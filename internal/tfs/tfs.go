// Package tfs reads the Table File System format written by MAD-X for twiss
// and survey tables.
//
// A TFS file is a block of "@" header lines, one "*" line naming the columns,
// one "$" line giving their format codes, then whitespace-separated rows with
// string cells quoted.
package tfs

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/shlex"
)

// ErrNoSuchColumn is returned when a column lookup fails.
var ErrNoSuchColumn = errors.New("tfs: no such column")

// ErrNoSuchRow is returned when an element name is not in the NAME column.
var ErrNoSuchRow = errors.New("tfs: no such row")

// Table is an in-memory TFS table. Column names are stored upper-case.
type Table struct {
	Headers map[string]string
	Columns []string
	Formats []string
	Rows    [][]string

	index map[string]int
}

// New builds a table from column names and string rows. It is mostly used by
// tests and fakes that synthesise simulator output.
func New(columns []string, rows [][]string) *Table {
	t := &Table{Headers: map[string]string{}, Rows: rows}
	for _, c := range columns {
		t.Columns = append(t.Columns, strings.ToUpper(c))
	}
	t.buildIndex()
	return t
}

func (t *Table) buildIndex() {
	t.index = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		t.index[c] = i
	}
}

// ReadFile parses the TFS file at path.
func ReadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tfs file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read parses a TFS table from r.
func Read(r io.Reader) (*Table, error) {
	t := &Table{Headers: map[string]string{}}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fields, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("tfs line %d: %w", lineNo, err)
		}
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "@":
			if len(fields) < 3 {
				return nil, fmt.Errorf("tfs line %d: malformed header", lineNo)
			}
			t.Headers[strings.ToUpper(fields[1])] = strings.Join(fields[3:], " ")
		case "*":
			for _, c := range fields[1:] {
				t.Columns = append(t.Columns, strings.ToUpper(c))
			}
		case "$":
			t.Formats = append(t.Formats, fields[1:]...)
		default:
			if len(t.Columns) == 0 {
				return nil, fmt.Errorf("tfs line %d: data row before column names", lineNo)
			}
			if len(fields) != len(t.Columns) {
				return nil, fmt.Errorf("tfs line %d: %d cells, want %d", lineNo, len(fields), len(t.Columns))
			}
			t.Rows = append(t.Rows, fields)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read tfs: %w", err)
	}
	if len(t.Columns) == 0 {
		return nil, errors.New("tfs: missing column line")
	}
	t.buildIndex()
	return t, nil
}

// Len returns the number of rows.
func (t *Table) Len() int { return len(t.Rows) }

// HasColumn reports whether the table carries the named column.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[strings.ToUpper(name)]
	return ok
}

// Strings returns the named column as raw strings.
func (t *Table) Strings(name string) ([]string, error) {
	ci, ok := t.index[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchColumn, name)
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		out[i] = row[ci]
	}
	return out, nil
}

// Floats returns the named column parsed as float64.
func (t *Table) Floats(name string) ([]float64, error) {
	raw, err := t.Strings(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(raw))
	for i, s := range raw {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("tfs column %s row %d: %w", name, i, err)
		}
		out[i] = v
	}
	return out, nil
}

// Value returns the float cell of column at row.
func (t *Table) Value(column string, row int) (float64, error) {
	ci, ok := t.index[strings.ToUpper(column)]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoSuchColumn, column)
	}
	if row < 0 || row >= len(t.Rows) {
		return 0, fmt.Errorf("%w: index %d", ErrNoSuchRow, row)
	}
	return strconv.ParseFloat(t.Rows[row][ci], 64)
}

// Lookup finds the row of an element by name, case-insensitively.
//
// Names may carry a ":n" occurrence suffix ("ll:3"). An exact match on the
// NAME column wins; otherwise the suffix selects the n-th row whose NAME equals
// the base name, since MAD-X drops occurrence counts when writing files.
func (t *Table) Lookup(name string) (int, error) {
	names, err := t.Strings("NAME")
	if err != nil {
		return -1, err
	}
	for i, n := range names {
		if strings.EqualFold(n, name) {
			return i, nil
		}
	}

	base, occ := name, 1
	if i := strings.LastIndex(name, ":"); i > 0 {
		if n, err := strconv.Atoi(name[i+1:]); err == nil && n > 0 {
			base, occ = name[:i], n
		}
	}
	seen := 0
	for i, n := range names {
		if strings.EqualFold(n, base) {
			seen++
			if seen == occ {
				return i, nil
			}
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrNoSuchRow, name)
}

// At returns the float value of column at the named element.
func (t *Table) At(column, element string) (float64, error) {
	row, err := t.Lookup(element)
	if err != nil {
		return 0, err
	}
	return t.Value(column, row)
}

// Max returns the largest value of a float column, or an error for an empty
// or missing column.
func (t *Table) Max(column string) (float64, error) {
	vals, err := t.Floats(column)
	if err != nil {
		return 0, err
	}
	if len(vals) == 0 {
		return 0, fmt.Errorf("tfs column %s: empty", column)
	}
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m, nil
}
