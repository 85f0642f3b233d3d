package export

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/apache/arrow/go/v17/parquet"
	"github.com/apache/arrow/go/v17/parquet/compress"
	"github.com/apache/arrow/go/v17/parquet/pqarrow"

	"github.com/banshee-data/emittance.scan/internal/scan"
	"github.com/banshee-data/emittance.scan/internal/tfs"
)

func float64Field(name string) arrow.Field {
	return arrow.Field{Name: name, Type: arrow.PrimitiveTypes.Float64}
}

func pointSchema(keys ...string) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(keys)+4)
	for _, k := range keys {
		fields = append(fields, float64Field(k))
	}
	for _, c := range scan.Columns {
		fields = append(fields, float64Field(c))
	}
	fields = append(fields, arrow.Field{Name: "outcome", Type: arrow.BinaryTypes.String})
	return arrow.NewSchema(fields, nil)
}

func writeRecord(w io.Writer, schema *arrow.Schema, build func(b *array.RecordBuilder)) error {
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	build(b)
	rec := b.NewRecord()
	defer rec.Release()

	props := parquet.NewWriterProperties(parquet.WithCompression(compress.Codecs.Snappy))
	fw, err := pqarrow.NewFileWriter(schema, w, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("create parquet writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("write parquet record: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("close parquet writer: %w", err)
	}
	return nil
}

func appendPoint(b *array.RecordBuilder, offset int, p scan.Point) {
	b.Field(offset).(*array.Float64Builder).Append(p.Ex)
	b.Field(offset + 1).(*array.Float64Builder).Append(p.Ey)
	b.Field(offset + 2).(*array.Float64Builder).Append(p.Ez)
	b.Field(offset + 3).(*array.StringBuilder).Append(p.Outcome.String())
}

// WriteParquet1D writes a 1-D scan with one float column named after the
// swept variable, then ex, ey, ez and outcome. Failed points keep NaN.
func WriteParquet1D(w io.Writer, t *scan.Table1D) error {
	return writeRecord(w, pointSchema(t.Variable), func(b *array.RecordBuilder) {
		for _, r := range t.Rows {
			b.Field(0).(*array.Float64Builder).Append(r.Value)
			appendPoint(b, 1, r.Point)
		}
	})
}

// WriteParquet2D writes a grid scan in long form.
func WriteParquet2D(w io.Writer, t *scan.Table2D) error {
	if t.RowVariable == t.ColVariable {
		return fmt.Errorf("grid variables must differ, got %s twice", t.RowVariable)
	}
	return writeRecord(w, pointSchema(t.RowVariable, t.ColVariable), func(b *array.RecordBuilder) {
		for i, row := range t.Cells {
			for j, p := range row {
				b.Field(0).(*array.Float64Builder).Append(t.RowValues[i])
				b.Field(1).(*array.Float64Builder).Append(t.ColValues[j])
				appendPoint(b, 2, p)
			}
		}
	})
}

// WriteParquetTable writes a twiss or survey table. Columns whose every
// cell parses as a number become float64, the rest stay strings. Column
// names are lower-cased.
func WriteParquetTable(w io.Writer, t *tfs.Table) error {
	type col struct {
		numeric bool
		floats  []float64
		strings []string
	}
	cols := make([]col, len(t.Columns))
	fields := make([]arrow.Field, len(t.Columns))
	for i, name := range t.Columns {
		lower := strings.ToLower(name)
		if f, err := t.Floats(name); err == nil {
			cols[i] = col{numeric: true, floats: f}
			fields[i] = float64Field(lower)
			continue
		}
		s, err := t.Strings(name)
		if err != nil {
			return err
		}
		cols[i].strings = s
		fields[i] = arrow.Field{Name: lower, Type: arrow.BinaryTypes.String}
	}
	schema := arrow.NewSchema(fields, nil)

	return writeRecord(w, schema, func(b *array.RecordBuilder) {
		for i, c := range cols {
			if c.numeric {
				b.Field(i).(*array.Float64Builder).AppendValues(c.floats, nil)
				continue
			}
			b.Field(i).(*array.StringBuilder).AppendValues(c.strings, nil)
		}
	})
}

// WriteFile creates path and hands it to write.
func WriteFile(path string, write func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	// The parquet writer may already have closed f.
	if err := f.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
