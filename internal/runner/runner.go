// Package runner executes scan and optics jobs end to end: it opens the
// engine, drives the sweep, records the run in the catalogue and writes the
// configured output files.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banshee-data/emittance.scan/internal/config"
	"github.com/banshee-data/emittance.scan/internal/db"
	"github.com/banshee-data/emittance.scan/internal/export"
	"github.com/banshee-data/emittance.scan/internal/fsutil"
	"github.com/banshee-data/emittance.scan/internal/lattice"
	"github.com/banshee-data/emittance.scan/internal/monitoring"
	"github.com/banshee-data/emittance.scan/internal/report"
	"github.com/banshee-data/emittance.scan/internal/scan"
	"github.com/banshee-data/emittance.scan/internal/security"
)

// Runner holds what every job needs. Only Job is required.
type Runner struct {
	Job   *config.JobConfig
	Start lattice.StartFunc // nil starts the configured engine binary
	FS    fsutil.FileSystem // engine log access; nil is the OS filesystem
	DB    *db.DB            // nil skips the run catalogue
}

func (r *Runner) fs() fsutil.FileSystem {
	if r.FS == nil {
		return fsutil.OSFileSystem{}
	}
	return r.FS
}

// driver builds a scan driver in shared or fresh-session mode. The returned
// func releases the shared session.
func (r *Runner) driver(ctx context.Context) (*scan.Driver, func(), error) {
	d := &scan.Driver{
		FS:        r.FS,
		Tolerance: r.Job.GetClosureTolerance(),
		Linked:    r.Job.LinkedGlobals(),
	}
	if r.Job.Engine.FreshSession {
		d.Opener = &lattice.Opener{Job: r.Job, FS: r.fs(), Start: r.Start}
		return d, func() {}, nil
	}

	if err := r.fs().Remove(r.Job.Engine.LogFile); err != nil {
		return nil, nil, fmt.Errorf("reset engine log: %w", err)
	}
	s, err := lattice.Open(ctx, r.Job, r.Start)
	if err != nil {
		return nil, nil, fmt.Errorf("open engine: %w", err)
	}
	d.Session = s
	return d, func() {
		if err := s.Close(); err != nil {
			monitoring.Logf("WARNING: closing engine: %v", err)
		}
	}, nil
}

// begin records a running scan and returns its id, or "" without a catalogue.
func (r *Runner) begin(ctx context.Context, run *db.Run) (string, error) {
	if r.DB == nil {
		return "", nil
	}
	cfg, err := json.Marshal(r.Job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	run.ConfigJSON = string(cfg)
	run.Tolerance = r.Job.GetClosureTolerance()
	id, err := r.DB.InsertRun(ctx, run)
	if err != nil {
		return "", err
	}
	monitoring.Logf("Recording run %s in %s", id, r.DB.Path())
	return id, nil
}

// finish stores whatever table was produced and closes the run. It uses a
// fresh context so a cancelled scan is still recorded as failed.
func (r *Runner) finish(id string, save func(ctx context.Context) error, scanErr error) error {
	if r.DB == nil || id == "" {
		return nil
	}
	ctx := context.Background()
	if err := save(ctx); err != nil {
		return err
	}
	return r.DB.FinishRun(ctx, id, scanErr)
}

// Output is what a job wrote.
type Output struct {
	RunID string
	Files []string
}

func (o *Output) add(path string) { o.Files = append(o.Files, path) }

// outputPath joins a sanitized name onto the output directory, creating it.
// The directory must be under the working or temp directory.
func (r *Runner) outputPath(name string) (string, error) {
	dir := r.Job.Output.Dir
	if dir == "" {
		dir = "."
	}
	if err := security.ValidateOutputPath(dir); err != nil {
		return "", fmt.Errorf("output dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	p := filepath.Join(dir, security.SanitizeFilename(name))
	if err := security.ValidatePathWithinDirectory(p, dir); err != nil {
		return "", err
	}
	return p, nil
}

// OpenCatalogue validates path as an output location and opens the run
// catalogue there, creating its directory.
func OpenCatalogue(path string) (*db.DB, error) {
	if err := security.ValidateOutputPath(path); err != nil {
		return nil, fmt.Errorf("run catalogue: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create catalogue dir: %w", err)
	}
	return db.Open(path)
}

type writer struct {
	ext   string
	on    bool
	write func(io.Writer) error
}

func (r *Runner) writeAll(out *Output, stem string, writers []writer) error {
	var errs []error
	for _, w := range writers {
		if !w.on {
			continue
		}
		p, err := r.outputPath(stem + w.ext)
		if err == nil {
			err = export.WriteFile(p, w.write)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		monitoring.Logf("Wrote %s", p)
		out.add(p)
	}
	return errors.Join(errs...)
}

// Scan1D runs one 1-D scan. A partial table is returned (and stored) with
// the error when the scan aborts.
func (r *Runner) Scan1D(ctx context.Context, entry config.ScanEntry) (*scan.Table1D, *Output, error) {
	cfg, err := entry.ScanConfig()
	if err != nil {
		return nil, nil, err
	}
	out := &Output{}
	if out.RunID, err = r.begin(ctx, &db.Run{Kind: db.KindScan1D, Rows: cfg}); err != nil {
		return nil, nil, err
	}

	d, release, err := r.driver(ctx)
	if err != nil {
		return nil, out, errors.Join(err, r.finish(out.RunID, noSave, err))
	}
	table, scanErr := d.Scan(ctx, cfg)
	release()

	if err := r.finish(out.RunID, func(ctx context.Context) error {
		if table == nil {
			return nil
		}
		return r.DB.SaveTable1D(ctx, out.RunID, table)
	}, scanErr); err != nil {
		return table, out, errors.Join(scanErr, err)
	}
	if scanErr != nil || table == nil {
		return table, out, scanErr
	}

	stem := "scan_" + cfg.VariableName
	o := r.Job.Output
	err = r.writeAll(out, stem, []writer{
		{".parquet", o.Parquet, func(w io.Writer) error { return export.WriteParquet1D(w, table) }},
		{".csv", o.CSV, func(w io.Writer) error { return export.WriteCSV1D(w, table) }},
		{".xlsx", o.XLSX, func(w io.Writer) error { return export.WriteXLSX1D(w, table) }},
	})
	if o.Plots {
		if p, perr := r.outputPath(stem + ".png"); perr != nil {
			err = errors.Join(err, perr)
		} else if perr := report.SaveEmittancePlot(table, p); perr != nil {
			err = errors.Join(err, perr)
		} else {
			out.add(p)
		}
	}
	return table, out, err
}

// Grid runs the 2-D scan of the job's grid section.
func (r *Runner) Grid(ctx context.Context) (*scan.Table2D, *Output, error) {
	g := r.Job.Grid
	if g == nil {
		return nil, nil, fmt.Errorf("job has no grid section")
	}
	rows, err := g.Rows.ScanConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("grid rows: %w", err)
	}
	cols, err := g.Cols.ScanConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("grid cols: %w", err)
	}
	out := &Output{}
	if out.RunID, err = r.begin(ctx, &db.Run{Kind: db.KindScan2D, Rows: rows, Cols: &cols}); err != nil {
		return nil, nil, err
	}

	d, release, err := r.driver(ctx)
	if err != nil {
		return nil, out, errors.Join(err, r.finish(out.RunID, noSave, err))
	}
	table, scanErr := d.ScanGrid(ctx, rows, cols)
	release()

	if err := r.finish(out.RunID, func(ctx context.Context) error {
		if table == nil {
			return nil
		}
		return r.DB.SaveTable2D(ctx, out.RunID, table)
	}, scanErr); err != nil {
		return table, out, errors.Join(scanErr, err)
	}
	if scanErr != nil || table == nil {
		return table, out, scanErr
	}

	stem := fmt.Sprintf("grid_%s_%s", rows.VariableName, cols.VariableName)
	o := r.Job.Output
	err = r.writeAll(out, stem, []writer{
		{".parquet", o.Parquet, func(w io.Writer) error { return export.WriteParquet2D(w, table) }},
		{".csv", o.CSV, func(w io.Writer) error { return export.WriteCSV2D(w, table) }},
		{".xlsx", o.XLSX, func(w io.Writer) error { return export.WriteXLSX2D(w, table) }},
	})
	if o.Plots && (len(table.RowValues) < 2 || len(table.ColValues) < 2) {
		monitoring.Logf("Skipping heatmaps for a %dx%d grid", len(table.RowValues), len(table.ColValues))
	} else if o.Plots {
		for _, column := range scan.Columns {
			p, perr := r.outputPath(stem + "_" + column + ".png")
			if perr == nil {
				perr = report.SaveHeatmapPlot(table, column, p)
			}
			if perr != nil {
				err = errors.Join(err, perr)
				continue
			}
			out.add(p)
		}
	}
	return table, out, err
}

func noSave(context.Context) error { return nil }
