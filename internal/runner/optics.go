package runner

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/emittance.scan/internal/export"
	"github.com/banshee-data/emittance.scan/internal/lattice"
	"github.com/banshee-data/emittance.scan/internal/madx"
	"github.com/banshee-data/emittance.scan/internal/monitoring"
	"github.com/banshee-data/emittance.scan/internal/report"
	"github.com/banshee-data/emittance.scan/internal/scan"
	"github.com/banshee-data/emittance.scan/internal/tfs"
)

// OpticsResult is the outcome of a single optics job.
type OpticsResult struct {
	Twiss      *tfs.Table
	Emittances madx.Emittances // meters
	Output
}

// Optics prepares the lattice once, solves the optics, writes the optional
// twiss table and optics plots, then emits once and parses the emittances.
func (r *Runner) Optics(ctx context.Context) (*OpticsResult, error) {
	if err := r.fs().Remove(r.Job.Engine.LogFile); err != nil {
		return nil, fmt.Errorf("reset engine log: %w", err)
	}
	s, err := lattice.Open(ctx, r.Job, r.Start)
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}
	defer func() {
		if err := s.Close(); err != nil {
			monitoring.Logf("WARNING: closing engine: %v", err)
		}
	}()

	res := &OpticsResult{}
	res.Twiss, err = s.Twiss(ctx, madx.TwissOptions{Sequence: r.Job.GetSequence()})
	if err != nil {
		return nil, err
	}

	settings := r.Job.Settings
	var outErr error
	if settings.SaveTwiss {
		outErr = r.writeAll(&res.Output, "twiss", []writer{
			{".parquet", true, func(w io.Writer) error { return export.WriteParquetTable(w, res.Twiss) }},
		})
	}
	if settings.MakePlots {
		outErr = errors.Join(outErr, r.opticsPlots(res))
	}

	deltap, err := s.Global(ctx, scan.DeltapGlobal)
	if err != nil {
		return res, errors.Join(err, outErr)
	}
	offset, err := madx.LogOffset(r.fs(), s.LogPath())
	if err != nil {
		return res, errors.Join(err, outErr)
	}
	if err := s.Emit(ctx, deltap); err != nil {
		return res, errors.Join(err, outErr)
	}
	res.Emittances, err = madx.ParseEmittancesSince(r.fs(), s.LogPath(), offset, true)
	if err != nil {
		return res, errors.Join(err, outErr)
	}
	return res, outErr
}

// opticsPlots builds the full machine panel and one panel per configured
// window. Plots are written only with save_figs.
func (r *Runner) opticsPlots(res *OpticsResult) error {
	lo, hi, err := lattice.DispersionLimits(res.Twiss)
	if err != nil {
		return err
	}
	full, err := lattice.FullMachine(res.Twiss, "Full machine")
	if err != nil {
		return err
	}
	type panel struct {
		w    lattice.Window
		file string
	}
	panels := []panel{{full, "optics_full.png"}}
	var errs []error
	for _, pw := range r.Job.Plot {
		w, err := lattice.ElementWindow(res.Twiss, pw.Title, pw.From, pw.To)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		file := pw.File
		if file == "" {
			file = "optics_" + pw.Title + ".png"
		}
		panels = append(panels, panel{w, file})
	}

	for _, p := range panels {
		if !r.Job.Settings.SaveFigs {
			if _, _, err := report.OpticsPlots(res.Twiss, p.w, lo, hi); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		path, err := r.outputPath(p.file)
		if err == nil {
			err = report.SaveOpticsPlot(res.Twiss, p.w, lo, hi, path)
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		monitoring.Logf("Wrote %s", path)
		res.add(path)
	}
	if !r.Job.Settings.SaveFigs {
		monitoring.Logf("Built %d optics plots; enable save_figs to write them", len(panels))
	}
	return errors.Join(errs...)
}
