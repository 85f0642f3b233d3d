// Package lattice loads a ring into a simulator session from a job
// configuration.
package lattice

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/emittance.scan/internal/config"
	"github.com/banshee-data/emittance.scan/internal/fsutil"
	"github.com/banshee-data/emittance.scan/internal/madx"
	"github.com/banshee-data/emittance.scan/internal/monitoring"
	"github.com/banshee-data/emittance.scan/internal/scan"
	"github.com/banshee-data/emittance.scan/internal/security"
)

// Prepare writes the job parameters as globals, calls the lattice files in
// order and selects the sequence.
func Prepare(ctx context.Context, s madx.Session, job *config.JobConfig) error {
	for _, name := range job.ParameterNames() {
		if err := s.SetGlobal(ctx, name, job.Parameters[name]); err != nil {
			return fmt.Errorf("set parameter %s: %w", name, err)
		}
	}
	if _, ok := job.Parameters[scan.DeltapGlobal]; !ok {
		if err := s.SetGlobal(ctx, scan.DeltapGlobal, job.GetDeltap()); err != nil {
			return fmt.Errorf("set %s: %w", scan.DeltapGlobal, err)
		}
	}

	paths, err := Files(job)
	if err != nil {
		return err
	}
	for _, p := range paths {
		monitoring.Debugf("Calling lattice file %s", p)
		if err := s.Input(ctx, madx.CallCommand(p)); err != nil {
			return fmt.Errorf("call %s: %w", p, err)
		}
	}

	use, err := madx.UseCommand(job.GetSequence())
	if err != nil {
		return err
	}
	if err := s.Input(ctx, use); err != nil {
		return fmt.Errorf("use %s: %w", job.GetSequence(), err)
	}
	return nil
}

// Files resolves the lattice files against the lattice directory and checks
// each stays inside it.
func Files(job *config.JobConfig) ([]string, error) {
	dir := job.Lattice.Dir
	if dir == "" {
		dir = "."
	}
	out := make([]string, 0, len(job.Lattice.Files))
	for _, f := range job.Lattice.Files {
		p := f
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, f)
		}
		if err := security.ValidateScriptPath(p, dir); err != nil {
			return nil, fmt.Errorf("lattice file %s: %w", f, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// ProcessConfig maps the engine section of a job onto madx.ProcessConfig.
func ProcessConfig(job *config.JobConfig) madx.ProcessConfig {
	return madx.ProcessConfig{
		Binary:         job.Engine.Binary,
		Args:           job.Engine.Args,
		LogPath:        job.Engine.LogFile,
		CommandTimeout: job.GetCommandTimeout(),
	}
}

// StartFunc starts an engine. madx.StartProcess is the production value.
type StartFunc func(cfg madx.ProcessConfig) (madx.Session, error)

// StartProcess adapts madx.StartProcess to StartFunc.
func StartProcess(cfg madx.ProcessConfig) (madx.Session, error) {
	return madx.StartProcess(cfg)
}

// Opener starts and prepares a new session for every scan point. The log
// is removed before each start so it only ever holds one point.
type Opener struct {
	Job   *config.JobConfig
	FS    fsutil.FileSystem // nil means the OS filesystem
	Start StartFunc         // nil means StartProcess
}

var _ scan.Opener = (*Opener)(nil)

// Open implements scan.Opener.
func (o *Opener) Open(ctx context.Context) (madx.Session, error) {
	fs := o.FS
	if fs == nil {
		fs = fsutil.OSFileSystem{}
	}
	if err := fs.Remove(o.Job.Engine.LogFile); err != nil {
		return nil, fmt.Errorf("reset engine log: %w", err)
	}
	return Open(ctx, o.Job, o.Start)
}

// Open starts one engine and prepares the lattice in it.
func Open(ctx context.Context, job *config.JobConfig, start StartFunc) (madx.Session, error) {
	if start == nil {
		start = StartProcess
	}
	s, err := start(ProcessConfig(job))
	if err != nil {
		return nil, err
	}
	if err := Prepare(ctx, s, job); err != nil {
		if cerr := s.Close(); cerr != nil {
			monitoring.Logf("WARNING: closing engine after failed prepare: %v", cerr)
		}
		return nil, err
	}
	return s, nil
}
