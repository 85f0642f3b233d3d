package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/emittance.scan/internal/madx"
	"github.com/banshee-data/emittance.scan/internal/scan"
)

// DefaultConfigPath is the path to the canonical job defaults file.
const DefaultConfigPath = "config/scan.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// JobConfig describes one scan or optics job: the lattice to load, the
// engine to drive and what to do with the results.
type JobConfig struct {
	// Parameters are written as simulator globals before the lattice files
	// are called.
	Parameters map[string]float64 `json:"parameters" yaml:"parameters"`
	Settings   Settings           `json:"settings" yaml:"settings"`
	Lattice    LatticeConfig      `json:"lattice" yaml:"lattice"`
	Engine     EngineConfig       `json:"engine" yaml:"engine"`
	Output     OutputConfig       `json:"output" yaml:"output"`

	// ClosureTolerance in meters; zero means madx.DefaultClosureTolerance.
	ClosureTolerance *float64 `json:"closure_tolerance,omitempty" yaml:"closure_tolerance,omitempty"`
	// Deltap is written as the deltap global when Parameters lacks it.
	Deltap *float64 `json:"deltap,omitempty" yaml:"deltap,omitempty"`

	Scans []ScanEntry  `json:"scans,omitempty" yaml:"scans,omitempty"`
	Grid  *GridEntry   `json:"grid,omitempty" yaml:"grid,omitempty"`
	Plot  []PlotWindow `json:"plot_windows,omitempty" yaml:"plot_windows,omitempty"`
}

// Settings mirrors the job switches of the optics script.
type Settings struct {
	SaveTwiss bool `json:"save_twiss" yaml:"save_twiss"`
	MakePlots bool `json:"make_plots" yaml:"make_plots"`
	SaveFigs  bool `json:"save_figs" yaml:"save_figs"`
}

// LatticeConfig names the files called into a fresh session, in order.
type LatticeConfig struct {
	Dir      string   `json:"dir" yaml:"dir"`
	Files    []string `json:"files" yaml:"files"`
	Sequence string   `json:"sequence,omitempty" yaml:"sequence,omitempty"`
}

// EngineConfig selects the simulator binary.
type EngineConfig struct {
	Binary         string   `json:"binary" yaml:"binary"`
	Args           []string `json:"args,omitempty" yaml:"args,omitempty"`
	LogFile        string   `json:"log_file" yaml:"log_file"`
	CommandTimeout string   `json:"command_timeout,omitempty" yaml:"command_timeout,omitempty"` // duration string like "2m"
	FreshSession   bool     `json:"fresh_session,omitempty" yaml:"fresh_session,omitempty"`
}

// OutputConfig selects result sinks. Empty paths disable a sink.
type OutputConfig struct {
	Dir      string `json:"dir" yaml:"dir"`
	Parquet  bool   `json:"parquet" yaml:"parquet"`
	CSV      bool   `json:"csv" yaml:"csv"`
	XLSX     bool   `json:"xlsx" yaml:"xlsx"`
	Plots    bool   `json:"plots" yaml:"plots"`
	Database string `json:"database,omitempty" yaml:"database,omitempty"`
}

// ScanEntry is a swept global. Either Delta (scan initial±delta) or both
// Start and End must be given.
type ScanEntry struct {
	Variable string   `json:"variable" yaml:"variable"`
	Initial  float64  `json:"initial" yaml:"initial"`
	Delta    *float64 `json:"delta,omitempty" yaml:"delta,omitempty"`
	Start    *float64 `json:"start,omitempty" yaml:"start,omitempty"`
	End      *float64 `json:"end,omitempty" yaml:"end,omitempty"`
	Points   int      `json:"points" yaml:"points"`
	// Linked globals receive the same value as Variable.
	Linked []string `json:"linked,omitempty" yaml:"linked,omitempty"`
}

// GridEntry is a 2-D scan, Rows outermost.
type GridEntry struct {
	Rows ScanEntry `json:"rows" yaml:"rows"`
	Cols ScanEntry `json:"cols" yaml:"cols"`
}

// PlotWindow limits an optics plot to the span between two elements given
// as name or name:occurrence.
type PlotWindow struct {
	Title string `json:"title" yaml:"title"`
	From  string `json:"from" yaml:"from"`
	To    string `json:"to" yaml:"to"`
	File  string `json:"file" yaml:"file"`
}

// ScanConfig converts the entry into a validated scan.ScanConfig.
func (e ScanEntry) ScanConfig() (scan.ScanConfig, error) {
	switch {
	case e.Delta != nil && (e.Start != nil || e.End != nil):
		return scan.ScanConfig{}, fmt.Errorf("scan %s: delta and start/end are mutually exclusive", e.Variable)
	case e.Delta != nil:
		return scan.Around(e.Variable, e.Initial, *e.Delta, e.Points)
	case e.Start != nil && e.End != nil:
		return scan.NewScanConfig(e.Variable, e.Initial, *e.Start, *e.End, e.Points)
	}
	return scan.ScanConfig{}, fmt.Errorf("scan %s: need delta or both start and end", e.Variable)
}

// LoadJobConfig loads a job from a .json, .yaml or .yml file under 1MB and
// validates it.
func LoadJobConfig(path string) (*JobConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &JobConfig{}
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching parent
// directories. Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *JobConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadJobConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *JobConfig) Validate() error {
	for _, name := range c.ParameterNames() {
		if !madx.ValidName(name) {
			return fmt.Errorf("invalid parameter name %q", name)
		}
		if v := c.Parameters[name]; math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("parameter %s must be finite, got %v", name, v)
		}
	}

	if len(c.Lattice.Files) == 0 {
		return fmt.Errorf("lattice.files must list at least one file")
	}
	if c.Lattice.Sequence != "" && !madx.ValidName(c.Lattice.Sequence) {
		return fmt.Errorf("invalid lattice.sequence %q", c.Lattice.Sequence)
	}

	if c.Engine.Binary == "" {
		return fmt.Errorf("engine.binary is required")
	}
	if c.Engine.LogFile == "" {
		return fmt.Errorf("engine.log_file is required")
	}
	if c.Engine.CommandTimeout != "" {
		if _, err := time.ParseDuration(c.Engine.CommandTimeout); err != nil {
			return fmt.Errorf("invalid command_timeout '%s': %w", c.Engine.CommandTimeout, err)
		}
	}

	if c.ClosureTolerance != nil && !(*c.ClosureTolerance > 0) {
		return fmt.Errorf("closure_tolerance must be positive, got %v", *c.ClosureTolerance)
	}
	if c.Deltap != nil && (math.IsNaN(*c.Deltap) || math.IsInf(*c.Deltap, 0)) {
		return fmt.Errorf("deltap must be finite, got %v", *c.Deltap)
	}

	for _, e := range c.Scans {
		if err := e.validate(); err != nil {
			return err
		}
	}
	if c.Grid != nil {
		if err := c.Grid.Rows.validate(); err != nil {
			return fmt.Errorf("grid rows: %w", err)
		}
		if err := c.Grid.Cols.validate(); err != nil {
			return fmt.Errorf("grid cols: %w", err)
		}
		if c.Grid.Rows.Variable == c.Grid.Cols.Variable {
			return fmt.Errorf("grid rows and cols must sweep different variables, got %s twice", c.Grid.Rows.Variable)
		}
	}

	for i, w := range c.Plot {
		if w.From == "" || w.To == "" {
			return fmt.Errorf("plot window %d needs from and to", i)
		}
	}
	return nil
}

func (e ScanEntry) validate() error {
	if _, err := e.ScanConfig(); err != nil {
		return err
	}
	for _, n := range e.Linked {
		if !madx.ValidName(n) {
			return fmt.Errorf("scan %s: invalid linked global %q", e.Variable, n)
		}
	}
	return nil
}

// ParameterNames returns the parameter names in sorted order so that
// globals are always written in the same sequence.
func (c *JobConfig) ParameterNames() []string {
	names := make([]string, 0, len(c.Parameters))
	for n := range c.Parameters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// GetSequence returns the beam line to use, defaulting to madx.DefaultSequence.
func (c *JobConfig) GetSequence() string {
	if c.Lattice.Sequence == "" {
		return madx.DefaultSequence
	}
	return c.Lattice.Sequence
}

// GetClosureTolerance returns the closure tolerance in meters.
func (c *JobConfig) GetClosureTolerance() float64 {
	if c.ClosureTolerance == nil {
		return madx.DefaultClosureTolerance
	}
	return *c.ClosureTolerance
}

// GetDeltap returns the deltap fallback, zero when unset.
func (c *JobConfig) GetDeltap() float64 {
	if c.Deltap == nil {
		return 0
	}
	return *c.Deltap
}

// GetCommandTimeout returns the per-command timeout, zero for none.
func (c *JobConfig) GetCommandTimeout() time.Duration {
	if c.Engine.CommandTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Engine.CommandTimeout)
	if err != nil {
		return 0
	}
	return d
}

// LinkedGlobals collects the linked globals of every scan entry.
func (c *JobConfig) LinkedGlobals() map[string][]string {
	out := make(map[string][]string)
	add := func(e ScanEntry) {
		if len(e.Linked) > 0 {
			out[e.Variable] = append(out[e.Variable], e.Linked...)
		}
	}
	for _, e := range c.Scans {
		add(e)
	}
	if c.Grid != nil {
		add(c.Grid.Rows)
		add(c.Grid.Cols)
	}
	return out
}
