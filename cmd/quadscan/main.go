// Command quadscan runs the two-quadrupole grid scan of a job config.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/emittance.scan/internal/config"
	"github.com/banshee-data/emittance.scan/internal/monitoring"
	"github.com/banshee-data/emittance.scan/internal/runner"
	"github.com/banshee-data/emittance.scan/internal/scan"
	"github.com/banshee-data/emittance.scan/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the job config (.json or .yaml)")
	rowsFlag    = flag.String("rows", "", "Row scan as name=initial:start:end:n (overrides grid.rows)")
	colsFlag    = flag.String("cols", "", "Column scan as name=initial:start:end:n (overrides grid.cols)")
	dbPath      = flag.String("db", "", "Run catalogue database (overrides output.database)")
	outDir      = flag.String("out", "", "Output directory (overrides output.dir)")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func entry(s string) (config.ScanEntry, error) {
	cfg, err := scan.ParseScanConfig(s)
	if err != nil {
		return config.ScanEntry{}, err
	}
	return config.ScanEntry{
		Variable: cfg.VariableName,
		Initial:  cfg.InitialValue,
		Start:    &cfg.ScanStart,
		End:      &cfg.ScanEnd,
		Points:   cfg.NPoints,
	}, nil
}

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("quadscan"))
		return
	}
	monitoring.EnableDebug(*debug)

	job, err := config.LoadJobConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *outDir != "" {
		job.Output.Dir = *outDir
	}
	if job.Grid == nil {
		job.Grid = &config.GridEntry{}
	}
	for _, o := range []struct {
		flag string
		dst  *config.ScanEntry
	}{{*rowsFlag, &job.Grid.Rows}, {*colsFlag, &job.Grid.Cols}} {
		if o.flag == "" {
			continue
		}
		if *o.dst, err = entry(o.flag); err != nil {
			log.Fatalf("invalid grid axis: %v", err)
		}
	}
	if err := job.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	r := &runner.Runner{Job: job}
	path := job.Output.Database
	if *dbPath != "" {
		path = *dbPath
	}
	if path != "" {
		if r.DB, err = runner.OpenCatalogue(path); err != nil {
			log.Fatalf("failed to open run catalogue: %v", err)
		}
		defer r.DB.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	table, out, err := r.Grid(ctx)
	if table != nil {
		counts := table.Counts()
		log.Printf("grid %s x %s: %d points, %d converged", table.RowVariable, table.ColVariable, table.Len(), counts[scan.Converged])
	}
	if out != nil {
		for _, f := range out.Files {
			log.Printf("wrote %s", f)
		}
	}
	if err != nil {
		log.Printf("grid scan failed: %v", err)
		os.Exit(1)
	}
}
