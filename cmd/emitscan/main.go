// Command emitscan sweeps one or more magnet strengths and records the
// beam emittances at every point.
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
	scanFlag    = flag.String("scan", "", "Scan to run instead of the config scans, as name=initial:start:end:n")
	dbPath      = flag.String("db", "", "Run catalogue database (overrides output.database; \"none\" disables)")
	outDir      = flag.String("out", "", "Output directory (overrides output.dir)")
	fresh       = flag.Bool("fresh", false, "Start a new engine for every point")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("emitscan"))
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
	if *fresh {
		job.Engine.FreshSession = true
	}

	entries := job.Scans
	if *scanFlag != "" {
		cfg, err := scan.ParseScanConfig(*scanFlag)
		if err != nil {
			log.Fatalf("invalid -scan: %v", err)
		}
		entries = []config.ScanEntry{{
			Variable: cfg.VariableName,
			Initial:  cfg.InitialValue,
			Start:    &cfg.ScanStart,
			End:      &cfg.ScanEnd,
			Points:   cfg.NPoints,
		}}
	}
	if len(entries) == 0 {
		log.Fatal("no scans configured: add a scans section or pass -scan")
	}

	r := &runner.Runner{Job: job}
	if path := catalogue(job); path != "" {
		if r.DB, err = runner.OpenCatalogue(path); err != nil {
			log.Fatalf("failed to open run catalogue: %v", err)
		}
		defer r.DB.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed := false
	for _, e := range entries {
		table, out, err := r.Scan1D(ctx, e)
		if table != nil {
			printTable(table)
		}
		if out != nil && out.RunID != "" {
			log.Printf("run %s: %d files written", out.RunID, len(out.Files))
		}
		if err != nil {
			log.Printf("scan %s failed: %v", e.Variable, err)
			failed = true
			if ctx.Err() != nil {
				break
			}
		}
	}
	if failed {
		os.Exit(1)
	}
}

func catalogue(job *config.JobConfig) string {
	switch *dbPath {
	case "none":
		return ""
	case "":
		return job.Output.Database
	}
	return *dbPath
}

func printTable(t *scan.Table1D) {
	fmt.Printf("%-14s %14s %14s %14s  %s\n", t.Variable, "ex [pm]", "ey [pm]", "ez [um]", "outcome")
	for _, row := range t.Rows {
		fmt.Printf("%-14.6g %14.6g %14.6g %14.6g  %s\n",
			row.Value, row.Ex*1e12, row.Ey*1e12, row.Ez*1e6, row.Outcome)
	}
}
