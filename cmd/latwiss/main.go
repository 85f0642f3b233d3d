// Command latwiss prepares a lattice, solves its optics and prints the
// equilibrium emittances.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/banshee-data/emittance.scan/internal/config"
	"github.com/banshee-data/emittance.scan/internal/monitoring"
	"github.com/banshee-data/emittance.scan/internal/runner"
	"github.com/banshee-data/emittance.scan/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the job config (.json or .yaml)")
	outDir      = flag.String("out", "", "Output directory (overrides output.dir)")
	saveTwiss   = flag.Bool("save-twiss", false, "Write the twiss table to parquet")
	makePlots   = flag.Bool("plots", false, "Build optics plots")
	saveFigs    = flag.Bool("save-figs", false, "Write optics plots as PNG")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("latwiss"))
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
	s := &job.Settings
	s.SaveTwiss = s.SaveTwiss || *saveTwiss
	s.MakePlots = s.MakePlots || *makePlots || *saveFigs
	s.SaveFigs = s.SaveFigs || *saveFigs

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := (&runner.Runner{Job: job}).Optics(ctx)
	if res != nil {
		for _, f := range res.Files {
			log.Printf("wrote %s", f)
		}
	}
	if err != nil {
		log.Fatalf("optics job failed: %v", err)
	}

	em := res.Emittances
	fmt.Printf("ex = %g pm\n", em.Ex*1e12)
	fmt.Printf("ey = %g pm\n", em.Ey*1e12)
	fmt.Printf("ez = %g um\n", em.Ez*1e6)
}
