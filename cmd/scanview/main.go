// Command scanview serves the run catalogue: JSON listings, charts and
// downloads under /api and /runs, and a SQL console under /debug/.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/emittance.scan/internal/api"
	"github.com/banshee-data/emittance.scan/internal/db"
	"github.com/banshee-data/emittance.scan/internal/monitoring"
	"github.com/banshee-data/emittance.scan/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "Listen address")
	dbPath      = flag.String("db", "results/scans.db", "Run catalogue database")
	units       = flag.String("units", "pm", "Default emittance units: m, um, nm or pm")
	debug       = flag.Bool("debug", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("scanview"))
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	monitoring.EnableDebug(*debug)

	catalogue, err := db.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open run catalogue: %v", err)
	}
	defer catalogue.Close()

	mux := http.NewServeMux()
	// admin debugging routes, reachable over Tailscale or from localhost
	if err := catalogue.AttachAdminRoutes(mux); err != nil {
		log.Fatalf("failed to attach admin routes: %v", err)
	}
	mux.Handle("/", api.NewServer(catalogue, *units).ServeMux())

	server := &http.Server{
		Addr:              *listen,
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		log.Println("shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}()

	log.Printf("serving %s on %s", catalogue.Path(), *listen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("failed to start server: %v", err)
	}
	wg.Wait()
}
