package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/recalibrate/internal/api"
	"github.com/banshee-data/recalibrate/internal/bundle"
	"github.com/banshee-data/recalibrate/internal/config"
	"github.com/banshee-data/recalibrate/internal/db"
	"github.com/banshee-data/recalibrate/internal/refine"
	"github.com/banshee-data/recalibrate/internal/version"
)

var (
	listen       = flag.String("listen", ":8080", "Listen address")
	dbPath       = flag.String("db", "recalib.db", "Run history database (empty disables history)")
	configPath   = flag.String("config", "", "Recalibration config JSON (defaults when empty)")
	assetsHost   = flag.String("echarts-assets", "", "Host to load echarts assets from (default CDN when empty)")
	showVersion  = flag.Bool("version", false, "Print version and exit")
	shutdownWait = flag.Duration("shutdown-timeout", 30*time.Second, "How long in-flight runs get to finish on shutdown")
)

// loadConfig reads the tuning file, or returns the defaults when path is
// empty.
func loadConfig(path string) (*config.RecalibConfig, error) {
	if path == "" {
		return config.EmptyRecalibConfig(), nil
	}
	return config.LoadRecalibConfig(path)
}

// newOrchestrator wires the bundle-adjustment solver and logs every stage
// transition.
func newOrchestrator(solver refine.Solver) *refine.Orchestrator {
	orch := refine.NewOrchestrator(solver)
	orch.OnStage(func(run *refine.Run, stage refine.Stage) {
		if stage == refine.StageFailed {
			s := run.Summary()
			log.Printf("run %s: failed in %s (%s): %s", run.ID(), s.FailedStage, s.ErrorKind, s.Error)
			return
		}
		log.Printf("run %s: %s", run.ID(), stage)
	})
	return orch
}

// newMux mounts the service routes, plus the admin debug routes when run
// history is enabled.
func newMux(srv *api.Server, database *db.DB) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	if database != nil {
		database.AttachAdminRoutes(mux)
	}
	return mux
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var (
		database *db.DB
		store    *db.RunStore
	)
	if *dbPath != "" {
		database, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.Close()
		store = db.NewRunStore(database.DB)
	} else {
		log.Printf("Run history disabled")
	}

	srv := api.NewServer(newOrchestrator(bundle.NewSolver()), store, cfg)
	srv.AssetsHost = *assetsHost

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              *listen,
		Handler:           newMux(srv, database),
		ReadHeaderTimeout: 10 * time.Second,
		// uploads and the solver both run inside the write deadline
		WriteTimeout: cfg.GetRequestTimeout() + time.Minute,
	}

	// Start server in a goroutine so it doesn't block
	errCh := make(chan error, 1)
	go func() {
		log.Printf("%s listening on %s", version.String(), *listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Printf("failed to start server: %v", err)
		return
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownWait)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}
