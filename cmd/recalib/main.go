// Command recalib refines a multi-camera calibration from a keypoint tracks
// CSV, either locally or by uploading to a running recalibration service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/recalibrate/internal/api"
	"github.com/banshee-data/recalibrate/internal/bundle"
	"github.com/banshee-data/recalibrate/internal/calib"
	"github.com/banshee-data/recalibrate/internal/config"
	"github.com/banshee-data/recalibrate/internal/db"
	"github.com/banshee-data/recalibrate/internal/monitoring"
	"github.com/banshee-data/recalibrate/internal/refine"
	"github.com/banshee-data/recalibrate/internal/report"
	"github.com/banshee-data/recalibrate/internal/tracks"
	"github.com/banshee-data/recalibrate/internal/version"
)

// sourceCLI tags runs recorded by this command.
const sourceCLI = "cli"

type options struct {
	csvPath     string
	calibPath   string
	configPath  string
	outPath     string
	plotPath    string
	dbPath      string
	server      string
	quiet       bool
	showVersion bool
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var o options
	fs.StringVar(&o.csvPath, "csv", "", "Keypoint tracks CSV (required)")
	fs.StringVar(&o.calibPath, "calibration", "", "Initial calibration JSON (required)")
	fs.StringVar(&o.configPath, "config", "", "Recalibration config JSON")
	fs.StringVar(&o.outPath, "out", "", "Write the refined calibration here instead of stdout")
	fs.StringVar(&o.plotPath, "plot", "", "Save a per-camera error chart (png, svg or pdf)")
	fs.StringVar(&o.dbPath, "db", "", "Record the run in this history database")
	fs.StringVar(&o.server, "server", "", "Upload to a recalibration service at this URL instead of solving locally")
	fs.BoolVar(&o.quiet, "quiet", false, "Suppress solver progress")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.showVersion {
		return o, nil
	}
	if o.csvPath == "" || o.calibPath == "" {
		return o, errors.New("-csv and -calibration are required")
	}
	if o.server != "" && (o.plotPath != "" || o.dbPath != "" || o.configPath != "") {
		return o, errors.New("-plot, -db and -config apply to local runs only")
	}
	return o, nil
}

func main() {
	fs := flag.NewFlagSet("recalib", flag.ExitOnError)
	o, err := parseFlags(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "recalib: %v\n\n", err)
		fs.Usage()
		os.Exit(2)
	}
	if o.showVersion {
		fmt.Println(version.String())
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o, bundle.NewSolver(), os.Stdout); err != nil {
		log.Fatalf("recalib: %v", err)
	}
}

// run performs one recalibration and writes the refined calibration to
// stdout or o.outPath.
func run(ctx context.Context, o options, solver refine.Solver, stdout io.Writer) error {
	calibJSON, err := os.ReadFile(o.calibPath)
	if err != nil {
		return fmt.Errorf("read calibration: %w", err)
	}

	var refined *calib.Calibration
	if o.server != "" {
		refined, err = runRemote(ctx, o, calibJSON)
	} else {
		refined, err = runLocal(ctx, o, solver, calibJSON)
	}
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(refined, "", "  ")
	if err != nil {
		return fmt.Errorf("encode calibration: %w", err)
	}
	out = append(out, '\n')
	if o.outPath == "" {
		_, err = stdout.Write(out)
		return err
	}
	if err := os.WriteFile(o.outPath, out, 0o644); err != nil {
		return fmt.Errorf("write calibration: %w", err)
	}
	log.Printf("wrote %s", o.outPath)
	return nil
}

func runRemote(ctx context.Context, o options, calibJSON []byte) (*calib.Calibration, error) {
	f, err := os.Open(o.csvPath)
	if err != nil {
		return nil, fmt.Errorf("open tracks: %w", err)
	}
	defer f.Close()

	res, err := api.NewClient(o.server, nil).Recalibrate(ctx, f, calibJSON)
	if err != nil {
		return nil, err
	}
	log.Printf("run %s done on %s", res.RunID, o.server)
	return res.Calibration, nil
}

func runLocal(ctx context.Context, o options, solver refine.Solver, calibJSON []byte) (*calib.Calibration, error) {
	cfg := config.EmptyRecalibConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = config.LoadRecalibConfig(o.configPath); err != nil {
			return nil, err
		}
	}
	if o.quiet {
		monitoring.SetLogger(nil)
	}

	table, err := tracks.ReadCSVFile(o.csvPath)
	if err != nil {
		return nil, err
	}
	initial, err := calib.ParseCalibration(calibJSON)
	if err != nil {
		return nil, err
	}

	var store *db.RunStore
	if o.dbPath != "" {
		database, err := db.NewDB(o.dbPath)
		if err != nil {
			return nil, err
		}
		defer database.Close()
		store = db.NewRunStore(database.DB)
	}

	r := refine.NewOrchestrator(solver).NewRun(refine.Request{
		Rows:        table.Rows(),
		Calibration: initial,
		Config:      refine.ConfigFromTuning(cfg),
	})
	res, runErr := r.Execute(ctx)
	summary := r.Summary()
	if store != nil {
		if err := recordRun(store, summary); err != nil {
			log.Printf("run %s: failed to record: %v", summary.ID, err)
		}
	}
	if runErr != nil {
		return nil, fmt.Errorf("run %s failed in %s: %w", summary.ID, summary.FailedStage, runErr)
	}

	log.Printf("run %s: %s in %s", summary.ID, report.Subtitle(res.Report), summary.Duration())
	if o.plotPath != "" {
		err := report.SavePlot(o.plotPath, res.Report.PerCamera, report.Options{
			Title:    "Run " + summary.ID,
			Subtitle: report.Subtitle(res.Report),
		})
		if err != nil {
			return nil, err
		}
		log.Printf("wrote %s", o.plotPath)
	}
	return res.Calibration, nil
}

func recordRun(store *db.RunStore, summary refine.Summary) error {
	rec, err := db.NewRunRecord(summary, sourceCLI)
	if err != nil {
		return err
	}
	return store.Insert(rec)
}
