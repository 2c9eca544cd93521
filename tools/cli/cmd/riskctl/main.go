// Command riskctl is the operator tool for the scoring pipeline: it
// trains and publishes model artifacts from historical telemetry,
// inspects the current model versions, and validates policy files
// before they are deployed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"riskwatch/pkg/config"
	"riskwatch/pkg/detectors"
	"riskwatch/pkg/features"
	"riskwatch/pkg/mlmodel"
	"riskwatch/pkg/telemetry"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx := context.Background()
	cmd := os.Args[1]
	switch cmd {
	case "train-outlier":
		fs := flag.NewFlagSet("train-outlier", flag.ExitOnError)
		days := fs.Int("days", 30, "training range in days ending now")
		trees := fs.Int("trees", 100, "number of isolation trees")
		sample := fs.Int("sample", 256, "subsample size per tree")
		seed := fs.Int64("seed", time.Now().UnixNano(), "rng seed")
		version := fs.String("version", defaultVersion(), "artifact version")
		_ = fs.Parse(os.Args[2:])

		rows := mustGatherRows(ctx, *days)
		forest := detectors.NewForest(*trees, *sample, *seed)
		if err := forest.Fit(rows); err != nil {
			log.Fatal(err)
		}
		art := mustSave(ctx, mlmodel.KindOutlierForest, *version, forest)
		fmt.Println("trained:", mlmodel.KindOutlierForest, "on", len(rows), "vectors")
		fmt.Println("version:", art.Version)
		fmt.Println("hash:", art.Hash)

	case "train-personas":
		fs := flag.NewFlagSet("train-personas", flag.ExitOnError)
		days := fs.Int("days", 30, "training range in days ending now")
		k := fs.Int("k", 4, "number of personas")
		iters := fs.Int("iters", 100, "max clustering iterations")
		seed := fs.Int64("seed", time.Now().UnixNano(), "rng seed")
		version := fs.String("version", defaultVersion(), "artifact version")
		_ = fs.Parse(os.Args[2:])

		rows := mustGatherRows(ctx, *days)
		scaler, err := detectors.FitScaler(rows)
		if err != nil {
			log.Fatal(err)
		}
		scaled := make([][]float64, len(rows))
		for i, row := range rows {
			scaled[i] = scaler.Apply(row)
		}
		centroids, err := detectors.KMeans(scaled, *k, *iters, *seed)
		if err != nil {
			log.Fatal(err)
		}
		art := mustSave(ctx, mlmodel.KindCentroids, *version, mlmodel.CentroidSet{
			Scaler:    *scaler,
			Centroids: centroids,
		})
		fmt.Println("trained:", mlmodel.KindCentroids, "on", len(rows), "vectors")
		fmt.Println("version:", art.Version)
		fmt.Println("hash:", art.Hash)

	case "set-forecast":
		fs := flag.NewFlagSet("set-forecast", flag.ExitOnError)
		window := fs.Int("history-window", 20, "history windows considered")
		minHist := fs.Int("min-history", 10, "history floor below which the detector abstains")
		level := fs.Float64("confidence-level", 0.95, "forecast confidence level")
		version := fs.String("version", defaultVersion(), "artifact version")
		_ = fs.Parse(os.Args[2:])

		cfg := detectors.ForecastConfig{
			HistoryWindow:   *window,
			MinHistory:      *minHist,
			ConfidenceLevel: *level,
		}
		if err := cfg.Validate(); err != nil {
			log.Fatal(err)
		}
		art := mustSave(ctx, mlmodel.KindForecaster, *version, mlmodel.ForecasterParams{
			HistoryWindow:   cfg.HistoryWindow,
			MinHistory:      cfg.MinHistory,
			ConfidenceLevel: cfg.ConfidenceLevel,
		})
		fmt.Println("published:", mlmodel.KindForecaster)
		fmt.Println("version:", art.Version)

	case "models":
		reg := mustRegistry()
		for _, kind := range []mlmodel.Kind{mlmodel.KindForecaster, mlmodel.KindOutlierForest, mlmodel.KindCentroids} {
			art, err := reg.Load(ctx, kind)
			if err != nil && art == nil {
				fmt.Printf("%-16s (none: %v)\n", kind, err)
				continue
			}
			fmt.Printf("%-16s %s trained %s\n", kind, art.Version, art.TrainedAt.Format(time.RFC3339))
		}

	case "check-policy":
		fs := flag.NewFlagSet("check-policy", flag.ExitOnError)
		path := fs.String("policy", "policy.yaml", "policy file to validate")
		_ = fs.Parse(os.Args[2:])
		if _, err := config.Load(*path); err != nil {
			log.Fatal(err)
		}
		fmt.Println("policy: OK")

	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: riskctl <command> [flags]

commands:
  train-outlier    fit and publish the isolation forest
  train-personas   fit and publish the persona centroid set
  set-forecast     publish forecast detector parameters
  models           show current artifact versions
  check-policy     validate a policy file

environment:
  DATABASE_URL   telemetry database (train commands)
  MODEL_DIR      artifact directory (default /var/lib/riskwatch/models)
  REDIS_ADDR     optional current-version cache`)
}

func defaultVersion() string {
	return time.Now().UTC().Format("20060102T150405")
}

func mustRegistry() *mlmodel.Registry {
	dir := os.Getenv("MODEL_DIR")
	if dir == "" {
		dir = "/var/lib/riskwatch/models"
	}
	var rdb *redis.Client
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: addr})
	}
	reg, err := mlmodel.NewRegistry(dir, rdb, 0)
	if err != nil {
		log.Fatal(err)
	}
	return reg
}

func mustSave(ctx context.Context, kind mlmodel.Kind, version string, payload any) *mlmodel.Artifact {
	art, err := mustRegistry().Save(ctx, kind, version, time.Now(), payload)
	if err != nil {
		log.Fatal(err)
	}
	return art
}

// mustGatherRows extracts one feature vector per (subject, window) over
// the training range. Quiet windows contribute nothing, mirroring how
// the scoring path treats them.
func mustGatherRows(ctx context.Context, days int) [][]float64 {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL is required")
	}
	store, err := telemetry.OpenEventStore(dsn)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	var rows [][]float64
	w := telemetry.NewWindow(time.Now().UTC().Add(-24*time.Hour), 24*time.Hour)
	for i := 0; i < days; i++ {
		subjects, err := store.ActiveSubjects(ctx, w)
		if err != nil {
			log.Fatal(err)
		}
		for _, subject := range subjects {
			events, err := store.EventsFor(ctx, subject, w)
			if err != nil {
				log.Fatal(err)
			}
			if len(events) == 0 {
				continue
			}
			v, err := features.Extract(events, w)
			if err != nil {
				log.Fatal(err)
			}
			rows = append(rows, v.Values())
		}
		w = w.Prev()
	}
	if len(rows) == 0 {
		log.Fatal("no telemetry in the training range")
	}
	return rows
}
