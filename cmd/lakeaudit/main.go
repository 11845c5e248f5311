package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantlake/lakeaudit/internal/config"
	"github.com/quantlake/lakeaudit/internal/dataset"
	"github.com/quantlake/lakeaudit/internal/engine"
	"github.com/quantlake/lakeaudit/internal/lake"
	"github.com/quantlake/lakeaudit/internal/logging"
	"github.com/quantlake/lakeaudit/internal/metadata"
	"github.com/quantlake/lakeaudit/internal/metrics"
	"github.com/quantlake/lakeaudit/internal/registry"
	"github.com/quantlake/lakeaudit/internal/state"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.MustLoad(ctx)
	logging.Setup(logging.Config{Format: cfg.Log.Format, Level: cfg.Log.Level})
	slog.Info("lake auditor starting", "version", engine.Version, "git_sha", engine.GitSHA)

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if cfg.Metrics.Enabled {
		metrics.Init("lakeaudit")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server exited", "error", err)
			}
		}()
	}

	catalog, err := loadDatasets(cfg.DatasetsPath)
	if err != nil {
		log.Fatalf("[main] failed to load dataset schemas: %v", err)
	}

	reader, err := lake.NewReader(lake.Config{
		Backend:    cfg.Lake.Backend,
		LocalDir:   cfg.Lake.LocalDir,
		GCSBucket:  cfg.Lake.GCSBucket,
		S3Bucket:   cfg.Lake.S3Bucket,
		S3Endpoint: cfg.Lake.S3Endpoint,
		S3Region:   cfg.Lake.S3Region,
		Prefix:     cfg.Lake.Prefix,
	}, cfg.Source.Name, catalog)
	if err != nil {
		log.Fatalf("[main] failed to create lake reader: %v", err)
	}
	defer reader.Close()

	reg, err := registry.Open(cfg.Registry.Dir, cfg.Source.Name, registry.DefaultPolicy(), nil)
	if err != nil {
		log.Fatalf("[main] failed to open failure registry: %v", err)
	}

	states := state.NewStore(cfg.Registry.Dir, nil)

	auditCatalog, err := metadata.NewWriter(metadata.CatalogConfig{
		PostgresDSN: cfg.Catalog.PostgresDSN,
		Namespace:   cfg.Catalog.Namespace,
	})
	if err != nil {
		log.Fatalf("[main] failed to connect audit catalog: %v", err)
	}
	defer auditCatalog.Close()

	eng := engine.New(cfg.Source.Name, reader, nil, reg, states, auditCatalog, engine.Options{
		GapThreshold:        cfg.Checks.GapThreshold,
		NullThreshold:       cfg.Checks.NullThreshold,
		MaxDownloadAttempts: cfg.Pool.MaxDownloadAttempts,
		DownloadBackoff:     cfg.Pool.DownloadBackoff,
	})
	pool := engine.NewPool(eng, cfg.Pool.Workers, cfg.Pool.QueueSize)

	datasets := cfg.Source.Datasets
	if len(datasets) == 0 {
		datasets = catalog.Names()
	}

	failed := false
	for _, ds := range datasets {
		if ctx.Err() != nil {
			break
		}
		report, err := pool.Run(ctx, ds, cfg.Source.Symbols)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("shutdown requested, stopping run", "dataset", ds)
				break
			}
			log.Fatalf("[main] audit run failed for %s: %v", ds, err)
		}
		slog.Info("audit run complete", "dataset", ds, "report", report.String())
		if report.SymbolsFailed > 0 {
			failed = true
			for key, ferr := range report.Failures {
				slog.Error("symbol audit failed", "symbol", key, "error", ferr)
			}
		}
	}

	slog.Info("lake auditor stopped")
	time.Sleep(100 * time.Millisecond)
	if failed {
		os.Exit(1)
	}
}

// loadDatasets reads the schema catalog, falling back to the built-in
// defaults when no file is configured.
func loadDatasets(path string) (*dataset.Catalog, error) {
	if path == "" {
		return dataset.NewCatalog(dataset.Defaults())
	}
	return dataset.Load(path)
}
