package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ammoharvest/adapters"
	"ammoharvest/config"
	"ammoharvest/coord"
	"ammoharvest/dedup"
	"ammoharvest/drift"
	"ammoharvest/fetch"
	"ammoharvest/httputil"
	"ammoharvest/logging"
	"ammoharvest/metrics"
	"ammoharvest/pipeline"
	"ammoharvest/queue"
	"ammoharvest/ratelimit"
	"ammoharvest/robots"
	"ammoharvest/scheduler"
	"ammoharvest/storage"
	"ammoharvest/validate"
	"ammoharvest/workers"
	"ammoharvest/writer"
)

var (
	runOnce = flag.Bool("run-once", false, "Enqueue one scheduled batch, drain the queue and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, logFile, err := logging.Setup(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		slog.Warn("could not set up file logging", "error", err)
		logger = slog.Default()
	} else {
		defer logFile.Close()
	}

	logger.Info("starting ammoharvest", "retailers", len(cfg.Retailers))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pgStore, err := storage.NewPostgresStore(ctx, cfg.Database.URL)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer pgStore.Close()
	logger.Info("connected to postgres", "url", maskConnectionString(cfg.Database.URL))

	prefix := cfg.Redis.Prefix
	if prefix != "" {
		prefix += ":"
	}
	coordStore, err := coord.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, prefix)
	if err != nil {
		logger.Error("failed to connect to coordination store", "error", err)
		os.Exit(1)
	}
	defer coordStore.Close()
	logger.Info("coordination store connected", "addr", cfg.Redis.Addr)

	registry := adapters.NewRegistry()
	if err := registerAdapters(registry, cfg); err != nil {
		logger.Error("adapter registration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("adapters registered", "ids", registry.List())

	clients := httputil.NewClients()
	robotsPolicy := robots.New(clients.Robots, fetch.UserAgent, logger)
	limiter := ratelimit.New(coordStore, cfg.RateLimits(), logger)
	fetcher := fetch.NewHTTPFetcher(clients.Scraping)

	dedupStore := dedup.NewRunDedupStore(coordStore, logger)
	validator := validate.NewOfferValidator(dedupStore)
	offerWriter := writer.NewOfferWriter(pgStore, logger)
	detector := drift.NewDetector(coordStore, pgStore, logger)
	m := metrics.New()

	var archiver pipeline.Archiver
	if cfg.S3.Enabled {
		a, err := storage.NewSnapshotArchiver(ctx, storage.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			logger.Error("snapshot archiver init failed", "error", err)
			os.Exit(1)
		}
		archiver = a
		logger.Info("snapshot archiving enabled", "bucket", cfg.S3.Bucket)
	}

	pipe := pipeline.New(pipeline.Deps{
		Registry:  registry,
		Robots:    robotsPolicy,
		Limiter:   limiter,
		Fetcher:   fetcher,
		Validator: validator,
		Writer:    offerWriter,
		Store:     pgStore,
		Archiver:  archiver,
		Detector:  detector,
		Dedup:     dedupStore,
		Metrics:   m,
		Logger:    logger,
		FetchOpts: fetch.Options{
			Timeout: time.Duration(cfg.Fetch.TimeoutMS) * time.Millisecond,
			MaxSize: int64(cfg.Fetch.MaxSizeMB) << 20,
		},
	})

	jobQueue := queue.NewPostgresQueue(pgStore.Pool())
	worker := workers.NewScrapeWorker(jobQueue, pipe, pgStore, cfg.Queue, cfg.Workers.Concurrency, logger)
	sched := scheduler.New(cfg, pgStore, jobQueue, registry, worker, logger)

	if *runOnce {
		logger.Info("running one scheduled batch")
		if err := sched.RunScheduled(ctx); err != nil {
			logger.Error("batch enqueue failed", "error", err)
			os.Exit(1)
		}
		drainCtx, drainCancel := context.WithTimeout(ctx, 2*time.Hour)
		defer drainCancel()
		worker.DrainOnce(drainCtx)
		logger.Info("batch complete")
		return
	}

	go worker.Run(ctx)
	go workers.SweepStaleClaims(ctx, jobQueue, logger)

	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(m)}
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("daemon running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	sched.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", "error", err)
	}
	logger.Info("goodbye")
}

// registerAdapters installs the builtin adapters plus one generic JSON-LD
// adapter per retailer configured with adapter: schemaorg.
func registerAdapters(registry *adapters.Registry, cfg *config.Config) error {
	if err := registry.Register(adapters.NewAmmoKingAdapter()); err != nil {
		return err
	}
	for _, r := range cfg.Retailers {
		if r.Adapter != "schemaorg" {
			continue
		}
		version := r.AdapterVersion
		if version == "" {
			version = "1.0.0"
		}
		a := adapters.NewSchemaOrgAdapter(r.AdapterID, version, r.Domain)
		if err := registry.Register(a); err != nil {
			return err
		}
	}
	return nil
}

func metricsMux(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	// Simple mask - find :// and mask until @
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	// Find : after user
	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
