// Command server starts the Akane video ingestion and streaming service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"akane/internal/analytics"
	"akane/internal/api"
	"akane/internal/chunk"
	"akane/internal/config"
	"akane/internal/encoder"
	"akane/internal/ingest"
	"akane/internal/media"
	"akane/internal/objectstore"
	"akane/internal/observability/logging"
	"akane/internal/observability/metrics"
	"akane/internal/progress"
	"akane/internal/server"
	"akane/internal/serverutil"
	"akane/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to configuration file")
	addr := flag.String("addr", "", "override HTTP listen address")
	logLevel := flag.String("log-level", "", "override log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to open metadata store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	objectClient, err := objectstore.NewClient(objectstore.Config{
		Endpoint:      cfg.R2.Endpoint,
		Region:        cfg.R2.Region,
		AccessKey:     cfg.R2.AccessKeyID,
		SecretKey:     cfg.R2.SecretAccessKey,
		Bucket:        cfg.R2.Bucket,
		PublicBaseURL: cfg.R2.PublicBaseURL,
	})
	if err != nil {
		logger.Error("failed to configure object store", "error", err)
		os.Exit(1)
	}

	uploadPermits := semaphore.NewWeighted(int64(cfg.Server.MaxConcurrentUploads))
	uploader := objectstore.NewUploader(objectClient, uploadPermits, logging.WithComponent(logger, "uploader"), recorder)

	bus := progress.NewRegistry(logging.WithComponent(logger, "progress"),
		progress.WithGracePeriod(time.Duration(cfg.Server.ProgressGraceSeconds)*time.Second))
	defer bus.Close()

	assembler, err := chunk.NewAssembler(cfg.Server.StagingDir, logging.WithComponent(logger, "chunks"),
		chunk.WithIdleTimeout(time.Duration(cfg.Server.ChunkIdleTimeoutSecs)*time.Second))
	if err != nil {
		logger.Error("failed to prepare chunk staging", "error", err)
		os.Exit(1)
	}
	defer assembler.Close()

	viewers, err := openViewers(cfg, recorder)
	if err != nil {
		logger.Error("failed to configure viewer tracking", "error", err)
		os.Exit(1)
	}
	defer viewers.Close()

	views, err := analytics.NewViewStore(analytics.ClickHouseConfig{
		URL:      cfg.ClickHouse.URL,
		User:     cfg.ClickHouse.User,
		Password: cfg.ClickHouse.Password,
		Database: cfg.ClickHouse.Database,
	})
	if err != nil {
		logger.Error("failed to configure clickhouse", "error", err)
		os.Exit(1)
	}
	if views.Enabled() {
		schemaCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := views.EnsureSchema(schemaCtx); err != nil {
			logger.Warn("clickhouse schema check failed, view tracking may error", "error", err)
		}
		cancel()
	}

	orchestrator := ingest.New(ingest.Config{
		Store:                store,
		Bus:                  bus,
		Prober:               media.NewProber(nil),
		Encoder:              encoder.New(cfg.Video.Encoder, logging.WithComponent(logger, "encoder"), recorder),
		Objects:              uploader,
		StagingDir:           cfg.Server.StagingDir,
		MaxConcurrentEncodes: int64(cfg.Server.MaxConcurrentEncodes),
		Logger:               logging.WithComponent(logger, "ingest"),
		Metrics:              recorder,
		Scrubber: ingest.NewScrubber(2048,
			cfg.Server.AdminPassword,
			cfg.Server.SecretKey,
			cfg.R2.SecretAccessKey,
			cfg.ClickHouse.Password,
			cfg.Viewers.RedisPassword,
		),
	})

	handler := &api.Handler{
		Store:         store,
		Bus:           bus,
		Assembler:     assembler,
		Orchestrator:  orchestrator,
		Objects:       objectClient,
		Viewers:       viewers,
		Views:         views,
		AdminPassword: cfg.Server.AdminPassword,
		SecretKey:     cfg.Server.SecretKey,
		StagingDir:    cfg.Server.StagingDir,
		Logger:        logging.WithComponent(logger, "api"),
		Metrics:       recorder,
	}

	listenAddr := cfg.Addr()
	if *addr != "" {
		listenAddr = *addr
	}
	srv, err := server.New(handler, server.Config{
		Addr:    listenAddr,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	logger.Info("listening", "addr", listenAddr, "encoder", cfg.Video.Encoder,
		"max_concurrent_encodes", cfg.Server.MaxConcurrentEncodes,
		"max_concurrent_uploads", cfg.Server.MaxConcurrentUploads)

	runErr := serverutil.Run(ctx, serverutil.Config{
		Server:          srv.HTTPServer(),
		ShutdownTimeout: time.Duration(cfg.Server.ShutdownTimeoutSecs) * time.Second,
	})

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orchestrator.Shutdown(drainCtx); err != nil {
		logger.Warn("ingest pipelines did not drain before shutdown deadline", "error", err)
	}

	if runErr != nil {
		logger.Error("server error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func openStore(ctx context.Context, cfg config.Config) (storage.Repository, error) {
	switch cfg.Server.StorageDriver {
	case "postgres":
		return storage.NewPostgresRepository(ctx, storage.PostgresConfig{
			DSN:             cfg.Database.DSN,
			MaxConnections:  cfg.Database.MaxConnections,
			MinConnections:  cfg.Database.MinConnections,
			ApplicationName: "akane",
		})
	default:
		return storage.NewJSONRepository(cfg.Server.DataPath)
	}
}

func openViewers(cfg config.Config, recorder *metrics.Recorder) (analytics.ViewerTracker, error) {
	if cfg.Viewers.Driver == "redis" {
		return analytics.NewRedisViewers(analytics.RedisViewersConfig{
			Addr:     cfg.Viewers.RedisAddr,
			Username: cfg.Viewers.RedisUsername,
			Password: cfg.Viewers.RedisPassword,
		}, recorder)
	}
	return analytics.NewMemoryViewers(recorder), nil
}
