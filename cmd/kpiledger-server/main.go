// Package main provides the kpiledger HTTP server.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/kpiledger/internal/config"
	"github.com/raphaelgruber/kpiledger/internal/db"
	"github.com/raphaelgruber/kpiledger/internal/db/memory"
	"github.com/raphaelgruber/kpiledger/internal/metrics"
	"github.com/raphaelgruber/kpiledger/internal/server"
	"github.com/raphaelgruber/kpiledger/internal/service"
)

func main() {
	wipeDB := flag.Bool("wipe", false, "wipe all data from database on startup (testing only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer func() { _ = cleanup() }()
	slog.SetDefault(logger)

	logger.Info("starting kpiledger-server", "addr", cfg.ListenAddr, "store", cfg.Store)

	var store service.Store
	switch cfg.Store {
	case "memory":
		store = memory.NewStore()
	default:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		client, err := db.NewClient(ctx, db.Config{
			URL:       cfg.SurrealDBURL,
			Namespace: cfg.SurrealDBNamespace,
			Database:  cfg.SurrealDBDatabase,
			Username:  cfg.SurrealDBUser,
			Password:  cfg.SurrealDBPass,
			AuthLevel: "root",
		}, logger)
		if err != nil {
			cancel()
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		if err := client.InitSchema(ctx); err != nil {
			cancel()
			logger.Error("failed to initialize schema", "error", err)
			os.Exit(1)
		}
		if *wipeDB || os.Getenv("KPILEDGER_WIPE_DB") == "true" {
			if err := client.WipeData(ctx); err != nil {
				cancel()
				logger.Error("failed to wipe database", "error", err)
				os.Exit(1)
			}
		}
		cancel()
		defer func() {
			if err := client.Close(context.Background()); err != nil {
				logger.Error("failed to close database", "error", err)
			}
		}()
		store = client
	}

	collector := metrics.NewCollector()

	auditor := service.NewQualityAuditor(store, logger)
	tracker := service.NewIngestTracker(store, logger)

	// TODO: load a provider-backed evaluator from config once the SQL view
	// layer lands. Until then the server evaluates against fixtures.
	evaluator := service.NewFixtureEvaluator()
	engine := service.NewSnapshotEngine(store, auditor, evaluator, service.EngineConfig{
		LeaseTTL:     cfg.LeaseTTL,
		EvalTimeout:  cfg.EvalTimeout,
		PollInterval: cfg.PollInterval,
	}, logger, collector)

	recorder := service.NewAgentRecorder(store, logger, collector)
	recorder.SetReviewThreshold(cfg.ReviewThreshold)
	tracer := service.NewTraceService(store, logger, collector)

	srv := server.New(cfg.ListenAddr, logger, collector, tracker, auditor, engine, recorder, tracer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
