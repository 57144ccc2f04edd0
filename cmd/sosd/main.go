package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"

	httpadapter "github.com/hydrometrix/sos-engine/internal/adapter/http"
	kafkaadapter "github.com/hydrometrix/sos-engine/internal/adapter/kafka"
	"github.com/hydrometrix/sos-engine/internal/adapter/postgres"
	"github.com/hydrometrix/sos-engine/internal/config"
	"github.com/hydrometrix/sos-engine/internal/engine"
	"github.com/hydrometrix/sos-engine/internal/observability"
	"github.com/hydrometrix/sos-engine/internal/virtual"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogFormat, cfg.LogLevel)
	metrics := observability.NewMetrics()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	store := postgres.New(db, cfg.DBSchema, logger)

	registry := virtual.NewRegistry()
	manifests, err := virtual.LoadDir(cfg.VirtualDir)
	if err != nil {
		logger.Error("failed to load virtual procedures", "dir", cfg.VirtualDir, "error", err)
		os.Exit(1)
	}
	for _, m := range manifests {
		if err := registry.RegisterManifest(m); err != nil {
			logger.Error("failed to register virtual procedure", "procedure", m.Name, "error", err)
			os.Exit(1)
		}
	}
	logger.Info("virtual procedures registered", "count", len(manifests), "dir", cfg.VirtualDir)

	// Derived-series export (feature-flagged via EXPORT_ENABLED).
	var exporter engine.Exporter
	var writer *kafkaadapter.Writer
	if cfg.ExportEnabled {
		writer = kafkaadapter.NewWriter(cfg, logger)
		exporter = writer
		metrics.ExportEnabled.Set(1)
		logger.Info("derived series export enabled", "topic", cfg.KafkaSinkTopic)
	} else {
		metrics.ExportEnabled.Set(0)
		logger.Info("derived series export disabled")
	}

	eng := engine.New(engine.Config{
		Catalog:  store,
		Source:   store,
		Registry: registry,
		TableDir: cfg.TableDir,
		Tables:   virtual.NewTableCache(cfg.TableCacheSize),
		Exporter: exporter,
		Logger:   logger,
		Metrics:  metrics,
	})

	srv := httpadapter.NewServer(cfg.HTTPAddr, eng, store, cfg.AggregateNoData, cfg.AggregateNoDataQI, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
