package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carecost/carecost/internal/config"
	datasetpostgres "github.com/carecost/carecost/internal/dataset/postgres"
	"github.com/carecost/carecost/internal/export"
	"github.com/carecost/carecost/internal/observability"
	s3store "github.com/carecost/carecost/internal/storage/s3"
)

func main() {
	snapshotID := flag.String("snapshot", "", "snapshot id to publish; defaults to the current UTC time")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall export timeout")
	flag.Parse()

	cfg, err := config.LoadFromEnv("carecost-export")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	db, err := datasetpostgres.Open(ctx, datasetpostgres.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    4,
		MaxIdleConns:    4,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	store, err := s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	exporter, err := export.New(datasetpostgres.NewRepository(db), store, logger)
	if err != nil {
		logger.Error("failed to initialize exporter", slog.Any("error", err))
		os.Exit(1)
	}
	manifest, err := exporter.Export(ctx, *snapshotID)
	if err != nil {
		logger.Error("snapshot export failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("snapshot published", slog.String("snapshot_id", manifest.SnapshotID), slog.Int("tables", len(manifest.Tables)))
}
