package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carecost/carecost/internal/api"
	"github.com/carecost/carecost/internal/assistant"
	"github.com/carecost/carecost/internal/config"
	"github.com/carecost/carecost/internal/dataset"
	datasetpostgres "github.com/carecost/carecost/internal/dataset/postgres"
	"github.com/carecost/carecost/internal/geo"
	"github.com/carecost/carecost/internal/nl2sql"
	"github.com/carecost/carecost/internal/observability"
	"github.com/carecost/carecost/internal/procedure"
	"github.com/carecost/carecost/internal/query"
	duckdbengine "github.com/carecost/carecost/internal/query/duckdb"
	postgresengine "github.com/carecost/carecost/internal/query/postgres"
	"github.com/carecost/carecost/internal/search"
	"github.com/carecost/carecost/internal/sqlguard"
	s3store "github.com/carecost/carecost/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("carecost-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStartup()

	db, err := datasetpostgres.Open(startupCtx, dbConfig(cfg, cfg.Database.DSN))
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	repo := datasetpostgres.NewRepository(db)

	var (
		resolver   *geo.Resolver
		procedures *procedure.Index
	)
	group, groupCtx := errgroup.WithContext(startupCtx)
	group.Go(func() error {
		var err error
		resolver, err = geo.Load(groupCtx, repo)
		return err
	})
	group.Go(func() error {
		var err error
		procedures, err = procedure.Load(groupCtx, repo)
		return err
	})
	if err := group.Wait(); err != nil {
		logger.Error("failed to load reference data", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = procedures.Close() }()
	logger.Info("reference data loaded",
		slog.Int("zip_codes", resolver.Len()),
		slog.Int("procedures", procedures.Len()),
	)

	searchEngine, err := search.NewEngine(repo, resolver, search.Options{
		DefaultRadiusKM: cfg.Search.DefaultRadiusKM,
		MaxRadiusKM:     cfg.Search.MaxRadiusKM,
		MaxResults:      cfg.Search.MaxResults,
		CandidateLimit:  cfg.Search.CandidateLimit,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize provider search", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:            logger,
		Search:            searchEngine,
		Providers:         repo,
		Procedures:        procedures,
		DependencyTimeout: time.Second,
	}
	readiness := []api.ReadinessCheck{api.CheckDatabase(repo.HealthCheck)}

	if cfg.Assistant.Enabled {
		engine, closeEngine, err := openExecutor(startupCtx, cfg, logger)
		if err != nil {
			logger.Error("failed to initialize assistant executor", slog.String("executor", cfg.Assistant.Executor), slog.Any("error", err))
			os.Exit(1)
		}
		defer closeEngine()
		if cfg.Assistant.Executor == config.ExecutorDuckDB {
			readiness = append(readiness, api.CheckObjectStoreConfig(cfg))
		}

		service, err := newAssistant(cfg, logger, procedures, engine)
		if err != nil {
			logger.Error("failed to initialize assistant", slog.Any("error", err))
			os.Exit(1)
		}
		deps.Assistant = service
		// One model call plus one statement, with slack for retries and
		// answer synthesis.
		deps.AskTimeout = cfg.AI.Timeout + cfg.Assistant.StatementTimeout + 2*time.Second
		logger.Info("assistant enabled",
			slog.String("executor", cfg.Assistant.Executor),
			slog.String("model", cfg.AI.Model),
			slog.Int("row_cap", cfg.Assistant.RowCap),
		)
	}
	deps.Readiness = api.CombineReadinessChecks(readiness...)

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}

func dbConfig(cfg config.Config, dsn string) datasetpostgres.DBConfig {
	return datasetpostgres.DBConfig{
		DSN:             dsn,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}
}

// openExecutor returns the engine generated SQL runs on and a func that
// releases it.
func openExecutor(ctx context.Context, cfg config.Config, logger *slog.Logger) (query.Engine, func(), error) {
	switch cfg.Assistant.Executor {
	case config.ExecutorDuckDB:
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
			return nil, nil, fmt.Errorf("initialize object store: %w", err)
		}
		engine, err := duckdbengine.Open(ctx, store, cfg.Snapshot.ID, cfg.Assistant.StatementTimeout)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("snapshot attached", slog.String("snapshot_id", engine.SnapshotID()))
		return engine, func() { _ = engine.Close() }, nil
	default:
		readOnly, err := datasetpostgres.Open(ctx, dbConfig(cfg, cfg.Database.ExecutorDSN()))
		if err != nil {
			return nil, nil, err
		}
		return postgresengine.NewEngine(readOnly, cfg.Assistant.StatementTimeout), func() { _ = readOnly.Close() }, nil
	}
}

func newAssistant(cfg config.Config, logger *slog.Logger, procedures *procedure.Index, engine query.Engine) (*assistant.Service, error) {
	model, err := nl2sql.NewOpenAIModel(nl2sql.OpenAIConfig{
		BaseURL:      cfg.AI.BaseURL,
		APIKey:       cfg.AI.APIKey,
		Model:        cfg.AI.Model,
		Temperature:  cfg.AI.Temperature,
		Timeout:      cfg.AI.Timeout,
		MaxAttempts:  cfg.AI.MaxAttempts,
		RetryBackoff: cfg.AI.RetryBackoff,
	})
	if err != nil {
		return nil, err
	}
	translator, err := nl2sql.NewTranslator(model, dataset.ReferenceSchema, procedures, nl2sql.Options{
		RowCap:  cfg.Assistant.RowCap,
		Timeout: cfg.AI.Timeout,
	}, logger)
	if err != nil {
		return nil, err
	}
	validator, err := sqlguard.NewValidator(dataset.ReferenceSchema, cfg.Assistant.RowCap)
	if err != nil {
		return nil, err
	}
	return assistant.NewService(translator, validator, engine, procedures, logger)
}
