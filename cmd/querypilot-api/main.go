package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/querypilot/querypilot/internal/api"
	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/executor"
	"github.com/querypilot/querypilot/internal/nlsql"
	"github.com/querypilot/querypilot/internal/observability"
	"github.com/querypilot/querypilot/internal/pipeline"
	"github.com/querypilot/querypilot/internal/safety"
	"github.com/querypilot/querypilot/internal/schema"
	schemapostgres "github.com/querypilot/querypilot/internal/schema/postgres"
	"github.com/querypilot/querypilot/internal/session"
)

func main() {
	cfg, err := config.LoadFromEnv("querypilot-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	db, err := schemapostgres.Open(context.Background(), schemapostgres.DBConfig{
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	introspector := schemapostgres.NewIntrospector(db)
	schemas := schema.NewCache(introspector, cfg.Schema.CacheTTL, logger)
	sessions := session.NewManager(logger)

	reasoner, err := nlsql.NewOpenAIReasoner(nlsql.OpenAIConfig{
		BaseURL:     cfg.AI.BaseURL,
		APIKey:      cfg.AI.APIKey,
		Model:       cfg.AI.Model,
		Temperature: cfg.AI.Temperature,
		Timeout:     cfg.AI.Timeout,
	})
	if err != nil {
		logger.Error("failed to initialize reasoner", slog.Any("error", err))
		os.Exit(1)
	}

	executors := map[config.ExecMode]executor.Executor{
		config.ExecDryRun: executor.DryRun{},
		config.ExecDirect: executor.NewPostgres(db, logger),
	}
	if cfg.Remote.ServerURL != "" {
		remote, err := executor.NewRemote(cfg.Remote.ServerURL, cfg.Remote.Timeout)
		if err != nil {
			logger.Error("failed to initialize remote executor", slog.Any("error", err))
			os.Exit(1)
		}
		executors[config.ExecRemote] = remote
	}

	pipe, err := pipeline.New(pipeline.Deps{
		Schemas:   schemas,
		Selector:  nlsql.NewSelector(reasoner, logger),
		Reasoner:  reasoner,
		Validator: safety.NewValidator(cfg.Safety.Denylist),
		Executors: executors,
		Sessions:  sessions,
		Schema:    cfg.Schema,
		Pipeline:  cfg.Pipeline,
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to assemble pipeline", slog.Any("error", err))
		os.Exit(1)
	}

	handler := api.NewHandler(cfg, api.Dependencies{
		Logger:   logger,
		Pipeline: pipe,
		Schemas:  schemas,
		Sessions: sessions,
		Readiness: api.CombineReadinessChecks(
			introspector.HealthCheck,
			api.CheckAIConfig(cfg),
		),
		DependencyTimeout: time.Second,
	})

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
