package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/advancelabs/mca-pipeline/internal/decision"
	"github.com/advancelabs/mca-pipeline/internal/orchestrator"
	"github.com/advancelabs/mca-pipeline/internal/statusapi"
	"github.com/advancelabs/mca-pipeline/internal/store"
	"github.com/advancelabs/mca-pipeline/pkg/config"
	"github.com/advancelabs/mca-pipeline/pkg/health"
	"github.com/advancelabs/mca-pipeline/pkg/logger"
	"github.com/advancelabs/mca-pipeline/pkg/postgres"
	"github.com/advancelabs/mca-pipeline/pkg/queue"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting status api service", "port", cfg.Server.Port)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	broker, err := queue.NewRedis(cfg.Redis, queue.Options{})
	if err != nil {
		slog.Error("failed to connect to redis broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	checker := health.NewChecker()
	checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
		if err := db.DB.PingContext(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})
	checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
		if err := broker.Ping(ctx); err != nil {
			return health.ComponentHealth{Status: health.StatusDown, Message: err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp}
	})

	// The API answers through the orchestrator's status query; this replica
	// never consumes queues, the broker is held for health checks only.
	orch := orchestrator.New(
		broker,
		store.NewPostgresStore(db),
		decision.NewEngine(cfg.Decision),
		nil,
		cfg.Queues.Names,
		nil,
	)
	handler := statusapi.New(orch, checker)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("status api ready")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	<-shutdownDone
	slog.Info("status api stopped")
}
