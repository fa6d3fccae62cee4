package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/advancelabs/mca-pipeline/internal/store"
	"github.com/advancelabs/mca-pipeline/internal/webhook"
	"github.com/advancelabs/mca-pipeline/pkg/config"
	"github.com/advancelabs/mca-pipeline/pkg/logger"
	"github.com/advancelabs/mca-pipeline/pkg/metrics"
	"github.com/advancelabs/mca-pipeline/pkg/postgres"
	"github.com/advancelabs/mca-pipeline/pkg/queue"
	"github.com/advancelabs/mca-pipeline/pkg/resilience"
	"github.com/advancelabs/mca-pipeline/pkg/worker"
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
	slog.Info("starting webhook worker service", "subscriber", cfg.Webhook.SubscriberURL)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	names := cfg.Queues.Names
	broker, err := queue.NewRedis(cfg.Redis, queue.Options{
		VisibilityTimeout: cfg.Queues.VisibilityTimeout,
		ReaperInterval:    cfg.Queues.ReaperInterval,
		PrefetchLimit:     cfg.Queues.PrefetchLimit,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		DeadLetterQueue:   names.DeadLetter,
		Queues:            []string{names.Webhooks},
	})
	if err != nil {
		slog.Error("failed to connect to redis broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	dispatcher, err := webhook.NewDispatcher(store.NewPostgresStore(db), cfg.Webhook, m)
	if err != nil {
		slog.Error("failed to create dispatcher", "error", err)
		os.Exit(1)
	}
	pool := worker.New(
		broker,
		[]string{names.Webhooks},
		dispatcher.Handle,
		cfg.Queues.WebhookWorkers,
		resilience.BackoffConfig{
			BaseDelay: cfg.Retry.BaseDelay,
			Factor:    cfg.Retry.Factor,
			MaxDelay:  cfg.Retry.MaxDelay,
		},
		m,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(ctx) })
	if cfg.Metrics.Enabled {
		shutdown := metrics.StartServer(cfg.Metrics.Port)
		g.Go(func() error {
			<-ctx.Done()
			return shutdown(context.Background())
		})
	}

	slog.Info("webhook worker service ready", "queue", names.Webhooks)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("webhook worker stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("webhook worker service stopped")
}
