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

	"github.com/advancelabs/mca-pipeline/internal/decision"
	"github.com/advancelabs/mca-pipeline/internal/orchestrator"
	"github.com/advancelabs/mca-pipeline/internal/store"
	"github.com/advancelabs/mca-pipeline/pkg/config"
	"github.com/advancelabs/mca-pipeline/pkg/events"
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
	slog.Info("starting orchestrator service")

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
		Queues:            []string{names.Ingestion, names.DocumentProcessing, names.Decision, names.Webhooks, names.DeadLetter},
	})
	if err != nil {
		slog.Error("failed to connect to redis broker", "error", err)
		os.Exit(1)
	}
	defer broker.Close()

	producer := events.NewProducer(cfg.Kafka)
	defer producer.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	orch := orchestrator.New(
		broker,
		store.NewPostgresStore(db),
		decision.NewEngine(cfg.Decision),
		producer,
		names,
		m,
	)

	// One pool serves all orchestrator-owned queues; tasks are routed by
	// the queue they arrived on.
	handler := func(ctx context.Context, task *queue.Task) error {
		switch task.Queue {
		case names.Ingestion:
			return orch.HandleIngest(ctx, task)
		case names.Decision:
			return orch.HandleDocumentCompleted(ctx, task)
		case names.DeadLetter:
			return orch.HandleDeadLetter(ctx, task)
		default:
			return fmt.Errorf("task from unexpected queue %s", task.Queue)
		}
	}
	pool := worker.New(
		broker,
		[]string{names.Ingestion, names.Decision, names.DeadLetter},
		handler,
		cfg.Queues.PipelineWorkers,
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

	slog.Info("orchestrator service ready",
		"queues", []string{names.Ingestion, names.Decision, names.DeadLetter},
	)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("orchestrator stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("orchestrator service stopped")
}
