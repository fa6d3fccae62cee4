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

	"github.com/advancelabs/mca-pipeline/internal/ocr"
	"github.com/advancelabs/mca-pipeline/internal/ocrworker"
	"github.com/advancelabs/mca-pipeline/internal/store"
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
	slog.Info("starting ocr worker service", "engine", cfg.OCR.Engine)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	engine, err := ocr.NewEngine(cfg.OCR)
	if err != nil {
		slog.Error("failed to create ocr engine", "error", err)
		os.Exit(1)
	}

	names := cfg.Queues.Names
	broker, err := queue.NewRedis(cfg.Redis, queue.Options{
		VisibilityTimeout: cfg.Queues.VisibilityTimeout,
		ReaperInterval:    cfg.Queues.ReaperInterval,
		PrefetchLimit:     cfg.Queues.PrefetchLimit,
		MaxAttempts:       cfg.Retry.MaxAttempts,
		DeadLetterQueue:   names.DeadLetter,
		Queues:            []string{names.DocumentProcessing},
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

	w := ocrworker.New(
		broker,
		store.NewPostgresStore(db),
		engine,
		ocr.NewHTTPStorage(cfg.OCR.StorageBaseURL, nil),
		cfg.OCR,
		names.Decision,
		m,
	)
	pool := worker.New(
		broker,
		[]string{names.DocumentProcessing},
		w.Handle,
		cfg.Queues.OCRWorkers,
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

	slog.Info("ocr worker service ready", "queue", names.DocumentProcessing)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		slog.Error("ocr worker stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("ocr worker service stopped")
}
