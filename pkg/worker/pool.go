// Package worker runs fixed pools of queue consumers. Each worker blocks on
// queue consumption, executes one task to completion, and acks or nacks it
// based on the handler's error classification. Pools scale their active
// worker count between configured bounds from observed queue depth and drain
// in-flight tasks on shutdown.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/advancelabs/mca-pipeline/pkg/config"
	apperrors "github.com/advancelabs/mca-pipeline/pkg/errors"
	"github.com/advancelabs/mca-pipeline/pkg/metrics"
	"github.com/advancelabs/mca-pipeline/pkg/queue"
	"github.com/advancelabs/mca-pipeline/pkg/resilience"
)

// ErrHardLimit is recorded when a handler overruns its hard time limit.
var ErrHardLimit = errors.New("task exceeded hard time limit")

// Handler processes one task. Returning nil acks the task. A permanent
// error (see pkg/errors) also acks it, on the contract that the handler has
// already written the terminal state; any other error nacks it with
// exponential backoff.
type Handler func(ctx context.Context, task *queue.Task) error

// Pool consumes one set of queues with bounded concurrency.
type Pool struct {
	broker  queue.Broker
	queues  []string
	handler Handler
	cfg     config.WorkerPoolConfig
	backoff resilience.BackoffConfig
	metrics *metrics.Metrics
	logger  *slog.Logger

	// allowed is the current autoscaled worker count; workers with an index
	// at or above it idle until scaled back up.
	allowed atomic.Int32
}

// New creates a Pool. metrics may be nil in tests.
func New(broker queue.Broker, queues []string, handler Handler, cfg config.WorkerPoolConfig, backoff resilience.BackoffConfig, m *metrics.Metrics) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MinConcurrency <= 0 {
		cfg.MinConcurrency = 1
	}
	if cfg.MaxConcurrency < cfg.Concurrency {
		cfg.MaxConcurrency = cfg.Concurrency
	}
	p := &Pool{
		broker:  broker,
		queues:  queues,
		handler: handler,
		cfg:     cfg,
		backoff: backoff,
		metrics: m,
		logger:  slog.Default().With("component", "worker-pool", "queues", queues),
	}
	p.allowed.Store(int32(cfg.Concurrency))
	return p
}

// Run starts the workers and blocks until ctx is cancelled and all workers
// have drained or the drain timeout expires.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting",
		"concurrency", p.cfg.Concurrency,
		"min", p.cfg.MinConcurrency,
		"max", p.cfg.MaxConcurrency,
	)
	g := &errgroup.Group{}
	for i := 0; i < p.cfg.MaxConcurrency; i++ {
		index := i
		g.Go(func() error {
			p.workerLoop(ctx, index)
			return nil
		})
	}
	g.Go(func() error {
		p.scaleLoop(ctx)
		return nil
	})

	finished := make(chan struct{})
	go func() {
		g.Wait()
		close(finished)
	}()

	<-ctx.Done()
	drainTimeout := p.cfg.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 20 * time.Second
	}
	select {
	case <-finished:
		p.logger.Info("worker pool drained")
		return nil
	case <-time.After(drainTimeout):
		p.logger.Warn("drain timeout expired, abandoning in-flight tasks",
			"drain_timeout", drainTimeout,
		)
		return nil
	}
}

func (p *Pool) workerLoop(ctx context.Context, index int) {
	logger := p.logger.With("worker", index)
	for {
		if ctx.Err() != nil {
			return
		}
		if int32(index) >= p.allowed.Load() {
			// Scaled down; idle until allowed again.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		task, err := p.broker.Consume(ctx, p.queues)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("consume failed", "error", err)
			continue
		}
		p.execute(ctx, task, logger)
	}
}

// execute runs the handler with the soft limit as a context deadline and the
// hard limit as a watchdog. After the hard limit the task is nacked for
// redelivery and the handler goroutine is abandoned; the handler must honour
// the soft-limit cancellation to avoid reaching that point.
func (p *Pool) execute(ctx context.Context, task *queue.Task, logger *slog.Logger) {
	start := time.Now()
	if p.metrics != nil {
		p.metrics.WorkersActive.WithLabelValues(task.Queue).Inc()
		defer p.metrics.WorkersActive.WithLabelValues(task.Queue).Dec()
	}

	// The handler context is detached from the consume context so shutdown
	// drains the task instead of cancelling it mid-write.
	handlerCtx := context.Background()
	var cancel context.CancelFunc = func() {}
	if p.cfg.SoftTimeLimit > 0 {
		handlerCtx, cancel = context.WithTimeout(handlerCtx, p.cfg.SoftTimeLimit)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- p.handler(handlerCtx, task)
	}()

	hardLimit := p.cfg.HardTimeLimit
	if hardLimit <= 0 {
		hardLimit = time.Hour
	}
	var err error
	select {
	case err = <-done:
	case <-time.After(hardLimit):
		err = ErrHardLimit
		cancel()
	}
	p.settle(task, err, time.Since(start), logger)
}

func (p *Pool) settle(task *queue.Task, err error, elapsed time.Duration, logger *slog.Logger) {
	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if p.metrics != nil {
		p.metrics.TaskDuration.WithLabelValues(task.Queue).Observe(elapsed.Seconds())
	}

	switch {
	case err == nil:
		if ackErr := p.broker.Ack(settleCtx, task); ackErr != nil {
			logger.Error("ack failed", "task_id", task.ID, "error", ackErr)
		}
		if p.metrics != nil {
			p.metrics.TasksConsumedTotal.WithLabelValues(task.Queue, "ack").Inc()
		}
	case apperrors.IsPermanent(err):
		// Terminal state was written by the handler; retrying cannot help.
		logger.Error("task failed permanently",
			"task_id", task.ID,
			"attempt", task.Attempt,
			"error", err,
		)
		if ackErr := p.broker.Ack(settleCtx, task); ackErr != nil {
			logger.Error("ack failed", "task_id", task.ID, "error", ackErr)
		}
		if p.metrics != nil {
			p.metrics.TasksConsumedTotal.WithLabelValues(task.Queue, "ack").Inc()
		}
	default:
		delay := resilience.Backoff(p.backoff, task.Attempt)
		logger.Warn("task failed, scheduling retry",
			"task_id", task.ID,
			"attempt", task.Attempt,
			"retry_delay", delay,
			"error", err,
		)
		if nackErr := p.broker.Nack(settleCtx, task, delay); nackErr != nil {
			logger.Error("nack failed", "task_id", task.ID, "error", nackErr)
		}
		if p.metrics != nil {
			p.metrics.TasksConsumedTotal.WithLabelValues(task.Queue, "nack").Inc()
			p.metrics.TaskRetriesTotal.WithLabelValues(task.Queue).Inc()
		}
	}
}

// scaleLoop adjusts the allowed worker count between the configured bounds
// based on the backlog of the pool's first queue.
func (p *Pool) scaleLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		depth, err := p.broker.Depth(ctx, p.queues[0])
		if err != nil {
			continue
		}
		desired := p.cfg.MinConcurrency + int(depth)/4
		if desired > p.cfg.MaxConcurrency {
			desired = p.cfg.MaxConcurrency
		}
		if desired < p.cfg.MinConcurrency {
			desired = p.cfg.MinConcurrency
		}
		previous := int(p.allowed.Swap(int32(desired)))
		if previous != desired {
			p.logger.Info("autoscaled workers",
				"queue", p.queues[0],
				"depth", depth,
				"from", previous,
				"to", desired,
			)
		}
		if p.metrics != nil {
			p.metrics.QueueDepth.WithLabelValues(p.queues[0]).Set(float64(depth))
		}
	}
}
