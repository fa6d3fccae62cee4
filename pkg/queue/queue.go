// Package queue provides the durable multi-queue task broker used by the
// pipeline. Tasks are delivered at least once: a leased task that is not
// acknowledged within the visibility timeout is redelivered. Duplicate
// submissions under the same idempotency key collapse to the existing task,
// which is what gives each pipeline stage exactly-once effective processing.
//
// Two implementations share the contract: Redis for production (the broker
// the pipeline runs against) and Memory for tests.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("queue: broker closed")

// Task is one queue entry as delivered to a worker. Attempt counts completed
// prior deliveries: it is 0 on first delivery and increments exactly once
// per redelivery, whether the redelivery came from a nack or from a
// visibility-timeout expiry.
type Task struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	Payload        json.RawMessage `json:"payload"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	NotBefore      time.Time       `json:"not_before,omitempty"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
}

// Handle identifies a submitted task. Deduplicated is set when the
// submission collapsed onto an already-pending task.
type Handle struct {
	TaskID       string
	Queue        string
	Deduplicated bool
}

// DeadLetter is the notification payload published to the dead-letter
// queue when a task exhausts its attempt budget. The orchestrator consumes
// it to mark the owning application failed.
type DeadLetter struct {
	Queue          string          `json:"queue"`
	TaskID         string          `json:"task_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	FailedAt       time.Time       `json:"failed_at"`
}

// Broker is the task queue runtime contract. Pipeline components depend on
// this interface so the broker can be swapped without touching pipeline
// logic.
type Broker interface {
	// Submit enqueues a task. A non-zero notBefore delays delivery. When
	// idempotencyKey matches a pending or in-flight task, Submit is a no-op
	// and returns the existing task's handle with Deduplicated set.
	Submit(ctx context.Context, queueName string, payload []byte, idempotencyKey string, notBefore time.Time) (*Handle, error)

	// Consume blocks until a task is available on one of the queues, leases
	// it for the visibility timeout, and returns it.
	Consume(ctx context.Context, queues []string) (*Task, error)

	// Ack marks the task completed, removing it and releasing its
	// idempotency key.
	Ack(ctx context.Context, task *Task) error

	// Nack schedules the task for redelivery after retryDelay, incrementing
	// its attempt count. A task that has exhausted the attempt budget is
	// moved to the dead-letter queue instead.
	Nack(ctx context.Context, task *Task, retryDelay time.Duration) error

	// Depth returns the number of tasks ready or scheduled on a queue.
	Depth(ctx context.Context, queueName string) (int64, error)

	Close() error
}

// Options configures delivery behaviour shared by broker implementations.
type Options struct {
	// VisibilityTimeout is how long a leased task stays hidden before the
	// reaper returns it to the ready list.
	VisibilityTimeout time.Duration
	// ReaperInterval is how often expired leases are scanned for.
	ReaperInterval time.Duration
	// MaxAttempts is the delivery budget before dead-lettering.
	MaxAttempts int
	// PrefetchLimit is how many ready tasks one Consume pass may lease at
	// once. Tasks beyond the first are buffered in the consumer and handed
	// out by subsequent Consume calls without another broker round trip.
	PrefetchLimit int
	// DeadLetterQueue receives a DeadLetter notification per exhausted task.
	DeadLetterQueue string
	// Queues lists the queue names the reaper watches.
	Queues []string
}

func (o *Options) applyDefaults() {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 30 * time.Second
	}
	if o.ReaperInterval <= 0 {
		o.ReaperInterval = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.PrefetchLimit <= 0 {
		o.PrefetchLimit = 1
	}
	if o.DeadLetterQueue == "" {
		o.DeadLetterQueue = "dead_letter"
	}
}
