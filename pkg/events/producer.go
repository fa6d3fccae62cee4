// Package events publishes pipeline audit events to Kafka. The orchestrator
// emits one event per application status transition; the dashboard and
// alerting collaborators consume the topic outside this repository.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/advancelabs/mca-pipeline/pkg/config"
	"github.com/advancelabs/mca-pipeline/pkg/resilience"
)

// publishTimeout caps one synchronous publish so a hung broker cannot stall
// a state transition on the orchestrator's hot path.
const publishTimeout = 5 * time.Second

// StatusEvent is the JSON payload published per transition.
type StatusEvent struct {
	ApplicationID string    `json:"application_id"`
	FromStatus    string    `json:"from_status"`
	ToStatus      string    `json:"to_status"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Publisher is the orchestrator's dependency on the event stream. The
// no-op implementation backs tests and deployments without Kafka.
type Publisher interface {
	PublishStatus(ctx context.Context, event StatusEvent) error
	Close() error
}

// Producer publishes JSON-encoded events to the configured Kafka topic,
// keyed by application id so one application's events stay ordered within a
// partition.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewProducer creates a Producer for the pipeline events topic.
func NewProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.EventsTopic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return &Producer{
		writer: w,
		logger: slog.Default().With("component", "events-producer", "topic", cfg.EventsTopic),
	}
}

// PublishStatus serialises the event and writes it to Kafka synchronously.
func (p *Producer) PublishStatus(ctx context.Context, event StatusEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling status event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.ApplicationID),
		Value: value,
	}
	err = resilience.WithTimeout(ctx, publishTimeout, "publish status event", func(ctx context.Context) error {
		return p.writer.WriteMessages(ctx, msg)
	})
	if err != nil {
		p.logger.Error("failed to publish status event",
			"application_id", event.ApplicationID,
			"to_status", event.ToStatus,
			"error", err,
		)
		return fmt.Errorf("publishing status event: %w", err)
	}
	p.logger.Debug("status event published",
		"application_id", event.ApplicationID,
		"to_status", event.ToStatus,
	)
	return nil
}

// Close flushes pending writes and closes the underlying Kafka writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) PublishStatus(ctx context.Context, event StatusEvent) error { return nil }
func (NopPublisher) Close() error                                               { return nil }

var (
	_ Publisher = (*Producer)(nil)
	_ Publisher = NopPublisher{}
)
