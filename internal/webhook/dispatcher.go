// Package webhook delivers application outcomes to the external subscriber.
// Payloads are rendered once and replayed verbatim on every retry; the HTTP
// leg sits behind a circuit breaker so a dead subscriber fails fast instead
// of tying up workers.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/advancelabs/mca-pipeline/internal/pipeline"
	"github.com/advancelabs/mca-pipeline/internal/store"
	"github.com/advancelabs/mca-pipeline/pkg/config"
	apperrors "github.com/advancelabs/mca-pipeline/pkg/errors"
	"github.com/advancelabs/mca-pipeline/pkg/metrics"
	"github.com/advancelabs/mca-pipeline/pkg/queue"
	"github.com/advancelabs/mca-pipeline/pkg/resilience"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Dispatcher handles notification tasks from the webhooks queue. Each
// handled task makes exactly one HTTP attempt; scheduling of further
// attempts is the queue's job.
type Dispatcher struct {
	store         store.Store
	client        *http.Client
	breaker       *resilience.CircuitBreaker
	schema        *jsonschema.Schema
	subscriberURL string
	metrics       *metrics.Metrics
	logger        *slog.Logger
}

// NewDispatcher creates a Dispatcher for the configured subscriber.
func NewDispatcher(st store.Store, cfg config.WebhookConfig, m *metrics.Metrics) (*Dispatcher, error) {
	schema, err := compilePayloadSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling payload schema: %w", err)
	}
	breaker := resilience.NewCircuitBreaker("webhook-subscriber", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitFailureThreshold,
		ResetTimeout:     cfg.CircuitResetTimeout,
	})
	return &Dispatcher{
		store:         st,
		client:        &http.Client{Timeout: cfg.RequestTimeout},
		breaker:       breaker,
		schema:        schema,
		subscriberURL: cfg.SubscriberURL,
		metrics:       m,
		logger:        slog.Default().With("component", "webhook-dispatcher"),
	}, nil
}

// Handle performs one delivery attempt for a notification task.
func (d *Dispatcher) Handle(ctx context.Context, task *queue.Task) error {
	nt, err := pipeline.DecodePayload[pipeline.NotificationTask](task.Payload)
	if err != nil {
		return apperrors.Permanent(err)
	}
	delivery, err := d.store.GetDelivery(ctx, nt.DeliveryID)
	if err != nil {
		return fmt.Errorf("loading delivery %s: %w", nt.DeliveryID, err)
	}
	logger := d.logger.With("application_id", nt.ApplicationID, "delivery_id", delivery.ID, "attempt", delivery.AttemptCount+1)

	// Redelivered after the subscriber already accepted it.
	if delivery.Status == pipeline.DeliveryDelivered {
		logger.Debug("delivery already acknowledged, skipping")
		return nil
	}

	if err := d.validate(delivery.Payload); err != nil {
		delivery.Status = pipeline.DeliveryExhausted
		delivery.LastError = err.Error()
		if uerr := d.store.UpdateDelivery(ctx, delivery); uerr != nil {
			return fmt.Errorf("marking invalid delivery exhausted: %w", uerr)
		}
		logger.Error("webhook payload failed schema validation", "error", err)
		return apperrors.Permanent(err)
	}

	start := time.Now()
	attemptErr := d.breaker.Execute(func() error {
		return d.post(ctx, delivery.Payload)
	})
	if d.metrics != nil {
		d.metrics.WebhookDuration.Observe(time.Since(start).Seconds())
		d.metrics.CircuitBreakerState.WithLabelValues("webhook-subscriber").Set(float64(d.breaker.GetState()))
	}

	delivery.AttemptCount++
	delivery.LastAttemptAt = time.Now().UTC()
	if attemptErr != nil {
		delivery.LastError = attemptErr.Error()
		if uerr := d.store.UpdateDelivery(ctx, delivery); uerr != nil {
			return fmt.Errorf("recording failed attempt: %w", uerr)
		}
		if d.metrics != nil {
			d.metrics.WebhookAttemptsTotal.WithLabelValues("error").Inc()
		}
		logger.Warn("webhook attempt failed", "error", attemptErr)
		return apperrors.Transient(attemptErr)
	}

	delivery.Status = pipeline.DeliveryDelivered
	delivery.LastError = ""
	if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("marking delivery delivered: %w", err)
	}
	if d.metrics != nil {
		d.metrics.WebhookAttemptsTotal.WithLabelValues("ok").Inc()
	}
	logger.Info("webhook delivered", "attempt_count", delivery.AttemptCount)
	return nil
}

// MarkExhausted records that the queue gave up on a delivery after the
// attempt limit. Called from the dead-letter path.
func (d *Dispatcher) MarkExhausted(ctx context.Context, deliveryID, reason string) error {
	delivery, err := d.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return err
	}
	if delivery.Status == pipeline.DeliveryDelivered {
		return nil
	}
	delivery.Status = pipeline.DeliveryExhausted
	delivery.LastError = reason
	return d.store.UpdateDelivery(ctx, delivery)
}

func (d *Dispatcher) validate(payload []byte) error {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := d.schema.Validate(v); err != nil {
		return fmt.Errorf("payload schema validation: %w", err)
	}
	return nil
}

func (d *Dispatcher) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.subscriberURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to subscriber: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("subscriber returned status %d", resp.StatusCode)
	}
	return nil
}
