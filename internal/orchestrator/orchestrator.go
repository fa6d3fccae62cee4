// Package orchestrator owns the application state machine. It is the sole
// writer of Application.status: workers report stage completion through
// queue submissions, and every transition funnels through here so the
// lifecycle stays centralized and auditable.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/advancelabs/mca-pipeline/internal/decision"
	"github.com/advancelabs/mca-pipeline/internal/pipeline"
	"github.com/advancelabs/mca-pipeline/internal/store"
	"github.com/advancelabs/mca-pipeline/internal/webhook"
	"github.com/advancelabs/mca-pipeline/pkg/config"
	apperrors "github.com/advancelabs/mca-pipeline/pkg/errors"
	"github.com/advancelabs/mca-pipeline/pkg/events"
	"github.com/advancelabs/mca-pipeline/pkg/metrics"
	"github.com/advancelabs/mca-pipeline/pkg/queue"
)

// Orchestrator sequences ingestion, extraction, decision and notification
// for each application. Handlers are idempotent under redelivery: every
// step either compare-and-swaps the status or writes through create-once
// store operations, so a crash at any point resumes cleanly.
type Orchestrator struct {
	broker  queue.Broker
	store   store.Store
	engine  *decision.Engine
	events  events.Publisher
	queues  config.QueueNames
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates an Orchestrator. publisher and m may be nil in tests; a nil
// publisher is replaced with the no-op implementation.
func New(broker queue.Broker, st store.Store, engine *decision.Engine, publisher events.Publisher, queues config.QueueNames, m *metrics.Metrics) *Orchestrator {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Orchestrator{
		broker:  broker,
		store:   st,
		engine:  engine,
		events:  publisher,
		queues:  queues,
		metrics: m,
		logger:  slog.Default().With("component", "orchestrator"),
	}
}

// Ingest persists a new application with its documents and submits the
// ingestion task. This is the entry point the ingestion collaborator calls;
// documents start queued and the outstanding counter starts at the document
// count for the decision join barrier.
func (o *Orchestrator) Ingest(ctx context.Context, app *pipeline.Application, docs []*pipeline.Document) error {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if len(docs) == 0 {
		return fmt.Errorf("%w: application %s has no documents", apperrors.ErrInvalidInput, app.ID)
	}
	now := time.Now().UTC()
	app.Status = pipeline.StatusReceived
	app.OutstandingDocuments = len(docs)
	app.CreatedAt = now
	app.UpdatedAt = now
	app.DocumentIDs = app.DocumentIDs[:0]
	for _, doc := range docs {
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		doc.ApplicationID = app.ID
		doc.Status = pipeline.DocumentQueued
		app.DocumentIDs = append(app.DocumentIDs, doc.ID)
	}
	if err := o.store.CreateApplication(ctx, app); err != nil {
		return fmt.Errorf("creating application: %w", err)
	}
	for _, doc := range docs {
		if err := o.store.CreateDocument(ctx, doc); err != nil {
			return fmt.Errorf("creating document %s: %w", doc.ID, err)
		}
	}
	payload, err := pipeline.EncodePayload(pipeline.IngestTask{ApplicationID: app.ID})
	if err != nil {
		return err
	}
	key := pipeline.IdempotencyKey(app.ID, pipeline.StageIngestion)
	if _, err := o.broker.Submit(ctx, o.queues.Ingestion, payload, key, time.Time{}); err != nil {
		return fmt.Errorf("submitting ingestion task: %w", err)
	}
	o.logger.Info("application ingested", "application_id", app.ID, "documents", len(docs))
	return nil
}

// HandleIngest fans an application out to the document_processing queue,
// one extraction task per document, then moves it to extracting.
func (o *Orchestrator) HandleIngest(ctx context.Context, task *queue.Task) error {
	it, err := pipeline.DecodePayload[pipeline.IngestTask](task.Payload)
	if err != nil {
		return apperrors.Permanent(err)
	}
	app, err := o.store.GetApplication(ctx, it.ApplicationID)
	if err != nil {
		return fmt.Errorf("loading application %s: %w", it.ApplicationID, err)
	}
	// Redelivered after the transition already happened.
	if app.Status != pipeline.StatusReceived {
		return nil
	}
	docs, err := o.store.ListDocuments(ctx, app.ID)
	if err != nil {
		return fmt.Errorf("listing documents for %s: %w", app.ID, err)
	}
	for _, doc := range docs {
		payload, err := pipeline.EncodePayload(pipeline.ExtractionTask{
			ApplicationID: app.ID,
			DocumentID:    doc.ID,
			StorageRef:    doc.StorageRef,
			MimeType:      doc.MimeType,
		})
		if err != nil {
			return err
		}
		key := pipeline.IdempotencyKey(doc.ID, pipeline.StageExtraction)
		if _, err := o.broker.Submit(ctx, o.queues.DocumentProcessing, payload, key, time.Time{}); err != nil {
			return fmt.Errorf("submitting extraction for document %s: %w", doc.ID, err)
		}
	}
	if err := o.transition(ctx, app.ID, pipeline.StatusReceived, pipeline.StatusExtracting, ""); err != nil {
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	o.logger.Info("extraction tasks submitted", "application_id", app.ID, "documents", len(docs))
	return nil
}

// HandleDocumentCompleted consumes the decision queue. It maintains the join
// barrier: the decision runs exactly once, when the last document of an
// application reaches a terminal extraction state. The extracting ->
// pending_decision (or failed) compare-and-swap is the once-only latch.
func (o *Orchestrator) HandleDocumentCompleted(ctx context.Context, task *queue.Task) error {
	dc, err := pipeline.DecodePayload[pipeline.DocumentCompletedTask](task.Payload)
	if err != nil {
		return apperrors.Permanent(err)
	}
	app, err := o.store.GetApplication(ctx, dc.ApplicationID)
	if err != nil {
		return fmt.Errorf("loading application %s: %w", dc.ApplicationID, err)
	}
	if app.Status == pipeline.StatusReceived {
		// Extraction tasks are submitted before the received -> extracting
		// transition lands, so a fast worker can report completion first.
		// Redeliver until the ingest handler's transition is visible.
		return apperrors.Transientf("application %s still ingesting, redelivering completion for document %s", app.ID, dc.DocumentID)
	}
	if _, err := o.store.DecrementOutstanding(ctx, dc.ApplicationID); err != nil {
		return fmt.Errorf("decrementing outstanding for %s: %w", dc.ApplicationID, err)
	}

	switch {
	case app.Status == pipeline.StatusExtracting:
		docs, err := o.store.ListDocuments(ctx, app.ID)
		if err != nil {
			return fmt.Errorf("listing documents for %s: %w", app.ID, err)
		}
		anyError := false
		for _, doc := range docs {
			if !doc.Status.TerminalExtraction() {
				// Barrier not met yet, another completion will retrigger.
				return nil
			}
			if doc.Status == pipeline.DocumentError {
				anyError = true
			}
		}
		if anyError {
			if err := o.transition(ctx, app.ID, pipeline.StatusExtracting, pipeline.StatusFailed, "document_extraction_failed"); err != nil {
				if errors.Is(err, apperrors.ErrInvalidTransition) {
					return nil
				}
				return err
			}
			return o.finalize(ctx, app.ID)
		}
		if err := o.transition(ctx, app.ID, pipeline.StatusExtracting, pipeline.StatusPendingDecision, ""); err != nil {
			if errors.Is(err, apperrors.ErrInvalidTransition) {
				return nil
			}
			return err
		}
		return o.decide(ctx, app.ID)

	case app.Status == pipeline.StatusPendingDecision:
		// Crashed between the latch and the decision on a previous delivery.
		return o.decide(ctx, app.ID)

	case app.Status.Terminal():
		// Crashed between the decision and the notification.
		return o.finalize(ctx, app.ID)
	}
	return nil
}

// decide runs the confidence policy over the latest extraction result of
// every document, advances the status, and finalizes.
func (o *Orchestrator) decide(ctx context.Context, applicationID string) error {
	results, err := o.latestResults(ctx, applicationID)
	if err != nil {
		return err
	}
	dec, confidence := o.engine.DecideApplication(results)
	if err := o.transition(ctx, applicationID, pipeline.StatusPendingDecision, dec.Status(), "decision"); err != nil {
		if !errors.Is(err, apperrors.ErrInvalidTransition) {
			return err
		}
	}
	if o.metrics != nil {
		o.metrics.DecisionsTotal.WithLabelValues(string(dec)).Inc()
	}
	o.logger.Info("application decided",
		"application_id", applicationID,
		"decision", string(dec),
		"aggregate_confidence", confidence,
	)
	return o.finalize(ctx, applicationID)
}

// finalize writes the outcome record, renders the immutable webhook payload
// snapshot, and submits the notification task. Safe to call repeatedly: the
// outcome and delivery are create-once and the notification submission is
// deduplicated by idempotency key.
func (o *Orchestrator) finalize(ctx context.Context, applicationID string) error {
	app, err := o.store.GetApplication(ctx, applicationID)
	if err != nil {
		return fmt.Errorf("loading application %s: %w", applicationID, err)
	}
	if !app.Status.Terminal() {
		return fmt.Errorf("finalize on non-terminal application %s (%s)", app.ID, app.Status)
	}

	outcome, err := o.store.GetOutcome(ctx, app.ID)
	if errors.Is(err, apperrors.ErrApplicationNotFound) {
		outcome, err = o.buildOutcome(ctx, app)
		if err != nil {
			return err
		}
		if err := o.store.CreateOutcome(ctx, outcome); err != nil {
			return fmt.Errorf("creating outcome for %s: %w", app.ID, err)
		}
	} else if err != nil {
		return fmt.Errorf("loading outcome for %s: %w", app.ID, err)
	}

	payload, err := webhook.RenderPayload(app, outcome)
	if err != nil {
		return err
	}
	// Deterministic id makes delivery creation idempotent under redelivery.
	deliveryID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(app.ID+":"+webhook.EventApplicationProcessed)).String()
	delivery := &pipeline.WebhookDelivery{
		ID:            deliveryID,
		ApplicationID: app.ID,
		EventType:     webhook.EventApplicationProcessed,
		Payload:       payload,
		Status:        pipeline.DeliveryPending,
	}
	if err := o.store.CreateDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("creating delivery for %s: %w", app.ID, err)
	}
	notification, err := pipeline.EncodePayload(pipeline.NotificationTask{
		ApplicationID: app.ID,
		DeliveryID:    deliveryID,
		EventType:     webhook.EventApplicationProcessed,
	})
	if err != nil {
		return err
	}
	key := pipeline.IdempotencyKey(app.ID, pipeline.StageNotification)
	if _, err := o.broker.Submit(ctx, o.queues.Webhooks, notification, key, time.Time{}); err != nil {
		return fmt.Errorf("submitting notification for %s: %w", app.ID, err)
	}
	return nil
}

// buildOutcome derives the outcome record from persisted state. For failed
// applications the confidence is zero; otherwise it is the minimum aggregate
// across documents, same as the decision that produced the status.
func (o *Orchestrator) buildOutcome(ctx context.Context, app *pipeline.Application) (*pipeline.ApplicationOutcome, error) {
	dec := pipeline.DecisionFailed
	confidence := 0.0
	switch app.Status {
	case pipeline.StatusAutoApproved:
		dec = pipeline.DecisionAutoApproved
	case pipeline.StatusManualReview:
		dec = pipeline.DecisionManualReview
	}
	if dec != pipeline.DecisionFailed {
		results, err := o.latestResults(ctx, app.ID)
		if err != nil {
			return nil, err
		}
		_, confidence = o.engine.DecideApplication(results)
	}
	return &pipeline.ApplicationOutcome{
		ApplicationID:       app.ID,
		Decision:            dec,
		AggregateConfidence: confidence,
		DecidedAt:           time.Now().UTC(),
	}, nil
}

func (o *Orchestrator) latestResults(ctx context.Context, applicationID string) ([]*pipeline.ExtractionResult, error) {
	docs, err := o.store.ListDocuments(ctx, applicationID)
	if err != nil {
		return nil, fmt.Errorf("listing documents for %s: %w", applicationID, err)
	}
	results := make([]*pipeline.ExtractionResult, 0, len(docs))
	for _, doc := range docs {
		res, err := o.store.LatestExtractionResult(ctx, doc.ID)
		if err != nil {
			return nil, fmt.Errorf("loading extraction result for document %s: %w", doc.ID, err)
		}
		results = append(results, res)
	}
	return results, nil
}

// HandleDeadLetter consumes dead-letter notices. An exhausted pipeline task
// fails its application; an exhausted notification task marks its delivery
// exhausted without reverting the application's decision.
func (o *Orchestrator) HandleDeadLetter(ctx context.Context, task *queue.Task) error {
	dl, err := pipeline.DecodePayload[queue.DeadLetter](task.Payload)
	if err != nil {
		return apperrors.Permanent(err)
	}
	if o.metrics != nil {
		o.metrics.TasksDeadLetteredTotal.WithLabelValues(dl.Queue).Inc()
	}

	if dl.Queue == o.queues.Webhooks {
		nt, err := pipeline.DecodePayload[pipeline.NotificationTask](dl.Payload)
		if err != nil {
			return apperrors.Permanent(err)
		}
		return o.markDeliveryExhausted(ctx, nt, dl.Attempts)
	}

	// Every pipeline payload carries application_id, so the owning
	// application can be recovered without knowing the payload variant.
	type appRef struct {
		ApplicationID string `json:"application_id"`
	}
	ref, err := pipeline.DecodePayload[appRef](dl.Payload)
	if err != nil || ref.ApplicationID == "" {
		o.logger.Error("dead letter without application id", "queue", dl.Queue, "task_id", dl.TaskID)
		return nil
	}
	return o.failApplication(ctx, ref.ApplicationID, fmt.Sprintf("task dead-lettered on %s after %d attempts", dl.Queue, dl.Attempts))
}

func (o *Orchestrator) markDeliveryExhausted(ctx context.Context, nt pipeline.NotificationTask, attempts int) error {
	delivery, err := o.store.GetDelivery(ctx, nt.DeliveryID)
	if err != nil {
		return fmt.Errorf("loading delivery %s: %w", nt.DeliveryID, err)
	}
	if delivery.Status != pipeline.DeliveryPending {
		return nil
	}
	delivery.Status = pipeline.DeliveryExhausted
	delivery.LastError = fmt.Sprintf("delivery attempts exhausted after %d tries", attempts)
	if err := o.store.UpdateDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("marking delivery exhausted: %w", err)
	}
	o.logger.Error("webhook delivery exhausted",
		"application_id", nt.ApplicationID,
		"delivery_id", nt.DeliveryID,
		"attempts", attempts,
	)
	return nil
}

// failApplication moves an in-flight application to failed and finalizes it
// so the subscriber still hears about the terminal state. Terminal
// applications are left untouched.
func (o *Orchestrator) failApplication(ctx context.Context, applicationID, reason string) error {
	app, err := o.store.GetApplication(ctx, applicationID)
	if err != nil {
		return fmt.Errorf("loading application %s: %w", applicationID, err)
	}
	if app.Status.Terminal() {
		return nil
	}
	if err := o.transition(ctx, app.ID, app.Status, pipeline.StatusFailed, reason); err != nil {
		if errors.Is(err, apperrors.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	return o.finalize(ctx, app.ID)
}

// Status serves the read-only status query: current status plus the latest
// outcome, which is nil while the application is still in flight.
func (o *Orchestrator) Status(ctx context.Context, applicationID string) (*pipeline.Application, *pipeline.ApplicationOutcome, error) {
	app, err := o.store.GetApplication(ctx, applicationID)
	if err != nil {
		return nil, nil, err
	}
	outcome, err := o.store.GetOutcome(ctx, applicationID)
	if errors.Is(err, apperrors.ErrApplicationNotFound) {
		return app, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return app, outcome, nil
}

// transition applies a compare-and-swap status change and publishes the
// audit event. Event publishing is best-effort: a Kafka outage must not
// stall the pipeline.
func (o *Orchestrator) transition(ctx context.Context, applicationID string, from, to pipeline.ApplicationStatus, reason string) error {
	if err := o.store.TransitionApplication(ctx, applicationID, from, to); err != nil {
		return err
	}
	event := events.StatusEvent{
		ApplicationID: applicationID,
		FromStatus:    string(from),
		ToStatus:      string(to),
		Reason:        reason,
		OccurredAt:    time.Now().UTC(),
	}
	if err := o.events.PublishStatus(ctx, event); err != nil {
		o.logger.Warn("status event not published", "application_id", applicationID, "error", err)
	}
	return nil
}
