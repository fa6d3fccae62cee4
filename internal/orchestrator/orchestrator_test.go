package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/advancelabs/mca-pipeline/internal/decision"
	"github.com/advancelabs/mca-pipeline/internal/pipeline"
	"github.com/advancelabs/mca-pipeline/internal/store"
	"github.com/advancelabs/mca-pipeline/pkg/config"
	apperrors "github.com/advancelabs/mca-pipeline/pkg/errors"
	"github.com/advancelabs/mca-pipeline/pkg/queue"
)

func testNames() config.QueueNames {
	return config.QueueNames{
		Ingestion:          "ingestion",
		DocumentProcessing: "document_processing",
		Decision:           "decision",
		Webhooks:           "webhooks",
		DeadLetter:         "dead_letter",
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.MemoryStore, *queue.Memory) {
	t.Helper()
	names := testNames()
	broker := queue.NewMemory(queue.Options{DeadLetterQueue: names.DeadLetter})
	st := store.NewMemoryStore()
	engine := decision.NewEngine(config.DecisionConfig{
		AutoApproveThreshold:  0.95,
		ManualReviewThreshold: 0.70,
	})
	return New(broker, st, engine, nil, names, nil), st, broker
}

func ingest(t *testing.T, o *Orchestrator, docCount int) *pipeline.Application {
	t.Helper()
	app := &pipeline.Application{
		MerchantName:    "Blue Harbor Coffee LLC",
		EIN:             "12-3456789",
		RequestedAmount: 50000,
	}
	docs := make([]*pipeline.Document, docCount)
	for i := range docs {
		docs[i] = &pipeline.Document{StorageRef: "ref", MimeType: "application/pdf"}
	}
	if err := o.Ingest(context.Background(), app, docs); err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	return app
}

func taskFor(t *testing.T, queueName string, payload any) *queue.Task {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("encoding payload: %v", err)
	}
	return &queue.Task{ID: "test-task", Queue: queueName, Payload: data}
}

func consumeOne(t *testing.T, broker *queue.Memory, queueName string) *queue.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := broker.Consume(ctx, []string{queueName})
	if err != nil {
		t.Fatalf("consuming %s: %v", queueName, err)
	}
	return task
}

// completeDocument plays the OCR worker's part for one document.
func completeDocument(t *testing.T, st *store.MemoryStore, docID string, confidence float64, extractErr string) {
	t.Helper()
	ctx := context.Background()
	res := &pipeline.ExtractionResult{
		DocumentID:          docID,
		AggregateConfidence: confidence,
		ExtractedAt:         time.Now().UTC(),
		Error:               extractErr,
	}
	status := pipeline.DocumentDone
	if extractErr != "" {
		status = pipeline.DocumentError
	}
	if err := st.CreateExtractionResult(ctx, res); err != nil {
		t.Fatalf("creating extraction result: %v", err)
	}
	if err := st.UpdateDocumentStatus(ctx, docID, status); err != nil {
		t.Fatalf("updating document status: %v", err)
	}
}

func TestHandleIngestFansOutAndTransitions(t *testing.T) {
	o, st, broker := newTestOrchestrator(t)
	ctx := context.Background()
	app := ingest(t, o, 2)

	task := consumeOne(t, broker, "ingestion")
	if err := o.HandleIngest(ctx, task); err != nil {
		t.Fatalf("HandleIngest() error = %v", err)
	}

	got, err := st.GetApplication(ctx, app.ID)
	if err != nil {
		t.Fatalf("GetApplication() error = %v", err)
	}
	if got.Status != pipeline.StatusExtracting {
		t.Errorf("status = %s, want extracting", got.Status)
	}
	depth, _ := broker.Depth(ctx, "document_processing")
	if depth != 2 {
		t.Errorf("document_processing depth = %d, want 2", depth)
	}

	// Redelivery after the transition fans out nothing new.
	if err := o.HandleIngest(ctx, task); err != nil {
		t.Fatalf("redelivered HandleIngest() error = %v", err)
	}
	depth, _ = broker.Depth(ctx, "document_processing")
	if depth != 2 {
		t.Errorf("depth after redelivery = %d, want 2", depth)
	}
}

func TestJoinBarrierDecidesOnlyWhenAllDocumentsTerminal(t *testing.T) {
	o, st, broker := newTestOrchestrator(t)
	ctx := context.Background()
	app := ingest(t, o, 2)
	if err := o.HandleIngest(ctx, consumeOne(t, broker, "ingestion")); err != nil {
		t.Fatalf("HandleIngest() error = %v", err)
	}

	completeDocument(t, st, app.DocumentIDs[0], 0.96, "")
	first := taskFor(t, "decision", pipeline.DocumentCompletedTask{
		ApplicationID: app.ID,
		DocumentID:    app.DocumentIDs[0],
		Status:        pipeline.DocumentDone,
	})
	if err := o.HandleDocumentCompleted(ctx, first); err != nil {
		t.Fatalf("HandleDocumentCompleted() error = %v", err)
	}
	got, _ := st.GetApplication(ctx, app.ID)
	if got.Status != pipeline.StatusExtracting {
		t.Fatalf("status after first completion = %s, want extracting", got.Status)
	}
	if depth, _ := broker.Depth(ctx, "webhooks"); depth != 0 {
		t.Fatalf("notification submitted before barrier, depth = %d", depth)
	}

	completeDocument(t, st, app.DocumentIDs[1], 0.72, "")
	second := taskFor(t, "decision", pipeline.DocumentCompletedTask{
		ApplicationID: app.ID,
		DocumentID:    app.DocumentIDs[1],
		Status:        pipeline.DocumentDone,
	})
	if err := o.HandleDocumentCompleted(ctx, second); err != nil {
		t.Fatalf("HandleDocumentCompleted() error = %v", err)
	}

	got, _ = st.GetApplication(ctx, app.ID)
	if got.Status != pipeline.StatusManualReview {
		t.Errorf("status = %s, want manual_review (min confidence 0.72)", got.Status)
	}
	outcome, err := st.GetOutcome(ctx, app.ID)
	if err != nil {
		t.Fatalf("GetOutcome() error = %v", err)
	}
	if outcome.Decision != pipeline.DecisionManualReview {
		t.Errorf("outcome decision = %s, want manual_review", outcome.Decision)
	}
	if outcome.AggregateConfidence != 0.72 {
		t.Errorf("outcome confidence = %v, want 0.72", outcome.AggregateConfidence)
	}
	if depth, _ := broker.Depth(ctx, "webhooks"); depth != 1 {
		t.Errorf("webhooks depth = %d, want 1", depth)
	}

	// A redelivered completion does not decide or notify twice.
	if err := o.HandleDocumentCompleted(ctx, second); err != nil {
		t.Fatalf("redelivered completion error = %v", err)
	}
	if depth, _ := broker.Depth(ctx, "webhooks"); depth != 1 {
		t.Errorf("webhooks depth after redelivery = %d, want 1", depth)
	}
}

func TestCompletionBeforeIngestTransitionIsRedelivered(t *testing.T) {
	o, st, broker := newTestOrchestrator(t)
	ctx := context.Background()
	app := ingest(t, o, 1)

	// A fast worker can finish before the ingest handler's received ->
	// extracting transition lands. That completion must not be swallowed.
	completeDocument(t, st, app.DocumentIDs[0], 0.97, "")
	task := taskFor(t, "decision", pipeline.DocumentCompletedTask{
		ApplicationID: app.ID,
		DocumentID:    app.DocumentIDs[0],
		Status:        pipeline.DocumentDone,
	})
	err := o.HandleDocumentCompleted(ctx, task)
	if err == nil {
		t.Fatal("completion while still received must error for redelivery, got nil")
	}
	if apperrors.IsPermanent(err) {
		t.Fatalf("completion while still received must be retryable, got permanent: %v", err)
	}
	got, _ := st.GetApplication(ctx, app.ID)
	if got.Status != pipeline.StatusReceived {
		t.Fatalf("status = %s, want received untouched", got.Status)
	}

	// Once the transition lands, the redelivered completion decides.
	if err := o.HandleIngest(ctx, consumeOne(t, broker, "ingestion")); err != nil {
		t.Fatalf("HandleIngest() error = %v", err)
	}
	if err := o.HandleDocumentCompleted(ctx, task); err != nil {
		t.Fatalf("redelivered HandleDocumentCompleted() error = %v", err)
	}
	got, _ = st.GetApplication(ctx, app.ID)
	if got.Status != pipeline.StatusAutoApproved {
		t.Errorf("status = %s, want auto_approved", got.Status)
	}
	if depth, _ := broker.Depth(ctx, "webhooks"); depth != 1 {
		t.Errorf("webhooks depth = %d, want 1", depth)
	}
}

func TestDocumentErrorFailsApplicationWithoutDecision(t *testing.T) {
	o, st, broker := newTestOrchestrator(t)
	ctx := context.Background()
	app := ingest(t, o, 1)
	if err := o.HandleIngest(ctx, consumeOne(t, broker, "ingestion")); err != nil {
		t.Fatalf("HandleIngest() error = %v", err)
	}

	completeDocument(t, st, app.DocumentIDs[0], 0, "document is unreadable")
	task := taskFor(t, "decision", pipeline.DocumentCompletedTask{
		ApplicationID: app.ID,
		DocumentID:    app.DocumentIDs[0],
		Status:        pipeline.DocumentError,
	})
	if err := o.HandleDocumentCompleted(ctx, task); err != nil {
		t.Fatalf("HandleDocumentCompleted() error = %v", err)
	}

	got, _ := st.GetApplication(ctx, app.ID)
	if got.Status != pipeline.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	outcome, err := st.GetOutcome(ctx, app.ID)
	if err != nil {
		t.Fatalf("GetOutcome() error = %v", err)
	}
	if outcome.Decision != pipeline.DecisionFailed {
		t.Errorf("outcome decision = %s, want failed", outcome.Decision)
	}

	// The failed state still produces one webhook with data.status failed.
	notification := consumeOne(t, broker, "webhooks")
	nt, err := pipeline.DecodePayload[pipeline.NotificationTask](notification.Payload)
	if err != nil {
		t.Fatalf("decoding notification: %v", err)
	}
	delivery, err := st.GetDelivery(ctx, nt.DeliveryID)
	if err != nil {
		t.Fatalf("GetDelivery() error = %v", err)
	}
	var payload struct {
		Data struct {
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(delivery.Payload, &payload); err != nil {
		t.Fatalf("decoding delivery payload: %v", err)
	}
	if payload.Data.Status != "failed" {
		t.Errorf("payload data.status = %s, want failed", payload.Data.Status)
	}
}

func TestDeadLetterFailsOwningApplication(t *testing.T) {
	o, st, broker := newTestOrchestrator(t)
	ctx := context.Background()
	app := ingest(t, o, 1)
	if err := o.HandleIngest(ctx, consumeOne(t, broker, "ingestion")); err != nil {
		t.Fatalf("HandleIngest() error = %v", err)
	}

	origin, _ := json.Marshal(pipeline.ExtractionTask{
		ApplicationID: app.ID,
		DocumentID:    app.DocumentIDs[0],
	})
	notice := taskFor(t, "dead_letter", queue.DeadLetter{
		Queue:    "document_processing",
		TaskID:   "task-1",
		Payload:  origin,
		Attempts: 5,
		FailedAt: time.Now().UTC(),
	})
	if err := o.HandleDeadLetter(ctx, notice); err != nil {
		t.Fatalf("HandleDeadLetter() error = %v", err)
	}

	got, _ := st.GetApplication(ctx, app.ID)
	if got.Status != pipeline.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if depth, _ := broker.Depth(ctx, "webhooks"); depth != 1 {
		t.Errorf("webhooks depth = %d, want 1", depth)
	}
}

func TestDeadLetterFromWebhooksMarksDeliveryExhausted(t *testing.T) {
	o, st, _ := newTestOrchestrator(t)
	ctx := context.Background()

	delivery := &pipeline.WebhookDelivery{
		ID:            "delivery-1",
		ApplicationID: "app-1",
		EventType:     "application.processed",
		Payload:       []byte(`{}`),
		AttemptCount:  5,
		Status:        pipeline.DeliveryPending,
	}
	if err := st.CreateDelivery(ctx, delivery); err != nil {
		t.Fatalf("CreateDelivery() error = %v", err)
	}

	origin, _ := json.Marshal(pipeline.NotificationTask{
		ApplicationID: "app-1",
		DeliveryID:    "delivery-1",
		EventType:     "application.processed",
	})
	notice := taskFor(t, "dead_letter", queue.DeadLetter{
		Queue:    "webhooks",
		TaskID:   "task-2",
		Payload:  origin,
		Attempts: 5,
	})
	if err := o.HandleDeadLetter(ctx, notice); err != nil {
		t.Fatalf("HandleDeadLetter() error = %v", err)
	}

	got, err := st.GetDelivery(ctx, "delivery-1")
	if err != nil {
		t.Fatalf("GetDelivery() error = %v", err)
	}
	if got.Status != pipeline.DeliveryExhausted {
		t.Errorf("delivery status = %s, want exhausted", got.Status)
	}
}

func TestStatusQueryReturnsOutcomeOnceDecided(t *testing.T) {
	o, st, broker := newTestOrchestrator(t)
	ctx := context.Background()
	app := ingest(t, o, 1)

	_, outcome, err := o.Status(ctx, app.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if outcome != nil {
		t.Error("in-flight application should have nil outcome")
	}

	if err := o.HandleIngest(ctx, consumeOne(t, broker, "ingestion")); err != nil {
		t.Fatalf("HandleIngest() error = %v", err)
	}
	completeDocument(t, st, app.DocumentIDs[0], 0.97, "")
	task := taskFor(t, "decision", pipeline.DocumentCompletedTask{
		ApplicationID: app.ID,
		DocumentID:    app.DocumentIDs[0],
		Status:        pipeline.DocumentDone,
	})
	if err := o.HandleDocumentCompleted(ctx, task); err != nil {
		t.Fatalf("HandleDocumentCompleted() error = %v", err)
	}

	got, outcome, err := o.Status(ctx, app.ID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if got.Status != pipeline.StatusAutoApproved {
		t.Errorf("status = %s, want auto_approved", got.Status)
	}
	if outcome == nil || outcome.Decision != pipeline.DecisionAutoApproved {
		t.Errorf("outcome = %+v, want auto_approved", outcome)
	}
}
