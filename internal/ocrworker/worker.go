// Package ocrworker consumes extraction tasks from the document_processing
// queue, drives the external OCR engine, and reports each document's
// terminal extraction state to the orchestrator.
package ocrworker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/advancelabs/mca-pipeline/internal/decision"
	"github.com/advancelabs/mca-pipeline/internal/ocr"
	"github.com/advancelabs/mca-pipeline/internal/pipeline"
	"github.com/advancelabs/mca-pipeline/internal/store"
	"github.com/advancelabs/mca-pipeline/pkg/config"
	apperrors "github.com/advancelabs/mca-pipeline/pkg/errors"
	"github.com/advancelabs/mca-pipeline/pkg/metrics"
	"github.com/advancelabs/mca-pipeline/pkg/queue"
)

// Worker handles one extraction task at a time. Task-level retries are
// delegated to the queue: a transient failure propagates out and the pool
// nacks with backoff, while a permanent failure is recorded terminally here.
type Worker struct {
	broker         queue.Broker
	store          store.Store
	engine         ocr.Engine
	storage        ocr.Storage
	requiredFields []string
	decisionQueue  string
	metrics        *metrics.Metrics
	logger         *slog.Logger
}

// New creates a Worker. metrics may be nil in tests.
func New(broker queue.Broker, st store.Store, engine ocr.Engine, storage ocr.Storage, cfg config.OCRConfig, decisionQueue string, m *metrics.Metrics) *Worker {
	return &Worker{
		broker:         broker,
		store:          st,
		engine:         engine,
		storage:        storage,
		requiredFields: cfg.RequiredFields,
		decisionQueue:  decisionQueue,
		metrics:        m,
		logger:         slog.Default().With("component", "ocr-worker"),
	}
}

// Handle processes one extraction task. Exactly one ExtractionResult row
// and one decision-queue submission happen per completed attempt; the
// (documentID, decision) idempotency key absorbs redeliveries.
func (w *Worker) Handle(ctx context.Context, task *queue.Task) error {
	et, err := pipeline.DecodePayload[pipeline.ExtractionTask](task.Payload)
	if err != nil {
		return apperrors.Permanent(err)
	}
	logger := w.logger.With("application_id", et.ApplicationID, "document_id", et.DocumentID, "attempt", task.Attempt)

	if err := w.store.UpdateDocumentStatus(ctx, et.DocumentID, pipeline.DocumentProcessing); err != nil {
		return fmt.Errorf("marking document processing: %w", err)
	}

	documentBytes, err := w.storage.Fetch(ctx, et.StorageRef)
	if err != nil {
		return w.settleError(ctx, task, et, err, logger)
	}

	result, err := w.engine.Extract(ctx, documentBytes, et.MimeType)
	if err != nil {
		return w.settleError(ctx, task, et, err, logger)
	}

	aggregate := decision.AggregateConfidence(result.Confidence, w.requiredFields)
	extraction := &pipeline.ExtractionResult{
		DocumentID:          et.DocumentID,
		Attempt:             task.Attempt,
		Fields:              result.Fields,
		FieldConfidence:     result.Confidence,
		AggregateConfidence: aggregate,
		ExtractedAt:         time.Now().UTC(),
	}
	if err := w.store.CreateExtractionResult(ctx, extraction); err != nil {
		return fmt.Errorf("persisting extraction result: %w", err)
	}
	if err := w.store.UpdateDocumentStatus(ctx, et.DocumentID, pipeline.DocumentDone); err != nil {
		return fmt.Errorf("marking document done: %w", err)
	}
	if err := w.reportCompletion(ctx, et, pipeline.DocumentDone); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.OCRExtractionsTotal.WithLabelValues("ok").Inc()
		w.metrics.OCRConfidence.Observe(aggregate)
	}
	logger.Info("document extracted", "aggregate_confidence", aggregate)
	return nil
}

// settleError routes a classified failure: transient errors propagate for
// queue-level retry, permanent errors are recorded as a failed extraction
// attempt with the document marked error.
func (w *Worker) settleError(ctx context.Context, task *queue.Task, et pipeline.ExtractionTask, cause error, logger *slog.Logger) error {
	if apperrors.IsTransient(cause) {
		if w.metrics != nil {
			w.metrics.OCRExtractionsTotal.WithLabelValues("transient_error").Inc()
		}
		logger.Warn("extraction failed transiently", "error", cause)
		return cause
	}

	extraction := &pipeline.ExtractionResult{
		DocumentID:      et.DocumentID,
		Attempt:         task.Attempt,
		Fields:          map[string]string{},
		FieldConfidence: map[string]float64{},
		ExtractedAt:     time.Now().UTC(),
		Error:           cause.Error(),
	}
	if err := w.store.CreateExtractionResult(ctx, extraction); err != nil {
		return fmt.Errorf("persisting failed extraction: %w", err)
	}
	if err := w.store.UpdateDocumentStatus(ctx, et.DocumentID, pipeline.DocumentError); err != nil {
		return fmt.Errorf("marking document error: %w", err)
	}
	if err := w.reportCompletion(ctx, et, pipeline.DocumentError); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.OCRExtractionsTotal.WithLabelValues("permanent_error").Inc()
	}
	logger.Error("extraction failed permanently", "error", cause)
	return cause
}

func (w *Worker) reportCompletion(ctx context.Context, et pipeline.ExtractionTask, status pipeline.DocumentStatus) error {
	payload, err := pipeline.EncodePayload(pipeline.DocumentCompletedTask{
		ApplicationID: et.ApplicationID,
		DocumentID:    et.DocumentID,
		Status:        status,
	})
	if err != nil {
		return err
	}
	key := pipeline.IdempotencyKey(et.DocumentID, pipeline.StageDecision)
	if _, err := w.broker.Submit(ctx, w.decisionQueue, payload, key, time.Time{}); err != nil {
		return fmt.Errorf("submitting completion for document %s: %w", et.DocumentID, err)
	}
	return nil
}
