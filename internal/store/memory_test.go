package store

import (
	"context"
	"errors"
	"testing"

	"github.com/advancelabs/mca-pipeline/internal/pipeline"
	apperrors "github.com/advancelabs/mca-pipeline/pkg/errors"
)

func seedApp(t *testing.T, s *MemoryStore, status pipeline.ApplicationStatus, outstanding int) {
	t.Helper()
	err := s.CreateApplication(context.Background(), &pipeline.Application{
		ID:                   "app-1",
		Status:               status,
		OutstandingDocuments: outstanding,
	})
	if err != nil {
		t.Fatalf("CreateApplication() error = %v", err)
	}
}

func TestTransitionApplicationCompareAndSwap(t *testing.T) {
	s := NewMemoryStore()
	seedApp(t, s, pipeline.StatusExtracting, 0)
	ctx := context.Background()

	if err := s.TransitionApplication(ctx, "app-1", pipeline.StatusExtracting, pipeline.StatusPendingDecision); err != nil {
		t.Fatalf("first transition error = %v", err)
	}
	// Losing a CAS race reports invalid transition.
	err := s.TransitionApplication(ctx, "app-1", pipeline.StatusExtracting, pipeline.StatusPendingDecision)
	if !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("second transition error = %v, want ErrInvalidTransition", err)
	}
	// Illegal edges are rejected even when the current status matches.
	err = s.TransitionApplication(ctx, "app-1", pipeline.StatusPendingDecision, pipeline.StatusExtracting)
	if !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("backward transition error = %v, want ErrInvalidTransition", err)
	}

	app, err := s.GetApplication(ctx, "app-1")
	if err != nil {
		t.Fatalf("GetApplication() error = %v", err)
	}
	if app.Status != pipeline.StatusPendingDecision {
		t.Errorf("status = %s, want %s", app.Status, pipeline.StatusPendingDecision)
	}
}

func TestDecrementOutstandingClampsAtZero(t *testing.T) {
	s := NewMemoryStore()
	seedApp(t, s, pipeline.StatusExtracting, 2)
	ctx := context.Background()

	for _, want := range []int{1, 0, 0} {
		remaining, err := s.DecrementOutstanding(ctx, "app-1")
		if err != nil {
			t.Fatalf("DecrementOutstanding() error = %v", err)
		}
		if remaining != want {
			t.Errorf("remaining = %d, want %d", remaining, want)
		}
	}
	if _, err := s.DecrementOutstanding(ctx, "missing"); !errors.Is(err, apperrors.ErrApplicationNotFound) {
		t.Errorf("missing application error = %v, want ErrApplicationNotFound", err)
	}
}

func TestCreateExtractionResultIdempotentPerAttempt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := &pipeline.ExtractionResult{DocumentID: "doc-1", Attempt: 0, AggregateConfidence: 0.9}
	if err := s.CreateExtractionResult(ctx, first); err != nil {
		t.Fatalf("CreateExtractionResult() error = %v", err)
	}
	// Redelivered write of the same attempt must not overwrite.
	dup := &pipeline.ExtractionResult{DocumentID: "doc-1", Attempt: 0, AggregateConfidence: 0.1}
	if err := s.CreateExtractionResult(ctx, dup); err != nil {
		t.Fatalf("duplicate CreateExtractionResult() error = %v", err)
	}
	retry := &pipeline.ExtractionResult{DocumentID: "doc-1", Attempt: 2, AggregateConfidence: 0.95}
	if err := s.CreateExtractionResult(ctx, retry); err != nil {
		t.Fatalf("retry CreateExtractionResult() error = %v", err)
	}

	latest, err := s.LatestExtractionResult(ctx, "doc-1")
	if err != nil {
		t.Fatalf("LatestExtractionResult() error = %v", err)
	}
	if latest.Attempt != 2 || latest.AggregateConfidence != 0.95 {
		t.Errorf("latest = attempt %d confidence %v, want attempt 2 confidence 0.95", latest.Attempt, latest.AggregateConfidence)
	}
}

func TestCreateOutcomeAndDeliveryAreCreateOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.CreateOutcome(ctx, &pipeline.ApplicationOutcome{ApplicationID: "app-1", AggregateConfidence: 0.97}); err != nil {
		t.Fatalf("CreateOutcome() error = %v", err)
	}
	if err := s.CreateOutcome(ctx, &pipeline.ApplicationOutcome{ApplicationID: "app-1", AggregateConfidence: 0.1}); err != nil {
		t.Fatalf("duplicate CreateOutcome() error = %v", err)
	}
	out, err := s.GetOutcome(ctx, "app-1")
	if err != nil {
		t.Fatalf("GetOutcome() error = %v", err)
	}
	if out.AggregateConfidence != 0.97 {
		t.Errorf("outcome confidence = %v, first write should win", out.AggregateConfidence)
	}

	if err := s.CreateDelivery(ctx, &pipeline.WebhookDelivery{ID: "del-1", Payload: []byte(`{"a":1}`), Status: pipeline.DeliveryPending}); err != nil {
		t.Fatalf("CreateDelivery() error = %v", err)
	}
	if err := s.CreateDelivery(ctx, &pipeline.WebhookDelivery{ID: "del-1", Payload: []byte(`{"b":2}`)}); err != nil {
		t.Fatalf("duplicate CreateDelivery() error = %v", err)
	}
	d, err := s.GetDelivery(ctx, "del-1")
	if err != nil {
		t.Fatalf("GetDelivery() error = %v", err)
	}
	if string(d.Payload) != `{"a":1}` {
		t.Errorf("payload = %s, first write should win", d.Payload)
	}
}

func TestGetDeliveryReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.CreateDelivery(ctx, &pipeline.WebhookDelivery{ID: "del-1", Payload: []byte(`{"a":1}`)}); err != nil {
		t.Fatalf("CreateDelivery() error = %v", err)
	}
	d, _ := s.GetDelivery(ctx, "del-1")
	d.Payload[0] = 'X'
	again, _ := s.GetDelivery(ctx, "del-1")
	if string(again.Payload) != `{"a":1}` {
		t.Error("mutating a returned payload must not affect the stored copy")
	}
}
