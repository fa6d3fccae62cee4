// Package store persists the pipeline's records. Components depend on the
// Store interface; production runs against PostgreSQL and tests against the
// in-memory implementation. Mutations follow the single-writer rule: the
// orchestrator owns application rows, the OCR worker owns extraction results
// for its own document, and the dispatcher owns its own delivery rows.
package store

import (
	"context"

	"github.com/advancelabs/mca-pipeline/internal/pipeline"
)

// Store is the repository contract for pipeline state.
type Store interface {
	CreateApplication(ctx context.Context, app *pipeline.Application) error
	GetApplication(ctx context.Context, id string) (*pipeline.Application, error)

	// TransitionApplication moves an application between statuses with
	// compare-and-swap semantics: it fails with ErrInvalidTransition when
	// the current status is not `from` or the state machine forbids the
	// move. The orchestrator is the only caller.
	TransitionApplication(ctx context.Context, id string, from, to pipeline.ApplicationStatus) error

	// DecrementOutstanding atomically decrements the application's
	// outstanding-document counter and returns the remaining count. The
	// decision task fires when it reaches zero.
	DecrementOutstanding(ctx context.Context, id string) (int, error)

	CreateDocument(ctx context.Context, doc *pipeline.Document) error
	GetDocument(ctx context.Context, id string) (*pipeline.Document, error)
	ListDocuments(ctx context.Context, applicationID string) ([]*pipeline.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status pipeline.DocumentStatus) error

	// CreateExtractionResult inserts one immutable attempt record. Inserting
	// the same (document, attempt) pair twice is a no-op, which keeps
	// redelivered extraction tasks from duplicating rows.
	CreateExtractionResult(ctx context.Context, res *pipeline.ExtractionResult) error
	LatestExtractionResult(ctx context.Context, documentID string) (*pipeline.ExtractionResult, error)

	CreateOutcome(ctx context.Context, out *pipeline.ApplicationOutcome) error
	GetOutcome(ctx context.Context, applicationID string) (*pipeline.ApplicationOutcome, error)

	CreateDelivery(ctx context.Context, d *pipeline.WebhookDelivery) error
	GetDelivery(ctx context.Context, id string) (*pipeline.WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, d *pipeline.WebhookDelivery) error
}
