// Package pipeline defines the data model shared by the document-processing
// pipeline: applications, documents, extraction results, outcomes, webhook
// deliveries, and the task payloads exchanged over the queue.
package pipeline

import (
	"time"
)

// ApplicationStatus is the lifecycle state of a merchant-cash-advance
// application. Transitions are monotonic through the pipeline; failed is
// reachable from any in-flight state and is terminal.
type ApplicationStatus string

const (
	StatusReceived        ApplicationStatus = "received"
	StatusExtracting      ApplicationStatus = "extracting"
	StatusPendingDecision ApplicationStatus = "pending_decision"
	StatusAutoApproved    ApplicationStatus = "auto_approved"
	StatusManualReview    ApplicationStatus = "manual_review"
	StatusFailed          ApplicationStatus = "failed"
)

// Terminal reports whether no further automatic transition occurs from s.
func (s ApplicationStatus) Terminal() bool {
	switch s {
	case StatusAutoApproved, StatusManualReview, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits moving from one
// status to another. Failed is reachable from every non-terminal state.
func CanTransition(from, to ApplicationStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	switch from {
	case StatusReceived:
		return to == StatusExtracting
	case StatusExtracting:
		return to == StatusPendingDecision
	case StatusPendingDecision:
		return to == StatusAutoApproved || to == StatusManualReview
	}
	return false
}

// Application is the aggregate processed by the pipeline. Its status is
// owned exclusively by the orchestrator; workers report stage completion
// through queue submissions rather than direct mutation.
type Application struct {
	ID                   string
	MerchantName         string
	EIN                  string
	RequestedAmount      float64
	DocumentIDs          []string
	Status               ApplicationStatus
	OutstandingDocuments int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// DocumentStatus is the processing state of a single document.
type DocumentStatus string

const (
	DocumentQueued     DocumentStatus = "queued"
	DocumentProcessing DocumentStatus = "processing"
	DocumentDone       DocumentStatus = "done"
	DocumentError      DocumentStatus = "error"
)

// TerminalExtraction reports whether the document has reached a terminal
// extraction state.
func (s DocumentStatus) TerminalExtraction() bool {
	return s == DocumentDone || s == DocumentError
}

// Document belongs to exactly one Application. StorageRef is an opaque
// locator resolved by the storage boundary, never a filesystem path.
type Document struct {
	ID            string
	ApplicationID string
	StorageRef    string
	MimeType      string
	PageCount     int
	Status        DocumentStatus
}

// ExtractionResult records one OCR attempt for a document. Results are
// immutable; a retry supersedes the previous record with a higher attempt
// number rather than mutating it.
type ExtractionResult struct {
	DocumentID          string
	Attempt             int
	Fields              map[string]string
	FieldConfidence     map[string]float64
	AggregateConfidence float64
	ExtractedAt         time.Time
	Error               string
}

// Failed reports whether this attempt ended in a permanent extraction error.
func (r *ExtractionResult) Failed() bool {
	return r.Error != ""
}

// Decision is the outcome bucket assigned by the confidence policy.
type Decision string

const (
	DecisionAutoApproved Decision = "auto_approved"
	DecisionManualReview Decision = "manual_review"
	DecisionFailed       Decision = "failed"
)

// Status maps a decision to the application status it implies.
func (d Decision) Status() ApplicationStatus {
	switch d {
	case DecisionAutoApproved:
		return StatusAutoApproved
	case DecisionManualReview:
		return StatusManualReview
	default:
		return StatusFailed
	}
}

// ApplicationOutcome is produced exactly once per application by the
// decision engine and is immutable.
type ApplicationOutcome struct {
	ApplicationID       string
	Decision            Decision
	AggregateConfidence float64
	DecidedAt           time.Time
}

// DeliveryStatus is the lifecycle state of a webhook delivery.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// WebhookDelivery tracks the delivery of one notification to the external
// subscriber. Payload is rendered once when the notification task is first
// submitted and never recomputed on retry.
type WebhookDelivery struct {
	ID            string
	ApplicationID string
	EventType     string
	Payload       []byte
	AttemptCount  int
	LastAttemptAt time.Time
	Status        DeliveryStatus
	LastError     string
}
