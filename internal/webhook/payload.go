package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/advancelabs/mca-pipeline/internal/pipeline"
)

// EventApplicationProcessed is the only event type emitted today. The
// payload schema is versioned independently via metadata.version.
const EventApplicationProcessed = "application.processed"

// PayloadVersion identifies the payload schema carried in metadata.version.
const PayloadVersion = "1.0"

// Payload is the wire shape delivered to the subscriber. It is rendered
// exactly once per outcome and stored on the delivery record, so retries
// always replay the same bytes.
type Payload struct {
	Event         string          `json:"event"`
	ApplicationID string          `json:"application_id"`
	Timestamp     string          `json:"timestamp"`
	Data          PayloadData     `json:"data"`
	Metadata      PayloadMetadata `json:"metadata"`
}

type PayloadData struct {
	Status          string  `json:"status"`
	ConfidenceScore float64 `json:"confidence_score"`
	MerchantName    string  `json:"merchant_name"`
	EIN             string  `json:"ein"`
	RequestedAmount float64 `json:"requested_amount"`
	DocumentCount   int     `json:"document_count"`
}

type PayloadMetadata struct {
	ProcessingTime int64  `json:"processing_time"`
	Version        string `json:"version"`
}

// RenderPayload builds the immutable notification payload for a decided
// application. processing_time is milliseconds from ingestion to decision.
func RenderPayload(app *pipeline.Application, outcome *pipeline.ApplicationOutcome) ([]byte, error) {
	p := Payload{
		Event:         EventApplicationProcessed,
		ApplicationID: app.ID,
		Timestamp:     outcome.DecidedAt.UTC().Format(time.RFC3339),
		Data: PayloadData{
			Status:          string(outcome.Decision.Status()),
			ConfidenceScore: outcome.AggregateConfidence,
			MerchantName:    app.MerchantName,
			EIN:             app.EIN,
			RequestedAmount: app.RequestedAmount,
			DocumentCount:   len(app.DocumentIDs),
		},
		Metadata: PayloadMetadata{
			ProcessingTime: outcome.DecidedAt.Sub(app.CreatedAt).Milliseconds(),
			Version:        PayloadVersion,
		},
	}
	encoded, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("rendering webhook payload: %w", err)
	}
	return encoded, nil
}
