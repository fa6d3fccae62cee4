package pipeline

import (
	"encoding/json"
	"fmt"
)

// Stage names a pipeline step. Stages key idempotency: at most one in-flight
// task exists per (entity id, stage).
type Stage string

const (
	StageIngestion    Stage = "ingestion"
	StageExtraction   Stage = "extraction"
	StageDecision     Stage = "decision"
	StageNotification Stage = "notification"
)

// IdempotencyKey builds the deterministic key that collapses duplicate task
// submissions for one entity and stage.
func IdempotencyKey(entityID string, stage Stage) string {
	return entityID + ":" + string(stage)
}

// IngestTask signals that an application and its documents have been
// persisted by the ingestion collaborator and are ready for extraction.
type IngestTask struct {
	ApplicationID string `json:"application_id"`
}

// ExtractionTask is the payload on the document_processing queue, one per
// document. The shape matches the ingestion boundary contract.
type ExtractionTask struct {
	ApplicationID string `json:"application_id"`
	DocumentID    string `json:"document_id"`
	StorageRef    string `json:"storage_ref"`
	MimeType      string `json:"mime_type"`
}

// DocumentCompletedTask reports a document's terminal extraction state to
// the orchestrator on the decision queue.
type DocumentCompletedTask struct {
	ApplicationID string         `json:"application_id"`
	DocumentID    string         `json:"document_id"`
	Status        DocumentStatus `json:"status"`
}

// NotificationTask points the webhook dispatcher at a rendered delivery
// record. The payload snapshot lives on the WebhookDelivery row, not here,
// so retries always deliver the same bytes.
type NotificationTask struct {
	ApplicationID string `json:"application_id"`
	DeliveryID    string `json:"delivery_id"`
	EventType     string `json:"event_type"`
}

// EncodePayload serialises a task payload for queue submission.
func EncodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding task payload: %w", err)
	}
	return data, nil
}

// DecodePayload deserialises a queue payload into T.
func DecodePayload[T any](data []byte) (T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("decoding task payload: %w", err)
	}
	return result, nil
}
