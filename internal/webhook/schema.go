package webhook

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// payloadSchema guards against shipping a malformed payload to the
// subscriber. Validation runs once before the first delivery attempt.
const payloadSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["event", "application_id", "timestamp", "data", "metadata"],
  "properties": {
    "event": {"const": "application.processed"},
    "application_id": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string"},
    "data": {
      "type": "object",
      "required": ["status", "confidence_score", "merchant_name", "ein", "requested_amount", "document_count"],
      "properties": {
        "status": {"enum": ["auto_approved", "manual_review", "failed"]},
        "confidence_score": {"type": "number", "minimum": 0, "maximum": 1},
        "merchant_name": {"type": "string"},
        "ein": {"type": "string"},
        "requested_amount": {"type": "number", "minimum": 0},
        "document_count": {"type": "integer", "minimum": 0}
      }
    },
    "metadata": {
      "type": "object",
      "required": ["processing_time", "version"],
      "properties": {
        "processing_time": {"type": "integer", "minimum": 0},
        "version": {"const": "1.0"}
      }
    }
  }
}`

func compilePayloadSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("payload.schema.json", strings.NewReader(payloadSchema)); err != nil {
		return nil, err
	}
	return c.Compile("payload.schema.json")
}
