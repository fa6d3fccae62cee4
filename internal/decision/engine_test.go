package decision

import (
	"testing"

	"github.com/advancelabs/mca-pipeline/internal/pipeline"
	"github.com/advancelabs/mca-pipeline/pkg/config"
)

func testEngine() *Engine {
	return NewEngine(config.DecisionConfig{
		AutoApproveThreshold:  0.95,
		ManualReviewThreshold: 0.70,
	})
}

func TestDecideThresholds(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		want       pipeline.Decision
	}{
		{"well above auto-approve", 0.99, pipeline.DecisionAutoApproved},
		{"exactly at auto-approve boundary", 0.95, pipeline.DecisionAutoApproved},
		{"just below auto-approve", 0.9499, pipeline.DecisionManualReview},
		{"mid manual-review band", 0.80, pipeline.DecisionManualReview},
		{"exactly at manual-review boundary", 0.70, pipeline.DecisionManualReview},
		{"just below manual-review", 0.6999, pipeline.DecisionFailed},
		{"zero confidence", 0, pipeline.DecisionFailed},
	}
	e := testEngine()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Decide(tt.confidence); got != tt.want {
				t.Errorf("Decide(%v) = %v, want %v", tt.confidence, got, tt.want)
			}
		})
	}
}

func TestDecideApplicationUsesMinimumAcrossDocuments(t *testing.T) {
	e := testEngine()
	results := []*pipeline.ExtractionResult{
		{DocumentID: "doc-1", AggregateConfidence: 0.96},
		{DocumentID: "doc-2", AggregateConfidence: 0.72},
	}
	dec, confidence := e.DecideApplication(results)
	if dec != pipeline.DecisionManualReview {
		t.Errorf("decision = %v, want manual_review", dec)
	}
	if confidence != 0.72 {
		t.Errorf("aggregate confidence = %v, want 0.72", confidence)
	}
}

func TestDecideApplicationErroredDocumentForcesFailure(t *testing.T) {
	e := testEngine()
	results := []*pipeline.ExtractionResult{
		{DocumentID: "doc-1", AggregateConfidence: 0.99},
		{DocumentID: "doc-2", Error: "unreadable document"},
	}
	dec, confidence := e.DecideApplication(results)
	if dec != pipeline.DecisionFailed {
		t.Errorf("decision = %v, want failed", dec)
	}
	if confidence != 0 {
		t.Errorf("aggregate confidence = %v, want 0", confidence)
	}
}

func TestDecideApplicationNoResultsFails(t *testing.T) {
	dec, _ := testEngine().DecideApplication(nil)
	if dec != pipeline.DecisionFailed {
		t.Errorf("decision = %v, want failed", dec)
	}
}

func TestAggregateConfidence(t *testing.T) {
	required := []string{"merchant_name", "ein", "requested_amount"}
	tests := []struct {
		name       string
		confidence map[string]float64
		want       float64
	}{
		{
			"minimum over required fields",
			map[string]float64{"merchant_name": 0.99, "ein": 0.91, "requested_amount": 0.97},
			0.91,
		},
		{
			"extra fields are ignored",
			map[string]float64{"merchant_name": 0.99, "ein": 0.98, "requested_amount": 0.97, "notes": 0.05},
			0.97,
		},
		{
			"missing required field scores zero",
			map[string]float64{"merchant_name": 0.99, "ein": 0.98},
			0,
		},
		{
			"empty extraction scores zero",
			map[string]float64{},
			0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AggregateConfidence(tt.confidence, required); got != tt.want {
				t.Errorf("AggregateConfidence() = %v, want %v", got, tt.want)
			}
		})
	}
}
