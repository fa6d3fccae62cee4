// Package decision maps extraction confidence to an application outcome.
// The policy is a pure function of the aggregate confidence and two
// configurable thresholds; it has no side effects.
package decision

import (
	"github.com/advancelabs/mca-pipeline/internal/pipeline"
	"github.com/advancelabs/mca-pipeline/pkg/config"
)

// Engine applies the confidence routing policy.
type Engine struct {
	autoApprove  float64
	manualReview float64
}

// NewEngine creates an Engine with the configured thresholds.
func NewEngine(cfg config.DecisionConfig) *Engine {
	return &Engine{
		autoApprove:  cfg.AutoApproveThreshold,
		manualReview: cfg.ManualReviewThreshold,
	}
}

// Decide buckets an aggregate confidence score. Thresholds are inclusive
// lower bounds: a score exactly at a threshold takes the higher-trust
// bucket.
func (e *Engine) Decide(aggregateConfidence float64) pipeline.Decision {
	switch {
	case aggregateConfidence >= e.autoApprove:
		return pipeline.DecisionAutoApproved
	case aggregateConfidence >= e.manualReview:
		return pipeline.DecisionManualReview
	default:
		return pipeline.DecisionFailed
	}
}

// DecideApplication folds the per-document extraction results of one
// application into a decision. The application's aggregate confidence is
// the minimum across successfully extracted documents; any document in
// error forces the decision to failed regardless of other scores.
func (e *Engine) DecideApplication(results []*pipeline.ExtractionResult) (pipeline.Decision, float64) {
	if len(results) == 0 {
		return pipeline.DecisionFailed, 0
	}
	aggregate := 1.0
	for _, r := range results {
		if r.Failed() {
			return pipeline.DecisionFailed, 0
		}
		if r.AggregateConfidence < aggregate {
			aggregate = r.AggregateConfidence
		}
	}
	return e.Decide(aggregate), aggregate
}

// AggregateConfidence computes a document's aggregate confidence as the
// minimum confidence among the required fields. A required field missing
// from the extraction scores zero.
func AggregateConfidence(fieldConfidence map[string]float64, requiredFields []string) float64 {
	if len(requiredFields) == 0 {
		return 0
	}
	aggregate := 1.0
	for _, field := range requiredFields {
		c, ok := fieldConfidence[field]
		if !ok {
			return 0
		}
		if c < aggregate {
			aggregate = c
		}
	}
	return aggregate
}
