// Package metrics defines the Prometheus metric collectors used across the
// pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	TasksSubmittedTotal    *prometheus.CounterVec
	TasksConsumedTotal     *prometheus.CounterVec
	TaskRetriesTotal       *prometheus.CounterVec
	TasksDeadLetteredTotal *prometheus.CounterVec
	TaskDuration           *prometheus.HistogramVec
	QueueDepth             *prometheus.GaugeVec
	WorkersActive          *prometheus.GaugeVec
	OCRExtractionsTotal    *prometheus.CounterVec
	OCRConfidence          prometheus.Histogram
	DecisionsTotal         *prometheus.CounterVec
	WebhookAttemptsTotal   *prometheus.CounterVec
	WebhookDuration        prometheus.Histogram
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		TasksSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_tasks_submitted_total",
				Help: "Total tasks submitted by queue and result (accepted, deduplicated).",
			},
			[]string{"queue", "result"},
		),
		TasksConsumedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_tasks_consumed_total",
				Help: "Total tasks consumed by queue and outcome (ack, nack).",
			},
			[]string{"queue", "outcome"},
		),
		TaskRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_task_retries_total",
				Help: "Total task redeliveries scheduled by queue.",
			},
			[]string{"queue"},
		),
		TasksDeadLetteredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_tasks_dead_lettered_total",
				Help: "Total tasks moved to the dead-letter queue.",
			},
			[]string{"queue"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_task_duration_seconds",
				Help:    "Task handler execution time in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"queue"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_queue_depth",
				Help: "Number of ready tasks per queue.",
			},
			[]string{"queue"},
		),
		WorkersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_workers_active",
				Help: "Number of running workers per queue.",
			},
			[]string{"queue"},
		),
		OCRExtractionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_ocr_extractions_total",
				Help: "Total OCR extraction attempts by result (ok, transient_error, permanent_error).",
			},
			[]string{"result"},
		),
		OCRConfidence: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_ocr_aggregate_confidence",
				Help:    "Aggregate confidence of successful extractions.",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
			},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_decisions_total",
				Help: "Total decisions by outcome (auto_approved, manual_review, failed).",
			},
			[]string{"outcome"},
		),
		WebhookAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_webhook_attempts_total",
				Help: "Total webhook delivery attempts by result (delivered, retryable, exhausted).",
			},
			[]string{"result"},
		),
		WebhookDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pipeline_webhook_duration_seconds",
				Help:    "Webhook delivery attempt latency in seconds.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pipeline_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	prometheus.MustRegister(
		m.TasksSubmittedTotal,
		m.TasksConsumedTotal,
		m.TaskRetriesTotal,
		m.TasksDeadLetteredTotal,
		m.TaskDuration,
		m.QueueDepth,
		m.WorkersActive,
		m.OCRExtractionsTotal,
		m.OCRConfidence,
		m.DecisionsTotal,
		m.WebhookAttemptsTotal,
		m.WebhookDuration,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
