// Package statusapi serves the read-only status endpoint consumed by the
// dashboard collaborator. It answers through the orchestrator's status query
// and never writes, so it can run as many replicas as needed without touching
// pipeline semantics.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/advancelabs/mca-pipeline/internal/pipeline"
	apperrors "github.com/advancelabs/mca-pipeline/pkg/errors"
	"github.com/advancelabs/mca-pipeline/pkg/health"
)

// Querier answers the status query. The orchestrator implements it, keeping
// outcome semantics in one place rather than re-deriving them from the store.
type Querier interface {
	Status(ctx context.Context, applicationID string) (*pipeline.Application, *pipeline.ApplicationOutcome, error)
}

// Handler implements the status API's HTTP endpoints.
type Handler struct {
	query   Querier
	checker *health.Checker
	logger  *slog.Logger
}

// New creates a status API Handler.
func New(query Querier, checker *health.Checker) *Handler {
	return &Handler{
		query:   query,
		checker: checker,
		logger:  slog.Default().With("component", "status-api"),
	}
}

// Router builds the status API mux.
//
// Route table:
//
//	GET /api/v1/applications/{id} → application status + latest outcome
//	GET /health/live              → liveness
//	GET /health/ready             → readiness (store probe)
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/applications/{id}", h.GetApplication)
	mux.HandleFunc("GET /health/live", h.checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", h.checker.ReadyHandler())
	return mux
}

type outcomeResponse struct {
	Decision            string    `json:"decision"`
	AggregateConfidence float64   `json:"aggregate_confidence"`
	DecidedAt           time.Time `json:"decided_at"`
}

type applicationResponse struct {
	ID              string           `json:"id"`
	MerchantName    string           `json:"merchant_name"`
	EIN             string           `json:"ein"`
	RequestedAmount float64          `json:"requested_amount"`
	Status          string           `json:"status"`
	DocumentCount   int              `json:"document_count"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	Outcome         *outcomeResponse `json:"outcome,omitempty"`
}

// GetApplication returns the application's current status and, once decided,
// its outcome. In-flight applications have a null outcome.
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "application id is required")
		return
	}

	app, outcome, err := h.query.Status(r.Context(), id)
	if errors.Is(err, apperrors.ErrApplicationNotFound) {
		h.writeError(w, http.StatusNotFound, "application not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to fetch application status", "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to fetch application status")
		return
	}

	resp := applicationResponse{
		ID:              app.ID,
		MerchantName:    app.MerchantName,
		EIN:             app.EIN,
		RequestedAmount: app.RequestedAmount,
		Status:          string(app.Status),
		DocumentCount:   len(app.DocumentIDs),
		CreatedAt:       app.CreatedAt,
		UpdatedAt:       app.UpdatedAt,
	}
	if outcome != nil {
		resp.Outcome = &outcomeResponse{
			Decision:            string(outcome.Decision),
			AggregateConfidence: outcome.AggregateConfidence,
			DecidedAt:           outcome.DecidedAt,
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
