package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/advancelabs/mca-pipeline/internal/pipeline"
	apperrors "github.com/advancelabs/mca-pipeline/pkg/errors"
	"github.com/advancelabs/mca-pipeline/pkg/postgres"
)

// PostgresStore implements Store on PostgreSQL. See schema.sql for the
// table definitions.
type PostgresStore struct {
	db *postgres.Client
}

// NewPostgresStore creates a PostgresStore over an open client.
func NewPostgresStore(db *postgres.Client) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateApplication(ctx context.Context, app *pipeline.Application) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO applications (id, merchant_name, ein, requested_amount, document_ids, status, outstanding_documents, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		app.ID, app.MerchantName, app.EIN, app.RequestedAmount,
		pq.Array(app.DocumentIDs), app.Status, app.OutstandingDocuments,
		app.CreatedAt, app.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting application %s: %w", app.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetApplication(ctx context.Context, id string) (*pipeline.Application, error) {
	var app pipeline.Application
	var docIDs pq.StringArray
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT id, merchant_name, ein, requested_amount, document_ids, status, outstanding_documents, created_at, updated_at
		 FROM applications WHERE id = $1`, id,
	).Scan(&app.ID, &app.MerchantName, &app.EIN, &app.RequestedAmount,
		&docIDs, &app.Status, &app.OutstandingDocuments, &app.CreatedAt, &app.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrApplicationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying application %s: %w", id, err)
	}
	app.DocumentIDs = []string(docIDs)
	return &app, nil
}

func (s *PostgresStore) TransitionApplication(ctx context.Context, id string, from, to pipeline.ApplicationStatus) error {
	if !pipeline.CanTransition(from, to) {
		return apperrors.ErrInvalidTransition
	}
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE applications SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`,
		to, id, from,
	)
	if err != nil {
		return fmt.Errorf("transitioning application %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking transition of %s: %w", id, err)
	}
	if affected == 0 {
		return apperrors.ErrInvalidTransition
	}
	return nil
}

func (s *PostgresStore) DecrementOutstanding(ctx context.Context, id string) (int, error) {
	var remaining int
	err := s.db.DB.QueryRowContext(ctx,
		`UPDATE applications
		 SET outstanding_documents = GREATEST(outstanding_documents - 1, 0), updated_at = NOW()
		 WHERE id = $1
		 RETURNING outstanding_documents`, id,
	).Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, apperrors.ErrApplicationNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("decrementing outstanding documents of %s: %w", id, err)
	}
	return remaining, nil
}

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *pipeline.Document) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO documents (id, application_id, storage_ref, mime_type, page_count, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO NOTHING`,
		doc.ID, doc.ApplicationID, doc.StorageRef, doc.MimeType, doc.PageCount, doc.Status,
	)
	if err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*pipeline.Document, error) {
	var doc pipeline.Document
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT id, application_id, storage_ref, mime_type, page_count, status FROM documents WHERE id = $1`, id,
	).Scan(&doc.ID, &doc.ApplicationID, &doc.StorageRef, &doc.MimeType, &doc.PageCount, &doc.Status)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying document %s: %w", id, err)
	}
	return &doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, applicationID string) ([]*pipeline.Document, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id, application_id, storage_ref, mime_type, page_count, status FROM documents WHERE application_id = $1`,
		applicationID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing documents of %s: %w", applicationID, err)
	}
	defer rows.Close()
	var docs []*pipeline.Document
	for rows.Next() {
		var doc pipeline.Document
		if err := rows.Scan(&doc.ID, &doc.ApplicationID, &doc.StorageRef, &doc.MimeType, &doc.PageCount, &doc.Status); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		docs = append(docs, &doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, id string, status pipeline.DocumentStatus) error {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE documents SET status = $1 WHERE id = $2`, status, id,
	)
	if err != nil {
		return fmt.Errorf("updating document %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update of document %s: %w", id, err)
	}
	if affected == 0 {
		return apperrors.ErrDocumentNotFound
	}
	return nil
}

func (s *PostgresStore) CreateExtractionResult(ctx context.Context, r *pipeline.ExtractionResult) error {
	fields, err := encodeJSONMap(r.Fields)
	if err != nil {
		return err
	}
	confidence, err := encodeJSONMap(r.FieldConfidence)
	if err != nil {
		return err
	}
	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO extraction_results (document_id, attempt, fields, field_confidence, aggregate_confidence, extracted_at, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (document_id, attempt) DO NOTHING`,
		r.DocumentID, r.Attempt, fields, confidence, r.AggregateConfidence, r.ExtractedAt, nullableString(r.Error),
	)
	if err != nil {
		return fmt.Errorf("inserting extraction result for %s attempt %d: %w", r.DocumentID, r.Attempt, err)
	}
	return nil
}

func (s *PostgresStore) LatestExtractionResult(ctx context.Context, documentID string) (*pipeline.ExtractionResult, error) {
	var r pipeline.ExtractionResult
	var fields, confidence []byte
	var errText sql.NullString
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT document_id, attempt, fields, field_confidence, aggregate_confidence, extracted_at, error
		 FROM extraction_results WHERE document_id = $1 ORDER BY attempt DESC LIMIT 1`, documentID,
	).Scan(&r.DocumentID, &r.Attempt, &fields, &confidence, &r.AggregateConfidence, &r.ExtractedAt, &errText)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying extraction result of %s: %w", documentID, err)
	}
	if err := decodeJSONMap(fields, &r.Fields); err != nil {
		return nil, err
	}
	if err := decodeJSONMap(confidence, &r.FieldConfidence); err != nil {
		return nil, err
	}
	r.Error = errText.String
	return &r, nil
}

func (s *PostgresStore) CreateOutcome(ctx context.Context, out *pipeline.ApplicationOutcome) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO application_outcomes (application_id, decision, aggregate_confidence, decided_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (application_id) DO NOTHING`,
		out.ApplicationID, out.Decision, out.AggregateConfidence, out.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting outcome for %s: %w", out.ApplicationID, err)
	}
	return nil
}

func (s *PostgresStore) GetOutcome(ctx context.Context, applicationID string) (*pipeline.ApplicationOutcome, error) {
	var out pipeline.ApplicationOutcome
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT application_id, decision, aggregate_confidence, decided_at
		 FROM application_outcomes WHERE application_id = $1`, applicationID,
	).Scan(&out.ApplicationID, &out.Decision, &out.AggregateConfidence, &out.DecidedAt)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrApplicationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying outcome of %s: %w", applicationID, err)
	}
	return &out, nil
}

func (s *PostgresStore) CreateDelivery(ctx context.Context, d *pipeline.WebhookDelivery) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (id, application_id, event_type, payload, attempt_count, last_attempt_at, status, last_error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		d.ID, d.ApplicationID, d.EventType, d.Payload, d.AttemptCount,
		nullableTime(d.LastAttemptAt), d.Status, nullableString(d.LastError),
	)
	if err != nil {
		return fmt.Errorf("inserting delivery %s: %w", d.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (*pipeline.WebhookDelivery, error) {
	var d pipeline.WebhookDelivery
	var lastAttempt sql.NullTime
	var lastError sql.NullString
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT id, application_id, event_type, payload, attempt_count, last_attempt_at, status, last_error
		 FROM webhook_deliveries WHERE id = $1`, id,
	).Scan(&d.ID, &d.ApplicationID, &d.EventType, &d.Payload, &d.AttemptCount, &lastAttempt, &d.Status, &lastError)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrDeliveryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying delivery %s: %w", id, err)
	}
	d.LastAttemptAt = lastAttempt.Time
	d.LastError = lastError.String
	return &d, nil
}

func (s *PostgresStore) UpdateDelivery(ctx context.Context, d *pipeline.WebhookDelivery) error {
	res, err := s.db.DB.ExecContext(ctx,
		`UPDATE webhook_deliveries
		 SET attempt_count = $1, last_attempt_at = $2, status = $3, last_error = $4
		 WHERE id = $5`,
		d.AttemptCount, nullableTime(d.LastAttemptAt), d.Status, nullableString(d.LastError), d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating delivery %s: %w", d.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update of delivery %s: %w", d.ID, err)
	}
	if affected == 0 {
		return apperrors.ErrDeliveryNotFound
	}
	return nil
}

func nullableString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
