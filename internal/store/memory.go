package store

import (
	"context"
	"sync"
	"time"

	"github.com/advancelabs/mca-pipeline/internal/pipeline"
	apperrors "github.com/advancelabs/mca-pipeline/pkg/errors"
)

// MemoryStore is the in-process Store used by tests.
type MemoryStore struct {
	mu           sync.Mutex
	applications map[string]*pipeline.Application
	documents    map[string]*pipeline.Document
	extractions  map[string][]*pipeline.ExtractionResult
	outcomes     map[string]*pipeline.ApplicationOutcome
	deliveries   map[string]*pipeline.WebhookDelivery
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		applications: make(map[string]*pipeline.Application),
		documents:    make(map[string]*pipeline.Document),
		extractions:  make(map[string][]*pipeline.ExtractionResult),
		outcomes:     make(map[string]*pipeline.ApplicationOutcome),
		deliveries:   make(map[string]*pipeline.WebhookDelivery),
	}
}

func (s *MemoryStore) CreateApplication(ctx context.Context, app *pipeline.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *app
	copied.DocumentIDs = append([]string(nil), app.DocumentIDs...)
	s.applications[app.ID] = &copied
	return nil
}

func (s *MemoryStore) GetApplication(ctx context.Context, id string) (*pipeline.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.applications[id]
	if !ok {
		return nil, apperrors.ErrApplicationNotFound
	}
	copied := *app
	copied.DocumentIDs = append([]string(nil), app.DocumentIDs...)
	return &copied, nil
}

func (s *MemoryStore) TransitionApplication(ctx context.Context, id string, from, to pipeline.ApplicationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.applications[id]
	if !ok {
		return apperrors.ErrApplicationNotFound
	}
	if app.Status != from || !pipeline.CanTransition(from, to) {
		return apperrors.ErrInvalidTransition
	}
	app.Status = to
	app.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DecrementOutstanding(ctx context.Context, id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.applications[id]
	if !ok {
		return 0, apperrors.ErrApplicationNotFound
	}
	if app.OutstandingDocuments > 0 {
		app.OutstandingDocuments--
	}
	return app.OutstandingDocuments, nil
}

func (s *MemoryStore) CreateDocument(ctx context.Context, doc *pipeline.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *doc
	s.documents[doc.ID] = &copied
	return nil
}

func (s *MemoryStore) GetDocument(ctx context.Context, id string) (*pipeline.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return nil, apperrors.ErrDocumentNotFound
	}
	copied := *doc
	return &copied, nil
}

func (s *MemoryStore) ListDocuments(ctx context.Context, applicationID string) ([]*pipeline.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var docs []*pipeline.Document
	for _, doc := range s.documents {
		if doc.ApplicationID == applicationID {
			copied := *doc
			docs = append(docs, &copied)
		}
	}
	return docs, nil
}

func (s *MemoryStore) UpdateDocumentStatus(ctx context.Context, id string, status pipeline.DocumentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[id]
	if !ok {
		return apperrors.ErrDocumentNotFound
	}
	doc.Status = status
	return nil
}

func (s *MemoryStore) CreateExtractionResult(ctx context.Context, res *pipeline.ExtractionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.extractions[res.DocumentID] {
		if existing.Attempt == res.Attempt {
			return nil
		}
	}
	copied := *res
	s.extractions[res.DocumentID] = append(s.extractions[res.DocumentID], &copied)
	return nil
}

func (s *MemoryStore) LatestExtractionResult(ctx context.Context, documentID string) (*pipeline.ExtractionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := s.extractions[documentID]
	if len(results) == 0 {
		return nil, apperrors.ErrDocumentNotFound
	}
	latest := results[0]
	for _, r := range results[1:] {
		if r.Attempt > latest.Attempt {
			latest = r
		}
	}
	copied := *latest
	return &copied, nil
}

func (s *MemoryStore) CreateOutcome(ctx context.Context, out *pipeline.ApplicationOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outcomes[out.ApplicationID]; ok {
		return nil
	}
	copied := *out
	s.outcomes[out.ApplicationID] = &copied
	return nil
}

func (s *MemoryStore) GetOutcome(ctx context.Context, applicationID string) (*pipeline.ApplicationOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outcomes[applicationID]
	if !ok {
		return nil, apperrors.ErrApplicationNotFound
	}
	copied := *out
	return &copied, nil
}

func (s *MemoryStore) CreateDelivery(ctx context.Context, d *pipeline.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deliveries[d.ID]; ok {
		return nil
	}
	copied := *d
	copied.Payload = append([]byte(nil), d.Payload...)
	s.deliveries[d.ID] = &copied
	return nil
}

func (s *MemoryStore) GetDelivery(ctx context.Context, id string) (*pipeline.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[id]
	if !ok {
		return nil, apperrors.ErrDeliveryNotFound
	}
	copied := *d
	copied.Payload = append([]byte(nil), d.Payload...)
	return &copied, nil
}

func (s *MemoryStore) UpdateDelivery(ctx context.Context, d *pipeline.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.deliveries[d.ID]
	if !ok {
		return apperrors.ErrDeliveryNotFound
	}
	existing.AttemptCount = d.AttemptCount
	existing.LastAttemptAt = d.LastAttemptAt
	existing.Status = d.Status
	existing.LastError = d.LastError
	return nil
}

var _ Store = (*MemoryStore)(nil)
