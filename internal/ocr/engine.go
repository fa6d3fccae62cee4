// Package ocr defines the boundary to the external OCR capability and the
// storage service that resolves document locators. Both are opaque to the
// pipeline: extraction returns fields with per-field confidences or a
// classified error, and the text-extraction algorithm itself lives outside
// this repository.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/advancelabs/mca-pipeline/pkg/config"
	apperrors "github.com/advancelabs/mca-pipeline/pkg/errors"
)

// Result is the normalized output of one extraction call.
type Result struct {
	Fields     map[string]string  `json:"fields"`
	Confidence map[string]float64 `json:"confidence"`
}

// Engine is the external OCR capability. Implementations classify failures
// as transient (engine unavailable, timeout) or permanent (unreadable
// document) via pkg/errors.
type Engine interface {
	Extract(ctx context.Context, documentBytes []byte, mimeType string) (*Result, error)
}

// Storage resolves an opaque storage reference to document bytes. A
// reference that does not resolve is a permanent failure.
type Storage interface {
	Fetch(ctx context.Context, storageRef string) ([]byte, error)
}

// NewEngine constructs the Engine selected by configuration.
func NewEngine(cfg config.OCRConfig) (Engine, error) {
	switch cfg.Engine {
	case "http", "":
		return NewHTTPEngine(cfg), nil
	default:
		return nil, fmt.Errorf("unknown ocr engine %q", cfg.Engine)
	}
}

// HTTPEngine calls an OCR service over HTTP: document bytes in, JSON fields
// and confidences out.
type HTTPEngine struct {
	endpoint string
	client   *http.Client
}

// NewHTTPEngine creates an HTTPEngine for the configured endpoint.
func NewHTTPEngine(cfg config.OCRConfig) *HTTPEngine {
	return &HTTPEngine{
		endpoint: cfg.EndpointURL,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Extract implements Engine. 4xx responses are permanent (the document
// cannot be read); 5xx and transport errors are transient.
func (e *HTTPEngine) Extract(ctx context.Context, documentBytes []byte, mimeType string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(documentBytes))
	if err != nil {
		return nil, apperrors.Permanent(fmt.Errorf("building ocr request: %w", err))
	}
	req.Header.Set("Content-Type", mimeType)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, apperrors.Transient(fmt.Errorf("calling ocr engine: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, apperrors.Transientf("ocr engine returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, apperrors.Permanentf("ocr engine rejected document: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Transient(fmt.Errorf("reading ocr response: %w", err))
	}
	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, apperrors.Permanent(fmt.Errorf("decoding ocr response: %w", err))
	}
	if result.Fields == nil {
		result.Fields = map[string]string{}
	}
	if result.Confidence == nil {
		result.Confidence = map[string]float64{}
	}
	return &result, nil
}

// HTTPStorage fetches document bytes from an object-store gateway by
// treating the storage reference as a URL path.
type HTTPStorage struct {
	baseURL string
	client  *http.Client
}

// NewHTTPStorage creates an HTTPStorage rooted at baseURL.
func NewHTTPStorage(baseURL string, client *http.Client) *HTTPStorage {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPStorage{baseURL: baseURL, client: client}
}

// Fetch implements Storage. A 404 means the reference does not resolve,
// which the pipeline treats as permanent.
func (s *HTTPStorage) Fetch(ctx context.Context, storageRef string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+storageRef, nil)
	if err != nil {
		return nil, apperrors.Permanent(fmt.Errorf("building storage request: %w", err))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperrors.Transient(fmt.Errorf("fetching %s: %w", storageRef, err))
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, apperrors.Permanent(fmt.Errorf("%w: %s", apperrors.ErrStorageRefMissing, storageRef))
	case resp.StatusCode >= 400:
		return nil, apperrors.Transientf("storage returned %d for %s", resp.StatusCode, storageRef)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Transient(fmt.Errorf("reading %s: %w", storageRef, err))
	}
	return data, nil
}
