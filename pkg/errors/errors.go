// Package errors defines the pipeline's error taxonomy. Worker handlers
// classify every failure as transient (retried with backoff) or permanent
// (propagated immediately to a terminal state); the dispatch loop inspects
// the classification instead of unwinding through panics.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrApplicationNotFound = errors.New("application not found")
	ErrDocumentNotFound    = errors.New("document not found")
	ErrDeliveryNotFound    = errors.New("webhook delivery not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidInput        = errors.New("invalid input")
	ErrStorageRefMissing   = errors.New("storage reference unresolvable")
	ErrInternal            = errors.New("internal error")
)

// Class partitions failures by retry policy.
type Class int

const (
	// ClassTransient failures may succeed on a later attempt.
	ClassTransient Class = iota
	// ClassPermanent failures will never succeed and must not be retried.
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// ClassifiedError carries a Class alongside the wrapped cause.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Err.Error())
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// Transientf builds a retryable error from a format string.
func Transientf(format string, args ...any) error {
	return &ClassifiedError{Class: ClassTransient, Err: fmt.Errorf(format, args...)}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassPermanent, Err: err}
}

// Permanentf builds a non-retryable error from a format string.
func Permanentf(format string, args ...any) error {
	return &ClassifiedError{Class: ClassPermanent, Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err (or anything it wraps) is classified
// permanent.
func IsPermanent(err error) bool {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ClassPermanent
	}
	return false
}

// IsTransient reports whether err should be retried. Unclassified errors
// default to transient so that nothing is silently dropped.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsPermanent(err)
}

// HTTPStatusCode maps pipeline errors to status codes for the status API.
func HTTPStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrApplicationNotFound),
		errors.Is(err, ErrDocumentNotFound),
		errors.Is(err, ErrDeliveryNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
