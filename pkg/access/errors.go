package access

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a user, tenant or organization does not exist
	ErrNotFound = errors.New("not found")
	// ErrInconsistentReference marks data anomalies that resolution works around
	ErrInconsistentReference = errors.New("inconsistent reference")
	// ErrSourceUnavailable is returned when an upstream store fetch fails. It is retryable.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrValidationFailed is returned when a propagation job cannot pass validation
	ErrValidationFailed = errors.New("validation failed")
	// ErrTargetMutationFailed is recorded when a propagation target could not be mutated
	ErrTargetMutationFailed = errors.New("target mutation failed")
	// ErrUnknownFeature is returned for feature or preset ids absent from the catalog
	ErrUnknownFeature = errors.New("unknown feature")
	// ErrForbidden is returned when the caller may not perform an operation
	ErrForbidden = errors.New("forbidden")
)

// NotFoundError identifies the missing entity
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFound creates a NotFoundError
func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// SourceError wraps a failed upstream fetch
type SourceError struct {
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Source, e.Err)
}

// Is matches ErrSourceUnavailable as well as the wrapped error
func (e *SourceError) Is(target error) bool {
	return target == ErrSourceUnavailable
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as a SourceError unless it already reports NotFound
func Unavailable(source string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrSourceUnavailable) {
		return err
	}
	return &SourceError{Source: source, Err: err}
}

// IsRetryable reports whether the error is a transient upstream failure
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSourceUnavailable)
}

// ValidationError describes why a propagation job was rejected
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// QuotaExceededError is returned by usage pre-checks
type QuotaExceededError struct {
	Resource ResourceKind
	Current  int64
	Limit    int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: %d/%d", e.Resource, e.Current, e.Limit)
}

// IsQuotaExceeded checks if an error is a quota exceeded error
func IsQuotaExceeded(err error) bool {
	var qe *QuotaExceededError
	return errors.As(err, &qe)
}
