package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy. Every error surfaced by the engine wraps one of these.
var (
	ErrTransientService  = errors.New("service unavailable")
	ErrMalformedResponse = errors.New("malformed response")
	ErrExtraction        = errors.New("extraction failed")
	ErrLedgerCorruption  = errors.New("ledger corrupt")
	ErrValidation        = errors.New("validation failed")
)

// Validation sentinels.
var (
	ErrEmptyAbstract = fmt.Errorf("%w: abstract is empty", ErrValidation)
	ErrEmptyTitle    = fmt.Errorf("%w: title is empty", ErrValidation)
	ErrEmptyQuery    = fmt.Errorf("%w: query is empty", ErrValidation)
	ErrInvalidLimit  = fmt.Errorf("%w: limit must be between 1 and %d", ErrValidation, MaxLimit)
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}

// ServiceError describes a failed call to an external service (embedding,
// generation, vector store). Kind is ErrTransientService or ErrMalformedResponse.
type ServiceError struct {
	Service string
	Op      string
	Status  int
	Kind    error
	Err     error
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the taxonomy kind and the underlying cause.
func (e *ServiceError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Transient builds a ServiceError of kind ErrTransientService.
func Transient(service, op string, err error) *ServiceError {
	return &ServiceError{Service: service, Op: op, Kind: ErrTransientService, Err: err}
}

// Malformed builds a ServiceError of kind ErrMalformedResponse.
func Malformed(service, op string, err error) *ServiceError {
	return &ServiceError{Service: service, Op: op, Kind: ErrMalformedResponse, Err: err}
}

// ExtractionError reports a table row that could not be turned into a record.
type ExtractionError struct {
	Source string
	Row    int
	Reason string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract %s row %d: %s", e.Source, e.Row, e.Reason)
}

func (e *ExtractionError) Unwrap() error { return ErrExtraction }
