package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a lookup that the caller cannot treat as
// optional finds nothing.
var ErrNotFound = errors.New("not found")

// ValidationError reports a malformed document. It is fatal to the
// document that produced it.
type ValidationError struct {
	Source string   // file name or reference, when known
	Issues []string // one entry per failed field
}

func (e *ValidationError) Error() string {
	msg := "invalid document"
	if e.Source != "" {
		msg += " " + e.Source
	}
	if len(e.Issues) > 0 {
		msg += ": " + strings.Join(e.Issues, "; ")
	}
	return msg
}

// NewValidationError builds a ValidationError with a single issue.
func NewValidationError(source, format string, args ...any) *ValidationError {
	return &ValidationError{Source: source, Issues: []string{fmt.Sprintf(format, args...)}}
}

// StoreError wraps a failure of the relational store or the vector index.
type StoreError struct {
	Store string // "postgres", "qdrant", "pgvector"
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Store, e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Store wraps err as a StoreError. It returns nil when err is nil so it can
// be used directly on return paths.
func Store(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Store: store, Op: op, Err: err}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStore reports whether err is, or wraps, a StoreError.
func IsStore(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
