package interfaces

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a record, version or blob does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTombstoned is returned for records that were removed. It matches ErrNotFound.
	ErrTombstoned = fmt.Errorf("%w: record is tombstoned", ErrNotFound)

	// ErrConflict is returned when another writer holds the record.
	ErrConflict = errors.New("concurrent modification of record")

	// ErrBackendUnavailable is returned when a storage backend is not accessible.
	// This could be due to network issues, authentication failures, or service outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is malformed or unsupported.
	// URIs must follow the format: [scheme]://[auth@]host[:port][/path][?params]
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// ValidationError reports a client-fixable problem with a request, naming the
// offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
