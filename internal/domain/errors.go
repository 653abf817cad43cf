package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrJobNotFound         = errors.New("job not found")
	ErrDuplicateJob        = errors.New("job already exists")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrConcurrencyConflict = errors.New("job already claimed")
	ErrAuthentication      = errors.New("authentication failed")
	ErrUpload              = errors.New("upload failed")
	ErrNoUploader          = errors.New("no uploader for platform")
)

// ValidationError rejects a job request before it reaches the store.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
