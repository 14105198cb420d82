package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidUser indicates an invalid user identifier.
	ErrInvalidUser = errors.New("invalid user")
	// ErrInvalidDashboard indicates a dashboard record violates its invariants.
	ErrInvalidDashboard = errors.New("invalid dashboard")
	// ErrDashboardNotFound indicates a dashboard could not be found.
	ErrDashboardNotFound = errors.New("dashboard not found")
	// ErrSlugTaken indicates another dashboard already uses the slug.
	ErrSlugTaken = errors.New("dashboard slug already exists")
	// ErrOwnerMismatch indicates a dashboard is not owned by the expected user.
	ErrOwnerMismatch = errors.New("dashboard owner mismatch")
	// ErrSpawnerUnavailable indicates no spawner is configured.
	ErrSpawnerUnavailable = errors.New("spawner not configured")
)

// FieldError reports a user input problem tied to a single form field.
type FieldError struct {
	Field   string
	Message string
}

// NewFieldError constructs a field validation error.
func NewFieldError(field, format string, args ...any) *FieldError {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *FieldError) Error() string {
	if e == nil {
		return ErrInvalidRequest.Error()
	}
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Is matches ErrInvalidRequest so callers can classify validation failures.
func (e *FieldError) Is(target error) bool {
	return target == ErrInvalidRequest
}
