package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// BuildErrorKind classifies build failures for user-facing status.
type BuildErrorKind string

const (
	// BuildErrorUnknown is an uncategorized build failure.
	BuildErrorUnknown BuildErrorKind = "unknown"
	// BuildErrorConfiguration indicates the deployment cannot build dashboards.
	BuildErrorConfiguration BuildErrorKind = "configuration"
	// BuildErrorOptions indicates launch options could not be resolved.
	BuildErrorOptions BuildErrorKind = "options"
	// BuildErrorSpawn indicates the spawner failed to launch the backend.
	BuildErrorSpawn BuildErrorKind = "spawn"
	// BuildErrorPersist indicates the final backend could not be recorded.
	BuildErrorPersist BuildErrorKind = "persist"
	// BuildErrorTimeout indicates the build exceeded the start timeout.
	BuildErrorTimeout BuildErrorKind = "timeout"
	// BuildErrorCanceled indicates the build was canceled.
	BuildErrorCanceled BuildErrorKind = "canceled"
)

// BuildError wraps build failures with a stable classification.
type BuildError struct {
	Kind    BuildErrorKind
	Op      string
	Message string
	Status  int
	Err     error
}

// NewBuildError constructs a classified build error.
func NewBuildError(kind BuildErrorKind, op string, err error) *BuildError {
	return &BuildError{Kind: kind, Op: op, Err: err}
}

func (e *BuildError) Error() string {
	if e == nil {
		return "build error"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("build %s failed", e.Op)
	}
	return "build error"
}

func (e *BuildError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HTTPStatus maps the error to an HTTP-equivalent class.
func (e *BuildError) HTTPStatus() int {
	if e == nil {
		return http.StatusInternalServerError
	}
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case BuildErrorConfiguration, BuildErrorOptions:
		return http.StatusBadRequest
	case BuildErrorTimeout:
		return http.StatusGatewayTimeout
	case BuildErrorSpawn:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// classifyBuildError wraps err unless it is already classified.
func classifyBuildError(kind BuildErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var buildErr *BuildError
	if errors.As(err, &buildErr) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = BuildErrorTimeout
	case errors.Is(err, context.Canceled):
		kind = BuildErrorCanceled
	}
	return NewBuildError(kind, op, err)
}

// IsBuildErrorKind reports whether err is a build error of the given kind.
func IsBuildErrorKind(err error, kind BuildErrorKind) bool {
	var buildErr *BuildError
	if !errors.As(err, &buildErr) {
		return false
	}
	return buildErr.Kind == kind
}
