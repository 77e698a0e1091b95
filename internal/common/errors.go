package common

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput marks a request rejected before any work started.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUpstreamUnavailable marks a collaborator (catalog, entitlement) that could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrNotFound indicates a node or source that does not exist.
	ErrNotFound = errors.New("not found")
)

// IsInvalidInput reports whether err is or wraps ErrInvalidInput.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// IsUnavailable reports whether err is or wraps ErrUpstreamUnavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// InvalidInputError returns a formatted error wrapping ErrInvalidInput.
func InvalidInputError(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidInput)
}

// UnavailableError wraps cause so that IsUnavailable matches while keeping the cause inspectable.
func UnavailableError(what string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%s: %w", what, ErrUpstreamUnavailable)
	}
	return fmt.Errorf("%s: %w: %w", what, ErrUpstreamUnavailable, cause)
}

// NotFoundError returns a formatted error wrapping ErrNotFound.
func NotFoundError(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}
