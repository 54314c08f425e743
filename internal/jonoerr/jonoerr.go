// Copyright 2025 James Ross
// Package jonoerr defines the error kind taxonomy shared across jono's
// components, so callers can distinguish failure modes with errors.Is
// instead of string-matching.
package jonoerr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap these with fmt.Errorf("...: %w", Kind) or use the
// constructors below, which attach the offending id/message.
var (
	ErrBackend       = errors.New("backend")
	ErrSerialization = errors.New("serialization")
	ErrNotFound      = errors.New("not found")
	ErrInvalidJob    = errors.New("invalid job")
	ErrTooManyErrors = errors.New("too many errors")
	ErrMissingEnvVar = errors.New("missing environment variable")
)

// Backend wraps a backend (connection/protocol) failure.
func Backend(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, ErrBackend)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrBackend, err)
}

// Serialization wraps a JSON encode/decode failure.
func Serialization(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, ErrSerialization)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrSerialization, err)
}

// NotFound reports that a job id is not discoverable.
func NotFound(id string) error {
	return fmt.Errorf("job %s: %w", id, ErrNotFound)
}

// InvalidJob reports malformed or missing job metadata.
func InvalidJob(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrInvalidJob)
}

// TooManyErrors reports that a run loop crossed max_consecutive_errors.
func TooManyErrors(n int) error {
	return fmt.Errorf("%d consecutive errors: %w", n, ErrTooManyErrors)
}

// MissingEnvVar reports a missing required environment variable during
// connection bootstrap.
func MissingEnvVar(name string) error {
	return fmt.Errorf("%s: %w", name, ErrMissingEnvVar)
}

// IsNotFound reports whether err (or something it wraps) is ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
