// Package errors holds the sentinel errors shared by the collector pipeline.
//
// Per-item failures (a bad event, a file that could not be promoted, a
// roll-up run that blew up) never leave the component that hit them; they are
// logged and counted. The sentinels below are for the small set of failures
// that do cross package boundaries: codec selection, spool directory parsing,
// storage lookups and lock ownership.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Codec selection
	ErrUnknownFormat   = errors.New("unknown serialization format")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotSupported    = errors.New("not supported")

	// Lifecycle
	ErrQueueClosed   = errors.New("queue is closed")
	ErrFactoryClosed = errors.New("writer factory is closed")
	ErrWriterClosed  = errors.New("writer is closed")
	ErrSweepRunning  = errors.New("recovery sweep already running")

	// Spool layout
	ErrInvalidSpoolDir = errors.New("invalid spool directory")

	// Storage
	ErrNotFound    = errors.New("not found")
	ErrLockNotHeld = errors.New("lock not held")

	// Configuration
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsUserError reports whether err was caused by the caller (bad format name,
// unknown suffix, undecodable legacy data). These are never retried.
func IsUserError(err error) bool {
	return errors.Is(err, ErrUnknownFormat) ||
		errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrNotSupported)
}

// ============================================================================
// Wrapping
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewInvalidArgument creates an invalid-argument error naming the argument.
func NewInvalidArgument(name string, value interface{}) error {
	return fmt.Errorf("%s %q: %w", name, fmt.Sprint(value), ErrInvalidArgument)
}

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType, identifier string) error {
	return fmt.Errorf("%s '%s': %w", entityType, identifier, ErrNotFound)
}

// NewInvalidConfig creates a configuration error for a field.
func NewInvalidConfig(field, reason string) error {
	return fmt.Errorf("%s: %s: %w", field, reason, ErrInvalidConfig)
}
