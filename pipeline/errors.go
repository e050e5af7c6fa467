package pipeline

import (
	"errors"
	"fmt"
)

// ErrNoResult is wrapped by an InternalError when a chain that must produce a
// result (see Completer) ran to completion without one.
var ErrNoResult = errors.New("no handler produced a result")

// InternalError is an internal consistency fault: a built-in handler reached
// a state earlier validation should have precluded, or a handler returned an
// unexpected error. It is never client-facing.
type InternalError struct {
	Event   string
	Handler string
	Err     error
}

// Error implements the error interface
func (e *InternalError) Error() string {
	if e.Handler == "" {
		return fmt.Sprintf("internal error while processing %s: %v", e.Event, e.Err)
	}
	return fmt.Sprintf("internal error in handler %s while processing %s: %v", e.Handler, e.Event, e.Err)
}

func (e *InternalError) Unwrap() error { return e.Err }

// Internalf creates an InternalError with a formatted message. The event and
// handler names are filled in by the dispatcher when empty.
func Internalf(format string, args ...any) *InternalError {
	return &InternalError{Err: fmt.Errorf(format, args...)}
}

// ConfigurationError reports a missing or invalid collaborator detected while
// building handlers. It is fatal and not retryable.
type ConfigurationError struct {
	Component string
	Err       error
}

// Error implements the error interface
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in %s: %v", e.Component, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Misconfigured creates a ConfigurationError with a formatted message.
func Misconfigured(component, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Component: component, Err: fmt.Errorf(format, args...)}
}

// IsInternal reports whether err is, or wraps, an InternalError.
func IsInternal(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}

// IsConfiguration reports whether err is, or wraps, a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ErrCancelled is wrapped, together with the context error, when a dispatch
// is aborted because its context was cancelled.
var ErrCancelled = errors.New("dispatch cancelled")
