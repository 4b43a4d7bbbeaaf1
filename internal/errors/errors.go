// Package errors provides the relay's error taxonomy and the helpers used to
// decide whether a failure is local to one frame or ends the whole session.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents how far a failure propagates
type ErrorClass int

const (
	// ClassUnexpected is any failure the relay has no specific handling for.
	// It ends the session and is reported to the owner as an alert.
	ClassUnexpected ErrorClass = iota
	// ClassFrameLocal rejects a single inbound frame, the connection stays open
	ClassFrameLocal
	// ClassTerminal ends the session without being treated as a fault
	ClassTerminal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ClassUnexpected:
		return "unexpected"
	case ClassFrameLocal:
		return "frame_local"
	case ClassTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Taxonomy sentinels. Match with errors.Is.
var (
	// Admission
	ErrAuthentication   = errors.New("authentication failed")
	ErrDuplicateSession = errors.New("multiple connections from one hub are not allowed")

	// Frame handling
	ErrMalformedMessage = errors.New("message must have a single key that defines handler")
	ErrHandlerNotFound  = errors.New("handler not found")
	ErrValidation       = errors.New("validation failed")
	ErrThrottled        = errors.New("maximum sending rate exceeded")
	ErrNotFound         = errors.New("does not exist")

	// Session lifetime
	ErrTimeout     = errors.New("session timeout")
	ErrClosed      = errors.New("connection closed")
	ErrSessionLost = errors.New("presence lost")
)

var frameLocal = []error{
	ErrMalformedMessage,
	ErrHandlerNotFound,
	ErrValidation,
	ErrThrottled,
	ErrNotFound,
}

var terminal = []error{
	ErrAuthentication,
	ErrDuplicateSession,
	ErrTimeout,
	ErrClosed,
}

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapFrame wraps err as a frame-local rejection
func WrapFrame(err error, component, method, action string) error {
	return wrapClassified(ClassFrameLocal, err, component, method, action)
}

// WrapTerminal wraps err as a session-ending condition
func WrapTerminal(err error, component, method, action string) error {
	return wrapClassified(ClassTerminal, err, component, method, action)
}

func wrapClassified(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// Classify returns the class for err. Explicit classification wins over
// sentinel matching; anything unrecognised is unexpected.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnexpected
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}

	if isAny(err, frameLocal) {
		return ClassFrameLocal
	}
	if isAny(err, terminal) || errors.Is(err, context.Canceled) {
		return ClassTerminal
	}
	return ClassUnexpected
}

// IsFrameLocal reports whether err rejects only the current frame
func IsFrameLocal(err error) bool {
	return err != nil && Classify(err) == ClassFrameLocal
}

// IsTerminal reports whether err ends the session in an orderly way
func IsTerminal(err error) bool {
	return err != nil && Classify(err) == ClassTerminal
}

// Reason returns a short, stable label for err, suitable for metrics and logs.
// It never exposes the underlying message.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuthentication):
		return "authentication"
	case errors.Is(err, ErrDuplicateSession):
		return "duplicate_session"
	case errors.Is(err, ErrMalformedMessage):
		return "malformed"
	case errors.Is(err, ErrHandlerNotFound):
		return "handler_not_found"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrThrottled):
		return "throttled"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled):
		return "closed"
	case errors.Is(err, ErrSessionLost):
		return "session_lost"
	default:
		return "unexpected"
	}
}

func isAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
