package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrConfigRequired         = sterrors.New("paybridge: configuration is required")
	ErrLoggerRequired         = sterrors.New("paybridge: logger is required")
	ErrPublisherRequired      = sterrors.New("paybridge: publisher is required")
	ErrSubscriberRequired     = sterrors.New("paybridge: subscriber is required")
	ErrTopicRequired          = sterrors.New("paybridge: topic is required")
	ErrBusRequired            = sterrors.New("paybridge: event bus is required")
	ErrRegistryRequired       = sterrors.New("paybridge: method registry is required")
	ErrCallerRequired         = sterrors.New("paybridge: backend caller is required")
	ErrBackendHostRequired    = sterrors.New("paybridge: backend host is required")
	ErrSchemaRequired         = sterrors.New("paybridge: envelope schema is required")
	ErrMalformedEnvelope      = sterrors.New("paybridge: malformed envelope")
	ErrMethodRequired         = sterrors.New("paybridge: method is required")
	ErrInvalidPayload         = sterrors.New("paybridge: invalid request payload")
	ErrUnsupportedMethod      = sterrors.New("paybridge: unsupported method")
	ErrDuplicateMethod        = sterrors.New("paybridge: duplicate request method")
	ErrCredentialRequired     = sterrors.New("paybridge: API key is required in event payload")
	ErrTimeout                = sterrors.New("paybridge: timed out waiting for response")
	ErrNoInitialResponse      = sterrors.New("paybridge: no initial response received")
	ErrDuplicateCorrelationID = sterrors.New("paybridge: correlation id already in flight")
	ErrClosed                 = sterrors.New("paybridge: component closed")
	ErrNotStarted             = sterrors.New("paybridge: component not started")
	ErrEmptyStream            = sterrors.New("paybridge: backend stream returned no messages")
	ErrMessageTooLarge        = sterrors.New("paybridge: message exceeds transport size limit")
)

// ConfigValidationError wraps the joined validation failures of a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "paybridge: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// PublishError reports that a request envelope could not be acknowledged by
// the bus. No wait is entered when it is returned.
type PublishError struct {
	CorrelationID string
	Err           error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("paybridge: publish request %s: %v", e.CorrelationID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// TimeoutError reports that no response bearing CorrelationID arrived in time.
type TimeoutError struct {
	CorrelationID string
	Waited        time.Duration
	Cause         error
}

func (e *TimeoutError) Error() string {
	cause := e.Cause
	if cause == nil {
		cause = ErrTimeout
	}
	return fmt.Sprintf("%v: correlation id %s after %s", cause, e.CorrelationID, e.Waited)
}

// Is matches ErrTimeout and, when set, the more specific cause.
func (e *TimeoutError) Is(target error) bool {
	if target == ErrTimeout {
		return true
	}
	return e.Cause != nil && target == e.Cause
}

// DownstreamError wraps a failed backend call.
type DownstreamError struct {
	Operation string
	Err       error
}

func (e *DownstreamError) Error() string {
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

func (e *DownstreamError) Unwrap() error { return e.Err }

// UnsupportedMethodError is returned by registry lookups that miss.
type UnsupportedMethodError struct {
	Method string
	Known  []string
}

func (e *UnsupportedMethodError) Error() string {
	return fmt.Sprintf("Unsupported method: %s (available: %s)", e.Method, strings.Join(e.Known, ", "))
}

func (e *UnsupportedMethodError) Is(target error) bool { return target == ErrUnsupportedMethod }

// ErrorCategory groups failures for metrics labels.
type ErrorCategory string

const (
	CategoryNone       ErrorCategory = "none"
	CategoryValidation ErrorCategory = "validation"
	CategoryTransport  ErrorCategory = "transport"
	CategoryDownstream ErrorCategory = "downstream"
	CategoryOther      ErrorCategory = "other"
)

// Classify maps an error onto its category.
func Classify(err error) ErrorCategory {
	switch {
	case err == nil:
		return CategoryNone
	case sterrors.Is(err, ErrCredentialRequired),
		sterrors.Is(err, ErrUnsupportedMethod),
		sterrors.Is(err, ErrMalformedEnvelope),
		sterrors.Is(err, ErrMethodRequired),
		sterrors.Is(err, ErrInvalidPayload):
		return CategoryValidation
	case sterrors.Is(err, ErrTimeout):
		return CategoryTransport
	}
	var pubErr *PublishError
	if sterrors.As(err, &pubErr) {
		return CategoryTransport
	}
	var downstream *DownstreamError
	if sterrors.As(err, &downstream) {
		return CategoryDownstream
	}
	return CategoryOther
}
