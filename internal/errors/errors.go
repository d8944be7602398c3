package errors

import (
	stdErrors "errors"
	"fmt"
)

// Code identifies a class of failure across the runtime.
type Code string

// Severity drives alerting and audit output.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes carries the default behaviour of an error code.
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown              Code = "UNKNOWN"
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
	CodeUnavailable          Code = "UNAVAILABLE"
	CodeDuplicateName        Code = "DUPLICATE_NAME"
	CodeNotFound             Code = "NOT_FOUND"
	CodeInvalidTransition    Code = "INVALID_TRANSITION"
	CodeInitializationFailed Code = "INITIALIZATION_FAILED"
	CodeActivationFailed     Code = "ACTIVATION_FAILED"
	CodeCapabilityDenied     Code = "CAPABILITY_DENIED"
	CodeInvalidPattern       Code = "INVALID_PATTERN"
	CodePublishDepthExceeded Code = "PUBLISH_DEPTH_EXCEEDED"
	CodeQueueFull            Code = "QUEUE_FULL"
	CodeQueueClosed          Code = "QUEUE_CLOSED"
	CodeHandlerNotFound      Code = "HANDLER_NOT_FOUND"
	CodeHandlerFailed        Code = "HANDLER_FAILED"
	CodeTimeout              Code = "TIMEOUT"
	CodeCancelled            Code = "CANCELLED"
	CodeStorageFailure       Code = "STORAGE_FAILURE"
	CodeRelayFailure         Code = "RELAY_FAILURE"
)

var registry = map[Code]Attributes{
	CodeUnknown:              {Message: "unknown error", Severity: SeverityCritical, Retryable: false, Alert: true},
	CodeInvalidArgument:      {Message: "invalid argument", Severity: SeverityInfo},
	CodeUnavailable:          {Message: "component not available", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeDuplicateName:        {Message: "name already registered", Severity: SeverityInfo},
	CodeNotFound:             {Message: "resource not found", Severity: SeverityInfo},
	CodeInvalidTransition:    {Message: "invalid state transition", Severity: SeverityWarning},
	CodeInitializationFailed: {Message: "initialization failed", Severity: SeverityWarning, Alert: true},
	CodeActivationFailed:     {Message: "activation failed", Severity: SeverityWarning, Alert: true},
	CodeCapabilityDenied:     {Message: "capability denied", Severity: SeverityWarning},
	CodeInvalidPattern:       {Message: "invalid topic pattern", Severity: SeverityInfo},
	CodePublishDepthExceeded: {Message: "publish recursion depth exceeded", Severity: SeverityWarning, Alert: true},
	CodeQueueFull:            {Message: "queue is full", Severity: SeverityWarning, Retryable: true},
	CodeQueueClosed:          {Message: "queue is closed", Severity: SeverityInfo},
	CodeHandlerNotFound:      {Message: "no handler registered for task type", Severity: SeverityWarning, Alert: true},
	CodeHandlerFailed:        {Message: "handler failed", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeTimeout:              {Message: "operation timed out", Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeCancelled:            {Message: "operation cancelled", Severity: SeverityInfo},
	CodeStorageFailure:       {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeRelayFailure:         {Message: "relay failure", Severity: SeverityCritical, Retryable: true, Alert: true},
}

// AttributesOf returns the attributes of code, falling back to UNKNOWN.
func AttributesOf(code Code) Attributes {
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error is the coded error type shared by every runtime package.
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
}

// Option customises a single error value.
type Option func(*Error)

// WithMetadata attaches a key/value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable overrides the registered retry behaviour.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert overrides the registered alert behaviour.
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// New creates a coded error. An empty message takes the registered default.
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap creates a coded error around cause.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error implements error.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap implements errors.Unwrap.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is reports whether target is a coded error with the same code.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code returns the error code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the message without the code prefix or cause.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata returns a copy of the attached metadata.
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable reports whether the failure may be retried.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert reports whether the failure should page someone.
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity returns the registered severity of the code.
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return AttributesOf(e.code).Severity
}

// From extracts the outermost coded error from err.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or UNKNOWN.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError reports whether err may be retried. Errors that carry no
// code are treated as retryable: they come from user handlers and the retry
// budget bounds them anyway.
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return err != nil
}

// ShouldAlert reports whether err should trigger an alert.
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf returns the severity of err.
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
