package engine

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// ErrorClass represents the classification of an error for outcome and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: cloud API throttling, instance still booting.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassRecoverable indicates a failure a best-effort caller may discard.
	ErrorClassRecoverable ErrorClass = "recoverable"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid configuration, unsupported operation, failed assertion.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes used across the engine, the config resolver and the host backends.
const (
	ErrCodeInvalidConfig        = "INVALID_CONFIG"
	ErrCodeMissingParameter     = "MISSING_PARAMETER"
	ErrCodeUnsupportedOperation = "UNSUPPORTED_OPERATION"
	ErrCodeProvisioningTimeout  = "PROVISIONING_TIMEOUT"
	ErrCodeAssertionFailure     = "ASSERTION_FAILURE"
	ErrCodeActionFailed         = "ACTION_FAILED"
	ErrCodePathNotFound         = "PATH_NOT_FOUND"
	ErrCodeTypeMismatch         = "TYPE_MISMATCH"
	ErrCodeDuplicateEntry       = "DUPLICATE_ENTRY"
	ErrCodeModuleNotFound       = "MODULE_NOT_FOUND"
	ErrCodeIncomplete           = "INCOMPLETE"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code identifies the failure kind for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the host, story or config path that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`

	// Trail is the call site trail captured when the error was raised.
	Trail []string `json:"trail,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		fmt.Fprintf(&b, " (resource=%s, operation=%s)", e.Resource, e.Operation)
	case e.Resource != "":
		fmt.Fprintf(&b, " (resource=%s)", e.Resource)
	case e.Operation != "":
		fmt.Fprintf(&b, " (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
// Two engine errors match when they carry the same code.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithTrail records the caller's stack, skipping skip frames above the caller.
func (e *EngineError) WithTrail(skip int) *EngineError {
	e.Trail = captureTrail(skip + 2)
	return e
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewInvalidConfigError reports malformed or missing required configuration.
func NewInvalidConfigError(message string, err error) *EngineError {
	return NewPermanentError(message, err).WithCode(ErrCodeInvalidConfig)
}

// NewMissingParameterError reports a lifecycle call lacking a required descriptor field.
func NewMissingParameterError(param, operation string) *EngineError {
	return NewPermanentError(fmt.Sprintf("missing required parameter '%s'", param), nil).
		WithCode(ErrCodeMissingParameter).
		WithOperation(operation).
		WithDetail("parameter", param)
}

// NewUnsupportedOperationError reports an operation a backend does not implement.
func NewUnsupportedOperationError(operation, backend string) *EngineError {
	return NewPermanentError(fmt.Sprintf("%s does not support %s", backend, operation), nil).
		WithCode(ErrCodeUnsupportedOperation).
		WithOperation(operation)
}

// NewProvisioningTimeoutError reports a bounded wait that ran out of attempts.
func NewProvisioningTimeoutError(resource, want string, attempts int) *EngineError {
	return NewTransientError(fmt.Sprintf("gave up waiting for state '%s' after %d attempts", want, attempts), nil).
		WithCode(ErrCodeProvisioningTimeout).
		WithResource(resource).
		WithDetail("attempts", attempts)
}

// NewAssertionError reports an expectation mismatch raised by a story handler.
func NewAssertionError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeAssertionFailure).WithTrail(1)
}

// NewActionFailedError reports a handler that could not complete its intended action.
// Best-effort callers may discard it, see TryTo.
func NewActionFailedError(message string, err error) *EngineError {
	e := &EngineError{Class: ErrorClassRecoverable, Message: message, Err: err}
	return e.WithCode(ErrCodeActionFailed).WithTrail(1)
}

// NewIncompleteError reports a story that cannot proceed, such as an unmet prerequisite.
func NewIncompleteError(message string) *EngineError {
	return NewPermanentError(message, nil).WithCode(ErrCodeIncomplete)
}

// NewPathNotFoundError reports a dotted config path with no value.
func NewPathNotFoundError(path string) *EngineError {
	return NewPermanentError("config path not found", nil).
		WithCode(ErrCodePathNotFound).
		WithResource(path)
}

// NewTypeMismatchError reports a config value of an unexpected kind.
func NewTypeMismatchError(path, want, got string) *EngineError {
	return NewPermanentError(fmt.Sprintf("expected %s, found %s", want, got), nil).
		WithCode(ErrCodeTypeMismatch).
		WithResource(path)
}

// NewDuplicateEntryError reports an insert over an existing key.
func NewDuplicateEntryError(table, key string) *EngineError {
	return NewPermanentError(fmt.Sprintf("table already contains an entry for '%s'", key), nil).
		WithCode(ErrCodeDuplicateEntry).
		WithResource(table)
}

// NewModuleNotFoundError reports a lookup of an unregistered helper module.
func NewModuleNotFoundError(name string) *EngineError {
	return NewPermanentError("no module registered under this name", nil).
		WithCode(ErrCodeModuleNotFound).
		WithResource(name)
}

// HasCode returns true if any EngineError in err's chain carries code.
func HasCode(err error, code string) bool {
	return errors.Is(err, &EngineError{Code: code})
}

// CodeOf returns the code of the outermost EngineError in err's chain.
func CodeOf(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// TrailOf returns the captured call trail of the outermost EngineError, if any.
func TrailOf(err error) []string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Trail
	}
	return nil
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsRecoverable returns true if a best-effort caller may discard the error.
func IsRecoverable(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassRecoverable
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

func captureTrail(skip int) []string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var trail []string
	for {
		frame, more := frames.Next()
		if !strings.HasPrefix(frame.Function, "runtime.") && frame.File != "" {
			trail = append(trail, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return trail
}
