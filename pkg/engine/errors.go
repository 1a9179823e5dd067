package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of a failure for retry and escalation logic.
type ErrorClass string

const (
	// ErrorClassNone marks a successful outcome.
	ErrorClassNone ErrorClass = ""

	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: throttling, connection resets, state lock contention.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a failure that will not go away on retry.
	// Examples: invalid configuration, permission denied, overall timeout.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassBlocked indicates the engine refused to proceed and a human must review.
	ErrorClassBlocked ErrorClass = "blocked"

	// ErrorClassFatal indicates the run itself can no longer be trusted,
	// for example when a failed apply could not be rolled back.
	ErrorClassFatal ErrorClass = "fatal"
)

// Validate checks that the class is one of the known values.
func (c ErrorClass) Validate() error {
	switch c {
	case ErrorClassNone, ErrorClassTransient, ErrorClassPermanent, ErrorClassBlocked, ErrorClassFatal:
		return nil
	default:
		return fmt.Errorf("invalid error class: %s", c)
	}
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Unit is the deployment unit that caused the error, if applicable.
	Unit string `json:"unit,omitempty"`

	// Operation is the tool operation being performed (init, plan, apply...).
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	switch {
	case e.Unit != "" && e.Operation != "":
		return fmt.Sprintf("[%s] %s (unit=%s, operation=%s)", e.Class, msg, e.Unit, e.Operation)
	case e.Unit != "":
		return fmt.Sprintf("[%s] %s (unit=%s)", e.Class, msg, e.Unit)
	default:
		return fmt.Sprintf("[%s] %s", e.Class, msg)
	}
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// NewBlockedError creates a new blocked error.
func NewBlockedError(message string, err error) *EngineError {
	return newError(ErrorClassBlocked, message, err)
}

// NewFatalError creates a new fatal error.
func NewFatalError(message string, err error) *EngineError {
	return newError(ErrorClassFatal, message, err)
}

// WithUnit adds unit context to an error.
func (e *EngineError) WithUnit(unitID string) *EngineError {
	e.Unit = unitID
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

// ClassOf returns the class of err. Unclassified errors are permanent.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ErrorClassNone
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassTransient
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassPermanent
}

// IsBlocked returns true if the error is classified as blocked.
func IsBlocked(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassBlocked
}

// IsFatal returns true if the error is classified as fatal.
func IsFatal(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassFatal
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err)
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	ErrCodeToolFailed        = "TOOL_FAILED"
	ErrCodeDestructiveChange = "DESTRUCTIVE_CHANGE"
	ErrCodePolicyViolation   = "POLICY_VIOLATION"
	ErrCodeBackupFailed      = "BACKUP_FAILED"
	ErrCodeRestoreFailed     = "RESTORE_FAILED"
	ErrCodeUnsafeArgument    = "UNSAFE_ARGUMENT"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// ErrRestoreFailed is matched with errors.Is against fatal rollback failures.
var ErrRestoreFailed = &EngineError{Class: ErrorClassFatal, Code: ErrCodeRestoreFailed, Message: "state restore failed"}
