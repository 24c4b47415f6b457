// Package errors provides centralized error definitions and error handling utilities
// for pathwatch. It defines sync-engine errors, semantic error types, error
// constructors with context wrapping, and error classification helpers.
//
// # Error Types
//
// Domain-specific errors represent failures at the engine's boundaries:
//   - TransportError: the push channel could not connect or read
//   - PullError: an authoritative fetch (collection, entity, job) failed
//   - CommandError: a mutating command (cancel, restart, send, patch) was rejected
//   - DecodeError: a payload could not be normalized into a canonical record
//
// Semantic errors represent common error conditions:
//   - NotFoundError: resource not found
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewPullError("fetch path failed", cause).WithResource("path", "p1")
//	if errors.IsRetryable(err) { ... }
//
//	var cmdErr *errors.CommandError
//	if errors.As(err, &cmdErr) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Transport sentinel errors
var (
	// ErrNotConnected indicates the push channel has no live connection.
	ErrNotConnected = New("push channel not connected")
	// ErrChannelClosed indicates the push client was closed by its owner.
	ErrChannelClosed = New("push channel closed")
)

// Command sentinel errors
var (
	// ErrCommandRejected indicates the backend refused a mutating command.
	ErrCommandRejected = New("command rejected")
)

// Decode sentinel errors
var (
	// ErrMalformedPayload indicates an envelope or record could not be parsed.
	ErrMalformedPayload = New("malformed payload")
	// ErrMissingIdentity indicates a record arrived without an id.
	ErrMissingIdentity = New("record has no identity")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrNotFound indicates the backend reported a missing resource.
	ErrNotFound = New("not found")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// PathwatchError is the base interface for all pathwatch errors.
// It extends the standard error interface with additional methods for
// error handling and classification.
type PathwatchError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity {
	return e.severity
}

func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// format renders "<kind> [k=v, ...]: message: cause".
func (e *baseError) format(kind string, parts []string) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// TransportError represents a failure of the push channel connection.
//
// Example:
//
//	err := errors.NewTransportError("dial failed", cause).WithURL("wss://host/ws")
type TransportError struct {
	baseError
	URL     string
	Attempt int
}

// NewTransportError creates a new TransportError. Transport failures are
// retried by the push client's reconnect loop.
func NewTransportError(message string, cause error) *TransportError {
	return &TransportError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityWarning,
			retryable: true,
		},
	}
}

// WithURL adds the endpoint to the error context.
func (e *TransportError) WithURL(url string) *TransportError {
	e.URL = url
	return e
}

// WithAttempt records which reconnect attempt failed.
func (e *TransportError) WithAttempt(n int) *TransportError {
	e.Attempt = n
	return e
}

func (e *TransportError) Error() string {
	var parts []string
	if e.URL != "" {
		parts = append(parts, fmt.Sprintf("url=%s", e.URL))
	}
	if e.Attempt > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", e.Attempt))
	}
	return e.format("transport error", parts)
}

// Is checks if this error matches the target.
func (e *TransportError) Is(target error) bool {
	if _, ok := target.(*TransportError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PullError represents a failed authoritative fetch.
//
// Example:
//
//	err := errors.NewPullError("fetch path", cause).WithResource("path", "p1").WithStatus(503)
type PullError struct {
	baseError
	Resource   string
	ResourceID string
	StatusCode int
}

// NewPullError creates a new PullError. Pulls are retryable by default since
// the convergence poller simply tries again on its next tick.
func NewPullError(message string, cause error) *PullError {
	return &PullError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityWarning,
			retryable: true,
		},
	}
}

// WithResource adds the resource kind and id to the error context.
func (e *PullError) WithResource(kind, id string) *PullError {
	e.Resource = kind
	e.ResourceID = id
	return e
}

// WithStatus records the HTTP status and updates retryability: 4xx other
// than 408 and 429 will not succeed on retry.
func (e *PullError) WithStatus(code int) *PullError {
	e.StatusCode = code
	e.retryable = RetryableStatus(code)
	return e
}

func (e *PullError) Error() string {
	var parts []string
	if e.Resource != "" {
		parts = append(parts, fmt.Sprintf("%s=%s", e.Resource, e.ResourceID))
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	return e.format("pull error", parts)
}

// Is checks if this error matches the target.
func (e *PullError) Is(target error) bool {
	if _, ok := target.(*PullError); ok {
		return true
	}
	if e.StatusCode == 404 && errors.Is(target, ErrNotFound) {
		return true
	}
	return e.baseError.Is(target)
}

// CommandError represents a mutating command the backend did not accept.
// Command errors are surfaced to the caller and never retried by the engine.
//
// Example:
//
//	err := errors.NewCommandError("cancel", cause).WithTarget("j1").WithStatus(409)
type CommandError struct {
	baseError
	Command    string
	Target     string
	StatusCode int
}

// NewCommandError creates a new CommandError for the named command.
func NewCommandError(command string, cause error) *CommandError {
	return &CommandError{
		baseError: baseError{
			message:  command + " failed",
			cause:    cause,
			severity: SeverityError,
		},
		Command: command,
	}
}

// WithTarget adds the id the command addressed.
func (e *CommandError) WithTarget(id string) *CommandError {
	e.Target = id
	return e
}

// WithStatus records the HTTP status returned by the backend.
func (e *CommandError) WithStatus(code int) *CommandError {
	e.StatusCode = code
	return e
}

func (e *CommandError) Error() string {
	var parts []string
	if e.Target != "" {
		parts = append(parts, fmt.Sprintf("target=%s", e.Target))
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	return e.format("command error", parts)
}

// Is checks if this error matches the target.
func (e *CommandError) Is(target error) bool {
	if _, ok := target.(*CommandError); ok {
		return true
	}
	if errors.Is(target, ErrCommandRejected) {
		return true
	}
	return e.baseError.Is(target)
}

// DecodeError represents a payload that could not be normalized.
// Decode errors are logged and the offending event skipped.
type DecodeError struct {
	baseError
	Event string
	Field string
}

// NewDecodeError creates a new DecodeError.
func NewDecodeError(message string, cause error) *DecodeError {
	return &DecodeError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityDebug,
		},
	}
}

// WithEvent records the event name the payload belonged to.
func (e *DecodeError) WithEvent(name string) *DecodeError {
	e.Event = name
	return e
}

// WithField records the offending field.
func (e *DecodeError) WithField(field string) *DecodeError {
	e.Field = field
	return e
}

func (e *DecodeError) Error() string {
	var parts []string
	if e.Event != "" {
		parts = append(parts, fmt.Sprintf("event=%s", e.Event))
	}
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	return e.format("decode error", parts)
}

// Is checks if this error matches the target.
func (e *DecodeError) Is(target error) bool {
	if _, ok := target.(*DecodeError); ok {
		return true
	}
	if errors.Is(target, ErrMalformedPayload) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("path", "p1")
//	fmt.Println(err) // "path 'p1' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:  fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity: SeverityWarning,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	if errors.Is(target, ErrNotFound) {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("thread id cannot be empty").WithField("thread_id")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return e.format("validation error", parts)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			severity:  SeverityWarning,
			retryable: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var pwErr PathwatchError
	if As(err, &pwErr) {
		return pwErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement PathwatchError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var pwErr PathwatchError
	if As(err, &pwErr) {
		return pwErr.Severity()
	}
	return SeverityError
}

// busyMarkers are substrings the backend uses when a thread already has a
// response in flight.
var busyMarkers = []string{
	"busy",
	"in progress",
	"in_progress",
	"already running",
	"already generating",
	"rate limit",
	"too many requests",
}

// IsBusy reports whether err indicates the assistant is already responding.
// The backend does not return a stable code for this, so the check is a
// case-insensitive substring match on the error text.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var cmdErr *CommandError
	if As(err, &cmdErr) && cmdErr.StatusCode == 429 {
		return true
	}
	text := strings.ToLower(err.Error())
	for _, marker := range busyMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// SendFailureBanner returns the short banner text shown when sending a chat
// message fails.
func SendFailureBanner(err error) string {
	if err == nil {
		return ""
	}
	if IsBusy(err) {
		return "The assistant is busy with another reply. Retry shortly."
	}
	return "Message could not be sent. Please try again."
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// RetryableStatus reports whether a request answered with code may succeed
// on retry.
func RetryableStatus(code int) bool {
	switch {
	case code == 408 || code == 429:
		return true
	case code >= 500:
		return true
	default:
		return false
	}
}
