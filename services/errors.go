package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNoChannel         ErrorType = "no_channel_available"
	ErrorTypeCircuitOpen       ErrorType = "circuit_open"
	ErrorTypeUpstreamTransient ErrorType = "upstream_transient"
	ErrorTypeUpstreamPermanent ErrorType = "upstream_permanent"
	ErrorTypeTransform         ErrorType = "transform"
	ErrorTypeRetriesExhausted  ErrorType = "retries_exhausted"
	ErrorTypeCancelled         ErrorType = "cancelled"
	ErrorTypeQueueTimeout      ErrorType = "queue_timeout"
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeInternal          ErrorType = "internal"
)

// Detail keys attached to terminal relay errors
const (
	DetailChannelID = "channel_id"
	DetailAttempts  = "attempts"
	DetailExcluded  = "excluded"
	DetailModel     = "model"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinels for errors.Is comparisons. Never return these directly; they are
// shared values and WithDetail would mutate them.
var (
	ErrNoChannelAvailable  = NewDomainError(ErrorTypeNoChannel, "no channel available", nil)
	ErrCircuitOpen         = NewDomainError(ErrorTypeCircuitOpen, "circuit breaker open", nil)
	ErrUpstreamTransient   = NewDomainError(ErrorTypeUpstreamTransient, "transient upstream failure", nil)
	ErrUpstreamPermanent   = NewDomainError(ErrorTypeUpstreamPermanent, "upstream rejected request", nil)
	ErrTransform           = NewDomainError(ErrorTypeTransform, "unexpected provider payload", nil)
	ErrAllRetriesExhausted = NewDomainError(ErrorTypeRetriesExhausted, "all retries exhausted", nil)
	ErrCancelled           = NewDomainError(ErrorTypeCancelled, "request cancelled", nil)
	ErrQueueTimeout        = NewDomainError(ErrorTypeQueueTimeout, "timed out waiting for channel admission", nil)
	ErrInvalidInput        = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrChannelNotFound     = NewDomainError(ErrorTypeNotFound, "channel not found", nil)
	ErrInternal            = NewDomainError(ErrorTypeInternal, "internal server error", nil)
)

// Error type checking helper functions

// IsNoChannelError checks if an error reports that no channel was eligible
func IsNoChannelError(err error) bool {
	return GetErrorType(err) == ErrorTypeNoChannel
}

// IsUpstreamTransientError checks if an error is a retryable upstream failure
func IsUpstreamTransientError(err error) bool {
	return GetErrorType(err) == ErrorTypeUpstreamTransient
}

// IsUpstreamPermanentError checks if an error is a non-retryable upstream rejection
func IsUpstreamPermanentError(err error) bool {
	return GetErrorType(err) == ErrorTypeUpstreamPermanent
}

// IsTransformError checks if an error is a translation failure
func IsTransformError(err error) bool {
	return GetErrorType(err) == ErrorTypeTransform
}

// IsRetriesExhaustedError checks if an error is the terminal exhaustion error
func IsRetriesExhaustedError(err error) bool {
	return GetErrorType(err) == ErrorTypeRetriesExhausted
}

// IsCancelledError checks if an error reports caller cancellation
func IsCancelledError(err error) bool {
	return GetErrorType(err) == ErrorTypeCancelled
}

// IsQueueTimeoutError checks if an error is a queue admission timeout
func IsQueueTimeoutError(err error) bool {
	return GetErrorType(err) == ErrorTypeQueueTimeout
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return GetErrorType(err) == ErrorTypeValidation
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return GetErrorType(err) == ErrorTypeNotFound
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return GetErrorType(err) == ErrorTypeInternal
}

// GetErrorType returns the ErrorType of the outermost domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}
