// Package errors categorizes service failures and maps them to HTTP status codes.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/crm-prospector/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents invalid client input (4xx)
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents unknown job or import ids
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents a request that clashes with current state
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents throttled callers
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryProvider represents failures of the external lead provider
	CategoryProvider ErrorCategory = "provider"
	// CategoryStorage represents store backend failures
	CategoryStorage ErrorCategory = "storage"
	// CategorySystem represents internal errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// Error codes
const (
	CodeInvalidParameter   = "INVALID_PARAMETER"
	CodeNotFound           = "NOT_FOUND"
	CodeIllegalTransition  = "ILLEGAL_TRANSITION"
	CodeConflict           = "CONFLICT"
	CodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	CodeProviderError      = "PROVIDER_ERROR"
	CodeProviderTimeout    = "PROVIDER_TIMEOUT"
	CodeProviderRateLimit  = "PROVIDER_RATE_LIMIT"
	CodeStorageError       = "STORAGE_ERROR"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to the API error envelope body
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewInvalidParameterError creates a validation error for one parameter
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewIllegalTransitionError reports a status change the state machine forbids.
// It is an internal error: callers never request transitions directly.
func NewIllegalTransitionError(jobID, from, to string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeIllegalTransition,
		Message:    fmt.Sprintf("illegal status transition %s -> %s for job %s", from, to, jobID),
		Details: map[string]interface{}{
			"jobId": jobID,
			"from":  from,
			"to":    to,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeConflict,
		Message:    message,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewProviderError creates a lead provider error
func NewProviderError(provider string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       CodeProviderError,
		Message:    fmt.Sprintf("lead provider error: %s", provider),
		Cause:      cause,
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewProviderTimeoutError creates a provider timeout error
func NewProviderTimeoutError(provider string, after string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusGatewayTimeout,
		Code:       CodeProviderTimeout,
		Message:    fmt.Sprintf("lead provider %s timed out after %s", provider, after),
		Details: map[string]interface{}{
			"provider": provider,
			"after":    after,
		},
	}
}

// NewProviderRateLimitError creates a provider rate limit error
func NewProviderRateLimitError(provider string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeProviderRateLimit,
		Message:    fmt.Sprintf("lead provider rate limit exceeded: %s", provider),
		Details: map[string]interface{}{
			"provider": provider,
		},
	}
}

// NewStorageError creates a store backend error
func NewStorageError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryStorage,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeStorageError,
		Message:    fmt.Sprintf("storage error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(service string) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusServiceUnavailable,
		Code:       CodeServiceUnavailable,
		Message:    fmt.Sprintf("service unavailable: %s", service),
		Details: map[string]interface{}{
			"service": service,
		},
	}
}

// Categorize categorizes an existing error, unwrapping as needed
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return &CategorizedError{
			Category:   CategorySystem,
			StatusCode: http.StatusInternalServerError,
			Code:       svcErr.Code,
			Message:    svcErr.Message,
			Details:    svcErr.Details,
		}
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return &CategorizedError{
			Category:   CategoryProvider,
			StatusCode: http.StatusGatewayTimeout,
			Code:       CodeProviderTimeout,
			Message:    "operation timed out",
			Cause:      err,
		}
	}

	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsNotFound reports whether err is a not found error
func IsNotFound(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryNotFound
}

// IsIllegalTransition reports whether err is a rejected status transition
func IsIllegalTransition(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Code == CodeIllegalTransition
}

// IsRetryable determines if an error is worth retrying
func IsRetryable(err error) bool {
	if err == nil || stderrors.Is(err, context.Canceled) {
		return false
	}
	catErr := Categorize(err)

	switch catErr.Category {
	case CategoryProvider, CategoryStorage:
		return true
	case CategorySystem:
		return catErr.StatusCode == http.StatusServiceUnavailable ||
			catErr.StatusCode == http.StatusGatewayTimeout
	default:
		return false
	}
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}
	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// PublicMessage returns a message safe to show end users: the categorized
// message, never the wrapped cause chain.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if stderrors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return Categorize(err).Message
}
