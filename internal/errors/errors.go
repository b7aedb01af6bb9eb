// Package errors categorises failures of the discovery service and maps them to HTTP statuses.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/asin-matcher/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents user input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryProvider represents remote catalog errors
	CategoryProvider ErrorCategory = "provider"
	// CategoryDatabase represents database errors
	CategoryDatabase ErrorCategory = "database"
	// CategoryValidation represents validation errors
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// Sentinels matched with errors.Is by the API layer.
var (
	ErrAlreadyRunning     = errors.New("batch processing is already running")
	ErrMissingIdentifiers = errors.New("product has neither UPC nor manufacturer part number")
	ErrProductNotFound    = errors.New("product not found")
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

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewProductNotFoundError creates a not found error for a product id
func NewProductNotFoundError(productID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "PRODUCT_NOT_FOUND",
		Message:    fmt.Sprintf("product not found: %s", productID),
		Details: map[string]interface{}{
			"productId": productID,
		},
		Cause: ErrProductNotFound,
	}
}

// NewMissingIdentifiersError is returned when a product cannot be searched
func NewMissingIdentifiersError(productID string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       "MISSING_IDENTIFIERS",
		Message:    "product must have a UPC or manufacturer part number",
		Details: map[string]interface{}{
			"productId": productID,
		},
		Cause: ErrMissingIdentifiers,
	}
}

// NewBatchConflictError creates the conflict returned when a batch is already running
func NewBatchConflictError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       "BATCH_ALREADY_RUNNING",
		Message:    "batch processing is already running",
		Cause:      ErrAlreadyRunning,
	}
}

// NewRateLimitError creates a rate limit error for inbound API requests
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewProviderError wraps a failed remote catalog call
func NewProviderError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryProvider,
		StatusCode: http.StatusBadGateway,
		Code:       "PROVIDER_ERROR",
		Message:    fmt.Sprintf("catalog provider error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// RemoteCallError is a non-2xx response from the remote catalog service
type RemoteCallError struct {
	Operation  string
	StatusCode int
	Headers    http.Header
	Body       string
}

// Error implements the error interface
func (e *RemoteCallError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%s: remote call failed with status %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: remote call failed with status %d: %s", e.Operation, e.StatusCode, body)
}

// IsRateLimited reports whether the remote service answered 429
func (e *RemoteCallError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// RetryAfter returns the Retry-After header in whole seconds.
// ok is false when the header is missing or not a non-negative integer.
func (e *RemoteCallError) RetryAfter() (seconds int, ok bool) {
	if e.Headers == nil {
		return 0, false
	}
	raw := strings.TrimSpace(e.Headers.Get("Retry-After"))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

// AsRemoteCallError unwraps err to a *RemoteCallError
func AsRemoteCallError(err error) (*RemoteCallError, bool) {
	var rce *RemoteCallError
	if errors.As(err, &rce) {
		return rce, true
	}
	return nil, false
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	switch {
	case errors.Is(err, ErrAlreadyRunning):
		return NewBatchConflictError()
	case errors.Is(err, ErrProductNotFound):
		return &CategorizedError{
			Category:   CategoryNotFound,
			StatusCode: http.StatusNotFound,
			Code:       "PRODUCT_NOT_FOUND",
			Message:    err.Error(),
			Cause:      err,
		}
	case errors.Is(err, ErrMissingIdentifiers):
		return &CategorizedError{
			Category:   CategoryUserInput,
			StatusCode: http.StatusBadRequest,
			Code:       "MISSING_IDENTIFIERS",
			Message:    err.Error(),
			Cause:      err,
		}
	}

	if rce, ok := AsRemoteCallError(err); ok {
		return NewProviderError(rce.Operation, rce)
	}

	// Default to internal error
	return NewInternalError("unexpected error", err)
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
