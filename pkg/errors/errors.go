package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents standardized error codes
type ErrorCode string

const (
	CodeValidation          ErrorCode = "VALIDATION_ERROR"
	CodeDuplicate           ErrorCode = "DUPLICATE"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeUnauthenticated     ErrorCode = "UNAUTHENTICATED"
	CodeTokenInvalid        ErrorCode = "TOKEN_INVALID"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeForbidden           ErrorCode = "FORBIDDEN"
	CodeIdempotencyConflict ErrorCode = "IDEMPOTENCY_CONFLICT"
	CodeStorageUnavailable  ErrorCode = "STORAGE_UNAVAILABLE"
	CodeBadRequest          ErrorCode = "BAD_REQUEST"
	CodeInternalError       ErrorCode = "INTERNAL_ERROR"
)

// HTTPStatusMap maps error codes to HTTP status codes
var HTTPStatusMap = map[ErrorCode]int{
	CodeValidation:          http.StatusBadRequest,
	CodeDuplicate:           http.StatusConflict,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeUnauthenticated:     http.StatusUnauthorized,
	CodeTokenInvalid:        http.StatusBadRequest,
	CodeNotFound:            http.StatusNotFound,
	CodeForbidden:           http.StatusForbidden,
	CodeIdempotencyConflict: http.StatusConflict,
	CodeStorageUnavailable:  http.StatusServiceUnavailable,
	CodeBadRequest:          http.StatusBadRequest,
	CodeInternalError:       http.StatusInternalServerError,
}

// ErrorResponse represents the standardized error response structure
type ErrorResponse struct {
	Error struct {
		Code    ErrorCode `json:"code"`
		Message string    `json:"message"`
		TraceID string    `json:"trace_id,omitempty"`
	} `json:"error"`
}

// AppError represents an application error with code and message
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new AppError
func NewAppError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewAppErrorf creates a new AppError with formatted message
func NewAppErrorf(code ErrorCode, cause error, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

func Validation(message string) *AppError { return NewAppError(CodeValidation, message, nil) }
func Duplicate(message string) *AppError  { return NewAppError(CodeDuplicate, message, nil) }
func RateLimited(message string) *AppError {
	return NewAppError(CodeRateLimited, message, nil)
}
func Unauthenticated(message string) *AppError {
	return NewAppError(CodeUnauthenticated, message, nil)
}
func TokenInvalid(message string) *AppError { return NewAppError(CodeTokenInvalid, message, nil) }
func NotFound(message string) *AppError     { return NewAppError(CodeNotFound, message, nil) }
func Forbidden(message string) *AppError    { return NewAppError(CodeForbidden, message, nil) }

// ToErrorResponse converts AppError to ErrorResponse
func (e *AppError) ToErrorResponse(traceID string) ErrorResponse {
	resp := ErrorResponse{}
	resp.Error.Code = e.Code
	resp.Error.Message = e.Message
	resp.Error.TraceID = traceID
	return resp
}

// HTTPStatus returns the HTTP status code for this error
func (e *AppError) HTTPStatus() int {
	if status, exists := HTTPStatusMap[e.Code]; exists {
		return status
	}
	return http.StatusInternalServerError
}

// IsRetryable checks if the error is retryable
func (e *AppError) IsRetryable() bool {
	switch e.Code {
	case CodeStorageUnavailable, CodeRateLimited:
		return true
	default:
		return false
	}
}

// CodeOf returns the code of the first AppError in err's chain.
// Non-nil errors without one report CodeInternalError; nil reports "".
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternalError
}

// IsCode reports whether err carries the given code
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// AsAppError converts any error to an AppError, wrapping unknown errors as internal
func AsAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return NewAppError(CodeInternalError, "Internal server error", err)
}
