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
	CodeAuth                ErrorCode = "AUTH_ERROR"
	CodeConflict            ErrorCode = "CONFLICT_ERROR"
	CodeMethod              ErrorCode = "METHOD_ERROR"
	CodeStore               ErrorCode = "STORE_ERROR"
	CodeRateLimited         ErrorCode = "RATE_LIMITED"
	CodeIdempotencyConflict ErrorCode = "IDEMPOTENCY_CONFLICT"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeInternalError       ErrorCode = "INTERNAL_ERROR"
)

// HTTPStatusMap maps error codes to HTTP status codes
var HTTPStatusMap = map[ErrorCode]int{
	CodeValidation:          http.StatusBadRequest,
	CodeAuth:                http.StatusUnauthorized,
	CodeConflict:            http.StatusConflict,
	CodeMethod:              http.StatusMethodNotAllowed,
	CodeStore:               http.StatusInternalServerError,
	CodeRateLimited:         http.StatusTooManyRequests,
	CodeIdempotencyConflict: http.StatusConflict,
	CodeNotFound:            http.StatusNotFound,
	CodeInternalError:       http.StatusInternalServerError,
}

// GenericServerMessage is what clients see for any store or internal failure.
const GenericServerMessage = "Server error. Please try again later."

// ErrorResponse is the body rendered for every failed request
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
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

func Validation(message string) *AppError {
	return NewAppError(CodeValidation, message, nil)
}

func Auth(message string) *AppError {
	return NewAppError(CodeAuth, message, nil)
}

func Conflict(message string, cause error) *AppError {
	return NewAppError(CodeConflict, message, cause)
}

func MethodNotAllowed() *AppError {
	return NewAppError(CodeMethod, "Method not allowed", nil)
}

// Store hides the driver error behind a generic message; the cause is kept for logs.
func Store(cause error) *AppError {
	return NewAppError(CodeStore, GenericServerMessage, cause)
}

// ToErrorResponse converts AppError to ErrorResponse
func (e *AppError) ToErrorResponse() ErrorResponse {
	return ErrorResponse{Success: false, Error: e.Message}
}

// HTTPStatus returns the HTTP status code for this error
func (e *AppError) HTTPStatus() int {
	if status, exists := HTTPStatusMap[e.Code]; exists {
		return status
	}
	return http.StatusInternalServerError
}

// IsServerSide reports whether the error should be logged as a server failure
func (e *AppError) IsServerSide() bool {
	return e.HTTPStatus() >= http.StatusInternalServerError
}

// As extracts an *AppError from err. Anything else becomes an internal error.
func As(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return NewAppError(CodeInternalError, GenericServerMessage, err)
}

// HasCode reports whether err carries the given code
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Code == code
}
