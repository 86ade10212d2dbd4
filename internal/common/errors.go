package common

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds shared by the payment components. Callers classify failures with
// errors.Is against these sentinels rather than inspecting messages.
var (
	// ErrConfig marks missing or invalid configuration. It is fatal to the
	// operation and never retried.
	ErrConfig = errors.New("configuration error")
	// ErrAuthentication marks a signature mismatch on inbound data.
	ErrAuthentication = errors.New("authentication failure")
	// ErrRetryable marks processor or network failures the caller may retry.
	ErrRetryable = errors.New("retryable failure")
	// ErrNotFound marks a correlation failure (unknown order or invoice).
	ErrNotFound = errors.New("not found")
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error.
func (e *AppError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// ConfigErrorf wraps a formatted message with ErrConfig.
func ConfigErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// StatusFor maps an error onto the HTTP status used when rendering it.
func StatusFor(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPStatus != 0 {
		return appErr.HTTPStatus
	}
	switch {
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRetryable):
		return http.StatusBadGateway
	case errors.Is(err, ErrConfig):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
