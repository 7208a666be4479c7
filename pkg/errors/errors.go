package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents an application-level error with HTTP status code.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	StatusCode int    `json:"-"`

	cause error
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *AppError) Unwrap() error {
	return e.cause
}

// Is reports whether target is an AppError with the same code.
// This lets callers write errors.Is(err, ErrAuthenticationFailure).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Error codes.
const (
	ErrCodeBadRequest            = "bad_request"
	ErrCodeUnauthorized          = "unauthorized"
	ErrCodeForbidden             = "forbidden"
	ErrCodeUnsupportedMediaType  = "unsupported_media_type"
	ErrCodeNotFound              = "not_found"
	ErrCodeInternalError         = "internal_error"
	ErrCodeRateLimited           = "rate_limited"
	ErrCodeAuthenticationFailure = "authentication_failure"
	ErrCodeNoAccountExists       = "no_account_exists"
	ErrCodePasswordMismatch      = "password_mismatch"
	ErrCodeAccountExists         = "account_exists"
	ErrCodeSessionLocked         = "session_locked"
	ErrCodeChainQueryFailure     = "chain_query_failure"
	ErrCodeChainNotSupported     = "chain_not_supported"
	ErrCodeOperationNotCompleted = "operation_not_completed"
	ErrCodeCeremonyFailure       = "ceremony_failure"
	ErrCodeInvalidKeyMaterial    = "invalid_key_material"
	ErrCodeModuleNotInstalled    = "module_not_installed"
)

// Predefined errors.
var (
	ErrBadRequest = &AppError{
		Code:       ErrCodeBadRequest,
		Message:    "Invalid request parameters",
		StatusCode: http.StatusBadRequest,
	}

	ErrUnauthorized = &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    "Authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	ErrForbidden = &AppError{
		Code:       ErrCodeForbidden,
		Message:    "Access denied",
		StatusCode: http.StatusForbidden,
	}

	ErrUnsupportedMediaType = &AppError{
		Code:       ErrCodeUnsupportedMediaType,
		Message:    "Request body must be application/json",
		StatusCode: http.StatusUnsupportedMediaType,
	}

	ErrNotFound = &AppError{
		Code:       ErrCodeNotFound,
		Message:    "Resource not found",
		StatusCode: http.StatusNotFound,
	}

	ErrInternalError = &AppError{
		Code:       ErrCodeInternalError,
		Message:    "Internal server error",
		StatusCode: http.StatusInternalServerError,
	}

	ErrRateLimited = &AppError{
		Code:       ErrCodeRateLimited,
		Message:    "Too many attempts",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrAuthenticationFailure means the password did not unlock the stored key.
	ErrAuthenticationFailure = &AppError{
		Code:       ErrCodeAuthenticationFailure,
		Message:    "Invalid password",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrNoAccountExists means there is no encrypted key to unlock; callers
	// should route to account creation.
	ErrNoAccountExists = &AppError{
		Code:       ErrCodeNoAccountExists,
		Message:    "No account found, create a new one",
		StatusCode: http.StatusNotFound,
	}

	ErrPasswordMismatch = &AppError{
		Code:       ErrCodePasswordMismatch,
		Message:    "Passwords do not match",
		StatusCode: http.StatusBadRequest,
	}

	// ErrAccountExists guards against silently replacing the stored key.
	ErrAccountExists = &AppError{
		Code:       ErrCodeAccountExists,
		Message:    "An account already exists; replacing it destroys access to the old key",
		StatusCode: http.StatusConflict,
	}

	ErrSessionLocked = &AppError{
		Code:       ErrCodeSessionLocked,
		Message:    "Session is locked",
		StatusCode: http.StatusUnauthorized,
	}

	ErrChainQueryFailure = &AppError{
		Code:       ErrCodeChainQueryFailure,
		Message:    "Chain query failed",
		StatusCode: http.StatusBadGateway,
	}

	ErrOperationNotCompleted = &AppError{
		Code:       ErrCodeOperationNotCompleted,
		Message:    "Operation did not complete",
		StatusCode: http.StatusBadGateway,
	}

	ErrCeremonyFailure = &AppError{
		Code:       ErrCodeCeremonyFailure,
		Message:    "Passkey ceremony failed",
		StatusCode: http.StatusBadRequest,
	}

	ErrInvalidKeyMaterial = &AppError{
		Code:       ErrCodeInvalidKeyMaterial,
		Message:    "Invalid authenticator key material",
		StatusCode: http.StatusUnprocessableEntity,
	}
)

// New creates a new AppError.
func New(code, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// NewWithDetail creates a new AppError with additional detail.
func NewWithDetail(code, message, detail string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		Detail:     detail,
		StatusCode: statusCode,
	}
}

// Wrap derives a new error from base, keeping its code and status, with cause
// attached for errors.Unwrap and its message used as the detail.
func Wrap(base *AppError, cause error) *AppError {
	e := &AppError{
		Code:       base.Code,
		Message:    base.Message,
		StatusCode: base.StatusCode,
		cause:      cause,
	}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

// WithDetail derives a new error from base with the given detail.
func WithDetail(base *AppError, detail string) *AppError {
	return &AppError{
		Code:       base.Code,
		Message:    base.Message,
		Detail:     detail,
		StatusCode: base.StatusCode,
	}
}

// ChainQueryFailure creates a per-network query error.
func ChainQueryFailure(chainID int64, cause error) *AppError {
	e := Wrap(ErrChainQueryFailure, cause)
	e.Detail = fmt.Sprintf("chain_id: %d: %v", chainID, cause)
	return e
}

// ChainNotSupported creates an error for a network without a client.
func ChainNotSupported(chainID int64) *AppError {
	return &AppError{
		Code:       ErrCodeChainNotSupported,
		Message:    "Chain not supported",
		Detail:     fmt.Sprintf("chain_id: %d", chainID),
		StatusCode: http.StatusNotFound,
	}
}

// ModuleNotInstalled creates an error for a module missing from the account.
func ModuleNotInstalled(address string) *AppError {
	return &AppError{
		Code:       ErrCodeModuleNotInstalled,
		Message:    "Module is not installed on this account",
		Detail:     fmt.Sprintf("module: %s", address),
		StatusCode: http.StatusNotFound,
	}
}

// IsAppError checks if an error is an AppError.
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
