package errors

import (
	"net/http"

	"calsync/internal/errors"
)

// AppError is an error the API can render: an HTTP status, a stable business code
// and a message safe to show the caller.
type AppError interface {
	error
	HTTPCode() int     // HTTP status code
	ErrorCode() string // Business error code
	Message() string   // User-friendly error message
	Details() string   // Detailed error information (optional)
}

// BaseError is a basic error structure that implements the AppError interface
type BaseError struct {
	httpCode  int
	errorCode string
	message   string
	details   string
}

// NewBaseError creates a new base error
func NewBaseError(httpCode int, errorCode, message, details string) *BaseError {
	return &BaseError{
		httpCode:  httpCode,
		errorCode: errorCode,
		message:   message,
		details:   details,
	}
}

// Error implements the error interface
func (e *BaseError) Error() string {
	return e.message
}

// WrapMessage wraps the error with additional context message
func (e *BaseError) WrapMessage(message string) error {
	return errors.Wrap(e, message)
}

// HTTPCode returns the HTTP status code
func (e *BaseError) HTTPCode() int {
	return e.httpCode
}

// ErrorCode returns the business error code
func (e *BaseError) ErrorCode() string {
	return e.errorCode
}

// Message returns the user-friendly error message
func (e *BaseError) Message() string {
	return e.message
}

// Details returns detailed error information
func (e *BaseError) Details() string {
	return e.details
}

// Predefined error types
var (
	// Calendar credential errors
	ErrReauthorizationRequired = NewBaseError(
		http.StatusForbidden,
		"REAUTHORIZATION_REQUIRED",
		"行事曆授權已失效，請重新連結",
		"",
	)

	// The stored credential no longer decrypts; the user has to reconnect.
	ErrCredentialIntegrity = NewBaseError(
		http.StatusInternalServerError,
		"CREDENTIAL_INTEGRITY",
		"無法解密已儲存的憑證",
		"",
	)

	// Upstream errors
	ErrTransientUpstream = NewBaseError(
		http.StatusServiceUnavailable,
		"UPSTREAM_UNAVAILABLE",
		"外部服務暫時無法使用，請稍後再試",
		"",
	)

	// Sync errors
	ErrSyncInProgress = NewBaseError(
		http.StatusConflict,
		"SYNC_IN_PROGRESS",
		"行事曆同步進行中",
		"",
	)

	ErrInvalidTimeWindow = NewBaseError(
		http.StatusBadRequest,
		"INVALID_TIME_WINDOW",
		"無效的查詢時間區間",
		"",
	)

	// Validation-related errors
	ErrValidationFailed = NewBaseError(
		http.StatusBadRequest,
		"VALIDATION_FAILED",
		"輸入資料驗證失敗",
		"",
	)

	// General errors
	ErrInternalError = NewBaseError(
		http.StatusInternalServerError,
		"INTERNAL_ERROR",
		"系統內部錯誤",
		"",
	)

	// A second active credential for the same user
	ErrConflict = NewBaseError(
		http.StatusConflict,
		"CONFLICT",
		"資源衝突",
		"",
	)
)

// DatabaseExecuteError represents a database execution error, implementing the AppError interface
type DatabaseExecuteError struct {
	err     error
	details string
}

// NewDatabaseExecuteError creates a database-related error
func NewDatabaseExecuteError(err error, details string) AppError {
	return &DatabaseExecuteError{
		err:     err,
		details: details,
	}
}

// Error implements the error interface
func (e *DatabaseExecuteError) Error() string {
	return errors.Wrap(e.err, "database execution failed").Error()
}

// HTTPCode returns the HTTP status code
func (e *DatabaseExecuteError) HTTPCode() int {
	return http.StatusInternalServerError
}

// ErrorCode returns the business error code
func (e *DatabaseExecuteError) ErrorCode() string {
	return "DATABASE_EXECUTE_FAILED"
}

// Message returns the user-friendly error message
func (e *DatabaseExecuteError) Message() string {
	return "資料庫執行失敗"
}

// Details returns detailed error information
func (e *DatabaseExecuteError) Details() string {
	return e.details
}

// Unwrap exposes the underlying database error
func (e *DatabaseExecuteError) Unwrap() error {
	return e.err
}
