package response

import (
	"net/http"

	deliverycontext "calsync/internal/delivery/context"
	domainerrors "calsync/internal/domain/errors"
	"calsync/internal/errors"

	"github.com/labstack/echo/v4"
)

// SuccessResponse defines the structure for successful responses
type SuccessResponse struct {
	Data any       `json:"data"`
	Meta *MetaInfo `json:"meta"`
}

// ErrorResponse defines the structure for error responses
type ErrorResponse struct {
	Error *ErrorInfo `json:"error"`
	Meta  *MetaInfo  `json:"meta"`
}

// ErrorInfo contains detailed error information
type ErrorInfo struct {
	Code    string `json:"code"`              // Machine-readable error code, e.g., "REAUTHORIZATION_REQUIRED"
	Message string `json:"message"`           // User-friendly error message
	Details any    `json:"details,omitempty"` // Additional error context (only for 4xx errors)
}

// MetaInfo represents response metadata
type MetaInfo struct {
	RequestID string `json:"request_id"`
	Count     *int   `json:"count,omitempty"` // Number of items for list responses
}

// Success returns a successful response
func Success(c echo.Context, statusCode int, data any) error {
	return c.JSON(statusCode, SuccessResponse{
		Data: data,
		Meta: &MetaInfo{
			RequestID: deliverycontext.GetRequestID(c),
		},
	})
}

// List returns a successful response carrying the item count.
func List[T any](c echo.Context, items []T) error {
	if items == nil {
		items = []T{}
	}
	count := len(items)

	return c.JSON(http.StatusOK, SuccessResponse{
		Data: items,
		Meta: &MetaInfo{
			RequestID: deliverycontext.GetRequestID(c),
			Count:     &count,
		},
	})
}

const headerRetryAfter = "Retry-After"

// retryAfter holds the Retry-After hint, in seconds, for errors that clear up on their own.
//
//nolint:gochecknoglobals
var retryAfter = []struct {
	target  error
	seconds string
}{
	{target: domainerrors.ErrSyncInProgress, seconds: "10"},
	{target: domainerrors.ErrTransientUpstream, seconds: "30"},
}

// Error returns an error response
func Error(c echo.Context, statusCode int, errorCode string, message string, details any) error {
	// 5xx, 401 and 403 never carry details.
	if statusCode >= http.StatusInternalServerError || statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		details = nil
	}

	return c.JSON(statusCode, ErrorResponse{
		Error: &ErrorInfo{
			Code:    errorCode,
			Message: message,
			Details: details,
		},
		Meta: &MetaInfo{
			RequestID: deliverycontext.GetRequestID(c),
		},
	})
}

// BadRequest returns a 400 error
func BadRequest(c echo.Context, errorCode string, message string) error {
	return Error(c, http.StatusBadRequest, errorCode, message, nil)
}

// BadRequestWithDetails returns a 400 error with details
func BadRequestWithDetails(c echo.Context, errorCode string, message string, details any) error {
	return Error(c, http.StatusBadRequest, errorCode, message, details)
}

// Unauthorized returns a 401 error
func Unauthorized(c echo.Context, errorCode string, message string) error {
	return Error(c, http.StatusUnauthorized, errorCode, message, nil)
}

// InternalServerError returns a 500 error
func InternalServerError(c echo.Context, errorCode string, message string) error {
	return Error(c, http.StatusInternalServerError, errorCode, message, nil)
}

// AppError writes a domain error, adding a Retry-After hint when waiting helps.
func AppError(c echo.Context, err error, appErr domainerrors.AppError, details any) error {
	for _, hint := range retryAfter {
		if errors.Is(err, hint.target) {
			c.Response().Header().Set(headerRetryAfter, hint.seconds)

			break
		}
	}

	return Error(c, appErr.HTTPCode(), appErr.ErrorCode(), appErr.Message(), details)
}

// HandleAppError writes 4xx domain errors. 5xx domain errors and anything else are
// returned for the central error handler, which logs them.
func HandleAppError(c echo.Context, err error) error {
	var appErr domainerrors.AppError
	if errors.As(err, &appErr) {
		if appErr.HTTPCode() >= http.StatusInternalServerError {
			return err
		}

		return AppError(c, err, appErr, detailsOf(err, appErr))
	}

	return errors.WithStack(err)
}

// detailsOf exposes the wrapped context message of a 4xx domain error.
func detailsOf(err error, appErr domainerrors.AppError) any {
	if appErr.Details() != "" {
		return appErr.Details()
	}
	if msg := err.Error(); msg != appErr.Error() {
		return msg
	}

	return nil
}
