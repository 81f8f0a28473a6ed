// Package errors provides custom error types for the droidpilot application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeBadRequest      = "BAD_REQUEST"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeValidationError = "VALIDATION_ERROR"

	ErrCodeNoDevice           = "NO_DEVICE"
	ErrCodeAdbIO              = "ADB_IO"
	ErrCodeInputMethod        = "INPUT_METHOD_UNAVAILABLE"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeModelTransient     = "MODEL_TRANSIENT"
	ErrCodeModelPermanent     = "MODEL_PERMANENT"
	ErrCodeMalformedResponse  = "MALFORMED_RESPONSE"
	ErrCodeUnknownApp         = "UNKNOWN_APP"
	ErrCodeSessionBusy        = "SESSION_BUSY"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeStore              = "STORE"
	ErrCodeDeviceNotConnected = "DEVICE_NOT_CONNECTED"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// NoDevice indicates that no usable device is connected.
func NoDevice(deviceID string) *AppError {
	msg := "no device connected"
	if deviceID != "" {
		msg = fmt.Sprintf("device '%s' is not connected", deviceID)
	}
	return &AppError{
		Code:       ErrCodeNoDevice,
		Message:    msg,
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// AdbIO indicates that an adb command failed with a non-zero exit or I/O error.
func AdbIO(op string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAdbIO,
		Message:    fmt.Sprintf("adb %s failed", op),
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// InputMethodUnavailable indicates that the helper keyboard IME is not installed
// or not active on the device.
func InputMethodUnavailable(deviceID string) *AppError {
	return &AppError{
		Code:       ErrCodeInputMethod,
		Message:    fmt.Sprintf("input method unavailable on device '%s'", deviceID),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// Timeout indicates that an operation exceeded its deadline.
func Timeout(op string, elapsed time.Duration) *AppError {
	return &AppError{
		Code:       ErrCodeTimeout,
		Message:    fmt.Sprintf("%s timed out after %s", op, elapsed.Round(time.Millisecond)),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// ModelTransient indicates a retryable model endpoint failure (timeout or 5xx).
func ModelTransient(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeModelTransient,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// ModelPermanent indicates a non-retryable model endpoint failure (4xx).
func ModelPermanent(status int, message string) *AppError {
	return &AppError{
		Code:       ErrCodeModelPermanent,
		Message:    fmt.Sprintf("model request rejected (%d): %s", status, message),
		HTTPStatus: http.StatusBadGateway,
	}
}

// MalformedResponse indicates model output that cannot be parsed into an action.
func MalformedResponse(message string) *AppError {
	return &AppError{
		Code:       ErrCodeMalformedResponse,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
	}
}

// UnknownApp indicates an app name with no registered package mapping.
func UnknownApp(name string) *AppError {
	return &AppError{
		Code:       ErrCodeUnknownApp,
		Message:    fmt.Sprintf("unknown app '%s'", name),
		HTTPStatus: http.StatusBadRequest,
	}
}

// SessionBusy indicates the session already has a running task.
func SessionBusy(sessionID string) *AppError {
	return &AppError{
		Code:       ErrCodeSessionBusy,
		Message:    fmt.Sprintf("session '%s' already has a running task", sessionID),
		HTTPStatus: http.StatusConflict,
	}
}

// Cancelled indicates the task was stopped by user request.
func Cancelled(taskID string) *AppError {
	return &AppError{
		Code:       ErrCodeCancelled,
		Message:    fmt.Sprintf("task '%s' was cancelled", taskID),
		HTTPStatus: http.StatusConflict,
	}
}

// Store indicates a persistence failure in the task store or blob store.
func Store(op string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeStore,
		Message:    fmt.Sprintf("store %s failed", op),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsKind checks whether the error carries the given code.
func IsKind(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return IsKind(err, ErrCodeNotFound)
}

// IsCancelled checks if the error marks a user-requested stop.
func IsCancelled(err error) bool {
	return IsKind(err, ErrCodeCancelled)
}

// IsSessionBusy checks if the error marks a session with a task already running.
func IsSessionBusy(err error) bool {
	return IsKind(err, ErrCodeSessionBusy)
}

// IsTransient reports whether the operation may succeed if retried.
func IsTransient(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeModelTransient || appErr.Code == ErrCodeTimeout
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Code returns the taxonomy code of an AppError, or ErrCodeInternalError
// for any other error.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// Message returns the human-readable message of an AppError without its
// code prefix, or the plain error text for any other error.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
