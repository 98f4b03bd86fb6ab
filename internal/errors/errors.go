package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication
	ErrCodeAuthFailed   ErrorCode = "AUTH_FAILED"
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// Validation
	ErrCodeValidation          ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput        ErrorCode = "INVALID_INPUT"
	ErrCodeUnsupportedLanguage ErrorCode = "UNSUPPORTED_LANGUAGE"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Agent VM
	ErrCodeNoVM          ErrorCode = "NO_VM"
	ErrCodeVMStartFailed ErrorCode = "VM_START_FAILED"
	ErrCodeVMUnhealthy   ErrorCode = "VM_UNHEALTHY"

	// Speech-to-text and uploads
	ErrCodeSTTConnectionFailed ErrorCode = "STT_CONNECTION_FAILED"
	ErrCodeProviderTransient   ErrorCode = "PROVIDER_TRANSIENT"
	ErrCodeUploadTransient     ErrorCode = "UPLOAD_TRANSIENT"

	// Agentic loop
	ErrCodeSafetyAbort ErrorCode = "SAFETY_ABORT"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// WebSocket close codes used by the listen and agent sockets.
const (
	CloseNormal          = 1000
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseAuthFailed      = 4001
	CloseNoVM            = 4002
	CloseVMUnhealthy     = 4003
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func AuthFailed(message string) *AppError {
	return New(ErrCodeAuthFailed, message)
}

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func UnsupportedLanguage(language string) *AppError {
	return New(ErrCodeUnsupportedLanguage, fmt.Sprintf("language not supported: %s", language))
}

func NoVM() *AppError {
	return New(ErrCodeNoVM, "No agent VM is provisioned for this user")
}

func VMStartFailed(reason string) *AppError {
	return New(ErrCodeVMStartFailed, fmt.Sprintf("Agent VM failed to start: %s", reason))
}

func VMUnhealthy() *AppError {
	return New(ErrCodeVMUnhealthy, "Agent VM did not become healthy")
}

func STTConnectionFailed(provider string, cause error) *AppError {
	return Wrap(ErrCodeSTTConnectionFailed, fmt.Sprintf("Speech-to-text connection failed: %s", provider), cause)
}

func ProviderTransient(provider string, cause error) *AppError {
	return Wrap(ErrCodeProviderTransient, fmt.Sprintf("Transient provider error: %s", provider), cause)
}

func UploadTransient(cause error) *AppError {
	return Wrap(ErrCodeUploadTransient, "Audio chunk upload failed", cause)
}

func SafetyAbort(message string) *AppError {
	return New(ErrCodeSafetyAbort, message)
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}
	return GetCode(err) == code
}

// CloseCode maps an error to the WebSocket close code sent to the client.
func CloseCode(err error) int {
	if err == nil {
		return CloseNormal
	}
	switch GetCode(err) {
	case ErrCodeAuthFailed, ErrCodeUnauthorized:
		return CloseAuthFailed
	case ErrCodeNoVM, ErrCodeVMStartFailed:
		return CloseNoVM
	case ErrCodeVMUnhealthy:
		return CloseVMUnhealthy
	case ErrCodeUnsupportedLanguage, ErrCodeValidation, ErrCodeInvalidInput:
		return ClosePolicyViolation
	default:
		return CloseInternalError
	}
}
