package model

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a failure class exposed on the HTTP surface.
// The set is closed; handlers never invent codes outside of it.
type ErrorCode string

const (
	CodeAuthMissing        ErrorCode = "AUTH_MISSING"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeKeyNotFound        ErrorCode = "KEY_NOT_FOUND"
	CodeKeyProcessingError ErrorCode = "KEY_PROCESSING_ERROR"
	CodeKeyListError       ErrorCode = "KEY_LIST_ERROR"
	CodeKeyUploadError     ErrorCode = "KEY_UPLOAD_ERROR"
	CodeKeyDeleteError     ErrorCode = "KEY_DELETE_ERROR"
	CodeSignError          ErrorCode = "SIGN_ERROR"
	CodeRateLimitError     ErrorCode = "RATE_LIMIT_ERROR"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	CodeAuditError         ErrorCode = "AUDIT_ERROR"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeInternalError      ErrorCode = "INTERNAL_ERROR"
)

// statusByCode maps each error code to its HTTP status.
var statusByCode = map[ErrorCode]int{
	CodeAuthMissing:        http.StatusUnauthorized,
	CodeAuthInvalid:        http.StatusUnauthorized,
	CodeKeyNotFound:        http.StatusNotFound,
	CodeKeyProcessingError: http.StatusInternalServerError,
	CodeKeyListError:       http.StatusInternalServerError,
	CodeKeyUploadError:     http.StatusInternalServerError,
	CodeKeyDeleteError:     http.StatusInternalServerError,
	CodeSignError:          http.StatusInternalServerError,
	CodeRateLimitError:     http.StatusServiceUnavailable,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeInvalidRequest:     http.StatusBadRequest,
	CodeAuditError:         http.StatusInternalServerError,
	CodeNotFound:           http.StatusNotFound,
	CodeInternalError:      http.StatusInternalServerError,
}

// defaultMessages are used when a caller has no more specific message.
var defaultMessages = map[ErrorCode]string{
	CodeAuthMissing:        "Authorization header is missing",
	CodeAuthInvalid:        "Invalid authentication token",
	CodeKeyNotFound:        "Key not found",
	CodeKeyProcessingError: "Failed to process key material",
	CodeKeyListError:       "Failed to list keys",
	CodeKeyUploadError:     "Failed to upload key",
	CodeKeyDeleteError:     "Failed to delete key",
	CodeSignError:          "Failed to produce signature",
	CodeRateLimitError:     "Rate limiter unavailable",
	CodeRateLimited:        "Rate limit exceeded",
	CodeInvalidRequest:     "Invalid request",
	CodeAuditError:         "Audit query failed",
	CodeNotFound:           "Not found",
	CodeInternalError:      "Internal server error",
}

// AppError is the tagged error variant carried through the pipeline.
// Status is derived from Code; Context holds optional structured detail
// for logging and never reaches the response body.
type AppError struct {
	Code    ErrorCode
	Status  int
	Message string
	Context map[string]any
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewAppError creates an AppError for the given code. An empty message
// selects the default message for the code.
func NewAppError(code ErrorCode, message string) *AppError {
	if message == "" {
		message = defaultMessages[code]
	}

	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}

	return &AppError{
		Code:    code,
		Status:  status,
		Message: message,
	}
}

// WithContext returns a copy of the error with an additional context value.
func (e *AppError) WithContext(key string, value any) *AppError {
	clone := *e

	clone.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		clone.Context[k] = v
	}
	clone.Context[key] = value

	return &clone
}

// AsAppError unwraps err to an *AppError if one is present in the chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// ErrorBody is the JSON error envelope returned on every failed request.
type ErrorBody struct {
	Error     string    `json:"error"`
	Code      ErrorCode `json:"code"`
	RequestID string    `json:"requestId,omitempty"`
}

// NewErrorBody builds the response envelope for an AppError.
func NewErrorBody(err *AppError, requestID string) ErrorBody {
	return ErrorBody{
		Error:     err.Message,
		Code:      err.Code,
		RequestID: requestID,
	}
}
