// Package errors provides standardized error handling for the education backend.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the education backend.
type ErrorCode string

const (
	// Validation errors
	EDU_VALIDATION  ErrorCode = "EDU_VALIDATION"  // General validation error
	EDU_BAD_REQUEST ErrorCode = "EDU_BAD_REQUEST" // Bad request

	// Authentication/Authorization errors
	EDU_AUTHZ         ErrorCode = "EDU_AUTHZ"         // Authorization failed
	EDU_AUTHN         ErrorCode = "EDU_AUTHN"         // Authentication failed
	EDU_JWT_INVALID   ErrorCode = "EDU_JWT_INVALID"   // Invalid JWT
	EDU_JWT_EXPIRED   ErrorCode = "EDU_JWT_EXPIRED"   // Expired JWT
	EDU_JWT_MALFORMED ErrorCode = "EDU_JWT_MALFORMED" // Malformed JWT

	// Resource errors
	EDU_NOT_FOUND    ErrorCode = "EDU_NOT_FOUND"    // Resource not found
	EDU_CONFLICT     ErrorCode = "EDU_CONFLICT"     // Resource conflict
	EDU_INCONSISTENT ErrorCode = "EDU_INCONSISTENT" // Local and remote state disagree
	EDU_MEDIA_SIZE   ErrorCode = "EDU_MEDIA_SIZE"   // Media size limit exceeded
	EDU_MEDIA_TYPE   ErrorCode = "EDU_MEDIA_TYPE"   // Media type not allowed

	// Server errors
	EDU_UPSTREAM    ErrorCode = "EDU_UPSTREAM"    // Collaborating service failed
	EDU_INTERNAL    ErrorCode = "EDU_INTERNAL"    // Internal server error
	EDU_UNAVAILABLE ErrorCode = "EDU_UNAVAILABLE" // Service unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`

	cause error
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Wrap creates an Error that keeps cause reachable through errors.Is and errors.As.
// Services use it when translating an adapter failure into the public taxonomy.
func Wrap(code ErrorCode, message string, cause error) *Error {
	e := New(code, message, "")
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != nil {
		msg = fmt.Sprintf("%s (details: %v)", msg, e.Details)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// WithCorrelation returns a copy of e stamped with the request correlation id.
func (e *Error) WithCorrelation(correlationID string) *Error {
	cp := *e
	cp.CorrelationID = correlationID
	return &cp
}

// CodeOf extracts the ErrorCode from err, or EDU_INTERNAL when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return EDU_INTERNAL
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var e *Error
	return stderrors.As(err, &e) && e.Code == code
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case EDU_VALIDATION, EDU_BAD_REQUEST, EDU_MEDIA_SIZE, EDU_MEDIA_TYPE:
		return http.StatusBadRequest
	case EDU_AUTHZ:
		return http.StatusForbidden
	case EDU_AUTHN, EDU_JWT_INVALID, EDU_JWT_EXPIRED, EDU_JWT_MALFORMED:
		return http.StatusUnauthorized
	case EDU_NOT_FOUND:
		return http.StatusNotFound
	case EDU_CONFLICT, EDU_INCONSISTENT:
		return http.StatusConflict
	case EDU_UPSTREAM:
		return http.StatusBadGateway
	case EDU_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
