// Package errors defines the error vocabulary the risk service exposes to
// callers. Handlers build *AppError values and hand them to HandleError,
// which renders the JSON envelope that bank gateways parse. Codes are the
// stable part of that contract; messages and details are free to change.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ErrorCode identifies a failure class in the response envelope.
type ErrorCode string

// Gateway integrations branch on these values, so they never change meaning.
const (
	// The caller can fix these.
	ErrBadRequest      ErrorCode = "BAD_REQUEST"
	ErrValidation      ErrorCode = "VALIDATION_ERROR"
	ErrUnauthorized    ErrorCode = "UNAUTHORIZED"
	ErrInvalidToken    ErrorCode = "INVALID_TOKEN"
	ErrTokenExpired    ErrorCode = "TOKEN_EXPIRED"
	ErrNotFound        ErrorCode = "NOT_FOUND"
	ErrProfileNotFound ErrorCode = "PROFILE_NOT_FOUND"
	ErrRateLimit       ErrorCode = "RATE_LIMIT_EXCEEDED"

	// These are ours.
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrDatabase ErrorCode = "DATABASE_ERROR"
)

// AppError couples a failure class with the HTTP status it renders as.
// Err carries the underlying cause for logs and is never serialized.
type AppError struct {
	Code       ErrorCode
	Message    string
	Details    string
	StatusCode int
	Metadata   map[string]any
	Err        error
}

func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		s += ": " + e.Details
	}
	return s
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *AppError) Unwrap() error { return e.Err }

// WithDetails attaches caller-facing context and returns the error for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithMetadata attaches a structured field to the envelope.
func (e *AppError) WithMetadata(key string, value any) *AppError {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[key] = value
	return e
}

// ErrorResponse is the envelope every failed request serializes to.
type ErrorResponse struct {
	Error     ErrorCode      `json:"error"`
	Message   string         `json:"message"`
	Details   string         `json:"details,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// HandleError renders err and writes the response. Anything that is not an
// *AppError, wrapped or bare, is masked as ErrInternal so datastore and
// collaborator internals never reach a gateway; the cause stays visible to
// logging through Unwrap.
func HandleError(c *gin.Context, err error) {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		appErr = Internal("An unexpected error occurred", err)
	}

	c.JSON(appErr.StatusCode, ErrorResponse{
		Error:     appErr.Code,
		Message:   appErr.Message,
		Details:   appErr.Details,
		Metadata:  appErr.Metadata,
		RequestID: c.GetString("request_id"),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// New builds an AppError outside the predefined catalog below.
func New(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusCode}
}

// BadRequest rejects a request whose payload could not be read at all.
func BadRequest(message string) *AppError {
	return New(ErrBadRequest, message, http.StatusBadRequest)
}

// ValidationError rejects a request that parsed but failed a field check.
func ValidationError(message string) *AppError {
	return New(ErrValidation, message, http.StatusBadRequest)
}

// Unauthorized rejects a request with missing or unusable credentials.
func Unauthorized(message string) *AppError {
	return New(ErrUnauthorized, message, http.StatusUnauthorized)
}

// InvalidToken rejects a bearer token that failed signature or claims checks.
func InvalidToken(details string) *AppError {
	return New(ErrInvalidToken, "Invalid authentication token", http.StatusUnauthorized).
		WithDetails(details)
}

// TokenExpired rejects a bearer token past its expiry.
func TokenExpired() *AppError {
	return New(ErrTokenExpired, "Authentication token has expired", http.StatusUnauthorized)
}

// NotFound reports that the named resource does not exist.
func NotFound(resource string) *AppError {
	return New(ErrNotFound, resource+" not found", http.StatusNotFound)
}

// ProfileNotFound reports that a user has no behavior profile. Gateways
// treat it separately from a plain missing resource: the user may simply
// not be enrolled yet.
func ProfileNotFound(userID string) *AppError {
	return New(ErrProfileNotFound, "Behavior profile not found", http.StatusNotFound).
		WithMetadata("user_id", userID)
}

// RateLimit reports that the caller exhausted its request window.
func RateLimit(message string) *AppError {
	return New(ErrRateLimit, message, http.StatusTooManyRequests)
}

// Internal reports a failure the caller can do nothing about.
func Internal(message string, err error) *AppError {
	e := New(ErrInternal, message, http.StatusInternalServerError)
	e.Err = err
	return e
}

// DatabaseError reports a failed store operation. The operation name goes
// into details; the driver error stays off the wire.
func DatabaseError(operation string, err error) *AppError {
	e := New(ErrDatabase, "Database operation failed", http.StatusInternalServerError)
	e.Details = operation
	e.Err = err
	return e
}
