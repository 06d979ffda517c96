// Package apperr defines the error taxonomy shared by the link engine and its HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	CodeNotFound          = "NOT_FOUND"
	CodeExpired           = "EXPIRED"
	CodeClickLimitReached = "CLICK_LIMIT_REACHED"
	CodePasswordRequired  = "PASSWORD_REQUIRED"
	CodeInvalidPassword   = "INVALID_PASSWORD"
	CodeSlugTaken         = "SLUG_TAKEN"
	CodeSlugExhausted     = "SLUG_EXHAUSTED"
	CodeStoreUnavailable  = "STORE_UNAVAILABLE"
	CodeInvalidInput      = "INVALID_INPUT"
	CodeUnauthorized      = "UNAUTHORIZED"
)

// AppError is an error carrying a stable code and a message that is safe to show callers.
// Err holds the underlying cause and is never rendered in responses.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError with the same code
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New creates an application error
func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an application error around a cause
func Wrap(err error, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Predefined errors. Compare with errors.Is; never mutate them.
var (
	ErrNotFound          = New(CodeNotFound, "Link not found")
	ErrExpired           = New(CodeExpired, "Link has expired")
	ErrClickLimitReached = New(CodeClickLimitReached, "Link has reached its click limit")
	ErrPasswordRequired  = New(CodePasswordRequired, "Password required")
	ErrInvalidPassword   = New(CodeInvalidPassword, "Invalid password")
	ErrSlugTaken         = New(CodeSlugTaken, "This slug is already taken")
	ErrSlugExhausted     = New(CodeSlugExhausted, "Could not allocate a unique slug")
	ErrStoreUnavailable  = New(CodeStoreUnavailable, "Service temporarily unavailable")
	ErrUnauthorized      = New(CodeUnauthorized, "Authentication required")
)

// InvalidInput builds a validation error with a caller-facing message
func InvalidInput(message string) *AppError {
	return New(CodeInvalidInput, message)
}

// StoreUnavailable wraps an infrastructure failure on the link store
func StoreUnavailable(err error) *AppError {
	return Wrap(err, CodeStoreUnavailable, ErrStoreUnavailable.Message)
}

// CodeOf returns the code of the first AppError in err's chain, or "" if there is none.
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsDenial reports whether err is an expected, policy-derived outcome rather than a failure.
func IsDenial(err error) bool {
	switch CodeOf(err) {
	case CodeNotFound, CodeExpired, CodeClickLimitReached, CodePasswordRequired, CodeInvalidPassword:
		return true
	}
	return false
}

// IsOperational reports whether err signals an infrastructure problem that should alert.
func IsOperational(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case CodeStoreUnavailable, CodeSlugExhausted, "":
		return true
	}
	return false
}

// HTTPStatus maps an error to the status code returned to callers
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound, CodeExpired, CodeClickLimitReached:
		return http.StatusNotFound
	case CodePasswordRequired, CodeInvalidPassword, CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeSlugTaken:
		return http.StatusConflict
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the message safe to expose for err
func PublicMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Code != "" {
		return appErr.Message
	}
	return "Internal server error"
}
