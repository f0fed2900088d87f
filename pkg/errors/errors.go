// Package errors defines the errors the ops API reports and their HTTP status
package errors

import (
	"fmt"
	"net/http"
	"strings"

	cr "github.com/cockroachdb/errors"
)

// AppError is an error with a stable code and the HTTP status it maps to
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Error codes returned in the response envelope
const (
	CodeNotFound           = "NOT_FOUND"
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeValidationError    = "VALIDATION_ERROR"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

var (
	ErrNotFound           = &AppError{Code: CodeNotFound, Message: "resource not found", Status: http.StatusNotFound}
	ErrBadRequest         = &AppError{Code: CodeBadRequest, Message: "bad request", Status: http.StatusBadRequest}
	ErrInternalError      = &AppError{Code: CodeInternalError, Message: "internal server error", Status: http.StatusInternalServerError}
	ErrServiceUnavailable = &AppError{Code: CodeServiceUnavailable, Message: "service unavailable", Status: http.StatusServiceUnavailable}
)

// Wrap attaches a cause to kind and records the call stack on it. The cause
// stays out of the client message.
func Wrap(err error, kind *AppError) *AppError {
	var cause error
	if err != nil {
		cause = cr.WithStackDepth(err, 1)
	}
	return &AppError{
		Code:    kind.Code,
		Message: kind.Message,
		Status:  kind.Status,
		Err:     cause,
	}
}

// Expose is Wrap with the cause's text as the client message, for errors
// that describe the caller's mistake such as an unknown queue
func Expose(err error, kind *AppError) *AppError {
	appErr := Wrap(err, kind)
	if err != nil {
		appErr.Message = err.Error()
	}
	return appErr
}

// As finds the first AppError in err's chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if cr.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// StackLines renders err with its recorded stack, capped at maxLines
func StackLines(err error, maxLines int) []string {
	if err == nil {
		return nil
	}
	lines := strings.Split(fmt.Sprintf("%+v", err), "\n")
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[:maxLines]
	}
	return lines
}
