package response

import (
	"time"

	apperrors "github.com/jrjohn/engage-cloud-go/pkg/errors"
)

// ErrorBody describes a failed request
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ApiResponse is the envelope of every ops API response
type ApiResponse[T any] struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message,omitempty"`
	Data      T          `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// NewSuccess creates a successful response
func NewSuccess[T any](data T, message string) ApiResponse[T] {
	return ApiResponse[T]{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// NewSuccessWithData creates a successful response with just data
func NewSuccessWithData[T any](data T) ApiResponse[T] {
	return NewSuccess(data, "")
}

// NewError creates an error response
func NewError(code, message string) ApiResponse[any] {
	return ApiResponse[any]{
		Error:     &ErrorBody{Code: code, Message: message},
		Timestamp: time.Now().UTC(),
	}
}

// NewErrorWithDetails creates an error response carrying details, such as
// validation failures
func NewErrorWithDetails(code, message string, details any) ApiResponse[any] {
	resp := NewError(code, message)
	resp.Error.Details = details
	return resp
}

// FromAppError renders an AppError. The wrapped cause is not exposed.
func FromAppError(err *apperrors.AppError) ApiResponse[any] {
	return NewError(err.Code, err.Message)
}
