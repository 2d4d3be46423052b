package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
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

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrUnauthorized
	ErrForbidden
	ErrInternal
	ErrInvalidTransition
	ErrStoreUnavailable
	ErrDispatchFailure
)

// Error constructors
func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal server error",
		Err:     err,
	}
}

// NewInvalidTransition signals that the requested state change is not
// legal from the record's current status. Surfaced to callers, never
// retried.
func NewInvalidTransition(message string) *AppError {
	return &AppError{
		Code:    ErrInvalidTransition,
		Message: message,
	}
}

// NewStoreUnavailable signals that persistence failed before the state
// change was durable. The caller must treat the operation as not having
// happened.
func NewStoreUnavailable(err error) *AppError {
	return &AppError{
		Code:    ErrStoreUnavailable,
		Message: "emergency store unavailable",
		Err:     err,
	}
}

// NewDispatchFailure records an external action that failed after
// exhausting its retries. Never fatal to the state machine.
func NewDispatchFailure(action string, err error) *AppError {
	return &AppError{
		Code:    ErrDispatchFailure,
		Message: fmt.Sprintf("dispatch failed: %s", action),
		Err:     err,
	}
}

// Common errors
func NotFound(resource string, err error) *AppError {
	return NewNotFound(resource, err)
}

func BadRequest(message string, err error) *AppError {
	return NewBadRequest(message, err)
}

func Internal(err error) *AppError {
	return NewInternal(err)
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

// Code extracts the ErrorCode from err, returning ErrInternal when err
// is not an AppError.
func Code(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsInvalidTransition reports whether err is an InvalidTransition error.
func IsInvalidTransition(err error) bool {
	return Code(err) == ErrInvalidTransition
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	return Code(err) == ErrNotFound
}
