package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNoInventory   = errors.New("no eligible inventory")
	ErrDeadline      = errors.New("page deadline exceeded")
	ErrInvalidCursor = errors.New("invalid cursor")
	ErrInvalidInput  = errors.New("invalid input")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrUnavailable   = errors.New("dependency unavailable")
	ErrInternal      = errors.New("internal error")
)

// Wire-level error kinds returned to clients.
const (
	KindNoInventory   = "NoInventory"
	KindDeadline      = "Deadline"
	KindInvalidCursor = "InvalidCursor"
	KindInvalidInput  = "InvalidInput"
	KindRateLimited   = "RateLimited"
	KindInternal      = "Internal"
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Kind maps err to its wire-level kind. Anything unrecognised is Internal.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoInventory):
		return KindNoInventory
	case errors.Is(err, ErrDeadline), errors.Is(err, context.DeadlineExceeded):
		return KindDeadline
	case errors.Is(err, ErrInvalidCursor):
		return KindInvalidCursor
	case errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	default:
		return KindInternal
	}
}

// PublicMessage returns the text safe to show a client. Internal errors are
// reduced to a generic message.
func PublicMessage(err error) string {
	if Kind(err) == KindInternal {
		return "internal error"
	}
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.StatusCode != 0 {
		return appErr.StatusCode
	}

	switch Kind(err) {
	case KindNoInventory:
		return http.StatusNotFound
	case KindDeadline:
		return http.StatusGatewayTimeout
	case KindInvalidCursor, KindInvalidInput:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
