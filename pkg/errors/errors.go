package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotMaster       = errors.New("index is not a writable master")
	ErrNotAcceptable   = errors.New("not acceptable")
	ErrSessionNotFound = errors.New("replication session not found")
	ErrFileNotFound    = errors.New("file not found")
	ErrTransferFailure = errors.New("transfer failure")
	ErrBackupDirectory = errors.New("backup directory error")
	ErrIndexNotFound   = errors.New("index not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInternal        = errors.New("internal error")
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

// Wrapf builds an AppError whose status code is derived from the sentinel.
func Wrapf(sentinel error, format string, args ...any) *AppError {
	return Newf(sentinel, statusFor(sentinel), format, args...)
}

// Is reports whether err matches target. It mirrors the standard library so
// callers importing this package under the errors name keep a single import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As mirrors errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return statusFor(err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotMaster):
		return http.StatusConflict
	case errors.Is(err, ErrNotAcceptable):
		return http.StatusNotAcceptable
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrFileNotFound), errors.Is(err, ErrIndexNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrTransferFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
