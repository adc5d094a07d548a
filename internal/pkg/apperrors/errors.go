package apperrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrSetup = errors.New("setup failed")

	ErrFileFormat = errors.New("unsupported or malformed file")

	ErrMissingColumn = errors.New("required column missing")

	ErrValidation = errors.New("validation failed")

	ErrGrouping = errors.New("grouping failed")

	ErrRemote = errors.New("remote call failed")

	ErrNotFound = errors.New("resource not found")

	ErrInvalidArgument = errors.New("invalid argument")

	ErrUnauthorized = errors.New("unauthorized")

	ErrDatabase = errors.New("database error")
)

type ValidationError struct {
	Field   string
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func NewValidationError(field, message string) error {
	return fmt.Errorf("%w: %w", ErrValidation, &ValidationError{Field: field, Message: message})
}

type MissingColumnError struct {
	Columns []string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("%s: %s", ErrMissingColumn, strings.Join(e.Columns, ", "))
}

func (e *MissingColumnError) Unwrap() error {
	return ErrMissingColumn
}

func NewFileFormatError(path string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrFileFormat, path)
	}
	return fmt.Errorf("%w: %s: %w", ErrFileFormat, path, cause)
}

func NewSetupError(message string) error {
	return fmt.Errorf("%w: %s", ErrSetup, message)
}

// FailureKind classifies a failed remote call.
type FailureKind string

const (
	FailureNetwork    FailureKind = "network"
	FailureAuth       FailureKind = "auth"
	FailureRateLimit  FailureKind = "rate_limit"
	FailureValidation FailureKind = "validation"
	FailureNotFound   FailureKind = "not_found"
	FailureServer     FailureKind = "server"
)

type RemoteError struct {
	Kind       FailureKind
	Operation  string
	StatusCode int
	Code       string
	Detail     string
	RetryAfter time.Duration
	Cause      error
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s [%s]", e.Operation, ErrRemote, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " code=%s", e.Code)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	} else if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrRemote
}

func (e *RemoteError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether repeating the call may succeed.
func (e *RemoteError) Retryable() bool {
	switch e.Kind {
	case FailureNetwork, FailureRateLimit, FailureServer:
		return true
	}
	return false
}

// RemoteKind returns the failure kind of err, or "" when err is not a RemoteError.
func RemoteKind(err error) FailureKind {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind
	}
	return ""
}

type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func WrapJournalError(cause error, message string) error {
	return &AppError{
		Code:    "JOURNAL_ERROR",
		Message: message,
		Cause:   cause,
	}
}
