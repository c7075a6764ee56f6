package shared

import (
	"errors"
	"fmt"
)

// Error kinds. Every domain failure matches exactly one of these with errors.Is.
var (
	// ErrValidation marks malformed input, uniqueness violations and weak secrets.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown id or reference.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a dependency that blocks the write or a lost commit race.
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized marks a credential mismatch or an inactive account.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden marks an actor attempting something beyond its own authority.
	ErrForbidden = errors.New("forbidden")
	// ErrUnavailable marks a backing store fault; callers may retry with backoff.
	ErrUnavailable = errors.New("store unavailable")
)

// ErrInvalidCredentials is the single failure returned by every authentication
// path so callers cannot tell an unknown email from a wrong secret.
var ErrInvalidCredentials = &Error{Kind: ErrUnauthorized, Message: "invalid credentials"}

// Error carries a kind, the offending field when there is one, and an optional cause.
type Error struct {
	Kind    error
	Field   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Field != "" {
		msg = e.Field + ": " + msg
	}
	if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	return msg
}

// Is matches the error's kind sentinel.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && e.Kind == target
}

// Unwrap exposes the cause.
func (e *Error) Unwrap() error { return e.Cause }

// Validation builds an ErrValidation failure for field.
func Validation(field, message string) error {
	return &Error{Kind: ErrValidation, Field: field, Message: message}
}

// Validationf is Validation with formatting.
func Validationf(field, format string, args ...any) error {
	return Validation(field, fmt.Sprintf(format, args...))
}

// NotFound builds an ErrNotFound failure naming the missing entity.
func NotFound(entity, id string) error {
	return &Error{Kind: ErrNotFound, Field: entity, Message: fmt.Sprintf("%s not found", id)}
}

// Conflict builds an ErrConflict failure.
func Conflict(message string, cause error) error {
	return &Error{Kind: ErrConflict, Message: message, Cause: cause}
}

// Forbidden builds an ErrForbidden failure.
func Forbidden(message string) error {
	return &Error{Kind: ErrForbidden, Message: message}
}

// Unavailable wraps a store fault.
func Unavailable(cause error) error {
	return &Error{Kind: ErrUnavailable, Message: "backing store unavailable", Cause: cause}
}

// Contention wraps a transaction that lost to a concurrent writer. It is
// retryable: the same request can succeed once the other writer commits.
func Contention(cause error) error {
	return &Error{Kind: ErrUnavailable, Message: "concurrent modification, retry", Cause: cause}
}

// KindOf returns the kind sentinel matched by err, or nil for internal faults.
func KindOf(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrConflict, ErrUnauthorized, ErrForbidden, ErrUnavailable} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsDomain reports whether err is a caller-correctable (4xx-class) failure.
func IsDomain(err error) bool {
	kind := KindOf(err)
	return kind != nil && kind != ErrUnavailable
}

// IsRetryable reports whether err is a transient store fault, including
// serialization failures and deadlocks.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
