// Package apperr defines the failure taxonomy shared by the session core and
// the HTTP layer. Nothing in this package decides status codes; it only
// classifies failures by Kind.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the outer layer.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindConflict
	KindNotFound
	KindInvalid
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindUnauthenticated:
		return "unauthenticated"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "internal"
	}
}

// Error is a typed failure. Code is stable and machine readable; Message is
// safe to show to the caller. Field names the offending input for conflicts
// and validation failures. Err is the internal cause and is never rendered.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Field   string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Code, so wrapped copies of a sentinel
// still satisfy errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithCause returns a copy of e carrying cause.
func (e *Error) WithCause(cause error) *Error {
	c := *e
	c.Err = cause
	return &c
}

var (
	ErrInvalidCredentials = &Error{Kind: KindUnauthenticated, Code: "INVALID_CREDENTIALS", Message: "Invalid username, email or password"}
	ErrUnauthenticated    = &Error{Kind: KindUnauthenticated, Code: "UNAUTHENTICATED", Message: "Authentication required"}
	ErrRefreshRequired    = &Error{Kind: KindUnauthenticated, Code: "REFRESH_REQUIRED", Message: "Refresh token is required"}
	ErrRefreshInvalid     = &Error{Kind: KindUnauthenticated, Code: "REFRESH_INVALID", Message: "Refresh token is invalid, expired or revoked"}
	ErrMustChangePassword = &Error{Kind: KindForbidden, Code: "MUST_CHANGE_PASSWORD", Message: "Password must be changed before signing in"}
	ErrAccountInactive    = &Error{Kind: KindForbidden, Code: "ACCOUNT_INACTIVE", Message: "Account is inactive, contact an administrator"}
	ErrInsufficientLevel  = &Error{Kind: KindForbidden, Code: "INSUFFICIENT_LEVEL", Message: "Insufficient permissions for this action"}
	ErrDuplicateUsername  = &Error{Kind: KindConflict, Code: "DUPLICATE_USERNAME", Message: "Username already exists", Field: "username"}
	ErrDuplicateEmail     = &Error{Kind: KindConflict, Code: "DUPLICATE_EMAIL", Message: "Email is already registered", Field: "email"}
	ErrPrincipalNotFound  = &Error{Kind: KindNotFound, Code: "PRINCIPAL_NOT_FOUND", Message: "User not found"}
	ErrRateLimited        = &Error{Kind: KindRateLimited, Code: "RATE_LIMIT_EXCEEDED", Message: "Too many requests, try again later"}
	ErrInternal           = &Error{Kind: KindInternal, Code: "INTERNAL_ERROR", Message: "Internal server error"}
)

// Invalid builds a validation failure. details lists every rule that failed.
func Invalid(field, message string, details ...string) *Error {
	return &Error{Kind: KindInvalid, Code: "INVALID_REQUEST", Message: message, Field: field, Details: details}
}

// Internal wraps an integrity failure. The cause is kept for logging only.
func Internal(cause error) *Error {
	return ErrInternal.WithCause(cause)
}

// As extracts an *Error from err. Anything that is not already typed is
// reported as an internal failure wrapping err.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}

// KindOf reports the Kind of err.
func KindOf(err error) Kind {
	return As(err).Kind
}
