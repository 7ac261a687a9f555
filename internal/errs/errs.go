package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	Internal Kind = iota
	Authentication
	Permission
	Validation
	NotFound
	Conflict
)

func (k Kind) String() string {
	switch k {
	case Authentication:
		return "authentication"
	case Permission:
		return "permission"
	case Validation:
		return "validation"
	case NotFound:
		return "not found"
	case Conflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is returned by the chat core for every rejected operation. Reason
// is safe to show to the client; Err is for logs.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Reason, e.Err.Error())
	}

	return e.Reason
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

func Authn(reason string) *Error     { return New(Authentication, reason) }
func Forbidden(reason string) *Error { return New(Permission, reason) }
func Invalid(reason string) *Error   { return New(Validation, reason) }
func Missing(reason string) *Error   { return New(NotFound, reason) }

// KindOf reports the kind of err; anything not produced by this package
// is Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Reason returns the client facing text of err.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != Internal {
		return e.Reason
	}
	return "internal server error"
}

func StatusCode(err error) int {
	switch KindOf(err) {
	case Authentication:
		return http.StatusUnauthorized
	case Permission:
		return http.StatusForbidden
	case Validation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
