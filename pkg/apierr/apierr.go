package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an API error and determines its HTTP status code.
type Kind int

const (
	KindValidation Kind = iota
	KindUnauthorized
	KindNotFound
	KindConflict
	KindUnsupported
	KindProvider
)

// Error is the error type returned across manager and orchestrator
// boundaries. Step carries the name of the failing provisioning step for
// multi-step workflows so the operator knows what to compensate for.
type Error struct {
	Kind Kind
	Step string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Step != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Step, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Step != "":
		return fmt.Sprintf("%s: %s", e.Step, e.Msg)
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps an error to the response status code. Unclassified
// errors are treated as internal provider failures.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnsupported:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Msg: msg}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Msg: fmt.Sprintf(format, args...)}
}

func Unsupported(format string, args ...any) *Error {
	return &Error{Kind: KindUnsupported, Msg: fmt.Sprintf(format, args...)}
}

// Provider wraps a collaborator failure with the step it occurred in. The
// underlying error detail is preserved verbatim for operator diagnosis.
func Provider(step string, err error) *Error {
	return &Error{Kind: KindProvider, Step: step, Msg: "provider call failed", Err: err}
}
