package personalize

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the HTTP boundary.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindNotFound
	KindUpstream
	KindMethodNotAllowed
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindNotFound:
		return "not_found"
	case KindUpstream:
		return "upstream"
	case KindMethodNotAllowed:
		return "method_not_allowed"
	default:
		return "internal"
	}
}

// Error carries a Kind, a caller-safe message and an optional internal cause.
// The cause is never shown to callers.
type Error struct {
	Err  error
	Msg  string
	Kind Kind
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports a missing or malformed field.
func Validation(msg string) error {
	return &Error{Kind: KindValidation, Msg: msg}
}

// Authentication reports a bad or expired link signature.
func Authentication(msg string) error {
	return &Error{Kind: KindAuthentication, Msg: msg}
}

// NotFound reports an unknown platform or template.
func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

// Upstream wraps a renderer, storage or cache failure.
func Upstream(msg string, err error) error {
	return &Error{Kind: KindUpstream, Msg: msg, Err: err}
}

// MethodNotAllowed reports an unsupported HTTP method.
func MethodNotAllowed() error {
	return &Error{Kind: KindMethodNotAllowed, Msg: "Method not allowed"}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind checks if err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the caller-safe message for err.
// Upstream and unclassified errors get a generic message.
func Message(err error) string {
	var e *Error
	if !errors.As(err, &e) || e.Kind == KindUpstream || e.Kind == KindInternal {
		return "Internal server error"
	}
	return e.Msg
}

// StatusCode maps err to an HTTP status. notFound is the status used for
// KindNotFound, which differs between endpoints.
func StatusCode(err error, notFound int) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusForbidden
	case KindNotFound:
		return notFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	default:
		return http.StatusInternalServerError
	}
}
