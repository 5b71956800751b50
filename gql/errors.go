package gql

import (
	"errors"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/gqlerrors"
)

// Codes (align with Apollo/GraphQL conventions)
const (
	CodeInternalServerError = "INTERNAL_SERVER_ERROR"
	CodeUnauthenticated     = "UNAUTHENTICATED"
	CodeBadUserInput        = "BAD_USER_INPUT"
	CodeNotFound            = "NOT_FOUND"
)

// Error is a GraphQL-friendly error with code + extensions.
// It wraps an underlying cause for logs.
type Error struct {
	Message string
	Code    string
	Meta    map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.cause }

// Extensions satisfies gqlerrors.ExtendedError so resolver errors carry
// their code to the client.
func (e *Error) Extensions() map[string]interface{} {
	ext := copyExt(e.Meta)
	ext["code"] = e.Code
	return ext
}

// WithMeta adds a single k/v to the extensions (copy-on-write).
func (e *Error) WithMeta(k string, v any) *Error {
	cp := *e
	cp.Meta = copyExt(e.Meta)
	cp.Meta[k] = v
	return &cp
}

// New builds a GraphQL error with code/message, wrapping an optional cause.
// The cause message is never exposed in extensions.
func New(code, message string, cause error, ext map[string]any) *Error {
	return &Error{
		Message: message,
		Code:    code,
		Meta:    copyExt(ext),
		cause:   cause,
	}
}

// CodeOf extracts the GraphQL error code, if present.
func CodeOf(err error) (string, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code, true
	}
	return "", false
}

func InternalServerError(err error) error {
	return New(CodeInternalServerError, "internal server error", err, nil)
}

func Unauthenticated(err error) error {
	return New(CodeUnauthenticated, "authentication required for this action", err, nil)
}

func NotFound(message string, err error) error {
	if message == "" {
		message = "not found"
	}
	return New(CodeNotFound, message, err, nil)
}

func BadUserInput(message string, err error) error {
	if message == "" {
		message = "bad request"
	}
	return New(CodeBadUserInput, message, err, nil)
}

// FormatError attaches the code of a wrapped *Error to a formatted error.
// graphql-go only does this for resolver errors; subscription setup errors
// arrive without extensions.
func FormatError(fe gqlerrors.FormattedError) gqlerrors.FormattedError {
	if len(fe.Extensions) > 0 {
		return fe
	}
	if ge := asError(fe.OriginalError()); ge != nil {
		fe.Extensions = ge.Extensions()
	}
	return fe
}

// FormatResult applies FormatError to every error of r.
func FormatResult(r *graphql.Result) *graphql.Result {
	if r == nil {
		return r
	}
	for i, fe := range r.Errors {
		r.Errors[i] = FormatError(fe)
	}
	return r
}

func asError(err error) *Error {
	var ge *Error
	if err != nil && errors.As(err, &ge) {
		return ge
	}

	var gqlErr *gqlerrors.Error
	if errors.As(err, &gqlErr) && gqlErr.OriginalError != nil && errors.As(gqlErr.OriginalError, &ge) {
		return ge
	}
	return nil
}

func copyExt(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
