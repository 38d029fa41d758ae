package errors

import (
	"fmt"
	"maps"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Error is a structured error with a code, a client-safe message and an
// optional cause. Instances are treated as immutable after creation.
type Error struct {
	// Code is the machine-readable error code (e.g., "AUTH_003").
	Code Code

	// Message is the human-readable message. It may be shown to callers
	// and must not contain tokens, secrets or internal identifiers.
	Message string

	// Cause is the underlying error, if any. It is only rendered to
	// callers in development mode.
	Cause error

	// Details carries structured context for logs (provider, key id,
	// module name). Details are never rendered to callers.
	Details map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, supporting errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the HTTP status code for this error's category.
func (e *Error) HTTPStatus() int {
	switch e.Code.Category() {
	case "VAL":
		return http.StatusBadRequest
	case "AUTH":
		return http.StatusUnauthorized
	case "AUTHZ":
		return http.StatusForbidden
	case "NF":
		return http.StatusNotFound
	case "CONF":
		return http.StatusConflict
	case "RATE":
		return http.StatusTooManyRequests
	case "UNAVAIL":
		return http.StatusServiceUnavailable
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode returns the gRPC status code for this error's category.
func (e *Error) GRPCCode() codes.Code {
	switch e.Code.Category() {
	case "VAL":
		return codes.InvalidArgument
	case "AUTH":
		return codes.Unauthenticated
	case "AUTHZ":
		return codes.PermissionDenied
	case "NF":
		return codes.NotFound
	case "CONF":
		return codes.AlreadyExists
	case "RATE":
		return codes.ResourceExhausted
	case "UNAVAIL":
		return codes.Unavailable
	case "TIMEOUT":
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

// WithDetail returns a copy of the error with one detail key added.
func (e *Error) WithDetail(key string, value any) *Error {
	details := make(map[string]any, len(e.Details)+1)
	maps.Copy(details, e.Details)
	details[key] = value
	return &Error{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Details: details,
	}
}

// Format implements fmt.Formatter. %+v prints the details and cause chain.
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "Error{Code: %q, Message: %q", e.Code, e.Message)
			if len(e.Details) > 0 {
				fmt.Fprintf(s, ", Details: %v", e.Details)
			}
			if e.Cause != nil {
				fmt.Fprintf(s, ", Cause: %+v", e.Cause)
			}
			fmt.Fprint(s, "}")
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(s, e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}
