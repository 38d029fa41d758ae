package errors

import (
	"errors"
	"fmt"
)

// New creates a new Error with the specified code and message.
//
// Example:
//
//	err := errors.New(errors.CodeAuthenticationInvalid, "token signature is invalid")
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new Error with a formatted message.
//
// Example:
//
//	err := errors.Newf(errors.CodeNotFoundRole, "role %q not found", name)
func Newf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps err as the Cause of a new Error. If err is nil, Wrap returns nil.
//
// Example:
//
//	if err := repo.TouchLastLogin(ctx, id, now); err != nil {
//	    return errors.Wrap(err, errors.CodeUnavailableDependency, "identity store unavailable")
//	}
func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps err with a formatted message. If err is nil, Wrapf returns nil.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// Validationf creates a new validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

// Unauthenticated creates an authentication error for a request that
// presented no usable credentials.
func Unauthenticated(message string) *Error {
	return New(CodeAuthentication, message)
}

// deniedMessage is the only message an authorization denial ever carries.
const deniedMessage = "access denied"

// Denied returns the uniform authorization denial. Every failed role or
// permission check and every deactivated account produces this same error
// so callers cannot probe which rule rejected them.
func Denied() *Error {
	return New(CodeAuthorizationDenied, deniedMessage)
}

// Unavailable creates a new service unavailable error.
func Unavailable(message string) *Error {
	return New(CodeUnavailable, message)
}

// Internal creates a new internal error.
func Internal(message string) *Error {
	return New(CodeInternal, message)
}

// FromError converts any error to an *Error. An *Error anywhere in the chain
// is returned as-is; anything else becomes an internal error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	return Wrap(err, CodeInternal, "an unexpected error occurred")
}
