package errors

import (
	"errors"
)

// AsError returns the first *Error in err's chain.
//
// Example:
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Warn("authentication failed", "code", e.Code)
//	}
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetCode returns the code of the first *Error in err's chain, or "".
func GetCode(err error) Code {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

func hasCategory(err error, category string) bool {
	e, ok := AsError(err)
	return ok && e.Code.Category() == category
}

// IsValidation reports whether err is a validation error (VAL_xxx).
func IsValidation(err error) bool { return hasCategory(err, "VAL") }

// IsAuthentication reports whether err is an authentication error (AUTH_xxx).
func IsAuthentication(err error) bool { return hasCategory(err, "AUTH") }

// IsAuthorization reports whether err is an authorization error (AUTHZ_xxx).
func IsAuthorization(err error) bool { return hasCategory(err, "AUTHZ") }

// IsNotFound reports whether err is a not found error (NF_xxx).
func IsNotFound(err error) bool { return hasCategory(err, "NF") }

// IsConflict reports whether err is a conflict error (CONF_xxx). The
// enrichment service uses this to detect a lost provisioning race.
func IsConflict(err error) bool { return hasCategory(err, "CONF") }

// IsInternal reports whether err is an internal error (INT_xxx).
func IsInternal(err error) bool { return hasCategory(err, "INT") }

// IsUnavailable reports whether err is an unavailable error (UNAVAIL_xxx).
func IsUnavailable(err error) bool { return hasCategory(err, "UNAVAIL") }

// IsTimeout reports whether err is a timeout error (TIMEOUT_xxx).
func IsTimeout(err error) bool { return hasCategory(err, "TIMEOUT") }

// IsRetryable reports whether the operation that produced err may succeed
// if retried. Timeout, rate-limit and unavailable errors are retryable.
//
// Example:
//
//	if !errors.IsRetryable(err) {
//	    return backoff.Permanent(err)
//	}
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	if !ok {
		return false
	}
	switch e.Code.Category() {
	case "TIMEOUT", "RATE", "UNAVAIL":
		return true
	default:
		return false
	}
}
