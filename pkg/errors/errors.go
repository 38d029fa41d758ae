// Package errors provides the structured error type shared by every identity
// component: authentication, enrichment, authorization and catalog sync.
//
// # Error Categories
//
// Errors carry a machine-readable [Code] whose category prefix decides how
// the error surfaces to callers:
//
//   - VAL: invalid declarations or configuration input
//   - AUTH: missing, expired or unverifiable credentials (401)
//   - AUTHZ: authenticated caller lacks a required role or permission (403)
//   - NF: referenced user, role or permission does not exist
//   - CONF: uniqueness conflicts (duplicate provisioning, duplicate names)
//   - INT: unexpected internal failures
//   - RATE: the caller exceeded its request budget (429)
//   - UNAVAIL: persistence or key endpoint unavailable (503)
//   - TIMEOUT: an operation exceeded its deadline
//
// # Usage
//
// Create a new error:
//
//	err := errors.New(errors.CodeAuthenticationMissingClaim, "token has no email claim")
//
// Wrap an existing error:
//
//	err := errors.Wrap(err, errors.CodeUnavailableDependency, "identity store unavailable")
//
// Render an error for an HTTP client:
//
//	errors.WriteProblem(w, err, traceID, devMode)
//
// The rendered body never contains the cause chain unless development mode is
// enabled, so internal details do not leak to callers.
package errors
