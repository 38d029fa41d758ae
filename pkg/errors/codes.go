package errors

// Code is a stable, machine-readable error code of the form CATEGORY_XXX.
// Codes never change meaning once published; clients and dashboards key
// off them.
type Code string

// Error code categories:
//
//	VAL_xxx     - Validation errors (400 Bad Request)
//	AUTH_xxx    - Authentication errors (401 Unauthorized)
//	AUTHZ_xxx   - Authorization errors (403 Forbidden)
//	NF_xxx      - Not found errors (404 Not Found)
//	CONF_xxx    - Conflict errors (409 Conflict)
//	INT_xxx     - Internal errors (500 Internal Server Error)
//	RATE_xxx    - Rate limited (429 Too Many Requests)
//	UNAVAIL_xxx - Service unavailable (503 Service Unavailable)
//	TIMEOUT_xxx - Timeout errors (504 Gateway Timeout)
const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field has an invalid format, such as
	// a permission name that is not dot-notation.
	CodeValidationFormat Code = "VAL_003"

	// CodeAuthentication indicates no usable credentials were presented.
	CodeAuthentication Code = "AUTH_001"

	// CodeAuthenticationExpired indicates the bearer token has expired.
	CodeAuthenticationExpired Code = "AUTH_002"

	// CodeAuthenticationInvalid indicates the token is malformed, carries a
	// bad signature, names an unknown key, or no key set is available.
	CodeAuthenticationInvalid Code = "AUTH_003"

	// CodeAuthenticationMissingClaim indicates the token verified but lacks
	// a claim required to identify the user (subject or email).
	CodeAuthenticationMissingClaim Code = "AUTH_004"

	// CodeAuthorization indicates a general authorization failure.
	CodeAuthorization Code = "AUTHZ_001"

	// CodeAuthorizationDenied indicates the caller does not satisfy the
	// operation's role or permission requirement. The message never says
	// which rule failed.
	CodeAuthorizationDenied Code = "AUTHZ_002"

	// CodeNotFound indicates a general not found error.
	CodeNotFound Code = "NF_001"

	// CodeNotFoundUser indicates the referenced user does not exist.
	CodeNotFoundUser Code = "NF_002"

	// CodeNotFoundRole indicates the referenced role does not exist.
	CodeNotFoundRole Code = "NF_003"

	// CodeNotFoundPermission indicates the referenced permission does not exist.
	CodeNotFoundPermission Code = "NF_004"

	// CodeConflict indicates a general conflict error.
	CodeConflict Code = "CONF_001"

	// CodeConflictAlreadyExists indicates a uniqueness constraint was hit,
	// for example a concurrent first login already provisioned the user.
	CodeConflictAlreadyExists Code = "CONF_002"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a database operation failed in a way
	// that is not a connectivity problem (bad row data, scan failure).
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"

	// CodeRateLimited indicates the caller exceeded its request budget.
	CodeRateLimited Code = "RATE_001"

	// CodeUnavailable indicates the service is not ready to serve requests.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates the identity store, cache or key
	// endpoint could not be reached.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDatabase indicates a database operation timed out.
	CodeTimeoutDatabase Code = "TIMEOUT_002"

	// CodeTimeoutDependency indicates a call to an identity provider timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the error code (e.g., "VAL", "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}

// Title returns a short, client-safe summary for the code's category. It is
// used as the problem-detail title so responses stay generic.
func (c Code) Title() string {
	switch c.Category() {
	case "VAL":
		return "Invalid request"
	case "AUTH":
		return "Unauthorized"
	case "AUTHZ":
		return "Forbidden"
	case "NF":
		return "Not found"
	case "CONF":
		return "Conflict"
	case "RATE":
		return "Too many requests"
	case "UNAVAIL":
		return "Service unavailable"
	case "TIMEOUT":
		return "Timeout"
	default:
		return "Internal error"
	}
}
