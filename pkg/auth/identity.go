// Package auth authenticates bearer tokens issued by external identity
// providers and enforces declarative authorization on inbound operations.
//
// Request Pipeline:
//
// Every inbound request passes through the same stages:
//
//  1. The [Authenticator] picks a [Provider] for the credential scheme or
//     token issuer, verifies the token signature with the provider's
//     [KeyResolver], and normalizes the provider claims into an
//     [ExternalIdentity].
//  2. An [Enricher] (the identity service) maps the external identity to an
//     internal user and returns a [Principal] carrying the user's roles and
//     effective permissions.
//  3. The [Checker] evaluates the operation's [Requirement] against the
//     principal before the handler runs.
//
// HTTP middleware and gRPC interceptors wire these stages to transports.
//
// Security:
//
// Tokens are never trusted before signature verification; the unverified
// issuer claim is only used to choose which provider verifies the token.
// Authorization failures all produce the same generic denial.
package auth

import (
	"context"
	"slices"
)

// Identity is an authenticated caller as seen by handlers.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Identity interface {
	// ID returns the internal user identifier.
	ID() string

	// Claims returns a copy of the identity's claims.
	Claims() map[string]any

	// HasRole reports whether the identity holds the named active role.
	HasRole(name string) bool

	// HasPermission reports whether the named permission is among the
	// identity's effective permissions.
	HasPermission(name string) bool
}

// Enricher resolves a verified external identity to an internal principal.
// The identity service implements it.
type Enricher interface {
	Enrich(ctx context.Context, ext ExternalIdentity) (*Principal, error)
}

// Claim names placed on a principal.
const (
	ClaimSubject    = "sub"
	ClaimEmail      = "email"
	ClaimName       = "name"
	ClaimProvider   = "provider"
	ClaimRole       = "role"
	ClaimPermission = "permission"
)

// Principal is the enriched identity attached to the request context: the
// internal user id, email, one role claim per active role and one permission
// claim per effective permission. It is immutable after construction and is
// what the claims cache stores.
type Principal struct {
	UserID      string   `json:"user_id"`
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name,omitempty"`
	Provider    string   `json:"provider"`
	ExternalID  string   `json:"external_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

var _ Identity = (*Principal)(nil)

// NewPrincipal builds a principal. Roles and permissions are copied and
// sorted so lookups can binary search.
func NewPrincipal(userID, email, displayName string, ext ExternalIdentity, roles, permissions []string) *Principal {
	r := slices.Clone(roles)
	slices.Sort(r)
	p := slices.Clone(permissions)
	slices.Sort(p)
	return &Principal{
		UserID:      userID,
		Email:       email,
		DisplayName: displayName,
		Provider:    ext.Provider,
		ExternalID:  ext.ExternalID,
		Roles:       slices.Compact(r),
		Permissions: slices.Compact(p),
	}
}

// ID returns the internal user identifier.
func (p *Principal) ID() string { return p.UserID }

// HasRole reports whether the principal holds the named role.
func (p *Principal) HasRole(name string) bool {
	_, ok := slices.BinarySearch(p.Roles, name)
	return ok
}

// HasPermission reports whether the principal holds the named permission.
func (p *Principal) HasPermission(name string) bool {
	_, ok := slices.BinarySearch(p.Permissions, name)
	return ok
}

// Claims returns the principal as a claims map. Role and permission claims
// are multi-valued.
func (p *Principal) Claims() map[string]any {
	claims := map[string]any{
		ClaimSubject:    p.UserID,
		ClaimEmail:      p.Email,
		ClaimProvider:   p.Provider,
		ClaimRole:       slices.Clone(p.Roles),
		ClaimPermission: slices.Clone(p.Permissions),
	}
	if p.DisplayName != "" {
		claims[ClaimName] = p.DisplayName
	}
	return claims
}

// anonymous is the identity attached to requests on operations that allow
// anonymous access when no credentials were sent.
type anonymous struct{}

func (anonymous) ID() string                { return "" }
func (anonymous) Claims() map[string]any    { return map[string]any{} }
func (anonymous) HasRole(string) bool       { return false }
func (anonymous) HasPermission(string) bool { return false }

// IsAnonymous reports whether id is the anonymous placeholder identity.
func IsAnonymous(id Identity) bool {
	_, ok := id.(anonymous)
	return ok
}
