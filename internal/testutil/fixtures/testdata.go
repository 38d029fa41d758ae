// Package fixtures holds shared identity values for tests so that the
// same external account, email and catalog entries are used across
// packages.
package fixtures

// External identities. ExternalID and AltExternalID belong to different
// providers but share Email, so both resolve to a single user.
const (
	ProviderClerk    = "clerk"
	ProviderSupabase = "supabase"

	ExternalID    = "ext-42"
	AltExternalID = "7d3f0c2a-supabase"
	Email         = "a@x.com"
	DisplayName   = "Ada Lovelace"

	OtherExternalID = "ext-99"
	OtherEmail      = "b@x.com"
)

// Catalog entries.
const (
	ModuleDocuments = "documents"

	RoleAdmin  = "admin"
	RoleEditor = "editor"
	RoleViewer = "viewer"

	PermRead   = "documents.read"
	PermWrite  = "documents.write"
	PermDelete = "documents.delete"
)
