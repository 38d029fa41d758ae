// Package models defines the identity domain model: users, the external
// provider identities linked to them, roles and permissions.
//
// User Aggregate:
//
// [User] is the aggregate root. Role assignments, direct permission grants
// and provider links change only through its methods, each of which records
// an [Event]. Callers persist the change and then drain the recorded events
// with [User.PullEvents].
//
// A user is created once per distinct email on first successful
// authentication and is never hard-deleted; [User.Deactivate] is the only
// way to remove access.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// ExternalProvider links an identity-provider account to a user. The pair
// (Provider, ExternalUserID) is globally unique and owned by exactly one user.
type ExternalProvider struct {
	// Provider is the configured provider name (e.g., "clerk", "supabase").
	Provider string `json:"provider" db:"provider"`

	// ExternalUserID is the provider's subject identifier for the account.
	ExternalUserID string `json:"external_user_id" db:"external_user_id"`

	// LinkedAt records when the link was first established.
	LinkedAt time.Time `json:"linked_at" db:"linked_at"`
}

// User is the internal identity that every external provider account
// resolves to.
type User struct {
	ID          uuid.UUID          `json:"id" db:"id"`
	Email       string             `json:"email" db:"email"`
	DisplayName string             `json:"display_name" db:"display_name"`
	PictureURL  string             `json:"picture_url,omitempty" db:"picture_url"`
	IsActive    bool               `json:"is_active" db:"is_active"`
	LastLoginAt *time.Time         `json:"last_login_at,omitempty" db:"last_login_at"`
	CreatedAt   time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at" db:"updated_at"`
	Providers   []ExternalProvider `json:"providers,omitempty" db:"-"`

	// RoleIDs and PermissionIDs hold the user's direct assignments. They
	// are populated by repositories that load the aggregate for mutation.
	RoleIDs       []uuid.UUID `json:"role_ids,omitempty" db:"-"`
	PermissionIDs []uuid.UUID `json:"permission_ids,omitempty" db:"-"`

	events []Event
}

// NormalizeEmail lower-cases and trims an email address. All email
// comparisons and the unique index operate on the normalized form.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NewUser creates an active user with its first provider link and records
// a [EventUserProvisioned] event. The email is normalized.
func NewUser(email, displayName, pictureURL string, first ExternalProvider, now time.Time) (*User, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "models: user email must not be empty")
	}
	if first.Provider == "" || first.ExternalUserID == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "models: first provider link must name provider and external id")
	}
	if first.LinkedAt.IsZero() {
		first.LinkedAt = now
	}
	u := &User{
		ID:          uuid.New(),
		Email:       email,
		DisplayName: displayName,
		PictureURL:  pictureURL,
		IsActive:    true,
		LastLoginAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
		Providers:   []ExternalProvider{first},
	}
	u.record(EventUserProvisioned, first.Provider, now)
	return u, nil
}

// HasProvider reports whether the user already owns the given provider link.
func (u *User) HasProvider(provider, externalID string) bool {
	for _, p := range u.Providers {
		if p.Provider == provider && p.ExternalUserID == externalID {
			return true
		}
	}
	return false
}

// LinkProvider attaches another provider identity to the user. Linking an
// identity the user already owns is a no-op and returns false.
func (u *User) LinkProvider(link ExternalProvider, now time.Time) bool {
	if u.HasProvider(link.Provider, link.ExternalUserID) {
		return false
	}
	if link.LinkedAt.IsZero() {
		link.LinkedAt = now
	}
	u.Providers = append(u.Providers, link)
	u.UpdatedAt = now
	u.record(EventProviderLinked, link.Provider, now)
	return true
}

// TouchLogin records a successful login.
func (u *User) TouchLogin(now time.Time) {
	u.LastLoginAt = &now
	u.UpdatedAt = now
}

// AssignRole adds a role to the user. Assigning a role the user already
// holds returns false and records nothing. Inactive roles cannot be assigned.
func (u *User) AssignRole(role *Role, now time.Time) (bool, error) {
	if !role.IsActive {
		return false, sserr.Newf(sserr.CodeValidation, "models: role %q is inactive", role.Name)
	}
	if containsID(u.RoleIDs, role.ID) {
		return false, nil
	}
	u.RoleIDs = append(u.RoleIDs, role.ID)
	u.UpdatedAt = now
	u.record(EventRoleAssigned, role.Name, now)
	return true, nil
}

// RemoveRole takes a role away from the user. Removing a role the user does
// not hold returns false.
func (u *User) RemoveRole(role *Role, now time.Time) bool {
	var ok bool
	u.RoleIDs, ok = removeID(u.RoleIDs, role.ID)
	if !ok {
		return false
	}
	u.UpdatedAt = now
	u.record(EventRoleRemoved, role.Name, now)
	return true
}

// GrantPermission grants a permission directly to the user.
func (u *User) GrantPermission(perm *Permission, now time.Time) (bool, error) {
	if !perm.IsActive {
		return false, sserr.Newf(sserr.CodeValidation, "models: permission %q is inactive", perm.Name)
	}
	if containsID(u.PermissionIDs, perm.ID) {
		return false, nil
	}
	u.PermissionIDs = append(u.PermissionIDs, perm.ID)
	u.UpdatedAt = now
	u.record(EventPermissionGranted, perm.Name, now)
	return true, nil
}

// RevokePermission removes a direct permission grant.
func (u *User) RevokePermission(perm *Permission, now time.Time) bool {
	var ok bool
	u.PermissionIDs, ok = removeID(u.PermissionIDs, perm.ID)
	if !ok {
		return false
	}
	u.UpdatedAt = now
	u.record(EventPermissionRevoked, perm.Name, now)
	return true
}

// Deactivate marks the user inactive. Deactivated users keep their rows and
// links but are denied on every request.
func (u *User) Deactivate(now time.Time) bool {
	if !u.IsActive {
		return false
	}
	u.IsActive = false
	u.UpdatedAt = now
	u.record(EventUserDeactivated, "", now)
	return true
}

// PullEvents returns the events recorded since the last call and clears them.
func (u *User) PullEvents() []Event {
	events := u.events
	u.events = nil
	return events
}

func (u *User) record(kind EventKind, subject string, now time.Time) {
	u.events = append(u.events, Event{
		Kind:       kind,
		UserID:     u.ID,
		Subject:    subject,
		OccurredAt: now,
	})
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []uuid.UUID, id uuid.UUID) ([]uuid.UUID, bool) {
	for i, v := range ids {
		if v == id {
			return append(ids[:i:i], ids[i+1:]...), true
		}
	}
	return ids, false
}
