package models

import (
	"regexp"
	"slices"
	"time"

	"github.com/google/uuid"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// Permission is a named capability in dot-notation (e.g., "projects.read").
type Permission struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Description string    `json:"description,omitempty" db:"description"`

	// IsActive is false for permissions that were soft-deactivated. Inactive
	// permissions never contribute to effective permissions.
	IsActive bool `json:"is_active" db:"is_active"`

	// IsModule marks entries owned by a feature module's declaration.
	// Module-owned entries are reconciled by the catalog synchronizer;
	// custom entries are left alone.
	IsModule   bool      `json:"is_module" db:"is_module"`
	ModuleName string    `json:"module_name,omitempty" db:"module_name"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// Role is a named bundle of permissions.
type Role struct {
	ID          uuid.UUID    `json:"id" db:"id"`
	Name        string       `json:"name" db:"name"`
	DisplayName string       `json:"display_name" db:"display_name"`
	Description string       `json:"description,omitempty" db:"description"`
	IsActive    bool         `json:"is_active" db:"is_active"`
	IsModule    bool         `json:"is_module" db:"is_module"`
	ModuleName  string       `json:"module_name,omitempty" db:"module_name"`
	Permissions []Permission `json:"permissions,omitempty" db:"-"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" db:"updated_at"`
}

// PermissionNames returns the names of the role's permissions, sorted.
func (r Role) PermissionNames() []string {
	names := make([]string, 0, len(r.Permissions))
	for _, p := range r.Permissions {
		names = append(names, p.Name)
	}
	slices.Sort(names)
	return names
}

var (
	permissionNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_-]*)+$`)
	roleNamePattern       = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)
)

// ValidatePermissionName checks that name is lower-case dot-notation with at
// least two segments.
func ValidatePermissionName(name string) error {
	if !permissionNamePattern.MatchString(name) {
		return sserr.Newf(sserr.CodeValidationFormat, "models: permission name %q must be dot-notation like \"projects.read\"", name)
	}
	return nil
}

// ValidateRoleName checks that name is a lower-case identifier.
func ValidateRoleName(name string) error {
	if !roleNamePattern.MatchString(name) {
		return sserr.Newf(sserr.CodeValidationFormat, "models: role name %q must be lower-case", name)
	}
	return nil
}

// UserAccess is the read model used to build a principal: a user with the
// roles assigned to it (each carrying its permissions) and its direct grants.
type UserAccess struct {
	User              User         `json:"user"`
	Roles             []Role       `json:"roles"`
	DirectPermissions []Permission `json:"direct_permissions"`
}

// ActiveRoleNames returns the sorted names of the user's active roles.
func (a UserAccess) ActiveRoleNames() []string {
	names := make([]string, 0, len(a.Roles))
	for _, r := range a.Roles {
		if r.IsActive {
			names = append(names, r.Name)
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// EffectivePermissions returns the sorted union of the user's active direct
// permissions and the active permissions of its active roles. Inactive
// entries are excluded here even if the loader already filtered them.
func (a UserAccess) EffectivePermissions() []string {
	seen := make(map[string]struct{})
	for _, p := range a.DirectPermissions {
		if p.IsActive {
			seen[p.Name] = struct{}{}
		}
	}
	for _, r := range a.Roles {
		if !r.IsActive {
			continue
		}
		for _, p := range r.Permissions {
			if p.IsActive {
				seen[p.Name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
