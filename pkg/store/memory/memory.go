// Package memory is an in-process implementation of the identity
// repository and the catalog store. It enforces the same uniqueness rules
// as the PostgreSQL schema and is used by tests and single-node
// development setups.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/StricklySoft/stricklysoft-identity/pkg/catalog"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/identity"
	"github.com/StricklySoft/stricklysoft-identity/pkg/models"
)

type linkKey struct {
	provider   string
	externalID string
}

// Store holds users, provider links, roles and permissions in memory.
// Values handed in and out are copies. It is safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	users     map[uuid.UUID]*models.User
	links     map[linkKey]uuid.UUID
	userRoles map[uuid.UUID][]uuid.UUID
	userPerms map[uuid.UUID][]uuid.UUID

	roles     map[uuid.UUID]*models.Role
	perms     map[uuid.UUID]*models.Permission
	rolePerms map[uuid.UUID][]uuid.UUID
}

var (
	_ identity.Repository = (*Store)(nil)
	_ catalog.Store       = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:     make(map[uuid.UUID]*models.User),
		links:     make(map[linkKey]uuid.UUID),
		userRoles: make(map[uuid.UUID][]uuid.UUID),
		userPerms: make(map[uuid.UUID][]uuid.UUID),
		roles:     make(map[uuid.UUID]*models.Role),
		perms:     make(map[uuid.UUID]*models.Permission),
		rolePerms: make(map[uuid.UUID][]uuid.UUID),
	}
}

// ===========================================================================
// Users
// ===========================================================================

func (s *Store) FindUserByExternalID(_ context.Context, provider, externalID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.links[linkKey{provider, externalID}]
	if !ok {
		return nil, sserr.Newf(sserr.CodeNotFoundUser, "memory: no user for %s identity", provider)
	}
	return s.userLocked(id), nil
}

func (s *Store) FindUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = models.NormalizeEmail(email)
	for id, u := range s.users {
		if u.IsActive && u.Email == email {
			return s.userLocked(id), nil
		}
	}
	return nil, sserr.New(sserr.CodeNotFoundUser, "memory: no active user with that email")
}

func (s *Store) InsertUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.ID]; ok {
		return sserr.Newf(sserr.CodeConflictAlreadyExists, "memory: user %s already exists", user.ID)
	}
	if user.IsActive {
		for _, u := range s.users {
			if u.IsActive && u.Email == user.Email {
				return sserr.New(sserr.CodeConflictAlreadyExists, "memory: an active user already has that email")
			}
		}
	}
	for _, l := range user.Providers {
		if _, ok := s.links[linkKey{l.Provider, l.ExternalUserID}]; ok {
			return sserr.Newf(sserr.CodeConflictAlreadyExists, "memory: %s identity is already linked", l.Provider)
		}
	}

	stored := cloneUser(user)
	stored.RoleIDs, stored.PermissionIDs = nil, nil
	s.users[user.ID] = stored
	for _, l := range user.Providers {
		s.links[linkKey{l.Provider, l.ExternalUserID}] = user.ID
	}
	return nil
}

func (s *Store) LinkExternalProvider(_ context.Context, userID uuid.UUID, link models.ExternalProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return sserr.Newf(sserr.CodeNotFoundUser, "memory: user %s not found", userID)
	}
	key := linkKey{link.Provider, link.ExternalUserID}
	if owner, ok := s.links[key]; ok {
		if owner == userID {
			return nil
		}
		return sserr.Newf(sserr.CodeConflictAlreadyExists, "memory: %s identity is linked to another user", link.Provider)
	}
	s.links[key] = userID
	u.Providers = append(u.Providers, link)
	return nil
}

func (s *Store) TouchLastLogin(_ context.Context, userID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return sserr.Newf(sserr.CodeNotFoundUser, "memory: user %s not found", userID)
	}
	u.LastLoginAt = &at
	u.UpdatedAt = at
	return nil
}

func (s *Store) LoadUserAccess(_ context.Context, userID uuid.UUID) (*models.UserAccess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.users[userID]; !ok {
		return nil, sserr.Newf(sserr.CodeNotFoundUser, "memory: user %s not found", userID)
	}
	access := &models.UserAccess{User: *s.userLocked(userID)}
	for _, rid := range s.userRoles[userID] {
		r := s.roles[rid]
		if r == nil || !r.IsActive {
			continue
		}
		role := *r
		role.Permissions = nil
		for _, pid := range s.rolePerms[rid] {
			if p := s.perms[pid]; p != nil && p.IsActive {
				role.Permissions = append(role.Permissions, *p)
			}
		}
		access.Roles = append(access.Roles, role)
	}
	for _, pid := range s.userPerms[userID] {
		if p := s.perms[pid]; p != nil && p.IsActive {
			access.DirectPermissions = append(access.DirectPermissions, *p)
		}
	}
	return access, nil
}

func (s *Store) ListExternalProviders(_ context.Context, userID uuid.UUID) ([]models.ExternalProvider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(u.Providers), nil
}

func (s *Store) AddUserRole(_ context.Context, userID, roleID uuid.UUID) error {
	return s.assign(s.userRoles, userID, roleID, sserr.CodeNotFoundRole)
}

func (s *Store) RemoveUserRole(_ context.Context, userID, roleID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userRoles[userID] = slices.DeleteFunc(s.userRoles[userID], func(id uuid.UUID) bool { return id == roleID })
	return nil
}

func (s *Store) AddUserPermission(_ context.Context, userID, permissionID uuid.UUID) error {
	return s.assign(s.userPerms, userID, permissionID, sserr.CodeNotFoundPermission)
}

func (s *Store) RemoveUserPermission(_ context.Context, userID, permissionID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userPerms[userID] = slices.DeleteFunc(s.userPerms[userID], func(id uuid.UUID) bool { return id == permissionID })
	return nil
}

func (s *Store) DeactivateUser(_ context.Context, userID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return sserr.Newf(sserr.CodeNotFoundUser, "memory: user %s not found", userID)
	}
	u.IsActive = false
	u.UpdatedAt = at
	return nil
}

// assign adds id to table[userID] once. missing selects which catalog
// table id must exist in.
func (s *Store) assign(table map[uuid.UUID][]uuid.UUID, userID, id uuid.UUID, missing sserr.Code) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return sserr.Newf(sserr.CodeNotFoundUser, "memory: user %s not found", userID)
	}
	exists := s.perms[id] != nil
	if missing == sserr.CodeNotFoundRole {
		exists = s.roles[id] != nil
	}
	if !exists {
		return sserr.Newf(missing, "memory: %s not found", id)
	}
	if !slices.Contains(table[userID], id) {
		table[userID] = append(table[userID], id)
	}
	return nil
}

// userLocked returns a copy of the user with its assignments filled in.
// The caller holds s.mu.
func (s *Store) userLocked(id uuid.UUID) *models.User {
	u := cloneUser(s.users[id])
	u.RoleIDs = slices.Clone(s.userRoles[id])
	u.PermissionIDs = slices.Clone(s.userPerms[id])
	return u
}

func cloneUser(u *models.User) *models.User {
	c := &models.User{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		PictureURL:  u.PictureURL,
		IsActive:    u.IsActive,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
		Providers:   slices.Clone(u.Providers),
	}
	if u.LastLoginAt != nil {
		at := *u.LastLoginAt
		c.LastLoginAt = &at
	}
	return c
}

// ===========================================================================
// Catalog
// ===========================================================================

func (s *Store) FindRoleByName(_ context.Context, name string) (*models.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, r := range s.roles {
		if r.Name == name {
			return s.roleLocked(id), nil
		}
	}
	return nil, sserr.Newf(sserr.CodeNotFoundRole, "memory: role %q not found", name)
}

func (s *Store) FindPermissionByName(_ context.Context, name string) (*models.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.perms {
		if p.Name == name {
			c := *p
			return &c, nil
		}
	}
	return nil, sserr.Newf(sserr.CodeNotFoundPermission, "memory: permission %q not found", name)
}

func (s *Store) ListRoles(_ context.Context) ([]models.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Role, 0, len(s.roles))
	for id := range s.roles {
		out = append(out, *s.roleLocked(id))
	}
	slices.SortFunc(out, func(a, b models.Role) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) ListPermissions(_ context.Context) ([]models.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b models.Permission) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

// UpsertRole inserts role or updates the role with the same name. On update
// the stored ID is kept and written back to role.ID.
func (s *Store) UpsertRole(_ context.Context, role *models.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.roles {
		if r.Name == role.Name {
			role.ID = id
			role.CreatedAt = r.CreatedAt
			break
		}
	}
	stored := *role
	stored.Permissions = nil
	s.roles[role.ID] = &stored
	return nil
}

// UpsertPermission inserts perm or updates the permission with the same
// name, keeping the stored ID.
func (s *Store) UpsertPermission(_ context.Context, perm *models.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, p := range s.perms {
		if p.Name == perm.Name {
			perm.ID = id
			perm.CreatedAt = p.CreatedAt
			break
		}
	}
	stored := *perm
	s.perms[perm.ID] = &stored
	return nil
}

func (s *Store) DeactivateRole(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.roles[id]
	if !ok {
		return sserr.Newf(sserr.CodeNotFoundRole, "memory: role %s not found", id)
	}
	r.IsActive = false
	r.UpdatedAt = at
	return nil
}

func (s *Store) DeactivatePermission(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.perms[id]
	if !ok {
		return sserr.Newf(sserr.CodeNotFoundPermission, "memory: permission %s not found", id)
	}
	p.IsActive = false
	p.UpdatedAt = at
	return nil
}

func (s *Store) SetRolePermissions(_ context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.roles[roleID]; !ok {
		return sserr.Newf(sserr.CodeNotFoundRole, "memory: role %s not found", roleID)
	}
	for _, pid := range permissionIDs {
		if _, ok := s.perms[pid]; !ok {
			return sserr.Newf(sserr.CodeNotFoundPermission, "memory: permission %s not found", pid)
		}
	}
	s.rolePerms[roleID] = slices.Clone(permissionIDs)
	return nil
}

// roleLocked returns a copy of the role with every linked permission.
func (s *Store) roleLocked(id uuid.UUID) *models.Role {
	r := *s.roles[id]
	r.Permissions = nil
	for _, pid := range s.rolePerms[id] {
		if p := s.perms[pid]; p != nil {
			r.Permissions = append(r.Permissions, *p)
		}
	}
	return &r
}
