// Package catalog reconciles the stored roles and permissions with the
// declarations of the loaded feature modules.
//
// [Synchronizer.Sync] runs once at startup, before the service reports
// ready. It creates missing entries, updates entries whose metadata
// differs, reconciles each module role's permission set and deactivates
// module-owned entries that no loaded module declares any more. Entries
// created by administrators (IsModule false) are never touched unless a
// module declares the same name, in which case the module takes them over.
// Nothing is ever deleted, and a run over unchanged declarations performs
// no writes.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/models"
)

const tracerName = "github.com/StricklySoft/stricklysoft-identity/pkg/catalog"

// Store persists the catalog.
type Store interface {
	// ListRoles returns every role, active or not, with Permissions holding
	// every linked permission.
	ListRoles(ctx context.Context) ([]models.Role, error)
	// ListPermissions returns every permission, active or not.
	ListPermissions(ctx context.Context) ([]models.Permission, error)

	// UpsertRole inserts the role or updates the role with the same name.
	// Role permissions are not written.
	UpsertRole(ctx context.Context, role *models.Role) error
	UpsertPermission(ctx context.Context, perm *models.Permission) error

	DeactivateRole(ctx context.Context, id uuid.UUID, at time.Time) error
	DeactivatePermission(ctx context.Context, id uuid.UUID, at time.Time) error

	// SetRolePermissions replaces the role's permission links.
	SetRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error
}

// Report lists the names touched by a run, sorted.
type Report struct {
	PermissionsCreated     []string `json:"permissions_created,omitempty"`
	PermissionsUpdated     []string `json:"permissions_updated,omitempty"`
	PermissionsDeactivated []string `json:"permissions_deactivated,omitempty"`
	RolesCreated           []string `json:"roles_created,omitempty"`
	RolesUpdated           []string `json:"roles_updated,omitempty"`
	RolesDeactivated       []string `json:"roles_deactivated,omitempty"`
	RoleLinksChanged       []string `json:"role_links_changed,omitempty"`
}

// Changes returns the number of writes the run performed.
func (r *Report) Changes() int {
	return len(r.PermissionsCreated) + len(r.PermissionsUpdated) + len(r.PermissionsDeactivated) +
		len(r.RolesCreated) + len(r.RolesUpdated) + len(r.RolesDeactivated) + len(r.RoleLinksChanged)
}

// Synchronizer reconciles a [Store] with module declarations.
type Synchronizer struct {
	store  Store
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewSynchronizer returns a synchronizer over store. A nil logger selects
// slog.Default().
func NewSynchronizer(store Store, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		store:  store,
		logger: logger,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
}

// declared is a validated, module-attributed declaration set.
type declared struct {
	perms map[string]declaredPerm
	roles map[string]declaredRole
}

type declaredPerm struct {
	module string
	spec   PermissionSpec
}

type declaredRole struct {
	module string
	spec   RoleSpec
}

// Sync reconciles the store with modules.
//
// Error codes returned:
//   - [sserr.CodeValidationFormat]: a name is not valid
//   - [sserr.CodeValidationRequired]: a module has no name
//   - [sserr.CodeConflictAlreadyExists]: two declarations use the same name
//   - [sserr.CodeNotFoundPermission]: a role references a permission that
//     is neither declared nor stored
//
// Store errors are returned unchanged. A failed run leaves earlier writes
// in place; the next run completes the reconciliation.
func (s *Synchronizer) Sync(ctx context.Context, modules ...Module) (report *Report, err error) {
	ctx, span := s.tracer.Start(ctx, "catalog.Sync")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.Int("catalog.modules", len(modules)))

	decl, err := collect(modules)
	if err != nil {
		return nil, err
	}

	storedPerms, err := s.store.ListPermissions(ctx)
	if err != nil {
		return nil, err
	}
	storedRoles, err := s.store.ListRoles(ctx)
	if err != nil {
		return nil, err
	}

	perms := make(map[string]*models.Permission, len(storedPerms))
	for i := range storedPerms {
		perms[storedPerms[i].Name] = &storedPerms[i]
	}
	roles := make(map[string]*models.Role, len(storedRoles))
	for i := range storedRoles {
		roles[storedRoles[i].Name] = &storedRoles[i]
	}

	for _, r := range decl.roles {
		for _, name := range r.spec.Permissions {
			if _, ok := decl.perms[name]; ok {
				continue
			}
			if _, ok := perms[name]; !ok {
				return nil, sserr.Newf(sserr.CodeNotFoundPermission,
					"catalog: role %q of module %q references unknown permission %q", r.spec.Name, r.module, name)
			}
		}
	}

	report = &Report{}
	now := s.now().UTC()

	if err := s.syncPermissions(ctx, decl, perms, report, now); err != nil {
		return report, err
	}
	if err := s.syncRoles(ctx, decl, roles, perms, report, now); err != nil {
		return report, err
	}

	span.SetAttributes(attribute.Int("catalog.changes", report.Changes()))
	s.logger.InfoContext(ctx, "catalog synchronized",
		"modules", len(modules),
		"permissions", len(decl.perms),
		"roles", len(decl.roles),
		"changes", report.Changes(),
	)
	return report, nil
}

func (s *Synchronizer) syncPermissions(ctx context.Context, decl *declared, perms map[string]*models.Permission, report *Report, now time.Time) error {
	for _, name := range slices.Sorted(maps.Keys(decl.perms)) {
		d := decl.perms[name]
		displayName := d.spec.DisplayName
		if displayName == "" {
			displayName = name
		}

		existing, ok := perms[name]
		if !ok {
			p := &models.Permission{
				ID:          uuid.New(),
				Name:        name,
				DisplayName: displayName,
				Description: d.spec.Description,
				IsActive:    true,
				IsModule:    true,
				ModuleName:  d.module,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.store.UpsertPermission(ctx, p); err != nil {
				return err
			}
			perms[name] = p
			report.PermissionsCreated = append(report.PermissionsCreated, name)
			continue
		}

		if existing.DisplayName == displayName && existing.Description == d.spec.Description &&
			existing.IsActive && existing.IsModule && existing.ModuleName == d.module {
			continue
		}
		updated := *existing
		updated.DisplayName = displayName
		updated.Description = d.spec.Description
		updated.IsActive = true
		updated.IsModule = true
		updated.ModuleName = d.module
		updated.UpdatedAt = now
		if err := s.store.UpsertPermission(ctx, &updated); err != nil {
			return err
		}
		*existing = updated
		report.PermissionsUpdated = append(report.PermissionsUpdated, name)
	}

	for _, name := range slices.Sorted(maps.Keys(perms)) {
		p := perms[name]
		if _, ok := decl.perms[name]; ok || !p.IsModule || !p.IsActive {
			continue
		}
		if err := s.store.DeactivatePermission(ctx, p.ID, now); err != nil {
			return err
		}
		p.IsActive = false
		report.PermissionsDeactivated = append(report.PermissionsDeactivated, name)
		s.logger.InfoContext(ctx, "catalog: permission no longer declared, deactivated",
			"permission", name, "module", p.ModuleName)
	}
	return nil
}

func (s *Synchronizer) syncRoles(ctx context.Context, decl *declared, roles map[string]*models.Role, perms map[string]*models.Permission, report *Report, now time.Time) error {
	for _, name := range slices.Sorted(maps.Keys(decl.roles)) {
		d := decl.roles[name]
		displayName := d.spec.DisplayName
		if displayName == "" {
			displayName = name
		}

		role, ok := roles[name]
		switch {
		case !ok:
			role = &models.Role{
				ID:          uuid.New(),
				Name:        name,
				DisplayName: displayName,
				Description: d.spec.Description,
				IsActive:    true,
				IsModule:    true,
				ModuleName:  d.module,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.store.UpsertRole(ctx, role); err != nil {
				return err
			}
			roles[name] = role
			report.RolesCreated = append(report.RolesCreated, name)
		case role.DisplayName != displayName || role.Description != d.spec.Description ||
			!role.IsActive || !role.IsModule || role.ModuleName != d.module:
			updated := *role
			updated.DisplayName = displayName
			updated.Description = d.spec.Description
			updated.IsActive = true
			updated.IsModule = true
			updated.ModuleName = d.module
			updated.UpdatedAt = now
			if err := s.store.UpsertRole(ctx, &updated); err != nil {
				return err
			}
			*role = updated
			report.RolesUpdated = append(report.RolesUpdated, name)
		}

		want := make([]uuid.UUID, 0, len(d.spec.Permissions))
		for _, pname := range d.spec.Permissions {
			want = append(want, perms[pname].ID)
		}
		have := make([]uuid.UUID, 0, len(role.Permissions))
		for _, p := range role.Permissions {
			have = append(have, p.ID)
		}
		if sameIDs(want, have) {
			continue
		}
		if err := s.store.SetRolePermissions(ctx, role.ID, sortIDs(want)); err != nil {
			return err
		}
		report.RoleLinksChanged = append(report.RoleLinksChanged, name)
	}

	for _, name := range slices.Sorted(maps.Keys(roles)) {
		r := roles[name]
		if _, ok := decl.roles[name]; ok || !r.IsModule || !r.IsActive {
			continue
		}
		if err := s.store.DeactivateRole(ctx, r.ID, now); err != nil {
			return err
		}
		r.IsActive = false
		report.RolesDeactivated = append(report.RolesDeactivated, name)
		s.logger.InfoContext(ctx, "catalog: role no longer declared, deactivated",
			"role", name, "module", r.ModuleName)
	}
	return nil
}

// collect validates the declarations and indexes them by name.
func collect(modules []Module) (*declared, error) {
	decl := &declared{
		perms: make(map[string]declaredPerm),
		roles: make(map[string]declaredRole),
	}
	seenModules := make(map[string]struct{}, len(modules))
	for _, m := range modules {
		module := m.Name()
		if module == "" {
			return nil, sserr.New(sserr.CodeValidationRequired, "catalog: module name must not be empty")
		}
		if _, dup := seenModules[module]; dup {
			return nil, sserr.Newf(sserr.CodeConflictAlreadyExists, "catalog: module %q is loaded twice", module)
		}
		seenModules[module] = struct{}{}

		for _, p := range m.Permissions() {
			if err := models.ValidatePermissionName(p.Name); err != nil {
				return nil, err
			}
			if prev, dup := decl.perms[p.Name]; dup {
				return nil, duplicate("permission", p.Name, prev.module, module)
			}
			decl.perms[p.Name] = declaredPerm{module: module, spec: p}
		}
		for _, r := range m.Roles() {
			if err := models.ValidateRoleName(r.Name); err != nil {
				return nil, err
			}
			if prev, dup := decl.roles[r.Name]; dup {
				return nil, duplicate("role", r.Name, prev.module, module)
			}
			spec := r
			spec.Permissions = slices.Compact(slices.Sorted(slices.Values(r.Permissions)))
			decl.roles[r.Name] = declaredRole{module: module, spec: spec}
		}
	}
	return decl, nil
}

func duplicate(kind, name, first, second string) error {
	if first == second {
		return sserr.Newf(sserr.CodeConflictAlreadyExists, "catalog: module %q declares %s %q twice", first, kind, name)
	}
	return sserr.Newf(sserr.CodeConflictAlreadyExists, "catalog: %s %q is declared by both %q and %q", kind, name, first, second)
}

func sortIDs(ids []uuid.UUID) []uuid.UUID {
	slices.SortFunc(ids, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return ids
}

func sameIDs(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	return slices.Equal(sortIDs(slices.Clone(a)), sortIDs(slices.Clone(b)))
}

// String renders the report for logs.
func (r *Report) String() string {
	return fmt.Sprintf("permissions +%d ~%d -%d, roles +%d ~%d -%d, links ~%d",
		len(r.PermissionsCreated), len(r.PermissionsUpdated), len(r.PermissionsDeactivated),
		len(r.RolesCreated), len(r.RolesUpdated), len(r.RolesDeactivated), len(r.RoleLinksChanged))
}
