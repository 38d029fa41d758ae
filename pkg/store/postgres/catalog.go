package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	pgclient "github.com/StricklySoft/stricklysoft-identity/pkg/clients/postgres"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/models"
)

const (
	roleColumns       = `r.id, r.name, r.display_name, r.description, r.is_active, r.is_module, r.module_name, r.created_at, r.updated_at`
	permissionColumns = `p.id, p.name, p.display_name, p.description, p.is_active, p.is_module, p.module_name, p.created_at, p.updated_at`
)

func scanRole(row pgx.CollectableRow) (models.Role, error) {
	var r models.Role
	err := row.Scan(&r.ID, &r.Name, &r.DisplayName, &r.Description, &r.IsActive, &r.IsModule, &r.ModuleName, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func scanPermission(row pgx.CollectableRow) (models.Permission, error) {
	var p models.Permission
	err := row.Scan(&p.ID, &p.Name, &p.DisplayName, &p.Description, &p.IsActive, &p.IsModule, &p.ModuleName, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

type rolePermission struct {
	roleID uuid.UUID
	perm   models.Permission
}

func scanRolePermission(row pgx.CollectableRow) (rolePermission, error) {
	var l rolePermission
	p := &l.perm
	err := row.Scan(&l.roleID, &p.ID, &p.Name, &p.DisplayName, &p.Description, &p.IsActive, &p.IsModule, &p.ModuleName, &p.CreatedAt, &p.UpdatedAt)
	return l, err
}

// FindRoleByName returns the role, active or not, with every linked
// permission.
func (s *Store) FindRoleByName(ctx context.Context, name string) (*models.Role, error) {
	rows, err := s.db.Query(ctx, `SELECT `+roleColumns+` FROM roles r WHERE r.name = $1`, name)
	if err != nil {
		return nil, err
	}
	role, err := pgx.CollectExactlyOneRow(rows, scanRole)
	if err != nil {
		return nil, rowError(err, sserr.CodeNotFoundRole, "postgres: role not found")
	}

	rows, err = s.db.Query(ctx, `
		SELECT `+permissionColumns+`
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1
		ORDER BY p.name
	`, role.ID)
	if err != nil {
		return nil, err
	}
	if role.Permissions, err = pgx.CollectRows(rows, scanPermission); err != nil {
		return nil, pgclient.WrapError(err, "postgres: scan role permissions failed")
	}
	return &role, nil
}

// FindPermissionByName returns the permission, active or not.
func (s *Store) FindPermissionByName(ctx context.Context, name string) (*models.Permission, error) {
	rows, err := s.db.Query(ctx, `SELECT `+permissionColumns+` FROM permissions p WHERE p.name = $1`, name)
	if err != nil {
		return nil, err
	}
	perm, err := pgx.CollectExactlyOneRow(rows, scanPermission)
	if err != nil {
		return nil, rowError(err, sserr.CodeNotFoundPermission, "postgres: permission not found")
	}
	return &perm, nil
}

// ListPermissions returns every permission ordered by name.
func (s *Store) ListPermissions(ctx context.Context) ([]models.Permission, error) {
	rows, err := s.db.Query(ctx, `SELECT `+permissionColumns+` FROM permissions p ORDER BY p.name`)
	if err != nil {
		return nil, err
	}
	perms, err := pgx.CollectRows(rows, scanPermission)
	if err != nil {
		return nil, pgclient.WrapError(err, "postgres: scan permissions failed")
	}
	return perms, nil
}

// ListRoles returns every role ordered by name, each with all of its
// linked permissions.
func (s *Store) ListRoles(ctx context.Context) ([]models.Role, error) {
	rows, err := s.db.Query(ctx, `SELECT `+roleColumns+` FROM roles r ORDER BY r.name`)
	if err != nil {
		return nil, err
	}
	roles, err := pgx.CollectRows(rows, scanRole)
	if err != nil {
		return nil, pgclient.WrapError(err, "postgres: scan roles failed")
	}
	if len(roles) == 0 {
		return roles, nil
	}

	rows, err = s.db.Query(ctx, `
		SELECT rp.role_id, `+permissionColumns+`
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		ORDER BY p.name
	`)
	if err != nil {
		return nil, err
	}
	links, err := pgx.CollectRows(rows, scanRolePermission)
	if err != nil {
		return nil, pgclient.WrapError(err, "postgres: scan role permissions failed")
	}
	index := make(map[uuid.UUID]int, len(roles))
	for i, r := range roles {
		index[r.ID] = i
	}
	for _, l := range links {
		if i, ok := index[l.roleID]; ok {
			roles[i].Permissions = append(roles[i].Permissions, l.perm)
		}
	}
	return roles, nil
}

// UpsertRole inserts the role or updates the role with the same name. The
// stored ID and creation time are written back to role.
func (s *Store) UpsertRole(ctx context.Context, role *models.Role) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO roles (id, name, display_name, description, is_active, is_module, module_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			description  = EXCLUDED.description,
			is_active    = EXCLUDED.is_active,
			is_module    = EXCLUDED.is_module,
			module_name  = EXCLUDED.module_name,
			updated_at   = EXCLUDED.updated_at
		RETURNING id, created_at
	`, role.ID, role.Name, role.DisplayName, role.Description, role.IsActive, role.IsModule, role.ModuleName,
		role.CreatedAt, role.UpdatedAt).Scan(&role.ID, &role.CreatedAt)
	return pgclient.WrapError(err, "postgres: upsert role failed")
}

// UpsertPermission inserts the permission or updates the permission with
// the same name. The stored ID and creation time are written back to perm.
func (s *Store) UpsertPermission(ctx context.Context, perm *models.Permission) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO permissions (id, name, display_name, description, is_active, is_module, module_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (name) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			description  = EXCLUDED.description,
			is_active    = EXCLUDED.is_active,
			is_module    = EXCLUDED.is_module,
			module_name  = EXCLUDED.module_name,
			updated_at   = EXCLUDED.updated_at
		RETURNING id, created_at
	`, perm.ID, perm.Name, perm.DisplayName, perm.Description, perm.IsActive, perm.IsModule, perm.ModuleName,
		perm.CreatedAt, perm.UpdatedAt).Scan(&perm.ID, &perm.CreatedAt)
	return pgclient.WrapError(err, "postgres: upsert permission failed")
}

func (s *Store) DeactivateRole(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE roles SET is_active = FALSE, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	return mustAffect(tag, sserr.CodeNotFoundRole, "postgres: role not found")
}

func (s *Store) DeactivatePermission(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE permissions SET is_active = FALSE, updated_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	return mustAffect(tag, sserr.CodeNotFoundPermission, "postgres: permission not found")
}

// SetRolePermissions replaces the role's permission links in one
// transaction.
func (s *Store) SetRolePermissions(ctx context.Context, roleID uuid.UUID, permissionIDs []uuid.UUID) error {
	err := s.db.InTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		for _, pid := range permissionIDs {
			_, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`, roleID, pid)
			if err != nil {
				return err
			}
		}
		return nil
	})
	return referenceError(err, sserr.CodeNotFound, "postgres: role or permission not found")
}
