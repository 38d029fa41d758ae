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

const userColumns = `u.id, u.email, u.display_name, u.picture_url, u.is_active, u.last_login_at, u.created_at, u.updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PictureURL, &u.IsActive, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// FindUserByExternalID returns the user owning the provider identity, with
// its provider links.
func (s *Store) FindUserByExternalID(ctx context.Context, provider, externalID string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users u
		JOIN user_external_providers p ON p.user_id = u.id
		WHERE p.provider = $1 AND p.external_user_id = $2
	`, provider, externalID))
	if err != nil {
		return nil, rowError(err, sserr.CodeNotFoundUser, "postgres: no user for provider identity")
	}
	if u.Providers, err = s.ListExternalProviders(ctx, u.ID); err != nil {
		return nil, err
	}
	return u, nil
}

// FindUserByEmail returns the active user with the normalized email.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, `
		SELECT `+userColumns+`
		FROM users u
		WHERE u.email = $1 AND u.is_active
	`, models.NormalizeEmail(email)))
	if err != nil {
		return nil, rowError(err, sserr.CodeNotFoundUser, "postgres: no active user with that email")
	}
	if u.Providers, err = s.ListExternalProviders(ctx, u.ID); err != nil {
		return nil, err
	}
	return u, nil
}

// InsertUser stores the user and its provider links in one transaction.
// A concurrent insert of the same email or provider identity fails with
// [sserr.CodeConflictAlreadyExists].
func (s *Store) InsertUser(ctx context.Context, user *models.User) error {
	return s.db.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, email, display_name, picture_url, is_active, last_login_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, user.ID, user.Email, user.DisplayName, user.PictureURL, user.IsActive, user.LastLoginAt, user.CreatedAt, user.UpdatedAt)
		if err != nil {
			return err
		}
		for _, l := range user.Providers {
			_, err := tx.Exec(ctx, `
				INSERT INTO user_external_providers (provider, external_user_id, user_id, linked_at)
				VALUES ($1, $2, $3, $4)
			`, l.Provider, l.ExternalUserID, user.ID, l.LinkedAt)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// LinkExternalProvider attaches a provider identity to the user. Linking an
// identity the user already owns succeeds; an identity owned by another
// user fails with [sserr.CodeConflictAlreadyExists].
func (s *Store) LinkExternalProvider(ctx context.Context, userID uuid.UUID, link models.ExternalProvider) error {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO user_external_providers (provider, external_user_id, user_id, linked_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (provider, external_user_id) DO NOTHING
	`, link.Provider, link.ExternalUserID, userID, link.LinkedAt)
	if err != nil {
		return referenceError(err, sserr.CodeNotFoundUser, "postgres: user not found")
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var owner uuid.UUID
	err = s.db.QueryRow(ctx, `
		SELECT user_id FROM user_external_providers
		WHERE provider = $1 AND external_user_id = $2
	`, link.Provider, link.ExternalUserID).Scan(&owner)
	if err != nil {
		return pgclient.WrapError(err, "postgres: link lookup failed")
	}
	if owner != userID {
		return sserr.Newf(sserr.CodeConflictAlreadyExists, "postgres: %s identity is linked to another user", link.Provider)
	}
	return nil
}

func (s *Store) TouchLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE users SET last_login_at = $2, updated_at = $2 WHERE id = $1`, userID, at)
	if err != nil {
		return err
	}
	return mustAffect(tag, sserr.CodeNotFoundUser, "postgres: user not found")
}

func (s *Store) DeactivateUser(ctx context.Context, userID uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE users SET is_active = FALSE, updated_at = $2 WHERE id = $1`, userID, at)
	if err != nil {
		return err
	}
	return mustAffect(tag, sserr.CodeNotFoundUser, "postgres: user not found")
}

func (s *Store) ListExternalProviders(ctx context.Context, userID uuid.UUID) ([]models.ExternalProvider, error) {
	rows, err := s.db.Query(ctx, `
		SELECT provider, external_user_id, linked_at
		FROM user_external_providers
		WHERE user_id = $1
		ORDER BY linked_at, provider
	`, userID)
	if err != nil {
		return nil, err
	}
	links, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ExternalProvider, error) {
		var l models.ExternalProvider
		err := row.Scan(&l.Provider, &l.ExternalUserID, &l.LinkedAt)
		return l, err
	})
	if err != nil {
		return nil, pgclient.WrapError(err, "postgres: scan provider links failed")
	}
	return links, nil
}

// LoadUserAccess loads the user, every role and direct permission assigned
// to it, and the active permissions of its roles. Only active roles and
// permissions are placed on the result; User.RoleIDs and
// User.PermissionIDs list every assignment.
func (s *Store) LoadUserAccess(ctx context.Context, userID uuid.UUID) (*models.UserAccess, error) {
	u, err := scanUser(s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users u WHERE u.id = $1`, userID))
	if err != nil {
		return nil, rowError(err, sserr.CodeNotFoundUser, "postgres: user not found")
	}
	access := &models.UserAccess{User: *u}

	rows, err := s.db.Query(ctx, `
		SELECT `+roleColumns+`
		FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id = $1
		ORDER BY r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	roles, err := pgx.CollectRows(rows, scanRole)
	if err != nil {
		return nil, pgclient.WrapError(err, "postgres: scan user roles failed")
	}
	index := make(map[uuid.UUID]int, len(roles))
	for _, r := range roles {
		access.User.RoleIDs = append(access.User.RoleIDs, r.ID)
		if r.IsActive {
			index[r.ID] = len(access.Roles)
			access.Roles = append(access.Roles, r)
		}
	}

	if len(access.Roles) > 0 {
		rows, err = s.db.Query(ctx, `
			SELECT rp.role_id, `+permissionColumns+`
			FROM user_roles ur
			JOIN role_permissions rp ON rp.role_id = ur.role_id
			JOIN permissions p ON p.id = rp.permission_id
			WHERE ur.user_id = $1 AND p.is_active
			ORDER BY p.name
		`, userID)
		if err != nil {
			return nil, err
		}
		links, err := pgx.CollectRows(rows, scanRolePermission)
		if err != nil {
			return nil, pgclient.WrapError(err, "postgres: scan role permissions failed")
		}
		for _, l := range links {
			if i, ok := index[l.roleID]; ok {
				access.Roles[i].Permissions = append(access.Roles[i].Permissions, l.perm)
			}
		}
	}

	rows, err = s.db.Query(ctx, `
		SELECT `+permissionColumns+`
		FROM user_permissions up
		JOIN permissions p ON p.id = up.permission_id
		WHERE up.user_id = $1
		ORDER BY p.name
	`, userID)
	if err != nil {
		return nil, err
	}
	direct, err := pgx.CollectRows(rows, scanPermission)
	if err != nil {
		return nil, pgclient.WrapError(err, "postgres: scan user permissions failed")
	}
	for _, p := range direct {
		access.User.PermissionIDs = append(access.User.PermissionIDs, p.ID)
		if p.IsActive {
			access.DirectPermissions = append(access.DirectPermissions, p)
		}
	}
	return access, nil
}

func (s *Store) AddUserRole(ctx context.Context, userID, roleID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, userID, roleID)
	return referenceError(err, sserr.CodeNotFound, "postgres: user or role not found")
}

func (s *Store) RemoveUserRole(ctx context.Context, userID, roleID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	return err
}

func (s *Store) AddUserPermission(ctx context.Context, userID, permissionID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO user_permissions (user_id, permission_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, userID, permissionID)
	return referenceError(err, sserr.CodeNotFound, "postgres: user or permission not found")
}

func (s *Store) RemoveUserPermission(ctx context.Context, userID, permissionID uuid.UUID) error {
	_, err := s.db.Exec(ctx, `DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2`, userID, permissionID)
	return err
}
