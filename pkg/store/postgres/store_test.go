package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-identity/internal/testutil"
	"github.com/StricklySoft/stricklysoft-identity/internal/testutil/fixtures"
	pgclient "github.com/StricklySoft/stricklysoft-identity/pkg/clients/postgres"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/models"
)

var (
	userCols = []string{"id", "email", "display_name", "picture_url", "is_active", "last_login_at", "created_at", "updated_at"}
	linkCols = []string{"provider", "external_user_id", "linked_at"}
	roleCols = []string{"id", "name", "display_name", "description", "is_active", "is_module", "module_name", "created_at", "updated_at"}
	permCols = []string{"id", "name", "display_name", "description", "is_active", "is_module", "module_name", "created_at", "updated_at"}
)

func setupStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return New(pgclient.NewFromPool(mock, &pgclient.Config{Database: "identity"})), mock
}

func permRow(rows *pgxmock.Rows, id uuid.UUID, name string, active bool, now time.Time) *pgxmock.Rows {
	return rows.AddRow(id, name, name, "", active, true, fixtures.ModuleDocuments, now, now)
}

func TestStore_FindUserByExternalID(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM users u\s+JOIN user_external_providers p`).
		WithArgs(fixtures.ProviderClerk, fixtures.ExternalID).
		WillReturnRows(pgxmock.NewRows(userCols).
			AddRow(userID, fixtures.Email, fixtures.DisplayName, "", true, &now, now, now))
	mock.ExpectQuery(`SELECT provider, external_user_id, linked_at\s+FROM user_external_providers`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows(linkCols).
			AddRow(fixtures.ProviderClerk, fixtures.ExternalID, now).
			AddRow(fixtures.ProviderSupabase, fixtures.AltExternalID, now))

	u, err := store.FindUserByExternalID(ctx, fixtures.ProviderClerk, fixtures.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, userID, u.ID)
	assert.Equal(t, fixtures.Email, u.Email)
	require.NotNil(t, u.LastLoginAt)
	assert.Len(t, u.Providers, 2)
	assert.True(t, u.HasProvider(fixtures.ProviderSupabase, fixtures.AltExternalID))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FindUserByExternalID_NotFound(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)

	mock.ExpectQuery(`SELECT .+ FROM users u`).
		WithArgs(fixtures.ProviderClerk, fixtures.ExternalID).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.FindUserByExternalID(context.Background(), fixtures.ProviderClerk, fixtures.ExternalID)
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundUser)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FindUserByEmail_NormalizesAndFiltersActive(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)

	mock.ExpectQuery(`WHERE u.email = \$1 AND u.is_active`).
		WithArgs(fixtures.Email).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.FindUserByEmail(context.Background(), "  A@X.COM")
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundUser)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FindUserByEmail_ConnectionFailure(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)

	mock.ExpectQuery(`FROM users u`).
		WithArgs(fixtures.Email).
		WillReturnError(errors.New("unexpected EOF"))

	_, err := store.FindUserByEmail(context.Background(), fixtures.Email)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalDatabase)
}

func TestStore_InsertUser(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)
	now := time.Now().UTC()
	u, err := models.NewUser(fixtures.Email, fixtures.DisplayName, "", models.ExternalProvider{
		Provider: fixtures.ProviderClerk, ExternalUserID: fixtures.ExternalID,
	}, now)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(u.ID, fixtures.Email, fixtures.DisplayName, "", true, u.LastLoginAt, now, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO user_external_providers`).
		WithArgs(fixtures.ProviderClerk, fixtures.ExternalID, u.ID, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.InsertUser(context.Background(), u))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_InsertUser_DuplicateEmail(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)
	u, err := models.NewUser(fixtures.Email, "", "", models.ExternalProvider{
		Provider: fixtures.ProviderSupabase, ExternalUserID: fixtures.AltExternalID,
	}, time.Now())
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "idx_users_active_email"})
	mock.ExpectRollback()

	err = store.InsertUser(context.Background(), u)
	testutil.RequireErrorCode(t, err, sserr.CodeConflictAlreadyExists)
	assert.True(t, pgclient.IsUniqueViolation(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LinkExternalProvider(t *testing.T) {
	t.Parallel()
	owner := uuid.New()
	link := models.ExternalProvider{Provider: fixtures.ProviderSupabase, ExternalUserID: fixtures.AltExternalID, LinkedAt: time.Now()}

	t.Run("new link", func(t *testing.T) {
		t.Parallel()
		store, mock := setupStore(t)
		mock.ExpectExec(`INSERT INTO user_external_providers .+ ON CONFLICT`).
			WithArgs(link.Provider, link.ExternalUserID, owner, link.LinkedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, store.LinkExternalProvider(context.Background(), owner, link))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already owned", func(t *testing.T) {
		t.Parallel()
		store, mock := setupStore(t)
		mock.ExpectExec(`INSERT INTO user_external_providers`).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mock.ExpectQuery(`SELECT user_id FROM user_external_providers`).
			WithArgs(link.Provider, link.ExternalUserID).
			WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow(owner))

		require.NoError(t, store.LinkExternalProvider(context.Background(), owner, link))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("owned by another user", func(t *testing.T) {
		t.Parallel()
		store, mock := setupStore(t)
		mock.ExpectExec(`INSERT INTO user_external_providers`).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mock.ExpectQuery(`SELECT user_id FROM user_external_providers`).
			WillReturnRows(pgxmock.NewRows([]string{"user_id"}).AddRow(uuid.New()))

		err := store.LinkExternalProvider(context.Background(), owner, link)
		testutil.RequireErrorCode(t, err, sserr.CodeConflictAlreadyExists)
	})

	t.Run("unknown user", func(t *testing.T) {
		t.Parallel()
		store, mock := setupStore(t)
		mock.ExpectExec(`INSERT INTO user_external_providers`).
			WillReturnError(&pgconn.PgError{Code: foreignKeyViolation})

		err := store.LinkExternalProvider(context.Background(), owner, link)
		testutil.RequireErrorCode(t, err, sserr.CodeNotFoundUser)
	})
}

func TestStore_TouchLastLogin(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)
	id := uuid.New()
	at := time.Now().UTC()

	mock.ExpectExec(`UPDATE users SET last_login_at`).WithArgs(id, at).WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE users SET last_login_at`).WithArgs(id, at).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.TouchLastLogin(context.Background(), id, at))
	testutil.RequireErrorCode(t, store.TouchLastLogin(context.Background(), id, at), sserr.CodeNotFoundUser)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LoadUserAccess(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)
	now := time.Now().UTC()
	userID, editorID, retiredID := uuid.New(), uuid.New(), uuid.New()
	readID, writeID, deleteID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM users u WHERE u.id = \$1`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows(userCols).
			AddRow(userID, fixtures.Email, fixtures.DisplayName, "", true, &now, now, now))
	mock.ExpectQuery(`FROM user_roles ur\s+JOIN roles r`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows(roleCols).
			AddRow(editorID, fixtures.RoleEditor, "Editor", "", true, true, fixtures.ModuleDocuments, now, now).
			AddRow(retiredID, "retired", "Retired", "", false, true, fixtures.ModuleDocuments, now, now))
	mock.ExpectQuery(`JOIN role_permissions rp .+ WHERE ur.user_id = \$1 AND p.is_active`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows(append([]string{"role_id"}, permCols...)).
			AddRow(editorID, readID, fixtures.PermRead, fixtures.PermRead, "", true, true, fixtures.ModuleDocuments, now, now).
			AddRow(retiredID, writeID, fixtures.PermWrite, fixtures.PermWrite, "", true, true, fixtures.ModuleDocuments, now, now))
	mock.ExpectQuery(`FROM user_permissions up`).
		WithArgs(userID).
		WillReturnRows(permRow(permRow(pgxmock.NewRows(permCols), deleteID, fixtures.PermDelete, false, now),
			writeID, fixtures.PermWrite, true, now))

	access, err := store.LoadUserAccess(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, []string{fixtures.RoleEditor}, access.ActiveRoleNames())
	assert.Equal(t, []string{fixtures.PermRead, fixtures.PermWrite}, access.EffectivePermissions())
	assert.Equal(t, []uuid.UUID{editorID, retiredID}, access.User.RoleIDs)
	assert.Equal(t, []uuid.UUID{deleteID, writeID}, access.User.PermissionIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_LoadUserAccess_UnknownUser(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)
	id := uuid.New()
	mock.ExpectQuery(`FROM users u WHERE u.id`).WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := store.LoadUserAccess(context.Background(), id)
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundUser)
}

func TestStore_AddUserRole(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)
	userID, roleID := uuid.New(), uuid.New()

	mock.ExpectExec(`INSERT INTO user_roles .+ ON CONFLICT DO NOTHING`).
		WithArgs(userID, roleID).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(`INSERT INTO user_roles`).
		WithArgs(userID, roleID).
		WillReturnError(&pgconn.PgError{Code: foreignKeyViolation})

	require.NoError(t, store.AddUserRole(context.Background(), userID, roleID))
	err := store.AddUserRole(context.Background(), userID, roleID)
	require.Error(t, err)
	assert.True(t, sserr.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeactivateUser(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)
	id := uuid.New()
	at := time.Now().UTC()

	mock.ExpectExec(`UPDATE users SET is_active = FALSE`).WithArgs(id, at).WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.DeactivateUser(context.Background(), id, at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FindRoleByName(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)
	now := time.Now().UTC()
	roleID, readID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM roles r WHERE r.name = \$1`).
		WithArgs(fixtures.RoleViewer).
		WillReturnRows(pgxmock.NewRows(roleCols).
			AddRow(roleID, fixtures.RoleViewer, "Viewer", "", true, true, fixtures.ModuleDocuments, now, now))
	mock.ExpectQuery(`FROM role_permissions rp .+ WHERE rp.role_id = \$1`).
		WithArgs(roleID).
		WillReturnRows(permRow(pgxmock.NewRows(permCols), readID, fixtures.PermRead, true, now))
	mock.ExpectQuery(`FROM roles r WHERE r.name`).
		WithArgs(fixtures.RoleAdmin).
		WillReturnRows(pgxmock.NewRows(roleCols))

	role, err := store.FindRoleByName(context.Background(), fixtures.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, roleID, role.ID)
	assert.Equal(t, []string{fixtures.PermRead}, role.PermissionNames())

	_, err = store.FindRoleByName(context.Background(), fixtures.RoleAdmin)
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundRole)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListRoles(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)
	now := time.Now().UTC()
	adminID, viewerID := uuid.New(), uuid.New()
	readID, deleteID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM roles r ORDER BY r.name`).
		WillReturnRows(pgxmock.NewRows(roleCols).
			AddRow(adminID, fixtures.RoleAdmin, "Admin", "", true, true, fixtures.ModuleDocuments, now, now).
			AddRow(viewerID, fixtures.RoleViewer, "Viewer", "", false, true, fixtures.ModuleDocuments, now, now))
	mock.ExpectQuery(`FROM role_permissions rp\s+JOIN permissions p`).
		WillReturnRows(pgxmock.NewRows(append([]string{"role_id"}, permCols...)).
			AddRow(adminID, deleteID, fixtures.PermDelete, fixtures.PermDelete, "", false, true, fixtures.ModuleDocuments, now, now).
			AddRow(adminID, readID, fixtures.PermRead, fixtures.PermRead, "", true, true, fixtures.ModuleDocuments, now, now).
			AddRow(viewerID, readID, fixtures.PermRead, fixtures.PermRead, "", true, true, fixtures.ModuleDocuments, now, now))

	roles, err := store.ListRoles(context.Background())
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, []string{fixtures.PermDelete, fixtures.PermRead}, roles[0].PermissionNames(), "inactive links are listed")
	assert.False(t, roles[1].IsActive)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpsertPermission_WritesBackStoredID(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)
	now := time.Now().UTC()
	stored := uuid.New()
	created := now.Add(-24 * time.Hour)
	perm := &models.Permission{ID: uuid.New(), Name: fixtures.PermRead, IsActive: true, IsModule: true, CreatedAt: now, UpdatedAt: now}

	mock.ExpectQuery(`INSERT INTO permissions .+ ON CONFLICT \(name\) DO UPDATE`).
		WithArgs(perm.ID, perm.Name, "", "", true, true, "", now, now).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(stored, created))

	require.NoError(t, store.UpsertPermission(context.Background(), perm))
	assert.Equal(t, stored, perm.ID)
	assert.Equal(t, created, perm.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeactivateRole_NotFound(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)
	id := uuid.New()
	mock.ExpectExec(`UPDATE roles SET is_active = FALSE`).WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.DeactivateRole(context.Background(), id, time.Now())
	testutil.RequireErrorCode(t, err, sserr.CodeNotFoundRole)
}

func TestStore_SetRolePermissions(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)
	roleID, a, b := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM role_permissions WHERE role_id`).WithArgs(roleID).WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`INSERT INTO role_permissions`).WithArgs(roleID, a).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO role_permissions`).WithArgs(roleID, b).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.SetRolePermissions(context.Background(), roleID, []uuid.UUID{a, b}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SetRolePermissions_UnknownPermission(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)
	roleID, missing := uuid.New(), uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM role_permissions`).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectExec(`INSERT INTO role_permissions`).WithArgs(roleID, missing).
		WillReturnError(&pgconn.PgError{Code: foreignKeyViolation})
	mock.ExpectRollback()

	err := store.SetRolePermissions(context.Background(), roleID, []uuid.UUID{missing})
	require.Error(t, err)
	assert.True(t, sserr.IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_EnsureSchema(t *testing.T) {
	t.Parallel()
	store, mock := setupStore(t)
	for range schema {
		mock.ExpectExec(`CREATE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())

	failing, mock2 := setupStore(t)
	mock2.ExpectExec(`CREATE TABLE IF NOT EXISTS users`).WillReturnError(errors.New("permission denied for schema public"))
	err := failing.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema statement 1")
}
