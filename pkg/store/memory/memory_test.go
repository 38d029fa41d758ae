package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-identity/internal/testutil"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/models"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newUser(t *testing.T, s *Store, email, provider, subject string) *models.User {
	t.Helper()
	u, err := models.NewUser(email, "Test", "", models.ExternalProvider{Provider: provider, ExternalUserID: subject}, now)
	require.NoError(t, err)
	require.NoError(t, s.InsertUser(context.Background(), u))
	return u
}

func upsertPermission(t *testing.T, s *Store, name string) *models.Permission {
	t.Helper()
	p := &models.Permission{ID: uuid.New(), Name: name, IsActive: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.UpsertPermission(context.Background(), p))
	return p
}

func upsertRole(t *testing.T, s *Store, name string, perms ...*models.Permission) *models.Role {
	t.Helper()
	r := &models.Role{ID: uuid.New(), Name: name, IsActive: true, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.UpsertRole(context.Background(), r))
	ids := make([]uuid.UUID, 0, len(perms))
	for _, p := range perms {
		ids = append(ids, p.ID)
	}
	require.NoError(t, s.SetRolePermissions(context.Background(), r.ID, ids))
	return r
}

func TestStore_InsertAndFind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	u := newUser(t, s, "Ada@Example.com", "clerk", "user_1")

	got, err := s.FindUserByExternalID(ctx, "clerk", "user_1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, "ada@example.com", got.Email)

	got, err = s.FindUserByEmail(ctx, " ADA@example.com ")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.FindUserByExternalID(ctx, "supabase", "user_1")
	testutil.AssertErrorCode(t, err, sserr.CodeNotFoundUser)
}

func TestStore_InsertUser_Conflicts(t *testing.T) {
	t.Parallel()
	s := New()
	newUser(t, s, "ada@example.com", "clerk", "user_1")

	tests := []struct {
		name     string
		email    string
		provider string
		subject  string
	}{
		{name: "same email", email: "ada@example.com", provider: "auth0", subject: "other"},
		{name: "same provider link", email: "grace@example.com", provider: "clerk", subject: "user_1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := models.NewUser(tt.email, "", "", models.ExternalProvider{Provider: tt.provider, ExternalUserID: tt.subject}, now)
			require.NoError(t, err)
			err = s.InsertUser(context.Background(), u)
			testutil.AssertErrorCode(t, err, sserr.CodeConflictAlreadyExists)
		})
	}
}

func TestStore_DeactivatedEmailCanBeReused(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	old := newUser(t, s, "ada@example.com", "clerk", "user_1")
	require.NoError(t, s.DeactivateUser(ctx, old.ID, now))

	_, err := s.FindUserByEmail(ctx, "ada@example.com")
	testutil.AssertErrorCode(t, err, sserr.CodeNotFoundUser)

	fresh := newUser(t, s, "ada@example.com", "auth0", "auth0|1")
	got, err := s.FindUserByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, fresh.ID, got.ID)
}

func TestStore_LinkExternalProvider(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	ada := newUser(t, s, "ada@example.com", "clerk", "user_1")
	grace := newUser(t, s, "grace@example.com", "clerk", "user_2")

	link := models.ExternalProvider{Provider: "supabase", ExternalUserID: "sb-1", LinkedAt: now}
	require.NoError(t, s.LinkExternalProvider(ctx, ada.ID, link))
	require.NoError(t, s.LinkExternalProvider(ctx, ada.ID, link), "relinking the same owner is a no-op")

	err := s.LinkExternalProvider(ctx, grace.ID, link)
	testutil.AssertErrorCode(t, err, sserr.CodeConflictAlreadyExists)

	err = s.LinkExternalProvider(ctx, uuid.New(), models.ExternalProvider{Provider: "x", ExternalUserID: "y"})
	testutil.AssertErrorCode(t, err, sserr.CodeNotFoundUser)

	links, err := s.ListExternalProviders(ctx, ada.ID)
	require.NoError(t, err)
	assert.Len(t, links, 2)
}

func TestStore_LoadUserAccess_SkipsInactiveEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	u := newUser(t, s, "ada@example.com", "clerk", "user_1")

	read := upsertPermission(t, s, "projects.read")
	write := upsertPermission(t, s, "projects.write")
	audit := upsertPermission(t, s, "audit.read")
	editor := upsertRole(t, s, "editor", read, write)
	retired := upsertRole(t, s, "retired", audit)

	require.NoError(t, s.AddUserRole(ctx, u.ID, editor.ID))
	require.NoError(t, s.AddUserRole(ctx, u.ID, editor.ID))
	require.NoError(t, s.AddUserRole(ctx, u.ID, retired.ID))
	require.NoError(t, s.AddUserPermission(ctx, u.ID, audit.ID))
	require.NoError(t, s.DeactivateRole(ctx, retired.ID, now))
	require.NoError(t, s.DeactivatePermission(ctx, write.ID, now))

	access, err := s.LoadUserAccess(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"editor"}, access.ActiveRoleNames())
	assert.Equal(t, []string{"audit.read", "projects.read"}, access.EffectivePermissions())
	assert.Len(t, access.User.RoleIDs, 2)

	require.NoError(t, s.RemoveUserRole(ctx, u.ID, editor.ID))
	require.NoError(t, s.RemoveUserPermission(ctx, u.ID, audit.ID))
	access, err = s.LoadUserAccess(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, access.EffectivePermissions())
}

func TestStore_AssignUnknownEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	u := newUser(t, s, "ada@example.com", "clerk", "user_1")

	testutil.AssertErrorCode(t, s.AddUserRole(ctx, u.ID, uuid.New()), sserr.CodeNotFoundRole)
	testutil.AssertErrorCode(t, s.AddUserPermission(ctx, u.ID, uuid.New()), sserr.CodeNotFoundPermission)

	p := upsertPermission(t, s, "projects.read")
	testutil.AssertErrorCode(t, s.AddUserPermission(ctx, uuid.New(), p.ID), sserr.CodeNotFoundUser)

	_, err := s.LoadUserAccess(ctx, uuid.New())
	testutil.AssertErrorCode(t, err, sserr.CodeNotFoundUser)
}

func TestStore_UpsertKeepsIDByName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	first := upsertPermission(t, s, "projects.read")

	again := &models.Permission{ID: uuid.New(), Name: "projects.read", DisplayName: "Read", IsActive: true}
	require.NoError(t, s.UpsertPermission(ctx, again))
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, now, again.CreatedAt)

	perms, err := s.ListPermissions(ctx)
	require.NoError(t, err)
	require.Len(t, perms, 1)
	assert.Equal(t, "Read", perms[0].DisplayName)

	role := upsertRole(t, s, "viewer", first)
	got, err := s.FindRoleByName(ctx, "viewer")
	require.NoError(t, err)
	assert.Equal(t, role.ID, got.ID)
	assert.Equal(t, []string{"projects.read"}, got.PermissionNames())

	err = s.SetRolePermissions(ctx, role.ID, []uuid.UUID{uuid.New()})
	testutil.AssertErrorCode(t, err, sserr.CodeNotFoundPermission)
	_, err = s.FindPermissionByName(ctx, "missing.perm")
	testutil.AssertErrorCode(t, err, sserr.CodeNotFoundPermission)
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	u := newUser(t, s, "ada@example.com", "clerk", "user_1")

	got, err := s.FindUserByExternalID(ctx, "clerk", "user_1")
	require.NoError(t, err)
	got.Email = "changed@example.com"
	got.Providers[0].Provider = "changed"

	again, err := s.FindUserByExternalID(ctx, "clerk", "user_1")
	require.NoError(t, err)
	assert.Equal(t, u.Email, again.Email)
	assert.Equal(t, "clerk", again.Providers[0].Provider)
}
