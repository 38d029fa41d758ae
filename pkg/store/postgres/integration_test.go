//go:build integration

// Integration tests for the PostgreSQL store against a real container.
//
//	go test -v -race -tags=integration ./pkg/store/postgres/...
package postgres_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-identity/internal/testutil"
	"github.com/StricklySoft/stricklysoft-identity/internal/testutil/containers"
	"github.com/StricklySoft/stricklysoft-identity/internal/testutil/fixtures"
	"github.com/StricklySoft/stricklysoft-identity/pkg/auth"
	"github.com/StricklySoft/stricklysoft-identity/pkg/catalog"
	pgclient "github.com/StricklySoft/stricklysoft-identity/pkg/clients/postgres"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/identity"
	"github.com/StricklySoft/stricklysoft-identity/pkg/store/postgres"
)

func setupStore(t *testing.T) *postgres.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	result, err := containers.StartPostgres(ctx)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := result.Container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	client, err := pgclient.NewClient(ctx, pgclient.Config{URI: result.ConnString, MaxConns: 20, MinConns: 1})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	store := postgres.New(client)
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx), "schema creation is idempotent")
	return store
}

func documents() catalog.Module {
	return catalog.Declaration{
		Module: fixtures.ModuleDocuments,
		PermissionSpecs: []catalog.PermissionSpec{
			{Name: fixtures.PermRead}, {Name: fixtures.PermWrite}, {Name: fixtures.PermDelete},
		},
		RoleSpecs: []catalog.RoleSpec{
			{Name: fixtures.RoleEditor, Permissions: []string{fixtures.PermRead, fixtures.PermWrite}},
			{Name: fixtures.RoleAdmin, Permissions: []string{fixtures.PermDelete}},
		},
	}
}

func TestIntegration_CatalogSyncIsIdempotent(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	syncer := catalog.NewSynchronizer(store, nil)

	first, err := syncer.Sync(ctx, documents())
	require.NoError(t, err)
	assert.Equal(t, 7, first.Changes())

	second, err := syncer.Sync(ctx, documents())
	require.NoError(t, err)
	assert.Zero(t, second.Changes())

	roles, err := store.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, []string{fixtures.PermRead, fixtures.PermWrite}, roles[1].PermissionNames())
}

func TestIntegration_ConcurrentFirstLoginsConverge(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	svc, err := identity.NewService(store, identity.Config{})
	require.NoError(t, err)

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := svc.Enrich(ctx, auth.ExternalIdentity{
				Provider:      fixtures.ProviderClerk,
				ExternalID:    fmt.Sprintf("ext-%d", i),
				Email:         fixtures.Email,
				EmailVerified: true,
			})
			if assert.NoError(t, err) {
				ids[i] = p.UserID
			}
		}()
	}
	wg.Wait()

	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id, "every identity resolves to one user")
	}
	links, err := store.ListExternalProviders(ctx, uuid.MustParse(ids[0]))
	require.NoError(t, err)
	assert.Len(t, links, n)
}

func TestIntegration_EffectivePermissions(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	_, err := catalog.NewSynchronizer(store, nil).Sync(ctx, documents())
	require.NoError(t, err)

	svc, err := identity.NewService(store, identity.Config{})
	require.NoError(t, err)
	ext := auth.ExternalIdentity{Provider: fixtures.ProviderClerk, ExternalID: fixtures.ExternalID, Email: fixtures.Email}

	p, err := svc.Enrich(ctx, ext)
	require.NoError(t, err)
	userID := uuid.MustParse(p.UserID)

	require.NoError(t, svc.AssignRole(ctx, userID, fixtures.RoleEditor))
	require.NoError(t, svc.GrantPermission(ctx, userID, fixtures.PermDelete))

	p, err = svc.Enrich(ctx, ext)
	require.NoError(t, err)
	assert.Equal(t, []string{fixtures.RoleEditor}, p.Roles)
	assert.Equal(t, []string{fixtures.PermDelete, fixtures.PermRead, fixtures.PermWrite}, p.Permissions)

	require.NoError(t, svc.DeactivateUser(ctx, userID))
	_, err = svc.Enrich(ctx, ext)
	testutil.RequireErrorCode(t, err, sserr.CodeAuthorizationDenied)
}

func TestIntegration_ActiveEmailUniqueness(t *testing.T) {
	store := setupStore(t)
	ctx := context.Background()
	svc, err := identity.NewService(store, identity.Config{})
	require.NoError(t, err)

	first, err := svc.Enrich(ctx, auth.ExternalIdentity{Provider: fixtures.ProviderClerk, ExternalID: fixtures.ExternalID, Email: fixtures.Email})
	require.NoError(t, err)
	require.NoError(t, svc.DeactivateUser(ctx, uuid.MustParse(first.UserID)))

	second, err := svc.Enrich(ctx, auth.ExternalIdentity{Provider: fixtures.ProviderSupabase, ExternalID: fixtures.AltExternalID, Email: fixtures.Email})
	require.NoError(t, err)
	assert.NotEqual(t, first.UserID, second.UserID)
}
