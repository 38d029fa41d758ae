package identity

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/StricklySoft/stricklysoft-identity/pkg/models"
)

// Repository is the durable store behind the service. Implementations live
// in pkg/store/postgres and pkg/store/memory.
//
// Lookups report absence with the matching not-found code
// ([sserr.CodeNotFoundUser], [sserr.CodeNotFoundRole],
// [sserr.CodeNotFoundPermission]). Uniqueness violations on email or on a
// (provider, external id) pair are reported as [sserr.CodeConflictAlreadyExists].
type Repository interface {
	// FindUserByExternalID returns the user owning the provider identity,
	// active or not. Providers are populated.
	FindUserByExternalID(ctx context.Context, provider, externalID string) (*models.User, error)

	// FindUserByEmail returns the active user with the normalized email.
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)

	// InsertUser stores a new user together with its provider links in one
	// transaction.
	InsertUser(ctx context.Context, user *models.User) error

	// LinkExternalProvider attaches a provider identity to an existing user.
	// Linking an identity the user already owns is not an error.
	LinkExternalProvider(ctx context.Context, userID uuid.UUID, link models.ExternalProvider) error

	// TouchLastLogin sets the last login time. Concurrent calls are last
	// write wins.
	TouchLastLogin(ctx context.Context, userID uuid.UUID, at time.Time) error

	// LoadUserAccess loads the user with its active roles (each carrying its
	// active permissions) and its active direct permissions. User.RoleIDs
	// and User.PermissionIDs list every assignment regardless of state.
	LoadUserAccess(ctx context.Context, userID uuid.UUID) (*models.UserAccess, error)

	// ListExternalProviders returns every provider identity of the user. An
	// unknown user has none.
	ListExternalProviders(ctx context.Context, userID uuid.UUID) ([]models.ExternalProvider, error)

	FindRoleByName(ctx context.Context, name string) (*models.Role, error)
	FindPermissionByName(ctx context.Context, name string) (*models.Permission, error)

	AddUserRole(ctx context.Context, userID, roleID uuid.UUID) error
	RemoveUserRole(ctx context.Context, userID, roleID uuid.UUID) error
	AddUserPermission(ctx context.Context, userID, permissionID uuid.UUID) error
	RemoveUserPermission(ctx context.Context, userID, permissionID uuid.UUID) error

	DeactivateUser(ctx context.Context, userID uuid.UUID, at time.Time) error
}
