package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/models"
)

// AssignRole gives the user an active role. Assigning a role the user
// already holds is a no-op.
//
// Error codes returned:
//   - [sserr.CodeNotFoundUser], [sserr.CodeNotFoundRole]
//   - [sserr.CodeValidation]: the role is inactive
func (s *Service) AssignRole(ctx context.Context, userID uuid.UUID, roleName string) error {
	return s.mutate(ctx, "identity.AssignRole", userID, func(ctx context.Context, u *models.User, now time.Time) error {
		role, err := s.repo.FindRoleByName(ctx, roleName)
		if err != nil {
			return err
		}
		changed, err := u.AssignRole(role, now)
		if err != nil || !changed {
			return err
		}
		return s.repo.AddUserRole(ctx, u.ID, role.ID)
	})
}

// RemoveRole takes a role away from the user.
func (s *Service) RemoveRole(ctx context.Context, userID uuid.UUID, roleName string) error {
	return s.mutate(ctx, "identity.RemoveRole", userID, func(ctx context.Context, u *models.User, now time.Time) error {
		role, err := s.repo.FindRoleByName(ctx, roleName)
		if err != nil {
			return err
		}
		if !u.RemoveRole(role, now) {
			return nil
		}
		return s.repo.RemoveUserRole(ctx, u.ID, role.ID)
	})
}

// GrantPermission grants an active permission directly to the user.
func (s *Service) GrantPermission(ctx context.Context, userID uuid.UUID, permission string) error {
	return s.mutate(ctx, "identity.GrantPermission", userID, func(ctx context.Context, u *models.User, now time.Time) error {
		perm, err := s.repo.FindPermissionByName(ctx, permission)
		if err != nil {
			return err
		}
		changed, err := u.GrantPermission(perm, now)
		if err != nil || !changed {
			return err
		}
		return s.repo.AddUserPermission(ctx, u.ID, perm.ID)
	})
}

// RevokePermission removes a direct permission grant. Permissions held
// through roles are unaffected.
func (s *Service) RevokePermission(ctx context.Context, userID uuid.UUID, permission string) error {
	return s.mutate(ctx, "identity.RevokePermission", userID, func(ctx context.Context, u *models.User, now time.Time) error {
		perm, err := s.repo.FindPermissionByName(ctx, permission)
		if err != nil {
			return err
		}
		if !u.RevokePermission(perm, now) {
			return nil
		}
		return s.repo.RemoveUserPermission(ctx, u.ID, perm.ID)
	})
}

// DeactivateUser marks the user inactive. Later requests by any of the
// user's provider identities are denied.
func (s *Service) DeactivateUser(ctx context.Context, userID uuid.UUID) error {
	return s.mutate(ctx, "identity.DeactivateUser", userID, func(ctx context.Context, u *models.User, now time.Time) error {
		if !u.Deactivate(now) {
			return nil
		}
		return s.repo.DeactivateUser(ctx, u.ID, now)
	})
}

// Invalidate drops the cached principal of one provider identity.
func (s *Service) Invalidate(ctx context.Context, provider, externalID string) error {
	key := CacheKey(provider, externalID)
	s.group.Forget(key)
	return s.cache.Delete(ctx, key)
}

// InvalidateUser drops the cached principals of every provider identity
// linked to the user.
func (s *Service) InvalidateUser(ctx context.Context, userID uuid.UUID) error {
	links, err := s.repo.ListExternalProviders(ctx, userID)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(links))
	for _, l := range links {
		key := CacheKey(l.Provider, l.ExternalUserID)
		s.group.Forget(key)
		keys = append(keys, key)
	}
	return s.cache.Delete(ctx, keys...)
}

// mutate loads the user aggregate, applies fn, publishes the recorded
// events and invalidates the user's cached principals.
func (s *Service) mutate(ctx context.Context, op string, userID uuid.UUID, fn func(context.Context, *models.User, time.Time) error) (err error) {
	ctx, span := s.tracer.Start(ctx, op)
	defer func() {
		finishSpan(span, err)
		span.End()
	}()
	span.SetAttributes(attribute.String("identity.user_id", userID.String()))

	access, err := s.repo.LoadUserAccess(ctx, userID)
	if err != nil {
		return s.adminError(err)
	}
	user := &access.User

	if err := fn(ctx, user, s.now().UTC()); err != nil {
		return s.adminError(err)
	}

	events := user.PullEvents()
	if len(events) == 0 {
		return nil
	}
	if err := s.events.Publish(ctx, events...); err != nil {
		s.logger.WarnContext(ctx, "identity: event publish failed", "user_id", userID.String(), "error", err)
	}
	if err := s.InvalidateUser(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "identity: cache invalidation failed", "user_id", userID.String(), "error", err)
	}
	return nil
}

// adminError keeps platform errors and wraps anything else as internal.
func (s *Service) adminError(err error) error {
	if _, ok := sserr.AsError(err); ok {
		return err
	}
	return sserr.Wrap(err, sserr.CodeInternal, "identity: operation failed")
}
