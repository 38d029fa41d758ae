package postgres

import (
	"context"
	"fmt"
)

// schema creates the identity tables. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            UUID PRIMARY KEY,
		email         TEXT NOT NULL,
		display_name  TEXT NOT NULL DEFAULT '',
		picture_url   TEXT NOT NULL DEFAULT '',
		is_active     BOOLEAN NOT NULL DEFAULT TRUE,
		last_login_at TIMESTAMP WITH TIME ZONE,
		created_at    TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	// Email is unique among active users only, so a deactivated account
	// does not block a new one with the same address.
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_active_email ON users (email) WHERE is_active`,

	`CREATE TABLE IF NOT EXISTS user_external_providers (
		provider         TEXT NOT NULL,
		external_user_id TEXT NOT NULL,
		user_id          UUID NOT NULL REFERENCES users(id),
		linked_at        TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		PRIMARY KEY (provider, external_user_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_user_external_providers_user ON user_external_providers (user_id)`,

	`CREATE TABLE IF NOT EXISTS permissions (
		id           UUID PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		description  TEXT NOT NULL DEFAULT '',
		is_active    BOOLEAN NOT NULL DEFAULT TRUE,
		is_module    BOOLEAN NOT NULL DEFAULT FALSE,
		module_name  TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS roles (
		id           UUID PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		description  TEXT NOT NULL DEFAULT '',
		is_active    BOOLEAN NOT NULL DEFAULT TRUE,
		is_module    BOOLEAN NOT NULL DEFAULT FALSE,
		module_name  TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS role_permissions (
		role_id       UUID NOT NULL REFERENCES roles(id),
		permission_id UUID NOT NULL REFERENCES permissions(id),
		PRIMARY KEY (role_id, permission_id)
	)`,

	`CREATE TABLE IF NOT EXISTS user_roles (
		user_id UUID NOT NULL REFERENCES users(id),
		role_id UUID NOT NULL REFERENCES roles(id),
		PRIMARY KEY (user_id, role_id)
	)`,

	`CREATE TABLE IF NOT EXISTS user_permissions (
		user_id       UUID NOT NULL REFERENCES users(id),
		permission_id UUID NOT NULL REFERENCES permissions(id),
		PRIMARY KEY (user_id, permission_id)
	)`,
}

// EnsureSchema creates any missing tables and indexes. It does not alter
// existing ones; schema changes ship through the deployment's migration
// tooling.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: schema statement %d failed: %w", i+1, err)
		}
	}
	return nil
}
