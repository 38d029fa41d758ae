// Package postgres implements the identity repository and the catalog store
// on PostgreSQL.
//
// Uniqueness is enforced by the schema (see [Store.EnsureSchema]): the
// (provider, external_user_id) primary key, a partial unique index on the
// email of active users, and unique role and permission names. Violations
// surface as [sserr.CodeConflictAlreadyExists] so that the identity service can
// retry a lost provisioning race.
package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/StricklySoft/stricklysoft-identity/pkg/catalog"
	pgclient "github.com/StricklySoft/stricklysoft-identity/pkg/clients/postgres"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/identity"
)

// foreignKeyViolation is the SQLSTATE for foreign_key_violation.
const foreignKeyViolation = "23503"

// Store is the PostgreSQL repository. It is safe for concurrent use.
type Store struct {
	db *pgclient.Client
}

var (
	_ identity.Repository = (*Store)(nil)
	_ catalog.Store       = (*Store)(nil)
)

// New returns a store over db.
func New(db *pgclient.Client) *Store {
	return &Store{db: db}
}

// rowError maps a Scan error. pgx.ErrNoRows becomes code; anything else is
// classified by the client.
func rowError(err error, code sserr.Code, message string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return sserr.New(code, message)
	}
	return pgclient.WrapError(err, message)
}

// referenceError maps a foreign key violation on insert to code. Other
// errors pass through.
func referenceError(err error, code sserr.Code, message string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return sserr.Wrap(err, code, message)
	}
	return err
}

// mustAffect turns a zero-row update into code.
func mustAffect(tag pgconn.CommandTag, code sserr.Code, message string) error {
	if tag.RowsAffected() == 0 {
		return sserr.New(code, message)
	}
	return nil
}
