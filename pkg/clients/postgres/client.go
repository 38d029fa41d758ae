// Package postgres provides a PostgreSQL client with connection pooling and
// OpenTelemetry tracing. It backs the durable user, role and permission
// store.
//
// Create a client with [NewClient], or wrap a mock pool with [NewFromPool]
// in tests:
//
//	mock, _ := pgxmock.NewPool()
//	client := postgres.NewFromPool(mock, &postgres.Config{Database: "identity"})
//
// Every operation opens a client span carrying db.system, db.name and a
// truncated db.statement. Errors are returned as [*sserr.Error]:
// connectivity failures are [sserr.CodeUnavailableDependency], unique
// violations are [sserr.CodeConflictAlreadyExists], deadline expiry is
// [sserr.CodeTimeoutDatabase] and anything else is
// [sserr.CodeInternalDatabase].
package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for this package.
const tracerName = "github.com/StricklySoft/stricklysoft-identity/pkg/clients/postgres"

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Pool is the subset of [*pgxpool.Pool] the client uses. pgxmock pools
// satisfy it as well.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// Client is a traced PostgreSQL client. It is safe for concurrent use.
type Client struct {
	pool         Pool
	config       *Config
	tracer       trace.Tracer
	databaseName string
}

// NewClient validates cfg, creates the pool and verifies connectivity.
//
// Error codes returned:
//   - [sserr.CodeValidation]: invalid configuration
//   - [sserr.CodeInternalConfiguration]: TLS setup failure
//   - [sserr.CodeUnavailableDependency]: cannot connect to the database
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "postgres: invalid configuration")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "postgres: failed to parse connection string")
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	tlsCfg, err := cfg.tlsConfig()
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "postgres: failed to configure TLS")
	}
	if tlsCfg != nil {
		poolCfg.ConnConfig.TLSConfig = tlsCfg
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "postgres: failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "postgres: failed to connect to database")
	}

	return &Client{
		pool:         pool,
		config:       &cfg,
		tracer:       otel.Tracer(tracerName),
		databaseName: cfg.databaseName(),
	}, nil
}

// NewFromPool wraps an existing pool. cfg is not validated; nil is
// treated as the zero config.
func NewFromPool(pool Pool, cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Client{
		pool:         pool,
		config:       cfg,
		tracer:       otel.Tracer(tracerName),
		databaseName: cfg.databaseName(),
	}
}

// Query runs a statement that returns rows. The caller closes the rows.
func (c *Client) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	ctx, span := c.startSpan(ctx, "Query", sql)
	rows, err := c.pool.Query(ctx, sql, args...)
	finishSpan(span, err)
	if err != nil {
		return nil, wrapError(err, "postgres: query failed")
	}
	return rows, nil
}

// QueryRow runs a statement that returns at most one row. Errors surface
// from Scan and are not classified; use [WrapError] on them.
func (c *Client) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	ctx, span := c.startSpan(ctx, "QueryRow", sql)
	defer span.End()
	return c.pool.QueryRow(ctx, sql, args...)
}

// Exec runs a statement that returns no rows.
func (c *Client) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	ctx, span := c.startSpan(ctx, "Exec", sql)
	tag, err := c.pool.Exec(ctx, sql, args...)
	finishSpan(span, err)
	if err != nil {
		return tag, wrapError(err, "postgres: exec failed")
	}
	return tag, nil
}

// Begin starts a transaction. Callers defer Rollback right away; it is a
// no-op after Commit.
func (c *Client) Begin(ctx context.Context) (pgx.Tx, error) {
	ctx, span := c.startSpan(ctx, "Begin", "BEGIN")
	tx, err := c.pool.Begin(ctx)
	finishSpan(span, err)
	if err != nil {
		return nil, wrapError(err, "postgres: begin transaction failed")
	}
	return tx, nil
}

// InTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise. Errors returned by fn that are
// already [*sserr.Error] values pass through unchanged.
func (c *Client) InTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	ctx, span := c.startSpan(ctx, "Transaction", "BEGIN")
	err := c.inTx(ctx, fn)
	finishSpan(span, err)
	return err
}

func (c *Client) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return wrapError(err, "postgres: begin transaction failed")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		if _, ok := sserr.AsError(err); ok {
			return err
		}
		return wrapError(err, "postgres: transaction failed")
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapError(err, "postgres: commit failed")
	}
	return nil
}

// Health pings the database, applying [DefaultHealthTimeout] when ctx has
// no deadline.
func (c *Client) Health(ctx context.Context) error {
	ctx, span := c.startSpan(ctx, "Health", "SELECT 1")
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}
	err := c.pool.Ping(ctx)
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "postgres: health check failed")
	}
	return nil
}

// Close releases pool resources.
func (c *Client) Close() {
	c.pool.Close()
}

// Pool returns the underlying pool.
func (c *Client) Pool() Pool {
	return c.pool
}

// IsUniqueViolation reports whether err carries a PostgreSQL
// unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// WrapError classifies a database error the same way the client methods
// do. It is intended for errors surfaced by Scan or by statements run on a
// [pgx.Tx]. Errors that are already [*sserr.Error] values are returned
// unchanged.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := sserr.AsError(err); ok {
		return err
	}
	return wrapError(err, message)
}

func (c *Client) startSpan(ctx context.Context, operation, sql string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "postgres."+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.name", c.databaseName),
		attribute.String("db.statement", truncateSQL(sql)),
	)
	return ctx, span
}

// finishSpan records err on the span and ends it.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func wrapError(err error, message string) *sserr.Error {
	var connectErr *pgconn.ConnectError
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	case IsUniqueViolation(err):
		return sserr.Wrap(err, sserr.CodeConflictAlreadyExists, message)
	case errors.As(err, &connectErr), pgconn.SafeToRetry(err):
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, message)
	default:
		return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
	}
}
