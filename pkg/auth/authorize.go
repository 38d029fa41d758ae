package auth

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/StricklySoft/stricklysoft-identity/pkg/metrics"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// Requirement is the access requirement declared by an operation.
//
// A caller satisfies it when it holds at least one of Roles (or Roles is
// empty) and every one of Permissions. An empty requirement admits any
// authenticated caller. AllowAnonymous additionally admits callers without
// credentials and is only honored when Roles and Permissions are empty.
type Requirement struct {
	Roles          []string `json:"roles,omitempty" yaml:"roles"`
	Permissions    []string `json:"permissions,omitempty" yaml:"permissions"`
	AllowAnonymous bool     `json:"allow_anonymous,omitempty" yaml:"allow_anonymous"`
}

// RequireRoles returns a requirement satisfied by any one of roles.
func RequireRoles(roles ...string) Requirement {
	return Requirement{Roles: roles}
}

// RequirePermissions returns a requirement satisfied only by holding all
// of perms.
func RequirePermissions(perms ...string) Requirement {
	return Requirement{Permissions: perms}
}

// Public is the requirement of an operation open to anonymous callers.
func Public() Requirement {
	return Requirement{AllowAnonymous: true}
}

// anonymousAllowed reports whether r can be met without credentials.
func (r Requirement) anonymousAllowed() bool {
	return r.AllowAnonymous && len(r.Roles) == 0 && len(r.Permissions) == 0
}

// Operation is implemented by request types that declare their own
// requirement.
type Operation interface {
	Requirement() Requirement
}

// RequirementOf returns the requirement declared by v when v implements
// [Operation].
func RequirementOf(v any) (Requirement, bool) {
	op, ok := v.(Operation)
	if !ok {
		return Requirement{}, false
	}
	return op.Requirement(), true
}

// ---------------------------------------------------------------------------
// Registry: operation name to requirement
// ---------------------------------------------------------------------------

// Registry maps operation names (HTTP route patterns, gRPC full method
// names) to requirements. Operations that were never registered get the
// fallback requirement, which by default admits any authenticated caller.
//
// Registry is safe for concurrent use by multiple goroutines.
type Registry struct {
	mu       sync.RWMutex
	reqs     map[string]Requirement
	fallback Requirement
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{reqs: make(map[string]Requirement)}
}

// Register declares the requirement for operation. Registering the same
// operation twice is a conflict.
func (r *Registry) Register(operation string, req Requirement) error {
	if operation == "" {
		return sserr.New(sserr.CodeValidationRequired, "auth: operation name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.reqs[operation]; ok {
		return sserr.Newf(sserr.CodeConflictAlreadyExists, "auth: operation %q already registered", operation)
	}
	r.reqs[operation] = req
	return nil
}

// MustRegister is like Register but panics on error. Use it for static
// route tables.
func (r *Registry) MustRegister(operation string, req Requirement) {
	if err := r.Register(operation, req); err != nil {
		panic(err)
	}
}

// SetFallback sets the requirement applied to unregistered operations.
func (r *Registry) SetFallback(req Requirement) {
	r.mu.Lock()
	r.fallback = req
	r.mu.Unlock()
}

// Lookup returns the requirement for operation. The boolean is false when
// the fallback was used.
func (r *Registry) Lookup(operation string) (Requirement, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.reqs[operation]
	if !ok {
		return r.fallback, false
	}
	return req, true
}

// Operations returns the registered operation names, sorted.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ops := make([]string, 0, len(r.reqs))
	for op := range r.reqs {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// ---------------------------------------------------------------------------
// Checker
// ---------------------------------------------------------------------------

// Checker evaluates requirements against identities. Every denial is the
// same [sserr.Denied] error regardless of which clause failed; the reason
// is only logged.
type Checker struct {
	logger  *slog.Logger
	metrics metrics.Recorder
}

// NewChecker creates a Checker. Nil arguments select slog.Default and
// [metrics.Noop].
func NewChecker(logger *slog.Logger, rec metrics.Recorder) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	if rec == nil {
		rec = metrics.Noop{}
	}
	return &Checker{logger: logger, metrics: rec}
}

// Check returns nil when id satisfies req. A nil or anonymous identity
// yields an authentication error unless req admits anonymous callers; an
// authenticated identity that falls short yields [sserr.Denied].
func (c *Checker) Check(ctx context.Context, id Identity, req Requirement) error {
	op, _ := OperationFromContext(ctx)

	if id == nil || IsAnonymous(id) {
		if req.anonymousAllowed() {
			c.metrics.AuthorizationDecision(op, true)
			return nil
		}
		c.metrics.AuthorizationDecision(op, false)
		return sserr.Unauthenticated("auth: authentication required")
	}

	if len(req.Roles) > 0 && !slices.ContainsFunc(req.Roles, id.HasRole) {
		c.deny(ctx, op, id, "no required role held")
		return sserr.Denied()
	}
	for _, perm := range req.Permissions {
		if !id.HasPermission(perm) {
			c.deny(ctx, op, id, "missing permission "+perm)
			return sserr.Denied()
		}
	}

	c.metrics.AuthorizationDecision(op, true)
	return nil
}

func (c *Checker) deny(ctx context.Context, op string, id Identity, reason string) {
	c.metrics.AuthorizationDecision(op, false)
	c.logger.InfoContext(ctx, "access denied",
		"operation", op,
		"user_id", id.ID(),
		"reason", reason,
	)
}
