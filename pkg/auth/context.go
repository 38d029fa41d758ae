package auth

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// contextKey is an unexported type used for context keys in this package.
type contextKey int

const (
	// identityKey stores the authenticated Identity in the context.
	identityKey contextKey = iota

	// operationKey stores the name of the operation being authorized.
	operationKey
)

// ContextWithIdentity returns a new context with the given Identity attached.
// The identity can later be retrieved with [IdentityFromContext].
func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// IdentityFromContext retrieves the Identity from the context.
//
// Example:
//
//	identity, ok := auth.IdentityFromContext(ctx)
//	if !ok {
//	    return sserr.Unauthenticated("no identity in context")
//	}
//	logger.Info("request", "user_id", identity.ID())
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey).(Identity)
	return identity, ok
}

// PrincipalFromContext retrieves the enriched Principal from the context.
// It returns false for anonymous requests.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(identityKey).(*Principal)
	return p, ok
}

// MustIdentityFromContext retrieves the Identity from the context, panicking
// if none is present. Use only behind the authentication middleware.
func MustIdentityFromContext(ctx context.Context) Identity {
	identity, ok := IdentityFromContext(ctx)
	if !ok {
		panic("auth: no identity in context; ensure authentication middleware is configured")
	}
	return identity
}

// ContextWithOperation records the operation name being served. The
// authorization checker labels its decisions with it.
func ContextWithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, operationKey, operation)
}

// OperationFromContext returns the operation name recorded by
// [ContextWithOperation].
func OperationFromContext(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(operationKey).(string)
	return op, ok
}

// TraceIDFromContext extracts the OpenTelemetry trace ID from the context.
// Returns the trace ID as a hex string and true if a valid trace is active.
// Problem-detail responses carry this id so operators can find the request.
func TraceIDFromContext(ctx context.Context) (string, bool) {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if !spanCtx.HasTraceID() {
		return "", false
	}
	return spanCtx.TraceID().String(), true
}
