package auth

import (
	"context"
	"log/slog"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// metadataAuthorization is the lowercase gRPC metadata key for credentials.
const metadataAuthorization = "authorization"

// ErrorDomain is the ErrorInfo domain attached to failed gRPC calls.
const ErrorDomain = "identity.stricklysoft.io"

// UnaryServerInterceptor returns a gRPC unary server interceptor that
// authenticates the caller and enforces the requirement registered for the
// full method name.
//
// The interceptor performs the following steps:
//  1. Reads the "authorization" metadata value and splits scheme and token
//  2. Authenticates it with authn (no metadata means anonymous)
//  3. Looks up the method requirement in registry; a request message that
//     implements [Operation] overrides the registry
//  4. Checks the requirement and stores the identity in the context
func UnaryServerInterceptor(authn TokenAuthenticator, checker *Checker, registry *Registry) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		requirement, ok := RequirementOf(req)
		if !ok {
			requirement, _ = registry.Lookup(info.FullMethod)
		}
		ctx, err := authorizeGRPC(ctx, authn, checker, info.FullMethod, requirement)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of
// [UnaryServerInterceptor]. Stream requirements come from registry only.
func StreamServerInterceptor(authn TokenAuthenticator, checker *Checker, registry *Registry) grpc.StreamServerInterceptor {
	return func(
		srv any,
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		requirement, _ := registry.Lookup(info.FullMethod)
		ctx, err := authorizeGRPC(ss.Context(), authn, checker, info.FullMethod, requirement)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func authorizeGRPC(ctx context.Context, authn TokenAuthenticator, checker *Checker, method string, req Requirement) (context.Context, error) {
	ctx = ContextWithOperation(ctx, method)

	var id Identity = anonymous{}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get(metadataAuthorization); len(values) > 0 {
			scheme, token, ok := ParseAuthorization(values[0])
			if !ok {
				return ctx, grpcError(ctx, sserr.Unauthenticated("invalid authorization format"))
			}
			principal, err := authn.Authenticate(ctx, scheme, token)
			if err != nil {
				return ctx, grpcError(ctx, err)
			}
			id = principal
		}
	}

	if err := checker.Check(ctx, id, req); err != nil {
		return ctx, grpcError(ctx, err)
	}
	return ContextWithIdentity(ctx, id), nil
}

// grpcError converts err to a status error carrying an ErrorInfo detail
// with the stable error code as Reason and the trace id, when one is
// active, in its metadata. Server-side failures carry the category title
// only.
func grpcError(ctx context.Context, err error) error {
	e := sserr.FromError(err)
	code := e.GRPCCode()
	msg := e.Message
	if code == codes.Internal || code == codes.Unavailable || code == codes.DeadlineExceeded {
		slog.ErrorContext(ctx, "auth: grpc request failed", "error", err, "code", e.Code.String())
		msg = e.Code.Title()
	}

	info := &errdetails.ErrorInfo{
		Reason: e.Code.String(),
		Domain: ErrorDomain,
	}
	if traceID, ok := TraceIDFromContext(ctx); ok {
		info.Metadata = map[string]string{"trace_id": traceID}
	}
	st := status.New(code, msg)
	if detailed, derr := st.WithDetails(info); derr == nil {
		st = detailed
	}
	return st.Err()
}

// wrappedServerStream overrides Context so handlers see the identity added
// by the interceptor.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// Context returns the wrapped context containing identity information.
func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
