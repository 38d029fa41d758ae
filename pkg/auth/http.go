package auth

import (
	"log/slog"
	"net/http"
	"strings"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// HeaderAuthorization is the HTTP header (and gRPC metadata key) carrying
// credentials.
const HeaderAuthorization = "Authorization"

// ParseAuthorization splits an Authorization header value into its scheme
// and credential. ok is false when either part is missing.
func ParseAuthorization(header string) (scheme, token string, ok bool) {
	header = strings.TrimSpace(header)
	scheme, token, found := strings.Cut(header, " ")
	if !found {
		return "", "", false
	}
	token = strings.TrimSpace(token)
	if scheme == "" || token == "" {
		return "", "", false
	}
	return scheme, token, true
}

// HTTPConfig configures the HTTP middleware.
type HTTPConfig struct {
	// DevMode includes the error message in problem-detail responses.
	DevMode bool

	// Logger receives failure logs. Defaults to slog.Default.
	Logger *slog.Logger

	// TraceID returns the id echoed in problem responses. Defaults to the
	// active OpenTelemetry trace id.
	TraceID func(*http.Request) string
}

// RequestTraceID returns the trace id for r using the configured TraceID
// func, or the OpenTelemetry trace id when none is set.
func (c HTTPConfig) RequestTraceID(r *http.Request) string {
	if c.TraceID != nil {
		return c.TraceID(r)
	}
	traceID, _ := TraceIDFromContext(r.Context())
	return traceID
}

func (c HTTPConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func writeProblem(w http.ResponseWriter, r *http.Request, cfg HTTPConfig, err error) {
	traceID := cfg.RequestTraceID(r)
	if e := sserr.FromError(err); e.HTTPStatus() >= http.StatusInternalServerError {
		cfg.logger().ErrorContext(r.Context(), "request failed",
			"error", err,
			"code", e.Code.String(),
			"path", r.URL.Path,
		)
	}
	sserr.WriteProblem(w, err, traceID, cfg.DevMode)
}

// HTTPMiddleware returns an HTTP middleware that authenticates the request
// credentials and stores the resulting [Principal] in the request context.
//
// Requests without an Authorization header proceed with the anonymous
// identity; whether that is acceptable is decided by [Authorize]. A
// credential that fails verification gets a 401 problem response, and a
// failure to reach the identity store gets a 503. The middleware never
// downgrades a failed credential to an anonymous request.
//
// Example:
//
//	mux := http.NewServeMux()
//	auth.Handle(mux, registry, checker, cfg, "GET /v1/users", auth.RequirePermissions("users.read"), listUsers)
//	http.ListenAndServe(":8080", auth.HTTPMiddleware(authenticator, cfg)(mux))
func HTTPMiddleware(authn TokenAuthenticator, cfg HTTPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get(HeaderAuthorization)
			if header == "" {
				next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), anonymous{})))
				return
			}

			scheme, token, ok := ParseAuthorization(header)
			if !ok {
				writeProblem(w, r, cfg, sserr.Unauthenticated("auth: malformed authorization header"))
				return
			}

			principal, err := authn.Authenticate(r.Context(), scheme, token)
			if err != nil {
				writeProblem(w, r, cfg, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), principal)))
		})
	}
}

// Authorize returns middleware that enforces req for operation before the
// handler runs. It must be installed behind [HTTPMiddleware].
func Authorize(checker *Checker, operation string, req Requirement, cfg HTTPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := ContextWithOperation(r.Context(), operation)
			id, _ := IdentityFromContext(ctx)
			if err := checker.Check(ctx, id, req); err != nil {
				writeProblem(w, r, cfg, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Handle registers req for pattern in registry and mounts h on mux behind
// [Authorize]. It panics if pattern is already registered, like
// [http.ServeMux.Handle].
func Handle(mux *http.ServeMux, registry *Registry, checker *Checker, cfg HTTPConfig, pattern string, req Requirement, h http.Handler) {
	registry.MustRegister(pattern, req)
	mux.Handle(pattern, Authorize(checker, pattern, req, cfg)(h))
}
