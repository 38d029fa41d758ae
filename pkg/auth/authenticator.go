package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// tracerName is the OpenTelemetry instrumentation scope name for auth spans.
const tracerName = "github.com/StricklySoft/stricklysoft-identity/pkg/auth"

// maxTokenSize is the maximum accepted token length in bytes. Larger tokens
// are rejected before any parsing.
const maxTokenSize = 8192

// SchemeBearer is the standard Authorization scheme. Bearer tokens are
// routed to a provider by their issuer claim.
const SchemeBearer = "bearer"

// TokenAuthenticator turns a credential into an enriched principal.
// [Authenticator] implements it; transports depend on the interface.
type TokenAuthenticator interface {
	Authenticate(ctx context.Context, scheme, token string) (*Principal, error)
}

// Authenticator verifies tokens against the configured providers and hands
// the resulting external identity to an [Enricher].
//
// Authenticator is safe for concurrent use by multiple goroutines.
type Authenticator struct {
	enricher  Enricher
	providers []*Provider
	byName    map[string]*Provider
	byIssuer  map[string]*Provider
	tracer    trace.Tracer
	logger    *slog.Logger
}

var _ TokenAuthenticator = (*Authenticator)(nil)

// NewAuthenticator creates an Authenticator. Provider names and issuers
// must be unique.
func NewAuthenticator(enricher Enricher, logger *slog.Logger, providers ...*Provider) (*Authenticator, error) {
	if enricher == nil {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: enricher must not be nil")
	}
	if len(providers) == 0 {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: at least one provider is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &Authenticator{
		enricher:  enricher,
		providers: providers,
		byName:    make(map[string]*Provider, len(providers)),
		byIssuer:  make(map[string]*Provider, len(providers)),
		tracer:    otel.Tracer(tracerName),
		logger:    logger,
	}
	for _, p := range providers {
		if p.Name() == SchemeBearer {
			return nil, sserr.New(sserr.CodeValidation, "auth: provider name 'bearer' is reserved")
		}
		if _, dup := a.byName[p.Name()]; dup {
			return nil, sserr.Newf(sserr.CodeConflictAlreadyExists, "auth: duplicate provider %q", p.Name())
		}
		a.byName[p.Name()] = p
		if p.Issuer() == "" {
			continue
		}
		if _, dup := a.byIssuer[p.Issuer()]; dup {
			return nil, sserr.Newf(sserr.CodeConflictAlreadyExists, "auth: duplicate issuer %q", p.Issuer())
		}
		a.byIssuer[p.Issuer()] = p
	}
	return a, nil
}

// Authenticate verifies token, normalizes its claims and enriches the
// result into a principal.
//
// The scheme selects the provider: a provider name routes directly to that
// provider, while "Bearer" routes by the token's unverified issuer claim.
// Verification failures are authentication errors (401). Enrichment
// failures pass through unchanged, so an unavailable store still surfaces
// as [sserr.CodeUnavailableDependency].
func (a *Authenticator) Authenticate(ctx context.Context, scheme, token string) (*Principal, error) {
	ctx, span := startSpan(ctx, a.tracer, "auth.Authenticate")
	defer span.End()

	if token == "" {
		err := sserr.Unauthenticated("auth: token must not be empty")
		finishSpan(span, err)
		return nil, err
	}
	if len(token) > maxTokenSize {
		err := sserr.New(sserr.CodeAuthenticationInvalid, "auth: token exceeds maximum size")
		finishSpan(span, err)
		return nil, err
	}

	provider, err := a.route(scheme, token)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("auth.provider", provider.Name()))

	ext, err := provider.Authenticate(ctx, token)
	if err != nil {
		a.logger.DebugContext(ctx, "token rejected",
			"provider", provider.Name(),
			"code", sserr.GetCode(err).String(),
		)
		finishSpan(span, err)
		return nil, err
	}

	principal, err := a.enricher.Enrich(ctx, ext)
	if err != nil {
		if _, ok := sserr.AsError(err); !ok {
			err = sserr.Wrap(err, sserr.CodeUnavailableDependency, "auth: identity enrichment failed")
		}
		finishSpan(span, err)
		return nil, err
	}

	span.SetAttributes(attribute.String("auth.user_id", principal.UserID))
	return principal, nil
}

// route picks the provider for a credential.
func (a *Authenticator) route(scheme, token string) (*Provider, error) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))

	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil || unverified == nil {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: token is malformed")
	}
	// Reject alg:none before any provider sees the token.
	if alg, _ := unverified.Header["alg"].(string); alg == "" || strings.EqualFold(alg, "none") {
		return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: algorithm 'none' is not permitted")
	}

	if p, ok := a.byName[scheme]; ok {
		return p, nil
	}
	if scheme != SchemeBearer {
		return nil, sserr.Unauthenticated("auth: unsupported authentication scheme").
			WithDetail("scheme", scheme)
	}

	mc, _ := unverified.Claims.(jwt.MapClaims)
	issuer, _ := mc["iss"].(string)
	if p, ok := a.byIssuer[issuer]; ok {
		return p, nil
	}
	if len(a.providers) == 1 {
		return a.providers[0], nil
	}
	return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: no provider accepts the token issuer").
		WithDetail("issuer", issuer)
}

// classifyError converts verification errors into authentication errors.
// Key resolution failures (including an unreachable key set with nothing
// cached) become [sserr.CodeAuthenticationInvalid] so callers always get a
// 401 for a token that could not be verified.
func classifyError(err error) *sserr.Error {
	if err == nil {
		return nil
	}

	if errors.Is(err, jwt.ErrTokenExpired) {
		return sserr.Wrap(err, sserr.CodeAuthenticationExpired, "auth: token has expired")
	}

	if ssError, ok := sserr.AsError(err); ok {
		if ssError.Code.Category() == "AUTH" {
			return ssError
		}
		return sserr.Wrap(ssError, sserr.CodeAuthenticationInvalid, "auth: signing key unavailable")
	}

	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is malformed")
	case errors.Is(err, jwt.ErrSignatureInvalid):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token signature is invalid")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token signature is invalid")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is unverifiable")
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is not yet valid")
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token used before issued")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token audience is invalid")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token issuer is invalid")
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token is missing a required claim")
	case errors.Is(err, jwt.ErrTokenInvalidClaims):
		return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token claims are invalid")
	}
	return sserr.Wrap(err, sserr.CodeAuthenticationInvalid, "auth: token validation failed")
}

// startSpan creates a new OpenTelemetry span with the given name.
func startSpan(ctx context.Context, tracer trace.Tracer, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}

// finishSpan records err on the span and marks it failed. A nil err is a
// no-op.
func finishSpan(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
