package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

// ExternalIdentity is the canonical identity record produced from a
// verified token, independent of which provider issued it.
type ExternalIdentity struct {
	Provider    string `json:"provider"`
	ExternalID  string `json:"external_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	PictureURL  string `json:"picture_url,omitempty"`

	// EmailVerified is false only when the provider explicitly reports the
	// email as unverified. Unverified emails are never used for linking.
	EmailVerified bool `json:"email_verified"`
}

// ---------------------------------------------------------------------------
// ClaimMapping: provider claim names to canonical fields
// ---------------------------------------------------------------------------

// ClaimMapping lists, per canonical field, the provider claim names to try
// in order. A name may be a dotted path into a nested object
// (e.g., "user_metadata.full_name"). The first non-empty string wins.
type ClaimMapping struct {
	ExternalID    []string `json:"external_id" yaml:"external_id"`
	Email         []string `json:"email" yaml:"email"`
	DisplayName   []string `json:"display_name" yaml:"display_name"`
	PictureURL    []string `json:"picture_url" yaml:"picture_url"`
	EmailVerified []string `json:"email_verified" yaml:"email_verified"`

	// DisplayNameFromEmail uses the email address as the display name when
	// none of the DisplayName claims are present.
	DisplayNameFromEmail bool `json:"display_name_from_email" yaml:"display_name_from_email"`
}

// ProviderKind selects a built-in claim mapping and default algorithms.
type ProviderKind string

const (
	ProviderKindClerk    ProviderKind = "clerk"
	ProviderKindSupabase ProviderKind = "supabase"
	ProviderKindAuth0    ProviderKind = "auth0"
	ProviderKindOIDC     ProviderKind = "oidc"
)

// DefaultMapping returns the built-in claim mapping for kind. Unknown kinds
// get the standard OpenID Connect claims.
func DefaultMapping(kind ProviderKind) ClaimMapping {
	switch kind {
	case ProviderKindClerk:
		return ClaimMapping{
			ExternalID:           []string{"sub"},
			Email:                []string{"email", "primary_email_address"},
			DisplayName:          []string{"name", "full_name"},
			PictureURL:           []string{"picture", "image_url"},
			EmailVerified:        []string{"email_verified"},
			DisplayNameFromEmail: true,
		}
	case ProviderKindSupabase:
		return ClaimMapping{
			ExternalID:           []string{"sub"},
			Email:                []string{"email"},
			DisplayName:          []string{"user_metadata.full_name", "user_metadata.name"},
			PictureURL:           []string{"user_metadata.avatar_url", "user_metadata.picture"},
			EmailVerified:        []string{"user_metadata.email_verified"},
			DisplayNameFromEmail: true,
		}
	case ProviderKindAuth0:
		return ClaimMapping{
			ExternalID:           []string{"sub"},
			Email:                []string{"email"},
			DisplayName:          []string{"name", "nickname"},
			PictureURL:           []string{"picture"},
			EmailVerified:        []string{"email_verified"},
			DisplayNameFromEmail: true,
		}
	default:
		return ClaimMapping{
			ExternalID:           []string{"sub"},
			Email:                []string{"email"},
			DisplayName:          []string{"name", "preferred_username"},
			PictureURL:           []string{"picture"},
			EmailVerified:        []string{"email_verified"},
			DisplayNameFromEmail: true,
		}
	}
}

// defaultAlgorithms returns the signing algorithms accepted by kind when
// the configuration does not list any.
func defaultAlgorithms(kind ProviderKind) []string {
	if kind == ProviderKindSupabase {
		return []string{"HS256"}
	}
	return []string{"RS256", "ES256"}
}

// claimPath is a pre-split claim name.
type claimPath []string

type compiledMapping struct {
	externalID    []claimPath
	email         []claimPath
	displayName   []claimPath
	pictureURL    []claimPath
	emailVerified []claimPath
	nameFromEmail bool
}

func compilePaths(names []string) []claimPath {
	paths := make([]claimPath, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		paths = append(paths, strings.Split(n, "."))
	}
	return paths
}

func compileMapping(m ClaimMapping) (compiledMapping, error) {
	c := compiledMapping{
		externalID:    compilePaths(m.ExternalID),
		email:         compilePaths(m.Email),
		displayName:   compilePaths(m.DisplayName),
		pictureURL:    compilePaths(m.PictureURL),
		emailVerified: compilePaths(m.EmailVerified),
		nameFromEmail: m.DisplayNameFromEmail,
	}
	if len(c.externalID) == 0 || len(c.email) == 0 {
		return compiledMapping{}, sserr.New(sserr.CodeValidationRequired,
			"auth: claim mapping must name at least one external id claim and one email claim")
	}
	return c, nil
}

func lookupPath(claims map[string]any, path claimPath) (any, bool) {
	var cur any = claims
	for _, seg := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func firstString(claims map[string]any, paths []claimPath) string {
	for _, p := range paths {
		v, ok := lookupPath(claims, p)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

// emailVerified returns false only for an explicit false claim.
func emailVerified(claims map[string]any, paths []claimPath) bool {
	for _, p := range paths {
		v, ok := lookupPath(claims, p)
		if !ok {
			continue
		}
		switch b := v.(type) {
		case bool:
			return b
		case string:
			return !strings.EqualFold(b, "false")
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Provider: verification plus normalization for one identity provider
// ---------------------------------------------------------------------------

// ProviderConfig configures a [Provider].
type ProviderConfig struct {
	// Name identifies the provider. It is the provider tag stored on
	// external identity links and may be used as the Authorization scheme.
	Name string

	// Kind selects the built-in claim mapping and default algorithms.
	Kind ProviderKind

	// Issuer is the expected "iss" claim. Bearer tokens are routed to the
	// provider whose issuer matches.
	Issuer string

	// Audience is the expected "aud" claim. Empty skips the check.
	Audience string

	// Algorithms restricts accepted signing algorithms. Defaults depend on
	// Kind: HS256 for Supabase, RS256 and ES256 otherwise.
	Algorithms []string

	// Mapping overrides the built-in claim mapping for Kind when set.
	Mapping *ClaimMapping

	// Leeway is the tolerated clock skew. Defaults to 30 seconds.
	Leeway time.Duration
}

// DefaultLeeway is the clock skew tolerated when validating exp/nbf/iat.
const DefaultLeeway = 30 * time.Second

// Provider verifies tokens from one identity provider and normalizes their
// claims. It never touches persistence.
type Provider struct {
	name     string
	issuer   string
	keys     KeyResolver
	mapping  compiledMapping
	parser   *jwt.Parser
	tracer   trace.Tracer
	algs     []string
	audience string
}

// NewProvider creates a provider that verifies signatures with keys.
func NewProvider(cfg ProviderConfig, keys KeyResolver) (*Provider, error) {
	if cfg.Name == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: provider name must not be empty")
	}
	if keys == nil {
		return nil, sserr.Newf(sserr.CodeValidationRequired, "auth: provider %q has no key resolver", cfg.Name)
	}
	mapping := DefaultMapping(cfg.Kind)
	if cfg.Mapping != nil {
		mapping = *cfg.Mapping
	}
	compiled, err := compileMapping(mapping)
	if err != nil {
		return nil, err
	}
	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = defaultAlgorithms(cfg.Kind)
	}
	for _, alg := range algs {
		if strings.EqualFold(alg, "none") {
			return nil, sserr.New(sserr.CodeValidation, "auth: algorithm 'none' is not permitted")
		}
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return &Provider{
		name:     strings.ToLower(cfg.Name),
		issuer:   cfg.Issuer,
		keys:     keys,
		mapping:  compiled,
		parser:   jwt.NewParser(opts...),
		tracer:   otel.Tracer(tracerName),
		algs:     algs,
		audience: cfg.Audience,
	}, nil
}

// Name returns the provider tag.
func (p *Provider) Name() string { return p.name }

// Issuer returns the expected issuer.
func (p *Provider) Issuer() string { return p.issuer }

// Authenticate verifies token and normalizes its claims.
func (p *Provider) Authenticate(ctx context.Context, token string) (ExternalIdentity, error) {
	claims, err := p.Verify(ctx, token)
	if err != nil {
		return ExternalIdentity{}, err
	}
	return p.Normalize(claims)
}

// Verify checks the token signature and registered claims and returns the
// verified claim set.
func (p *Provider) Verify(ctx context.Context, token string) (map[string]any, error) {
	ctx, span := startSpan(ctx, p.tracer, "auth.VerifyToken")
	defer span.End()
	span.SetAttributes(attribute.String("auth.provider", p.name))

	parsed, err := p.parser.Parse(token, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		keys, err := p.keys.SigningKeys(ctx, kid)
		if err != nil {
			return nil, err
		}
		if len(keys) == 1 {
			return keys[0], nil
		}
		set := jwt.VerificationKeySet{Keys: make([]jwt.VerificationKey, 0, len(keys))}
		for _, k := range keys {
			set.Keys = append(set.Keys, k)
		}
		return set, nil
	})
	if err != nil {
		classified := classifyError(err)
		finishSpan(span, classified)
		return nil, classified
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		err := sserr.New(sserr.CodeAuthenticationInvalid, "auth: invalid token claims")
		finishSpan(span, err)
		return nil, err
	}
	return map[string]any(mc), nil
}

// Normalize maps verified provider claims onto an [ExternalIdentity]. It
// fails with [sserr.CodeAuthenticationMissingClaim] when the subject or
// email cannot be resolved.
func (p *Provider) Normalize(claims map[string]any) (ExternalIdentity, error) {
	ext := ExternalIdentity{
		Provider:      p.name,
		ExternalID:    firstString(claims, p.mapping.externalID),
		Email:         strings.ToLower(firstString(claims, p.mapping.email)),
		DisplayName:   firstString(claims, p.mapping.displayName),
		PictureURL:    firstString(claims, p.mapping.pictureURL),
		EmailVerified: emailVerified(claims, p.mapping.emailVerified),
	}
	if ext.ExternalID == "" {
		return ExternalIdentity{}, sserr.New(sserr.CodeAuthenticationMissingClaim, "auth: token has no subject claim").
			WithDetail("provider", p.name)
	}
	if ext.Email == "" {
		return ExternalIdentity{}, sserr.New(sserr.CodeAuthenticationMissingClaim, "auth: token has no email claim").
			WithDetail("provider", p.name)
	}
	if ext.DisplayName == "" && p.mapping.nameFromEmail {
		ext.DisplayName = ext.Email
	}
	return ext, nil
}

// String implements fmt.Stringer for logs.
func (p *Provider) String() string {
	return fmt.Sprintf("provider(%s, iss=%s)", p.name, p.issuer)
}
