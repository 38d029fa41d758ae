package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
)

const (
	testClerkIssuer    = "https://clerk.example.com"
	testSupabaseIssuer = "https://project.supabase.co/auth/v1"
)

func newClerkProvider(t *testing.T, srv *jwksServer) *Provider {
	t.Helper()
	r, _ := newTestResolver(t, srv)
	p, err := NewProvider(ProviderConfig{
		Name:   "clerk",
		Kind:   ProviderKindClerk,
		Issuer: testClerkIssuer,
	}, r)
	require.NoError(t, err)
	return p
}

func newSupabaseProvider(t *testing.T) *Provider {
	t.Helper()
	keys, err := NewSecretKeyResolver(testHMACSecret)
	require.NoError(t, err)
	p, err := NewProvider(ProviderConfig{
		Name:     "supabase",
		Kind:     ProviderKindSupabase,
		Issuer:   testSupabaseIssuer,
		Audience: "authenticated",
	}, keys)
	require.NoError(t, err)
	return p
}

// ---------------------------------------------------------------------------
// NewProvider
// ---------------------------------------------------------------------------

func TestNewProvider_Validation(t *testing.T) {
	t.Parallel()
	keys, err := NewSecretKeyResolver(testHMACSecret)
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  ProviderConfig
		keys KeyResolver
	}{
		{"missing name", ProviderConfig{Kind: ProviderKindOIDC}, keys},
		{"missing keys", ProviderConfig{Name: "x"}, nil},
		{"alg none", ProviderConfig{Name: "x", Algorithms: []string{"none"}}, keys},
		{"mapping without email", ProviderConfig{Name: "x", Mapping: &ClaimMapping{ExternalID: []string{"sub"}}}, keys},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewProvider(tt.cfg, tt.keys)
			require.Error(t, err)
			assert.True(t, sserr.IsValidation(err))
		})
	}
}

func TestNewProvider_NameIsLowercased(t *testing.T) {
	t.Parallel()
	keys, err := NewSecretKeyResolver(testHMACSecret)
	require.NoError(t, err)
	p, err := NewProvider(ProviderConfig{Name: "Clerk"}, keys)
	require.NoError(t, err)
	assert.Equal(t, "clerk", p.Name())
}

// ---------------------------------------------------------------------------
// Normalize
// ---------------------------------------------------------------------------

func TestNormalize_Clerk(t *testing.T) {
	t.Parallel()
	srv := newJWKSServer(t, nil)
	p := newClerkProvider(t, srv)

	ext, err := p.Normalize(map[string]any{
		"sub":       "user_2abc",
		"email":     "Ada@Example.COM",
		"full_name": "Ada Lovelace",
		"image_url": "https://img.clerk.com/ada.png",
	})
	require.NoError(t, err)
	assert.Equal(t, ExternalIdentity{
		Provider:      "clerk",
		ExternalID:    "user_2abc",
		Email:         "ada@example.com",
		DisplayName:   "Ada Lovelace",
		PictureURL:    "https://img.clerk.com/ada.png",
		EmailVerified: true,
	}, ext)
}

func TestNormalize_SupabaseNestedMetadata(t *testing.T) {
	t.Parallel()
	p := newSupabaseProvider(t)

	ext, err := p.Normalize(map[string]any{
		"sub":   "8f0c",
		"email": "grace@example.com",
		"user_metadata": map[string]any{
			"full_name":  "Grace Hopper",
			"avatar_url": "https://cdn.example.com/g.png",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "supabase", ext.Provider)
	assert.Equal(t, "Grace Hopper", ext.DisplayName)
	assert.Equal(t, "https://cdn.example.com/g.png", ext.PictureURL)
}

func TestNormalize_DisplayNameFallsBackToEmail(t *testing.T) {
	t.Parallel()
	p := newSupabaseProvider(t)

	ext, err := p.Normalize(map[string]any{"sub": "1", "email": "a@x.com"})
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", ext.DisplayName)
}

func TestNormalize_MissingRequiredClaims(t *testing.T) {
	t.Parallel()
	p := newSupabaseProvider(t)

	tests := []struct {
		name   string
		claims map[string]any
	}{
		{"no sub", map[string]any{"email": "a@x.com"}},
		{"no email", map[string]any{"sub": "1"}},
		{"blank email", map[string]any{"sub": "1", "email": "   "}},
		{"non-string sub", map[string]any{"sub": 42, "email": "a@x.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := p.Normalize(tt.claims)
			require.Error(t, err)
			assert.Equal(t, sserr.CodeAuthenticationMissingClaim, sserr.GetCode(err))
		})
	}
}

func TestNormalize_EmailVerified(t *testing.T) {
	t.Parallel()
	srv := newJWKSServer(t, nil)
	p := newClerkProvider(t, srv)

	ext, err := p.Normalize(map[string]any{"sub": "1", "email": "a@x.com", "email_verified": false})
	require.NoError(t, err)
	assert.False(t, ext.EmailVerified)

	ext, err = p.Normalize(map[string]any{"sub": "1", "email": "a@x.com", "email_verified": true})
	require.NoError(t, err)
	assert.True(t, ext.EmailVerified)
}

func TestDefaultMapping_UnknownKindIsOIDC(t *testing.T) {
	t.Parallel()
	assert.Equal(t, DefaultMapping(ProviderKindOIDC), DefaultMapping("custom"))
}

// ---------------------------------------------------------------------------
// Verify
// ---------------------------------------------------------------------------

func TestVerify_RS256ViaJWKS(t *testing.T) {
	t.Parallel()
	key := testRSAKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"kid-1": &key.PublicKey})
	p := newClerkProvider(t, srv)

	token := testRSAToken(t, key, "kid-1", testClaims(testClerkIssuer, "user_1", "a@x.com"))
	ext, err := p.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user_1", ext.ExternalID)
	assert.Equal(t, "clerk", ext.Provider)
}

func TestVerify_Failures(t *testing.T) {
	t.Parallel()
	key, other := testRSAKey(t), testRSAKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"kid-1": &key.PublicKey})
	p := newClerkProvider(t, srv)

	expired := testClaims(testClerkIssuer, "u", "a@x.com")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	noExp := testClaims(testClerkIssuer, "u", "a@x.com")
	delete(noExp, "exp")

	future := testClaims(testClerkIssuer, "u", "a@x.com")
	future["nbf"] = time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		token string
		code  sserr.Code
	}{
		{"expired", testRSAToken(t, key, "kid-1", expired), sserr.CodeAuthenticationExpired},
		{"wrong issuer", testRSAToken(t, key, "kid-1", testClaims("https://evil.example.com", "u", "a@x.com")), sserr.CodeAuthenticationInvalid},
		{"wrong key", testRSAToken(t, other, "kid-1", testClaims(testClerkIssuer, "u", "a@x.com")), sserr.CodeAuthenticationInvalid},
		{"missing exp", testRSAToken(t, key, "kid-1", noExp), sserr.CodeAuthenticationInvalid},
		{"not yet valid", testRSAToken(t, key, "kid-1", future), sserr.CodeAuthenticationInvalid},
		{"malformed", "not.a.jwt", sserr.CodeAuthenticationInvalid},
		{"wrong algorithm", testHMACToken(t, testHMACSecret, testClaims(testClerkIssuer, "u", "a@x.com")), sserr.CodeAuthenticationInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := p.Verify(context.Background(), tt.token)
			require.Error(t, err)
			assert.Equal(t, tt.code, sserr.GetCode(err))
		})
	}
}

func TestVerify_ExpiredWithinLeeway(t *testing.T) {
	t.Parallel()
	key := testRSAKey(t)
	srv := newJWKSServer(t, map[string]*rsa.PublicKey{"kid-1": &key.PublicKey})
	p := newClerkProvider(t, srv)

	claims := testClaims(testClerkIssuer, "u", "a@x.com")
	claims["exp"] = time.Now().Add(-5 * time.Second).Unix()
	_, err := p.Verify(context.Background(), testRSAToken(t, key, "kid-1", claims))
	assert.NoError(t, err)
}

func TestVerify_HS256Audience(t *testing.T) {
	t.Parallel()
	p := newSupabaseProvider(t)

	claims := testClaims(testSupabaseIssuer, "u", "a@x.com")
	claims["aud"] = "authenticated"
	_, err := p.Verify(context.Background(), testHMACToken(t, testHMACSecret, claims))
	require.NoError(t, err)

	claims["aud"] = "anon"
	_, err = p.Verify(context.Background(), testHMACToken(t, testHMACSecret, claims))
	require.Error(t, err)
	assert.Equal(t, sserr.CodeAuthenticationInvalid, sserr.GetCode(err))
}

func TestVerify_KeySetUnreachableIsInvalidToken(t *testing.T) {
	t.Parallel()
	key := testRSAKey(t)
	srv := newJWKSServer(t, nil)
	srv.setStatus(503)
	p := newClerkProvider(t, srv)

	_, err := p.Verify(context.Background(), testRSAToken(t, key, "kid-1", testClaims(testClerkIssuer, "u", "a@x.com")))
	require.Error(t, err)
	assert.Equal(t, sserr.CodeAuthenticationInvalid, sserr.GetCode(err))
	assert.Equal(t, sserr.CodeUnavailableDependency, sserr.GetCode(errors.Unwrap(err)), "cause keeps the dependency failure")
}

func TestClassifyError(t *testing.T) {
	t.Parallel()
	assert.Nil(t, classifyError(nil))

	got := classifyError(jwt.ErrTokenExpired)
	assert.Equal(t, sserr.CodeAuthenticationExpired, got.Code)

	got = classifyError(jwt.ErrTokenMalformed)
	assert.Equal(t, sserr.CodeAuthenticationInvalid, got.Code)

	orig := sserr.New(sserr.CodeAuthenticationMissingClaim, "x")
	assert.Same(t, orig, classifyError(orig))

	got = classifyError(sserr.New(sserr.CodeTimeoutDependency, "slow"))
	assert.Equal(t, sserr.CodeAuthenticationInvalid, got.Code)
}
