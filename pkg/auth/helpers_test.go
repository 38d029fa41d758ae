package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// testHMACSecret is a 32-byte HMAC key used across shared-secret tests.
const testHMACSecret Secret = "this-is-a-32-byte-test-signing-k"

// testRSAKey generates a 2048-bit RSA key for signing test tokens.
func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "failed to generate RSA key")
	return key
}

// testRSAToken creates an RS256-signed JWT with the given kid and claims.
func testRSAToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	s, err := token.SignedString(key)
	require.NoError(t, err, "failed to sign RSA token")
	return s
}

// testHMACToken creates an HS256-signed JWT with the given claims.
func testHMACToken(t *testing.T, secret Secret, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret.Value()))
	require.NoError(t, err, "failed to sign HMAC token")
	return s
}

// testClaims returns a valid claim set for issuer and subject.
func testClaims(issuer, subject, email string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   issuer,
		"sub":   subject,
		"email": email,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

// jwksServer is an httptest JWKS endpoint whose key set and health can be
// swapped while it runs. It counts requests.
type jwksServer struct {
	*httptest.Server

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	status  int
	block   chan struct{}
	fetches atomic.Int64
}

func newJWKSServer(t *testing.T, keys map[string]*rsa.PublicKey) *jwksServer {
	t.Helper()
	s := &jwksServer{keys: keys, status: http.StatusOK}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *jwksServer) serve(w http.ResponseWriter, r *http.Request) {
	s.fetches.Add(1)

	s.mu.Lock()
	block := s.block
	status := s.status
	set := jose.JSONWebKeySet{}
	for kid, pub := range s.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{Key: pub, KeyID: kid, Algorithm: "RS256", Use: "sig"})
	}
	s.mu.Unlock()

	if block != nil {
		<-block
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (s *jwksServer) setKeys(keys map[string]*rsa.PublicKey) {
	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
}

func (s *jwksServer) setStatus(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// holdRequests makes the server wait on the returned channel before
// answering. Closing the channel releases every waiting request.
func (s *jwksServer) holdRequests() chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.block = ch
	s.mu.Unlock()
	return ch
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestResolver creates a resolver against srv with fast retries and a
// fake clock.
func newTestResolver(t *testing.T, srv *jwksServer) (*JWKSResolver, *fakeClock) {
	t.Helper()
	r, err := NewJWKSResolver(JWKSConfig{
		Provider:             "test",
		URL:                  srv.URL,
		FetchRetries:         1,
		RetryInitialInterval: time.Millisecond,
		FetchTimeout:         2 * time.Second,
	})
	require.NoError(t, err)
	clock := newFakeClock()
	r.now = clock.Now
	t.Cleanup(r.Close)
	return r, clock
}

// enricherFunc adapts a function to the Enricher interface.
type enricherFunc func(ctx context.Context, ext ExternalIdentity) (*Principal, error)

func (f enricherFunc) Enrich(ctx context.Context, ext ExternalIdentity) (*Principal, error) {
	return f(ctx, ext)
}

// echoEnricher returns a principal derived directly from the external
// identity with the given roles and permissions.
func echoEnricher(roles, perms []string) Enricher {
	return enricherFunc(func(_ context.Context, ext ExternalIdentity) (*Principal, error) {
		return NewPrincipal("user-"+ext.ExternalID, ext.Email, ext.DisplayName, ext, roles, perms), nil
	})
}

// recordingMetrics captures authorization decisions.
type recordingMetrics struct {
	mu        sync.Mutex
	decisions []string
}

func (m *recordingMetrics) KeyRefresh(string, string)   {}
func (m *recordingMetrics) CacheLookup(bool)            {}
func (m *recordingMetrics) Provisioning(string, string) {}
func (m *recordingMetrics) AuthorizationDecision(operation string, allowed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := "deny"
	if allowed {
		d = "permit"
	}
	m.decisions = append(m.decisions, operation+":"+d)
}
