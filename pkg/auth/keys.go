package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/metrics"
)

// ---------------------------------------------------------------------------
// Secret type: prevents accidental logging of sensitive values
// ---------------------------------------------------------------------------

// Secret is a string type that redacts its value in String(), GoString(), and
// MarshalText(). The actual value is only accessible via [Secret.Value].
type Secret string

const secretRedacted = "[REDACTED]"

// String returns the redacted placeholder.
func (s Secret) String() string { return secretRedacted }

// GoString returns the redacted placeholder.
func (s Secret) GoString() string { return secretRedacted }

// Value returns the actual secret string.
func (s Secret) Value() string { return string(s) }

// MarshalText implements [encoding.TextMarshaler], returning the redacted
// placeholder so the secret never reaches JSON or YAML output.
func (s Secret) MarshalText() ([]byte, error) { return []byte(secretRedacted), nil }

// HTTPClient abstracts the HTTP client used for fetching key sets. The
// standard [http.Client] satisfies this interface.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ---------------------------------------------------------------------------
// KeyResolver
// ---------------------------------------------------------------------------

// KeyResolver returns the keys that may have signed a token. keyID is the
// token's "kid" header; when it is empty every known key is returned.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type KeyResolver interface {
	SigningKeys(ctx context.Context, keyID string) ([]any, error)
}

// minSecretLength is the minimum accepted length of an HMAC secret.
const minSecretLength = 32

// SecretKeyResolver serves a single shared HMAC secret for providers that
// sign tokens symmetrically (e.g., Supabase with HS256).
type SecretKeyResolver struct {
	secret Secret
}

var _ KeyResolver = (*SecretKeyResolver)(nil)

// NewSecretKeyResolver returns a resolver for the given secret. The secret
// must be at least 32 bytes.
func NewSecretKeyResolver(secret Secret) (*SecretKeyResolver, error) {
	if len(secret.Value()) < minSecretLength {
		return nil, sserr.Newf(sserr.CodeValidation, "auth: signing secret must be at least %d bytes", minSecretLength)
	}
	return &SecretKeyResolver{secret: secret}, nil
}

// SigningKeys returns the shared secret regardless of keyID.
func (r *SecretKeyResolver) SigningKeys(_ context.Context, _ string) ([]any, error) {
	return []any{[]byte(r.secret.Value())}, nil
}

// ---------------------------------------------------------------------------
// JWKSResolver: remote key set with rotation support
// ---------------------------------------------------------------------------

// Defaults for [JWKSConfig].
const (
	DefaultMinRefreshInterval   = 5 * time.Minute
	DefaultRefreshInterval      = 24 * time.Hour
	DefaultFetchTimeout         = 10 * time.Second
	DefaultFetchRetries         = 3
	DefaultRetryInitialInterval = 500 * time.Millisecond

	// maxJWKSSize bounds the key set response body.
	maxJWKSSize = 1 << 20
)

// JWKSConfig configures a [JWKSResolver].
type JWKSConfig struct {
	// Provider labels logs, spans and metrics.
	Provider string

	// URL is the provider's JWKS endpoint.
	URL string

	// MinRefreshInterval bounds how often an unknown key id may trigger an
	// out-of-band refresh. Defaults to 5 minutes.
	MinRefreshInterval time.Duration

	// RefreshInterval is the period of the background refresh started by
	// [JWKSResolver.Start]. Defaults to 24 hours.
	RefreshInterval time.Duration

	// FetchTimeout bounds one refresh, retries included. Defaults to 10s.
	FetchTimeout time.Duration

	// FetchRetries is the number of retries after a failed fetch. Zero
	// selects the default of 3; a negative value disables retries.
	FetchRetries int

	// RetryInitialInterval is the first backoff delay between fetch
	// attempts. Defaults to 500ms.
	RetryInitialInterval time.Duration

	HTTPClient HTTPClient
	Logger     *slog.Logger
	Metrics    metrics.Recorder
}

func (c *JWKSConfig) applyDefaults() {
	if c.MinRefreshInterval <= 0 {
		c.MinRefreshInterval = DefaultMinRefreshInterval
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	switch {
	case c.FetchRetries == 0:
		c.FetchRetries = DefaultFetchRetries
	case c.FetchRetries < 0:
		c.FetchRetries = -1
	}
	if c.RetryInitialInterval <= 0 {
		c.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.FetchTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop{}
	}
}

// retries is FetchRetries as a retry budget; disabled retries give zero.
func (c *JWKSConfig) retries() uint64 {
	if c.FetchRetries < 0 {
		return 0
	}
	return uint64(c.FetchRetries)
}

// JWKSResolver caches a provider's JSON Web Key Set and refreshes it on key
// rotation.
//
// Lookups read an immutable snapshot under a read lock. An unknown key id
// triggers at most one refresh per MinRefreshInterval: concurrent refreshes
// are coalesced into a single fetch, and the interval guard is evaluated
// inside that fetch. The fetch runs on a context detached from the request
// that triggered it, so one caller's cancellation never aborts a refresh
// other callers are waiting on.
//
// When the endpoint is unreachable the last known-good set keeps being
// served. Only a resolver that has never loaded a set fails lookups.
type JWKSResolver struct {
	cfg    JWKSConfig
	tracer trace.Tracer
	group  singleflight.Group
	now    func() time.Time

	mu          sync.RWMutex
	keys        []jose.JSONWebKey
	fetchedAt   time.Time
	lastAttempt time.Time

	// forcePending asks the next refresh run to skip the interval guard.
	// fetching is set while a run is past the guard and fetching.
	forcePending bool
	fetching     bool

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

var _ KeyResolver = (*JWKSResolver)(nil)

// NewJWKSResolver creates a resolver for the key set at cfg.URL. No request
// is made until the first lookup, [JWKSResolver.Refresh] or
// [JWKSResolver.Start].
func NewJWKSResolver(cfg JWKSConfig) (*JWKSResolver, error) {
	if cfg.URL == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, "auth: JWKS URL must not be empty")
	}
	cfg.applyDefaults()
	return &JWKSResolver{
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// NewJWKSResolverFromDiscovery resolves the provider's jwks_uri through
// OpenID Connect discovery at issuer and returns a resolver for it.
func NewJWKSResolverFromDiscovery(ctx context.Context, issuer string, cfg JWKSConfig) (*JWKSResolver, error) {
	if hc, ok := cfg.HTTPClient.(*http.Client); ok {
		ctx = oidc.ClientContext(ctx, hc)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeUnavailableDependency, "auth: OIDC discovery failed for %s", issuer)
	}
	var meta struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "auth: failed to decode OIDC discovery document")
	}
	if meta.JWKSURI == "" {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "auth: OIDC discovery document missing jwks_uri")
	}
	cfg.URL = meta.JWKSURI
	return NewJWKSResolver(cfg)
}

// SigningKeys returns the cached keys matching keyID. An unknown keyID
// triggers one rate-limited refresh before the lookup is retried.
func (r *JWKSResolver) SigningKeys(ctx context.Context, keyID string) ([]any, error) {
	if keys := r.lookup(keyID); len(keys) > 0 {
		return keys, nil
	}

	if err := r.refresh(ctx, false); err != nil && ctx.Err() != nil {
		return nil, sserr.Wrap(ctx.Err(), sserr.CodeTimeoutDependency, "auth: canceled while waiting for signing keys")
	}

	if keys := r.lookup(keyID); len(keys) > 0 {
		return keys, nil
	}
	if !r.loaded() {
		return nil, sserr.New(sserr.CodeUnavailableDependency, "auth: no signing keys available").
			WithDetail("provider", r.cfg.Provider)
	}
	return nil, sserr.New(sserr.CodeAuthenticationInvalid, "auth: unknown signing key").
		WithDetail("provider", r.cfg.Provider).
		WithDetail("kid", keyID)
}

// Refresh fetches the key set now, ignoring the minimum refresh interval.
// On failure the previous set stays in place and the error is returned.
func (r *JWKSResolver) Refresh(ctx context.Context) error {
	return r.refresh(ctx, true)
}

// Start refreshes the key set every RefreshInterval until ctx is done or
// [JWKSResolver.Close] is called. It returns immediately.
func (r *JWKSResolver) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				if err := r.refresh(ctx, true); err != nil {
					r.cfg.Logger.WarnContext(ctx, "auth: scheduled signing key refresh failed",
						"provider", r.cfg.Provider,
						"error", err,
					)
				}
			}
		}
	}()
}

// Close stops the background refresh started by [JWKSResolver.Start] and
// waits for it to exit. Close is safe to call without Start and more than once.
func (r *JWKSResolver) Close() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	if r.started.Load() {
		<-r.done
	}
}

// FetchedAt returns when the current key set was loaded, or the zero time.
func (r *JWKSResolver) FetchedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fetchedAt
}

func (r *JWKSResolver) lookup(keyID string) []any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []any
	for _, k := range r.keys {
		if keyID == "" || k.KeyID == keyID {
			keys = append(keys, k.Key)
		}
	}
	return keys
}

func (r *JWKSResolver) loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys) > 0
}

// claimRefresh reports whether a refresh run may fetch now and, if so,
// records the attempt so later callers inside the interval skip. A pending
// forced refresh bypasses the interval and is consumed here.
func (r *JWKSResolver) claimRefresh() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if !r.forcePending && !r.lastAttempt.IsZero() && now.Sub(r.lastAttempt) < r.cfg.MinRefreshInterval {
		return false
	}
	r.forcePending = false
	r.lastAttempt = now
	r.fetching = true
	return true
}

// requestForce marks a forced refresh as pending unless a fetch is already
// under way, in which case the caller joins that fetch.
func (r *JWKSResolver) requestForce() {
	r.mu.Lock()
	if !r.fetching {
		r.forcePending = true
	}
	r.mu.Unlock()
}

func (r *JWKSResolver) forceStillPending() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.forcePending
}

// refresh runs at most one fetch per resolver at a time. Forced and
// rate-limited callers share the same flight; a forced caller that joined a
// run which had already skipped starts one more run.
func (r *JWKSResolver) refresh(ctx context.Context, force bool) error {
	for {
		if force {
			r.requestForce()
		}
		ch := r.group.DoChan("refresh", func() (any, error) {
			if !r.claimRefresh() {
				r.cfg.Metrics.KeyRefresh(r.cfg.Provider, metrics.ResultSkipped)
				return nil, nil
			}
			defer func() {
				r.mu.Lock()
				r.fetching = false
				r.mu.Unlock()
			}()
			fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.FetchTimeout)
			defer cancel()
			return nil, r.fetchAndStore(fetchCtx)
		})

		var err error
		select {
		case res := <-ch:
			err = res.Err
		case <-ctx.Done():
			return ctx.Err()
		}
		if !force || !r.forceStillPending() {
			return err
		}
	}
}

func (r *JWKSResolver) fetchAndStore(ctx context.Context) error {
	ctx, span := startSpan(ctx, r.tracer, "auth.RefreshSigningKeys")
	defer span.End()
	span.SetAttributes(attribute.String("auth.provider", r.cfg.Provider))

	var keys []jose.JSONWebKey
	operation := func() error {
		var err error
		keys, err = r.fetch(ctx)
		return err
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.cfg.RetryInitialInterval
	exp.MaxElapsedTime = r.cfg.FetchTimeout
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, r.cfg.retries()), ctx)
	notify := func(err error, wait time.Duration) {
		r.cfg.Logger.DebugContext(ctx, "auth: signing key fetch failed, retrying",
			"provider", r.cfg.Provider,
			"retry_in", wait,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		r.cfg.Metrics.KeyRefresh(r.cfg.Provider, metrics.ResultFailure)
		wrapped := sserr.Wrapf(err, sserr.CodeUnavailableDependency, "auth: failed to refresh signing keys for %s", r.cfg.Provider)
		finishSpan(span, wrapped)
		if r.loaded() {
			r.cfg.Logger.WarnContext(ctx, "auth: signing key refresh failed, serving last known-good set",
				"provider", r.cfg.Provider,
				"fetched_at", r.FetchedAt(),
				"error", err,
			)
		} else {
			r.cfg.Logger.ErrorContext(ctx, "auth: signing key refresh failed and no key set is cached",
				"provider", r.cfg.Provider,
				"error", err,
			)
		}
		return wrapped
	}

	r.mu.Lock()
	r.keys = keys
	r.fetchedAt = r.now()
	r.mu.Unlock()

	r.cfg.Metrics.KeyRefresh(r.cfg.Provider, metrics.ResultSuccess)
	span.SetAttributes(attribute.Int("auth.key_count", len(keys)))
	r.cfg.Logger.InfoContext(ctx, "auth: signing keys refreshed",
		"provider", r.cfg.Provider,
		"keys", len(keys),
	)
	return nil
}

// fetch performs one GET of the key set. Client errors and unparseable
// bodies are permanent; transport errors and 5xx responses are retried.
func (r *JWKSResolver) fetch(ctx context.Context) ([]jose.JSONWebKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.URL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("auth: failed to create JWKS request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: JWKS request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("auth: JWKS endpoint returned status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSSize))
	if err != nil {
		return nil, fmt.Errorf("auth: failed to read JWKS response: %w", err)
	}

	keys, err := parseJWKS(body)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	return keys, nil
}

// parseJWKS decodes a key set, keeping only valid public signing keys.
// Malformed or unsupported entries are skipped individually so one bad key
// does not discard the set.
func parseJWKS(body []byte) ([]jose.JSONWebKey, error) {
	var doc struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("auth: failed to parse JWKS JSON: %w", err)
	}

	keys := make([]jose.JSONWebKey, 0, len(doc.Keys))
	for _, raw := range doc.Keys {
		var k jose.JSONWebKey
		if err := k.UnmarshalJSON(raw); err != nil {
			continue
		}
		if k.Use == "enc" {
			continue
		}
		if !k.IsPublic() {
			k = k.Public()
		}
		if !k.Valid() {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("auth: JWKS contains no usable signing keys")
	}
	return keys, nil
}
