package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/StricklySoft/stricklysoft-identity/pkg/auth"
	pgclient "github.com/StricklySoft/stricklysoft-identity/pkg/clients/postgres"
	redisclient "github.com/StricklySoft/stricklysoft-identity/pkg/clients/redis"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/identity"
)

// Storage backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Claims cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheNone   = "none"
)

// Service is the identity service configuration.
//
//	http:
//	  addr: ":8080"
//	providers:
//	  - name: clerk
//	    kind: clerk
//	    issuer: https://clerk.example.com
//	    discovery: true
//	  - name: supabase
//	    kind: supabase
//	    issuer: https://abc.supabase.co/auth/v1
//	    secret_env: SUPABASE_JWT_SECRET
//	cache:
//	  backend: redis
//	  ttl: 5m
type Service struct {
	HTTP        HTTP       `json:"http" yaml:"http" env:"HTTP"`
	Development bool       `json:"development" yaml:"development" env:"DEVELOPMENT"`
	Providers   []Provider `json:"providers" yaml:"providers"`
	Keys        Keys       `json:"keys" yaml:"keys" env:"KEYS"`
	Cache       Cache      `json:"cache" yaml:"cache" env:"CACHE"`
	Identity    Identity   `json:"identity" yaml:"identity" env:"IDENTITY"`
	Catalog     Catalog    `json:"catalog" yaml:"catalog" env:"CATALOG"`

	Store    string             `json:"store" yaml:"store" env:"STORE" envDefault:"postgres"`
	Postgres pgclient.Config    `json:"postgres" yaml:"postgres" env:"POSTGRES"`
	Redis    redisclient.Config `json:"redis" yaml:"redis" env:"REDIS"`
}

// HTTP configures the listener. RequestsPerMinute limits each caller on
// the API routes; zero disables the limit.
type HTTP struct {
	Addr              string        `json:"addr" yaml:"addr" env:"ADDR" envDefault:":8080"`
	ShutdownTimeout   time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	RequestsPerMinute int           `json:"requests_per_minute" yaml:"requests_per_minute" env:"REQUESTS_PER_MINUTE" envDefault:"600"`
	Burst             int           `json:"burst" yaml:"burst" env:"BURST" envDefault:"60"`
}

// Provider configures one trusted identity provider. Exactly one key
// source applies: an HMAC secret (Secret or SecretEnv), a JWKS URL, or
// OpenID Connect discovery from Issuer.
type Provider struct {
	Name       string             `json:"name" yaml:"name"`
	Kind       auth.ProviderKind  `json:"kind" yaml:"kind"`
	Issuer     string             `json:"issuer" yaml:"issuer"`
	Audience   string             `json:"audience,omitempty" yaml:"audience"`
	Algorithms []string           `json:"algorithms,omitempty" yaml:"algorithms"`
	Leeway     time.Duration      `json:"leeway,omitempty" yaml:"leeway"`
	Mapping    *auth.ClaimMapping `json:"mapping,omitempty" yaml:"mapping"`
	JWKSURL    string             `json:"jwks_url,omitempty" yaml:"jwks_url"`
	Discovery  bool               `json:"discovery,omitempty" yaml:"discovery"`
	Secret     auth.Secret        `json:"-" yaml:"secret"`
	SecretEnv  string             `json:"secret_env,omitempty" yaml:"secret_env"`
}

// Key sources reported by [Provider.KeySource].
const (
	KeySourceSecret    = "secret"
	KeySourceJWKS      = "jwks"
	KeySourceDiscovery = "discovery"
)

// KeySource reports where the provider's verification keys come from, or
// "" when none is configured.
func (p Provider) KeySource() string {
	switch {
	case p.Secret != "" || p.SecretEnv != "":
		return KeySourceSecret
	case p.JWKSURL != "":
		return KeySourceJWKS
	case p.Discovery:
		return KeySourceDiscovery
	}
	return ""
}

// AuthConfig converts p to the provider configuration of package auth.
func (p Provider) AuthConfig() auth.ProviderConfig {
	kind := p.Kind
	if kind == "" {
		kind = auth.ProviderKindOIDC
	}
	return auth.ProviderConfig{
		Name:       p.Name,
		Kind:       kind,
		Issuer:     p.Issuer,
		Audience:   p.Audience,
		Algorithms: p.Algorithms,
		Mapping:    p.Mapping,
		Leeway:     p.Leeway,
	}
}

func (p Provider) validate(i int) error {
	if p.Name == "" {
		return sserr.Newf(sserr.CodeValidationRequired, "config: providers[%d].name must not be empty", i)
	}
	switch p.Kind {
	case "", auth.ProviderKindClerk, auth.ProviderKindSupabase, auth.ProviderKindAuth0, auth.ProviderKindOIDC:
	default:
		return sserr.Newf(sserr.CodeValidation, "config: provider %q has unknown kind %q", p.Name, p.Kind)
	}

	sources := 0
	if p.Secret != "" || p.SecretEnv != "" {
		sources++
	}
	if p.JWKSURL != "" {
		sources++
	}
	if p.Discovery {
		sources++
	}
	if sources != 1 {
		return sserr.Newf(sserr.CodeValidation,
			"config: provider %q needs exactly one key source (secret, jwks_url or discovery), got %d", p.Name, sources)
	}
	if p.Discovery && p.Issuer == "" {
		return sserr.Newf(sserr.CodeValidationRequired, "config: provider %q uses discovery but has no issuer", p.Name)
	}
	if p.Leeway < 0 {
		return sserr.Newf(sserr.CodeValidation, "config: provider %q leeway must not be negative", p.Name)
	}
	return nil
}

// Keys configures signing-key resolution shared by all JWKS providers.
// FetchRetries of zero disables retries.
type Keys struct {
	MinRefreshInterval   time.Duration `json:"min_refresh_interval" yaml:"min_refresh_interval" env:"MIN_REFRESH_INTERVAL" envDefault:"5m"`
	RefreshInterval      time.Duration `json:"refresh_interval" yaml:"refresh_interval" env:"REFRESH_INTERVAL" envDefault:"24h"`
	FetchTimeout         time.Duration `json:"fetch_timeout" yaml:"fetch_timeout" env:"FETCH_TIMEOUT" envDefault:"10s"`
	FetchRetries         int           `json:"fetch_retries" yaml:"fetch_retries" env:"FETCH_RETRIES" envDefault:"3"`
	RetryInitialInterval time.Duration `json:"retry_initial_interval" yaml:"retry_initial_interval" env:"RETRY_INITIAL_INTERVAL" envDefault:"500ms"`
}

// JWKSConfig returns the resolver configuration for provider. The URL is
// left empty for discovery providers.
func (k Keys) JWKSConfig(p Provider) auth.JWKSConfig {
	retries := k.FetchRetries
	if retries == 0 {
		retries = -1
	}
	return auth.JWKSConfig{
		Provider:             p.Name,
		URL:                  p.JWKSURL,
		MinRefreshInterval:   k.MinRefreshInterval,
		RefreshInterval:      k.RefreshInterval,
		FetchTimeout:         k.FetchTimeout,
		FetchRetries:         retries,
		RetryInitialInterval: k.RetryInitialInterval,
	}
}

// Cache configures the enriched-claims cache.
type Cache struct {
	Backend         string        `json:"backend" yaml:"backend" env:"BACKEND" envDefault:"memory"`
	TTL             time.Duration `json:"ttl" yaml:"ttl" env:"TTL" envDefault:"10m"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval" env:"CLEANUP_INTERVAL" envDefault:"5m"`
	KeyPrefix       string        `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX" envDefault:"identity:claims:"`
}

// Identity tunes the enrichment service.
type Identity struct {
	MaxProvisioningAttempts int           `json:"max_provisioning_attempts" yaml:"max_provisioning_attempts" env:"MAX_PROVISIONING_ATTEMPTS" envDefault:"3"`
	ResolveTimeout          time.Duration `json:"resolve_timeout" yaml:"resolve_timeout" env:"RESOLVE_TIMEOUT" envDefault:"10s"`
}

// Catalog points at the role and permission declarations synchronized at
// startup.
type Catalog struct {
	DeclarationsFile string `json:"declarations_file" yaml:"declarations_file" env:"DECLARATIONS_FILE"`
}

// IdentityConfig returns the tunables of [identity.Config]. Collaborators
// such as the cache and logger are left for the caller.
func (s *Service) IdentityConfig() identity.Config {
	return identity.Config{
		CacheTTL:                s.Cache.TTL,
		MaxProvisioningAttempts: s.Identity.MaxProvisioningAttempts,
		ResolveTimeout:          s.Identity.ResolveTimeout,
	}
}

// ResolveSecrets reads every provider's SecretEnv into Secret. A named
// variable that is unset or empty is an error.
func (s *Service) ResolveSecrets(lookup LookupFunc) error {
	for i := range s.Providers {
		p := &s.Providers[i]
		if p.SecretEnv == "" {
			continue
		}
		v, ok := lookup(p.SecretEnv)
		if !ok || v == "" {
			return sserr.Newf(sserr.CodeValidationRequired,
				"config: provider %q secret variable %s is not set", p.Name, p.SecretEnv)
		}
		p.Secret = auth.Secret(v)
	}
	return nil
}

// Validate checks cross-field rules and the backing client configuration
// selected by Store and Cache.Backend.
func (s *Service) Validate() error {
	if len(s.Providers) == 0 {
		return sserr.New(sserr.CodeValidationRequired, "config: at least one provider must be configured")
	}
	seen := make(map[string]struct{}, len(s.Providers))
	for i, p := range s.Providers {
		if err := p.validate(i); err != nil {
			return err
		}
		name := strings.ToLower(p.Name)
		if _, dup := seen[name]; dup {
			return sserr.Newf(sserr.CodeValidation, "config: provider %q is configured twice", p.Name)
		}
		seen[name] = struct{}{}
	}

	if s.Keys.FetchTimeout <= 0 || s.Keys.MinRefreshInterval <= 0 || s.Keys.RefreshInterval <= 0 {
		return sserr.New(sserr.CodeValidation, "config: key refresh intervals and fetch timeout must be positive")
	}
	if s.Keys.FetchRetries < 0 {
		return sserr.New(sserr.CodeValidation, "config: keys.fetch_retries must not be negative")
	}
	if s.HTTP.RequestsPerMinute < 0 || (s.HTTP.RequestsPerMinute > 0 && s.HTTP.Burst < 1) {
		return sserr.New(sserr.CodeValidation, "config: http.requests_per_minute must not be negative and needs a burst of at least 1")
	}
	if s.Identity.MaxProvisioningAttempts < 1 {
		return sserr.New(sserr.CodeValidation, "config: identity.max_provisioning_attempts must be at least 1")
	}

	switch s.Store {
	case StorePostgres:
		if err := s.Postgres.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeValidation, "config: invalid postgres configuration")
		}
	case StoreMemory:
	default:
		return sserr.Newf(sserr.CodeValidation, "config: unknown store %q (use %s or %s)", s.Store, StorePostgres, StoreMemory)
	}

	switch s.Cache.Backend {
	case CacheRedis:
		if err := s.Redis.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeValidation, "config: invalid redis configuration")
		}
	case CacheMemory, CacheNone:
	default:
		return sserr.Newf(sserr.CodeValidation, "config: unknown cache backend %q", s.Cache.Backend)
	}
	if s.Cache.Backend != CacheNone && s.Cache.TTL <= 0 {
		return sserr.New(sserr.CodeValidation, "config: cache.ttl must be positive")
	}
	return nil
}

// String summarizes the configuration for startup logs. Secrets are never
// included.
func (s *Service) String() string {
	names := make([]string, len(s.Providers))
	for i, p := range s.Providers {
		names[i] = fmt.Sprintf("%s(%s)", p.Name, p.KeySource())
	}
	return fmt.Sprintf("providers=[%s] store=%s cache=%s ttl=%s",
		strings.Join(names, ","), s.Store, s.Cache.Backend, s.Cache.TTL)
}
