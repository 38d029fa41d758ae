// Package identity maps verified external identities to internal users and
// computes the roles and effective permissions carried by each request.
//
// The [Service] implements [auth.Enricher]. On a cache miss it resolves the
// external identity in three steps: an existing provider link, then an
// active user with the same email (which gets the new link), then just in
// time provisioning of a new user. Concurrent first logins for the same
// email converge on one user through the repository's uniqueness
// constraints and a bounded retry. Concurrent misses for the same provider
// identity are coalesced in process.
//
// Principals are cached for [Config.CacheTTL]. Role and permission changes
// made through the service invalidate the user's cached principals; changes
// made elsewhere become visible when the entry expires.
package identity

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/StricklySoft/stricklysoft-identity/pkg/auth"
	sserr "github.com/StricklySoft/stricklysoft-identity/pkg/errors"
	"github.com/StricklySoft/stricklysoft-identity/pkg/metrics"
	"github.com/StricklySoft/stricklysoft-identity/pkg/models"
)

const tracerName = "github.com/StricklySoft/stricklysoft-identity/pkg/identity"

// Defaults applied by [NewService].
const (
	DefaultCacheTTL                = 10 * time.Minute
	DefaultMaxProvisioningAttempts = 3
	DefaultResolveTimeout          = 10 * time.Second
)

// Config configures a [Service]. Zero values select the defaults.
type Config struct {
	CacheTTL                time.Duration
	MaxProvisioningAttempts int
	// ResolveTimeout bounds a shared resolution. It runs detached from the
	// request that started it so that one caller giving up does not fail
	// the others waiting on the same key.
	ResolveTimeout time.Duration

	Cache   ClaimsCache
	Events  EventSink
	Metrics metrics.Recorder
	Logger  *slog.Logger
	Now     func() time.Time
}

// Service is the identity enrichment service. It is safe for concurrent
// use.
type Service struct {
	repo    Repository
	cache   ClaimsCache
	events  EventSink
	metrics metrics.Recorder
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	ttl            time.Duration
	maxAttempts    int
	resolveTimeout time.Duration

	group singleflight.Group
}

var _ auth.Enricher = (*Service)(nil)

// NewService returns a service over repo.
func NewService(repo Repository, cfg Config) (*Service, error) {
	if repo == nil {
		return nil, sserr.New(sserr.CodeValidationRequired, "identity: repository is required")
	}
	if cfg.CacheTTL < 0 || cfg.MaxProvisioningAttempts < 0 || cfg.ResolveTimeout < 0 {
		return nil, sserr.New(sserr.CodeValidation, "identity: durations and attempts must not be negative")
	}

	s := &Service{
		repo:           repo,
		cache:          cfg.Cache,
		events:         cfg.Events,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
		tracer:         otel.Tracer(tracerName),
		now:            cfg.Now,
		ttl:            cfg.CacheTTL,
		maxAttempts:    cfg.MaxProvisioningAttempts,
		resolveTimeout: cfg.ResolveTimeout,
	}
	if s.ttl == 0 {
		s.ttl = DefaultCacheTTL
	}
	if s.maxAttempts == 0 {
		s.maxAttempts = DefaultMaxProvisioningAttempts
	}
	if s.resolveTimeout == 0 {
		s.resolveTimeout = DefaultResolveTimeout
	}
	if s.cache == nil {
		s.cache = NewMemoryCache(s.ttl, time.Minute)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.events == nil {
		s.events = LogEventSink{Logger: s.logger}
	}
	if s.metrics == nil {
		s.metrics = metrics.Noop{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Enrich returns the principal for a verified external identity,
// provisioning or linking the user on first sight.
//
// Error codes returned:
//   - [sserr.CodeAuthorizationDenied]: the user is deactivated
//   - [sserr.CodeAuthenticationInvalid]: the email matches an existing
//     user but the provider reports it unverified
//   - [sserr.CodeUnavailableDependency]: the repository failed
func (s *Service) Enrich(ctx context.Context, ext auth.ExternalIdentity) (*auth.Principal, error) {
	ctx, span := s.tracer.Start(ctx, "identity.Enrich")
	defer span.End()
	span.SetAttributes(attribute.String("identity.provider", ext.Provider))

	key := CacheKey(ext.Provider, ext.ExternalID)
	p, hit, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.WarnContext(ctx, "identity: claims cache read failed", "error", err)
	}
	s.metrics.CacheLookup(hit)
	if hit {
		span.SetAttributes(attribute.Bool("identity.cache_hit", true), attribute.String("identity.user_id", p.UserID))
		return p, nil
	}

	ch := s.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.resolveTimeout)
		defer cancel()
		return s.resolve(fctx, key, ext)
	})

	select {
	case <-ctx.Done():
		err := sserr.Wrap(ctx.Err(), sserr.CodeTimeoutDependency, "identity: enrichment canceled")
		finishSpan(span, err)
		return nil, err
	case res := <-ch:
		if res.Err != nil {
			finishSpan(span, res.Err)
			return nil, res.Err
		}
		p := res.Val.(*auth.Principal)
		span.SetAttributes(attribute.String("identity.user_id", p.UserID))
		return p, nil
	}
}

// resolve runs the lookup, link or provision sequence and caches the
// result. A conflict means a concurrent login won the race; the sequence is
// repeated so that the second attempt finds the winner's user.
func (s *Service) resolve(ctx context.Context, key string, ext auth.ExternalIdentity) (*auth.Principal, error) {
	var (
		user    *models.User
		outcome string
		err     error
	)
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		user, outcome, err = s.findOrProvision(ctx, ext)
		if err == nil || !sserr.IsConflict(err) {
			break
		}
		s.metrics.Provisioning(ext.Provider, metrics.OutcomeRaceRetried)
		s.logger.DebugContext(ctx, "identity: provisioning conflict, retrying",
			"provider", ext.Provider, "attempt", attempt, "error", err)
	}
	if err != nil {
		s.metrics.Provisioning(ext.Provider, metrics.OutcomeFailed)
		return nil, s.classify(ctx, err)
	}
	s.metrics.Provisioning(ext.Provider, outcome)

	access, err := s.repo.LoadUserAccess(ctx, user.ID)
	if err != nil {
		return nil, s.classify(ctx, err)
	}

	p := auth.NewPrincipal(user.ID.String(), user.Email, user.DisplayName, ext,
		access.ActiveRoleNames(), access.EffectivePermissions())

	if err := s.cache.Set(ctx, key, p, s.ttl); err != nil {
		s.logger.WarnContext(ctx, "identity: claims cache write failed", "user_id", p.UserID, "error", err)
	}
	return p, nil
}

// findOrProvision returns the user for ext and the provisioning outcome.
func (s *Service) findOrProvision(ctx context.Context, ext auth.ExternalIdentity) (*models.User, string, error) {
	now := s.now().UTC()

	user, err := s.repo.FindUserByExternalID(ctx, ext.Provider, ext.ExternalID)
	switch {
	case err == nil:
		if !user.IsActive {
			return nil, "", errDeactivated()
		}
		if err := s.repo.TouchLastLogin(ctx, user.ID, now); err != nil {
			return nil, "", err
		}
		user.TouchLogin(now)
		return user, metrics.OutcomeExisting, nil
	case !sserr.IsNotFound(err):
		return nil, "", err
	}

	link := models.ExternalProvider{Provider: ext.Provider, ExternalUserID: ext.ExternalID, LinkedAt: now}

	user, err = s.repo.FindUserByEmail(ctx, models.NormalizeEmail(ext.Email))
	switch {
	case err == nil:
		if !ext.EmailVerified {
			return nil, "", errUnverifiedEmail()
		}
		if !user.LinkProvider(link, now) {
			return user, metrics.OutcomeExisting, nil
		}
		if err := s.repo.LinkExternalProvider(ctx, user.ID, link); err != nil {
			return nil, "", err
		}
		if err := s.repo.TouchLastLogin(ctx, user.ID, now); err != nil {
			return nil, "", err
		}
		user.TouchLogin(now)
		s.publish(ctx, user)
		return user, metrics.OutcomeLinked, nil
	case !sserr.IsNotFound(err):
		return nil, "", err
	}

	user, err = models.NewUser(ext.Email, ext.DisplayName, ext.PictureURL, link, now)
	if err != nil {
		return nil, "", err
	}
	if err := s.repo.InsertUser(ctx, user); err != nil {
		return nil, "", err
	}
	s.publish(ctx, user)
	return user, metrics.OutcomeCreated, nil
}

func errDeactivated() error { return sserr.Denied() }

func errUnverifiedEmail() error {
	return sserr.New(sserr.CodeAuthenticationInvalid, "identity: email is not verified by the provider")
}

// classify maps a resolution failure to the error returned to callers.
// Authentication and authorization decisions made by the service pass
// through; every repository failure is reported as an unavailable
// dependency.
func (s *Service) classify(ctx context.Context, err error) error {
	if sserr.IsAuthentication(err) || sserr.IsAuthorization(err) {
		return err
	}
	s.logger.ErrorContext(ctx, "identity: persistence failure", "error", err)
	return sserr.Wrap(err, sserr.CodeUnavailableDependency, "identity: persistence unavailable")
}

// publish hands the user's pending events to the sink.
func (s *Service) publish(ctx context.Context, user *models.User) {
	events := user.PullEvents()
	if len(events) == 0 {
		return
	}
	if err := s.events.Publish(ctx, events...); err != nil {
		s.logger.WarnContext(ctx, "identity: event publish failed",
			"user_id", user.ID.String(), "events", len(events), "error", err)
	}
}

// finishSpan records err on the span and marks it failed.
func finishSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
