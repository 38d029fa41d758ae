// Package metrics exposes Prometheus collectors for the identity pipeline:
// signing-key refreshes, claims cache lookups, provisioning outcomes and
// authorization decisions.
//
// Components accept a [Recorder]; [Noop] is the default so metrics stay
// optional for library users.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "identity"

// Key refresh results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Provisioning outcomes.
const (
	OutcomeExisting    = "existing"
	OutcomeLinked      = "linked"
	OutcomeCreated     = "created"
	OutcomeRaceRetried = "race_retried"
	OutcomeFailed      = "failed"
)

// Recorder receives identity pipeline events.
type Recorder interface {
	KeyRefresh(provider, result string)
	CacheLookup(hit bool)
	Provisioning(provider, outcome string)
	AuthorizationDecision(operation string, allowed bool)
}

// Noop discards every event.
type Noop struct{}

func (Noop) KeyRefresh(string, string)          {}
func (Noop) CacheLookup(bool)                   {}
func (Noop) Provisioning(string, string)        {}
func (Noop) AuthorizationDecision(string, bool) {}

var _ Recorder = Noop{}

// Collector is the Prometheus implementation of [Recorder].
type Collector struct {
	keyRefresh    *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	provisioning  *prometheus.CounterVec
	authzDecision *prometheus.CounterVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		keyRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signing_key_refresh_total",
			Help:      "Signing key set refresh attempts by provider and result.",
		}, []string{"provider", "result"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_cache_lookups_total",
			Help:      "Claims cache lookups by result.",
		}, []string{"result"}),
		provisioning: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_total",
			Help:      "User resolutions by provider and outcome.",
		}, []string{"provider", "outcome"}),
		authzDecision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_decisions_total",
			Help:      "Authorization decisions by operation and decision.",
		}, []string{"operation", "decision"}),
	}

	reg.MustRegister(c.keyRefresh, c.cacheLookups, c.provisioning, c.authzDecision)
	return c
}

// KeyRefresh records a signing key refresh attempt.
func (c *Collector) KeyRefresh(provider, result string) {
	c.keyRefresh.WithLabelValues(provider, result).Inc()
}

// CacheLookup records a claims cache hit or miss.
func (c *Collector) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

// Provisioning records how a user was resolved.
func (c *Collector) Provisioning(provider, outcome string) {
	c.provisioning.WithLabelValues(provider, outcome).Inc()
}

// AuthorizationDecision records a permit or deny.
func (c *Collector) AuthorizationDecision(operation string, allowed bool) {
	decision := "deny"
	if allowed {
		decision = "permit"
	}
	c.authzDecision.WithLabelValues(operation, decision).Inc()
}

// Handler returns the Prometheus scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
