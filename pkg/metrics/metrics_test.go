package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_CountsByLabel(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.KeyRefresh("clerk", ResultSuccess)
	c.KeyRefresh("clerk", ResultFailure)
	c.KeyRefresh("clerk", ResultFailure)
	c.CacheLookup(true)
	c.CacheLookup(false)
	c.Provisioning("clerk", OutcomeCreated)
	c.AuthorizationDecision("/projects", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.keyRefresh.WithLabelValues("clerk", ResultSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.keyRefresh.WithLabelValues("clerk", ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.provisioning.WithLabelValues("clerk", OutcomeCreated)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.authzDecision.WithLabelValues("/projects", "deny")))
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.AuthorizationDecision("/projects", true)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "identity_authorization_decisions_total"))
}

func TestNoop_SatisfiesRecorder(t *testing.T) {
	t.Parallel()
	var r Recorder = Noop{}
	r.KeyRefresh("x", ResultSkipped)
	r.CacheLookup(true)
	r.Provisioning("x", OutcomeExisting)
	r.AuthorizationDecision("x", true)
}
