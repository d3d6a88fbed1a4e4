package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveDecision("granted")
	c.ObserveDecision("granted")
	c.ObserveDecision("challenge_required")
	c.ObserveSettlement("settled")
	c.RecordAuthentication(true)
	c.RecordAuthentication(false)
	c.RecordAuthentication(false)
	c.RecordPayment("nonce_conflict")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.accessDecisions.WithLabelValues("granted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.accessDecisions.WithLabelValues("challenge_required")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.settlements.WithLabelValues("settled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.signups.WithLabelValues("signup")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.signups.WithLabelValues("login")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.payments.WithLabelValues("nonce_conflict")))
}

func TestRequestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RequestStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpInFlight))

	c.RequestFinished(http.MethodGet, "/api/resources/:id/access", http.StatusPaymentRequired, 15*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.httpInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequests.WithLabelValues("GET", "/api/resources/:id/access", "402")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.ObserveDecision("not_found")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `paygate_access_decisions_total{outcome="not_found"} 1`))
}
