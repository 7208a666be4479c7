package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Unlock("login", false)
	m.Unlock("login", false)
	m.Unlock("login", true)
	m.ModuleOperation("install", 84532, true)
	m.SignerResolution("passkey", false)
	m.ClientInitFailure(421614)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.unlockAttempts.WithLabelValues("login", ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.unlockAttempts.WithLabelValues("login", ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.moduleOperations.WithLabelValues("install", "84532", ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signerResolutions.WithLabelValues("passkey", ResultFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.clientInitFailures.WithLabelValues("421614")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.Unlock("create", true)
		m.ModuleOperation("refresh", 1, false)
		m.SignerResolution("default", true)
		m.ClientInitFailure(1)
		m.ObserveOperation("transfer", time.Now())
		m.HTTPRequest("GET", "/v1/session", 200)
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveOperation("install_module", time.Now().Add(-time.Second))
	m.HTTPRequest("POST", "/v1/session/login", 401)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "session_wallet_operation_duration_seconds_count{operation=\"install_module\"} 1")
	assert.Contains(t, string(body), "session_wallet_http_requests_total{method=\"POST\",route=\"/v1/session/login\",status=\"401\"} 1")
}
