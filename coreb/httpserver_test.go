package coreb

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Lotargo/Aegis-Core/crypto"
	"github.com/Lotargo/Aegis-Core/internal/logger"
	"github.com/Lotargo/Aegis-Core/internal/metrics"
)

func newTestHTTPServer(t *testing.T) (*HTTPServer, *crypto.Engine, *metrics.Metrics) {
	t.Helper()
	engine, err := crypto.New()
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	m := metrics.NewWithRegistry(reg)
	return NewHTTPServer(engine, reg, logger.Nop(), 0), engine, m
}

func TestHTTPServer_PublicKey(t *testing.T) {
	srv, engine, _ := newTestHTTPServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/public-key")
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "application/x-pem-file", res.Header.Get("Content-Type"))

	pemBytes, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, engine.PublicKeyPEM(), pemBytes)

	// A peer must be able to derive a key from the served bytes.
	peer, err := crypto.New()
	require.NoError(t, err)
	key, err := peer.DeriveSharedKey(pemBytes)
	require.NoError(t, err)
	require.Len(t, key, crypto.SessionKeySize)
}

func TestHTTPServer_Health(t *testing.T) {
	srv, _, _ := newTestHTTPServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestHTTPServer_MetricsExposition(t *testing.T) {
	srv, _, m := newTestHTTPServer(t)
	m.RequestsTotal.WithLabelValues(metrics.OutcomeHonest).Inc()
	m.ActiveSessions.Set(3)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "aegis_requests_total")
	require.Contains(t, string(body), "aegis_active_sessions 3")
}
