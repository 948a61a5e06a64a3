// Package metrics exposes the Prometheus metric set recorded by Core-B.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Request outcome label values for RequestsTotal.
const (
	OutcomeHonest         = "success_honest"
	OutcomeDeceptive      = "success_deceptive"
	OutcomeCryptoError    = "crypto_error"
	OutcomeUpstreamError  = "upstream_error"
	OutcomeSessionExpired = "session_expired"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	// RequestsTotal counts processed RPCs by outcome.
	RequestsTotal *prometheus.CounterVec
	// DeceptionEvents counts responses whose outer status was falsified,
	// by the fake status emitted.
	DeceptionEvents *prometheus.CounterVec
	// CryptoErrors counts envelope open failures and malformed plaintexts.
	CryptoErrors prometheus.Counter
	// ActiveSessions tracks live records in the session store.
	ActiveSessions prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance registered on the
// default Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewWithRegistry(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewWithRegistry creates a Metrics instance registered on reg. Tests pass
// their own registry to avoid duplicate-registration panics.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_requests_total",
			Help: "Total Aegis requests by outcome",
		}, []string{"status"}),
		DeceptionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aegis_deception_events",
			Help: "Number of deceptive responses by emitted fake status",
		}, []string{"fake_status"}),
		CryptoErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "aegis_crypto_errors",
			Help: "Decryption or crypto validation errors",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aegis_active_sessions",
			Help: "Number of active crypto sessions",
		}),
	}
}
